// Package webhook delivers signed event notifications derived from the
// job lifecycle's event trail to the agents subscribed to them, with
// bounded exponential-backoff retry and per-destination outbound rate
// shaping.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/lreardon/agent-repository/infrastructure/crypto"
)

// unsignedEnvelope is the wire envelope before its signature field is
// computed and attached. Field order and tags here define the exact
// bytes the signature covers, so it is marshaled once and reused both
// to compute the signature and to build the final signed payload.
type unsignedEnvelope struct {
	Event     string          `json:"event"`
	JobID     string          `json:"job_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// signedEnvelope is unsignedEnvelope with its trailing signature field.
type signedEnvelope struct {
	unsignedEnvelope
	Signature string `json:"signature"`
}

// CanonicalBody builds the unsigned envelope body for event/jobID/data
// at timestamp. Delivery rows store exactly these bytes; the signature
// is computed fresh from them immediately before each delivery attempt,
// so a webhook secret rotated between creation and delivery is always
// honored.
func CanonicalBody(event, jobID string, timestamp time.Time, data json.RawMessage) ([]byte, error) {
	return json.Marshal(unsignedEnvelope{
		Event:     event,
		JobID:     jobID,
		Timestamp: timestamp.UTC().Format(time.RFC3339),
		Data:      data,
	})
}

// Sign computes the hex HMAC-SHA256 signature of timestamp + "." + body
// under secret, per the webhook envelope's wire format.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct HMAC-SHA256 of
// timestamp + "." + body under secret, in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(Sign(secret, timestamp, body))
	if err != nil {
		return false
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return crypto.ConstantTimeEqual(expected, given)
}

// SignedPayload unmarshals an unsigned body (as stored on a Delivery),
// signs it under secret, and returns the full envelope with its
// signature field attached — the exact bytes POSTed to the subscriber.
func SignedPayload(secret string, body []byte) ([]byte, error) {
	var env unsignedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return json.Marshal(signedEnvelope{
		unsignedEnvelope: env,
		Signature:        Sign(secret, env.Timestamp, body),
	})
}

// BackoffSchedule is the delay before each retry attempt, indexed by
// the number of attempts already made (0 = first retry delay). A
// delivery that has exhausted the schedule is dead-lettered.
var BackoffSchedule = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
}

// MaxAttempts bounds how many delivery attempts are made before a
// delivery is dead-lettered (marked permanently failed).
const MaxAttempts = len(BackoffSchedule)

func backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(BackoffSchedule) {
		attempt = len(BackoffSchedule) - 1
	}
	return BackoffSchedule[attempt]
}
