// Package crypto provides the Ed25519 signing primitives used to
// authenticate requests between agents and the marketplace.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KeyPair holds an Ed25519 key pair.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// PublicKeyHex returns the lowercase hex encoding of the public key.
func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

// DecodePublicKey parses a hex-encoded Ed25519 public key.
func DecodePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DecodeSignature parses a hex-encoded Ed25519 signature.
func DecodeSignature(hexSig string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexSig))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(raw))
	}
	return raw, nil
}

// Sign produces a hex-encoded Ed25519 signature over digest.
func Sign(priv ed25519.PrivateKey, digest []byte) string {
	sig := ed25519.Sign(priv, digest)
	return hex.EncodeToString(sig)
}

// Verify checks a hex-encoded Ed25519 signature over digest.
func Verify(pub ed25519.PublicKey, digest []byte, hexSig string) bool {
	sig, err := DecodeSignature(hexSig)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

// CanonicalDigest builds the byte string an agent signs for a request:
//
//	timestamp\nMETHOD\npath\nsha256hex(body)
//
// method is upper-cased and path is taken verbatim from the request line; timestamp is the
// RFC3339 value carried in the X-Timestamp header.
func CanonicalDigest(timestamp, method, path string, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	parts := []string{
		timestamp,
		strings.ToUpper(method),
		path,
		hex.EncodeToString(bodyHash[:]),
	}
	return []byte(strings.Join(parts, "\n"))
}

// ErrTimestampNotFresh indicates a request timestamp fell outside the
// acceptable clock-skew window.
var ErrTimestampNotFresh = errors.New("timestamp not fresh")

// TimestampFresh reports whether timestamp (RFC3339) is within skew of now.
// A malformed timestamp is never fresh.
func TimestampFresh(timestamp string, now time.Time, skew time.Duration) error {
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(timestamp))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTimestampNotFresh, err)
	}
	delta := now.Sub(parsed)
	if delta < 0 {
		delta = -delta
	}
	if delta > skew {
		return ErrTimestampNotFresh
	}
	return nil
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information about where they first differ. Used for webhook secret / HMAC
// comparisons outside of this package's own Ed25519 verification.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
