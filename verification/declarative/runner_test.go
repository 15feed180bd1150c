package declarative

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSuite_RejectsWrongVersion(t *testing.T) {
	_, err := ParseSuite(json.RawMessage(`{"version":"2.0","tests":[]}`))
	assert.Error(t, err)
}

func TestParseSuite_RejectsTooManyTests(t *testing.T) {
	tests := make([]map[string]string, 21)
	for i := range tests {
		tests[i] = map[string]string{"test_id": "t", "type": "contains"}
	}
	raw, _ := json.Marshal(map[string]interface{}{"version": "1.0", "tests": tests, "pass_threshold": "all"})
	_, err := ParseSuite(raw)
	assert.Error(t, err)
}

func TestRunner_CountGTEAndContains(t *testing.T) {
	raw := json.RawMessage(`{
		"version": "1.0",
		"tests": [
			{"test_id": "t1", "type": "count_gte", "params": {"path": "items", "min_count": 2}},
			{"test_id": "t2", "type": "contains", "params": {"pattern": "hello"}}
		],
		"pass_threshold": "all"
	}`)
	suite, err := ParseSuite(raw)
	require.NoError(t, err)

	deliverable := json.RawMessage(`{"items": [1, 2, 3], "greeting": "hello world"}`)
	runner := NewRunner(false)

	report, err := runner.Run(context.Background(), suite, deliverable, time.Now(), time.Now())
	require.NoError(t, err)
	assert.True(t, report.Summary.ThresholdMet)
	assert.Equal(t, 2, report.Summary.Passed)
}

func TestRunner_LatencyLTE(t *testing.T) {
	raw := json.RawMessage(`{
		"version": "1.0",
		"tests": [{"test_id": "t1", "type": "latency_lte", "params": {"max_seconds": 5}}],
		"pass_threshold": "all"
	}`)
	suite, err := ParseSuite(raw)
	require.NoError(t, err)

	started := time.Now()
	delivered := started.Add(10 * time.Second)
	runner := NewRunner(false)

	report, err := runner.Run(context.Background(), suite, json.RawMessage(`{}`), started, delivered)
	require.NoError(t, err)
	assert.False(t, report.Summary.ThresholdMet)
}

func TestRunner_Checksum(t *testing.T) {
	deliverable := json.RawMessage(`{"b": 2, "a": 1}`)
	canon, err := canonicalizeForChecksum(deliverable)
	require.NoError(t, err)
	sum := sha256.Sum256(canon)
	expected := hex.EncodeToString(sum[:])

	raw, _ := json.Marshal(map[string]interface{}{
		"version": "1.0",
		"tests": []map[string]interface{}{
			{"test_id": "t1", "type": "checksum", "params": map[string]string{"expected_hash": expected}},
		},
		"pass_threshold": "all",
	})
	suite, err := ParseSuite(raw)
	require.NoError(t, err)

	runner := NewRunner(false)
	report, err := runner.Run(context.Background(), suite, deliverable, time.Now(), time.Now())
	require.NoError(t, err)
	assert.True(t, report.Summary.ThresholdMet)
}

func TestRunner_AssertionWhitelistRejectsAttributeAccess(t *testing.T) {
	raw := json.RawMessage(`{
		"version": "1.0",
		"tests": [{"test_id": "t1", "type": "assertion", "params": {"expression": "output.constructor"}}],
		"pass_threshold": "all"
	}`)
	suite, err := ParseSuite(raw)
	require.NoError(t, err)

	runner := NewRunner(false)
	report, err := runner.Run(context.Background(), suite, json.RawMessage(`{"score": 10}`), time.Now(), time.Now())
	require.NoError(t, err)
	assert.False(t, report.Results[0].Passed)
	assert.Equal(t, "unsupported", report.Results[0].Message)
}

func TestRunner_AssertionAllowsArithmeticOverOutput(t *testing.T) {
	raw := json.RawMessage(`{
		"version": "1.0",
		"tests": [{"test_id": "t1", "type": "assertion", "params": {"expression": "output[\"score\"] >= 5"}}],
		"pass_threshold": "all"
	}`)
	suite, err := ParseSuite(raw)
	require.NoError(t, err)

	runner := NewRunner(false)
	report, err := runner.Run(context.Background(), suite, json.RawMessage(`{"score": 10}`), time.Now(), time.Now())
	require.NoError(t, err)
	assert.True(t, report.Results[0].Passed)
}

func TestRunner_HTTPStatusDisabledByConfig(t *testing.T) {
	raw := json.RawMessage(`{
		"version": "1.0",
		"tests": [{"test_id": "t1", "type": "http_status", "params": {"expected_status": 200}}],
		"pass_threshold": "all"
	}`)
	suite, err := ParseSuite(raw)
	require.NoError(t, err)

	runner := NewRunner(false)
	report, err := runner.Run(context.Background(), suite, json.RawMessage(`"https://example.com"`), time.Now(), time.Now())
	require.NoError(t, err)
	assert.False(t, report.Results[0].Passed)
	assert.Equal(t, "http_status checks disabled by config", report.Results[0].Message)
}
