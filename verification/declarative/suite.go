// Package declarative evaluates version-1.0 acceptance-criteria suites:
// declarative tests run in-process, with no network or filesystem
// access, against a seller's delivered output.
package declarative

import (
	"encoding/json"

	"github.com/lreardon/agent-repository/infrastructure/errors"
)

// MaxTestsPerSuite bounds how many tests a single suite may declare.
const MaxTestsPerSuite = 20

// TestType enumerates the supported declarative test kinds.
type TestType string

const (
	TestJSONSchema TestType = "json_schema"
	TestCountGTE   TestType = "count_gte"
	TestCountLTE   TestType = "count_lte"
	TestContains   TestType = "contains"
	TestLatencyLTE TestType = "latency_lte"
	TestHTTPStatus TestType = "http_status"
	TestChecksum   TestType = "checksum"
	TestAssertion  TestType = "assertion"
)

// Test is one declarative check within a suite.
type Test struct {
	TestID string          `json:"test_id"`
	Type   TestType        `json:"type"`
	Params json.RawMessage `json:"params"`
}

// ThresholdMode is how a suite's pass count is judged against its tests.
type ThresholdMode string

const (
	ThresholdAll      ThresholdMode = "all"
	ThresholdMajority ThresholdMode = "majority"
	ThresholdMinPass  ThresholdMode = "min_pass"
)

// PassThreshold is the parsed form of a suite's pass_threshold field,
// which on the wire is either the bare string "all"/"majority" or the
// object {"min_pass": N}.
type PassThreshold struct {
	Mode    ThresholdMode
	MinPass int
}

// UnmarshalJSON accepts both the bare-string and {min_pass:N} forms.
func (p *PassThreshold) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		switch ThresholdMode(asString) {
		case ThresholdAll, ThresholdMajority:
			p.Mode = ThresholdMode(asString)
			return nil
		}
		return errors.SchemaInvalid("pass_threshold must be \"all\", \"majority\", or {\"min_pass\": N}")
	}
	var asObject struct {
		MinPass int `json:"min_pass"`
	}
	if err := json.Unmarshal(data, &asObject); err != nil {
		return errors.SchemaInvalid("pass_threshold must be \"all\", \"majority\", or {\"min_pass\": N}")
	}
	p.Mode = ThresholdMinPass
	p.MinPass = asObject.MinPass
	return nil
}

// Met reports whether passed-out-of-total satisfies the threshold.
func (p PassThreshold) Met(passed, total int) bool {
	switch p.Mode {
	case ThresholdAll:
		return passed == total
	case ThresholdMajority:
		return total > 0 && passed*2 > total
	case ThresholdMinPass:
		return passed >= p.MinPass
	default:
		return false
	}
}

// Suite is a parsed version-1.0 acceptance-criteria document.
type Suite struct {
	Version       string        `json:"version"`
	Tests         []Test        `json:"tests"`
	PassThreshold PassThreshold `json:"pass_threshold"`
}

// ParseSuite decodes and validates the shape of a version-1.0 criteria
// document. It does not execute any test.
func ParseSuite(raw json.RawMessage) (*Suite, error) {
	var suite Suite
	if err := json.Unmarshal(raw, &suite); err != nil {
		return nil, errors.SchemaInvalid("acceptance_criteria is not a well-formed version-1.0 document")
	}
	if suite.Version != "1.0" {
		return nil, errors.SchemaInvalid("acceptance_criteria version must be \"1.0\" for declarative tests")
	}
	if len(suite.Tests) == 0 {
		return nil, errors.SchemaInvalid("acceptance_criteria must declare at least one test")
	}
	if len(suite.Tests) > MaxTestsPerSuite {
		return nil, errors.OutOfRange("tests", 1, MaxTestsPerSuite)
	}
	seen := map[string]bool{}
	for _, test := range suite.Tests {
		if test.TestID == "" {
			return nil, errors.MissingParameter("test_id")
		}
		if seen[test.TestID] {
			return nil, errors.InvalidInput("test_id", "must be unique within a suite")
		}
		seen[test.TestID] = true
		if !supportedTypes[test.Type] {
			return nil, errors.InvalidFormat("type", "one of json_schema, count_gte, count_lte, contains, latency_lte, http_status, checksum, assertion")
		}
	}
	return &suite, nil
}

var supportedTypes = map[TestType]bool{
	TestJSONSchema: true, TestCountGTE: true, TestCountLTE: true, TestContains: true,
	TestLatencyLTE: true, TestHTTPStatus: true, TestChecksum: true, TestAssertion: true,
}

// Result is the outcome of one test.
type Result struct {
	TestID  string `json:"test_id"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Summary aggregates a suite's results against its pass threshold.
type Summary struct {
	Total        int  `json:"total"`
	Passed       int  `json:"passed"`
	ThresholdMet bool `json:"threshold_met"`
}

// Report is the full output of running a suite once.
type Report struct {
	Results []Result `json:"results"`
	Summary Summary  `json:"summary"`
}
