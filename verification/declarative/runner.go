package declarative

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lreardon/agent-repository/infrastructure/errors"
)

const (
	// DefaultTestTimeout bounds a single declarative test's execution.
	DefaultTestTimeout = 60 * time.Second
	// DefaultSuiteTimeout bounds an entire suite's execution.
	DefaultSuiteTimeout = 300 * time.Second
)

// Runner evaluates a parsed Suite against a delivered payload.
type Runner struct {
	httpClient      *http.Client
	allowHTTPStatus bool
	testTimeout     time.Duration
	suiteTimeout    time.Duration
}

// NewRunner constructs a Runner. allowHTTPStatus gates the one test type
// that performs real network I/O (http_status); when it is false, every
// http_status test fails closed with a descriptive message rather than
// silently skipping. No configuration setting controls the flag; it is
// whatever the caller passes.
func NewRunner(allowHTTPStatus bool) *Runner {
	return &Runner{
		httpClient:      &http.Client{Timeout: DefaultTestTimeout},
		allowHTTPStatus: allowHTTPStatus,
		testTimeout:     DefaultTestTimeout,
		suiteTimeout:    DefaultSuiteTimeout,
	}
}

// Run evaluates every test in suite against deliverable and aggregates
// the results against the suite's pass threshold.
func (r *Runner) Run(ctx context.Context, suite *Suite, deliverable json.RawMessage, startedAt, deliveredAt time.Time) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, r.suiteTimeout)
	defer cancel()

	report := &Report{Results: make([]Result, 0, len(suite.Tests))}
	for _, test := range suite.Tests {
		testCtx, testCancel := context.WithTimeout(ctx, r.testTimeout)
		passed, message := r.runOne(testCtx, test, deliverable, startedAt, deliveredAt)
		testCancel()

		if testCtx.Err() != nil {
			passed, message = false, "test timed out"
		}
		report.Results = append(report.Results, Result{TestID: test.TestID, Passed: passed, Message: message})
		if ctx.Err() != nil {
			return nil, errors.Timeout("declarative test suite")
		}
	}

	for _, res := range report.Results {
		report.Summary.Total++
		if res.Passed {
			report.Summary.Passed++
		}
	}
	report.Summary.ThresholdMet = suite.PassThreshold.Met(report.Summary.Passed, report.Summary.Total)
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, test Test, deliverable json.RawMessage, startedAt, deliveredAt time.Time) (bool, string) {
	switch test.Type {
	case TestJSONSchema:
		var params struct {
			Schema json.RawMessage `json:"schema"`
		}
		if err := json.Unmarshal(test.Params, &params); err != nil {
			return false, "invalid params"
		}
		return validateJSONSchema(params.Schema, deliverable)

	case TestCountGTE, TestCountLTE:
		var params struct {
			Path     string `json:"path"`
			MinCount int    `json:"min_count"`
			MaxCount int    `json:"max_count"`
		}
		if err := json.Unmarshal(test.Params, &params); err != nil {
			return false, "invalid params"
		}
		result := gjson.GetBytes(deliverable, params.Path)
		count := 0
		if result.IsArray() {
			count = len(result.Array())
		}
		if test.Type == TestCountGTE {
			if count >= params.MinCount {
				return true, ""
			}
			return false, "count below min_count"
		}
		if count <= params.MaxCount {
			return true, ""
		}
		return false, "count above max_count"

	case TestContains:
		var params struct {
			Pattern string `json:"pattern"`
			IsRegex bool   `json:"is_regex"`
		}
		if err := json.Unmarshal(test.Params, &params); err != nil {
			return false, "invalid params"
		}
		haystack := string(deliverable)
		if params.IsRegex {
			re, err := regexp.Compile(params.Pattern)
			if err != nil {
				return false, "invalid pattern"
			}
			if re.MatchString(haystack) {
				return true, ""
			}
			return false, "pattern not found"
		}
		if strings.Contains(haystack, params.Pattern) {
			return true, ""
		}
		return false, "substring not found"

	case TestLatencyLTE:
		var params struct {
			MaxSeconds float64 `json:"max_seconds"`
		}
		if err := json.Unmarshal(test.Params, &params); err != nil {
			return false, "invalid params"
		}
		elapsed := deliveredAt.Sub(startedAt).Seconds()
		if elapsed <= params.MaxSeconds {
			return true, ""
		}
		return false, "latency exceeded max_seconds"

	case TestHTTPStatus:
		if !r.allowHTTPStatus {
			return false, "http_status checks disabled by config"
		}
		var params struct {
			ExpectedStatus int `json:"expected_status"`
		}
		if err := json.Unmarshal(test.Params, &params); err != nil {
			return false, "invalid params"
		}
		var url string
		if err := json.Unmarshal(deliverable, &url); err != nil {
			return false, "deliverable is not a URL string"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, "invalid deliverable URL"
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return false, "request failed"
		}
		defer resp.Body.Close()
		if resp.StatusCode == params.ExpectedStatus {
			return true, ""
		}
		return false, "unexpected status code"

	case TestChecksum:
		var params struct {
			ExpectedHash string `json:"expected_hash"`
		}
		if err := json.Unmarshal(test.Params, &params); err != nil {
			return false, "invalid params"
		}
		canon, err := canonicalizeForChecksum(deliverable)
		if err != nil {
			return false, "deliverable could not be canonicalized"
		}
		sum := sha256.Sum256(canon)
		if hex.EncodeToString(sum[:]) == params.ExpectedHash {
			return true, ""
		}
		return false, "checksum mismatch"

	case TestAssertion:
		var params struct {
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal(test.Params, &params); err != nil {
			return false, "invalid params"
		}
		var output interface{}
		if err := json.Unmarshal(deliverable, &output); err != nil {
			return false, "deliverable is not well-formed JSON"
		}
		return evaluateAssertion(params.Expression, output)

	default:
		return false, "unsupported"
	}
}
