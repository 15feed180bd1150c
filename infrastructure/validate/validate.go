// Package validate provides small, composable request-field validators
// used across the domain services, each returning a *ServiceError ready
// to hand straight to an HTTP response.
package validate

import (
	"math"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/lreardon/agent-repository/infrastructure/errors"
)

const (
	MaxBodyBytes        = 1 << 20 // 1 MiB universal request body cap
	MaxDisplayNameLen   = 128
	MaxDescriptionLen   = 4096
	MaxCommentLen       = 4096
	MaxMessageLen       = 2048
	MaxTagLen           = 64
	MaxTagsPerAgent     = 20
	MaxDecimalBound     = 1_000_000
	MaxDecimalScale     = 2
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Tag validates a capability or skill tag: grammar [A-Za-z0-9-]+, ≤64 chars.
func Tag(field, value string) *errors.ServiceError {
	if value == "" || len(value) > MaxTagLen || !tagPattern.MatchString(value) {
		return errors.InvalidFormat(field, "[A-Za-z0-9-]+, max 64 chars")
	}
	return nil
}

// Tags validates an ordered set of ≤20 tags, each per Tag.
func Tags(field string, values []string) *errors.ServiceError {
	if len(values) > MaxTagsPerAgent {
		return errors.OutOfRange(field, 0, MaxTagsPerAgent)
	}
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if err := Tag(field, v); err != nil {
			return err
		}
		if _, dup := seen[v]; dup {
			return errors.InvalidInput(field, "duplicate tag: "+v)
		}
		seen[v] = struct{}{}
	}
	return nil
}

// FreeText validates a free-text field's length bound.
func FreeText(field, value string, maxLen int) *errors.ServiceError {
	if len(value) > maxLen {
		return errors.OutOfRange(field, 0, maxLen)
	}
	return nil
}

// Decimal validates scale (≤2 fractional digits as represented) and bound
// (≤1,000,000). amount is expressed in the same fixed-point units the
// caller stores (e.g. hundredths of a credit passed as an integer, or a
// float already rounded to 2 places). It rejects NaN/Inf, negative
// values, values above the bound, and values with more than two decimal
// places (within a 1e-9 tolerance).
func Decimal(field string, amount float64) *errors.ServiceError {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return errors.InvalidInput(field, "not a finite number")
	}
	if amount < 0 {
		return errors.InvalidInput(field, "must be non-negative")
	}
	if amount > MaxDecimalBound {
		return errors.OutOfRange(field, 0, MaxDecimalBound)
	}
	rounded := math.Round(amount*100) / 100
	if math.Abs(rounded-amount) > 1e-9 {
		return errors.InvalidFormat(field, "scale must be <= 2 decimal places")
	}
	return nil
}

// URL validates an HTTPS URL whose host does not resolve into a private,
// loopback, link-local, or unique-local range — an SSRF guard for
// endpoint_url fields and agent-card fetch targets.
//
// resolver is injected so callers can substitute a deterministic resolver
// in tests; passing nil uses net.LookupIP.
func URL(field, raw string, resolver func(host string) ([]net.IP, error)) *errors.ServiceError {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return errors.InvalidFormat(field, "valid URL")
	}
	if parsed.Scheme != "https" {
		return errors.InvalidFormat(field, "https URL")
	}
	host := parsed.Hostname()
	if host == "" {
		return errors.InvalidFormat(field, "URL with host")
	}

	if resolver == nil {
		resolver = net.LookupIP
	}

	if ip := net.ParseIP(host); ip != nil {
		if isUnsafeIP(ip) {
			return errors.InvalidInput(field, "host resolves to a private or reserved address")
		}
		return nil
	}

	ips, err := resolver(host)
	if err != nil || len(ips) == 0 {
		return errors.InvalidInput(field, "host does not resolve")
	}
	for _, ip := range ips {
		if isUnsafeIP(ip) {
			return errors.InvalidInput(field, "host resolves to a private or reserved address")
		}
	}
	return nil
}

func isUnsafeIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// BodySize validates a request body against the universal 1 MiB cap.
func BodySize(n int64) *errors.ServiceError {
	if n > MaxBodyBytes {
		return errors.PayloadTooLarge(MaxBodyBytes)
	}
	return nil
}

// Range validates an integer falls within [min, max] inclusive.
func Range(field string, value, min, max int) *errors.ServiceError {
	if value < min || value > max {
		return errors.OutOfRange(field, min, max)
	}
	return nil
}

// RequiredString validates a string field is non-empty after trimming.
func RequiredString(field, value string) *errors.ServiceError {
	if strings.TrimSpace(value) == "" {
		return errors.MissingParameter(field)
	}
	return nil
}

// MaxRounds validates the negotiation round bound: 1 to 20 rounds.
func MaxRounds(value int) *errors.ServiceError {
	return Range("max_rounds", value, 1, 20)
}
