package middleware

import (
	"net/http"
	"strconv"

	"github.com/lreardon/agent-repository/infrastructure/httputil"
	"github.com/lreardon/agent-repository/infrastructure/ratelimit"
)

// RateLimitMiddleware enforces a per-principal, per-category token bucket
// and surfaces the decision as response metadata headers on both allow
// and deny.
type RateLimitMiddleware struct {
	limiter  *ratelimit.Limiter
	category ratelimit.Category
}

// NewRateLimitMiddleware creates a rate-limit middleware fixed to one
// category; route groups mount one instance per category.
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, category ratelimit.Category) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, category: category}
}

// Handler returns the rate-limit middleware handler. Principal is the
// authenticated agent ID when present, else the client IP.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := httputil.AgentIDFromContext(r.Context())
		if !ok {
			principal = httputil.ClientIP(r)
		}

		decision, err := m.limiter.Allow(r.Context(), principal, m.category)
		if err != nil {
			if isIdempotentCategory(m.category) {
				next.ServeHTTP(w, r)
				return
			}
			httputil.ServiceUnavailable(w, "rate limiter unavailable")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetEpoch, 10))

		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			httputil.WriteErrorResponse(w, r, http.StatusTooManyRequests, "SVC_5005", "rate limit exceeded", map[string]any{
				"retry_after_seconds": decision.RetryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isIdempotentCategory reports whether category covers only read-only
// traffic, which can fail open when the store is unreachable: an
// unenforced limit on a read costs nothing durable, while an unenforced
// limit on a write or job-lifecycle call could let a caller bypass the
// escrow/negotiation invariants rate limiting exists to protect.
func isIdempotentCategory(category ratelimit.Category) bool {
	switch category {
	case ratelimit.CategoryDiscovery, ratelimit.CategoryRead:
		return true
	default:
		return false
	}
}
