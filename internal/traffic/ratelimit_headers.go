package traffic

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// parsedHeaders is the result of parsing an upstream response's rate-limit
// headers, centralized here rather than
// inlined at each call site, following the header-parsing idiom of
// other_examples' Echo-based rate-limit-header middleware.
type parsedHeaders struct {
	limit      *int
	remaining  *int
	resetAt    *time.Time
	retryAfter *time.Duration
}

// parseRateLimitHeaders extracts Retry-After, X-RateLimit-Limit-Requests,
// X-RateLimit-Remaining-Requests, and X-RateLimit-Reset-Requests from an
// upstream response. Header lookups are case-insensitive via
// http.Header.Get. Unparseable values are silently dropped from the
// result (not treated as zero) so settleFromHeaders never corrupts state
// with a misparsed field: failures are explicit rather than silently
// coerced to a default.
func parseRateLimitHeaders(h http.Header, now time.Time) parsedHeaders {
	var out parsedHeaders

	if v := h.Get("X-RateLimit-Limit-Requests"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			out.limit = &n
		}
	}
	if v := h.Get("X-RateLimit-Remaining-Requests"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			out.remaining = &n
		}
	}
	if v := h.Get("X-RateLimit-Reset-Requests"); v != "" {
		if t, ok := parseResetValue(v, now); ok {
			out.resetAt = &t
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if d, ok := parseRetryAfter(v, now); ok {
			out.retryAfter = &d
		}
	}
	return out
}

// parseResetValue accepts a duration suffixed with "s" or "ms", or a bare
// absolute epoch (seconds)
func parseResetValue(v string, now time.Time) (time.Time, bool) {
	v = strings.TrimSpace(v)
	switch {
	case strings.HasSuffix(v, "ms"):
		n, err := strconv.ParseInt(strings.TrimSuffix(v, "ms"), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return now.Add(time.Duration(n) * time.Millisecond), true
	case strings.HasSuffix(v, "s"):
		f, err := strconv.ParseFloat(strings.TrimSuffix(v, "s"), 64)
		if err != nil {
			return time.Time{}, false
		}
		return now.Add(time.Duration(f * float64(time.Second))), true
	default:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	}
}

// parseRetryAfter accepts either an integer/float number of seconds or an
// HTTP-date, per RFC 9110 §10.2.3.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
