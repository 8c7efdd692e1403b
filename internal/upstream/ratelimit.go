package upstream

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitWindow is one request or token budget reported by a provider.
type RateLimitWindow struct {
	Limit      *int64
	Remaining  *int64
	ResetAfter *time.Duration
}

// RateLimitSnapshot holds the request and token windows of one response.
type RateLimitSnapshot struct {
	Requests *RateLimitWindow
	Tokens   *RateLimitWindow
}

func (s *RateLimitSnapshot) String() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("requests=%s tokens=%s", s.Requests, s.Tokens)
}

func (w *RateLimitWindow) String() string {
	if w == nil {
		return "-"
	}
	var parts []string
	if w.Remaining != nil {
		parts = append(parts, "remaining:"+strconv.FormatInt(*w.Remaining, 10))
	}
	if w.Limit != nil {
		parts = append(parts, "limit:"+strconv.FormatInt(*w.Limit, 10))
	}
	if w.ResetAfter != nil {
		parts = append(parts, "reset:"+w.ResetAfter.String())
	}
	return strings.Join(parts, ",")
}

// ParseRateLimits extracts rate-limit windows from OpenAI style
// (x-ratelimit-*) or Anthropic style (anthropic-ratelimit-*) headers.
func ParseRateLimits(headers http.Header) *RateLimitSnapshot {
	if headers == nil {
		return nil
	}
	now := time.Now()
	requests := firstWindow(
		parseWindow(headers, now, "x-ratelimit-limit-requests", "x-ratelimit-remaining-requests", "x-ratelimit-reset-requests"),
		parseWindow(headers, now, "anthropic-ratelimit-requests-limit", "anthropic-ratelimit-requests-remaining", "anthropic-ratelimit-requests-reset"),
	)
	tokens := firstWindow(
		parseWindow(headers, now, "x-ratelimit-limit-tokens", "x-ratelimit-remaining-tokens", "x-ratelimit-reset-tokens"),
		parseWindow(headers, now, "anthropic-ratelimit-tokens-limit", "anthropic-ratelimit-tokens-remaining", "anthropic-ratelimit-tokens-reset"),
	)
	if requests == nil && tokens == nil {
		return nil
	}
	return &RateLimitSnapshot{Requests: requests, Tokens: tokens}
}

func firstWindow(ws ...*RateLimitWindow) *RateLimitWindow {
	for _, w := range ws {
		if w != nil {
			return w
		}
	}
	return nil
}

func parseWindow(headers http.Header, now time.Time, limitKey, remainingKey, resetKey string) *RateLimitWindow {
	w := &RateLimitWindow{}
	if v, ok := parseInt(headers.Get(limitKey)); ok {
		w.Limit = &v
	}
	if v, ok := parseInt(headers.Get(remainingKey)); ok {
		w.Remaining = &v
	}
	if d, ok := parseReset(headers.Get(resetKey), now); ok {
		w.ResetAfter = &d
	}
	if w.Limit == nil && w.Remaining == nil && w.ResetAfter == nil {
		return nil
	}
	return w
}

func parseInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseReset accepts a Go duration ("6m0s", "20ms"), a number of seconds, or
// an RFC 3339 timestamp.
func parseReset(s string, now time.Time) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d, true
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs >= 0 && !math.IsInf(secs, 0) && !math.IsNaN(secs) {
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// RetryAfter returns how long the provider asked the caller to wait, or zero
// when no hint is present. retry-after-ms and retry-after take precedence over
// the rate-limit window resets, of which the longest wins.
func RetryAfter(headers http.Header, now time.Time) time.Duration {
	if headers == nil {
		return 0
	}
	if ms, ok := parseInt(headers.Get("retry-after-ms")); ok && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if v := strings.TrimSpace(headers.Get("retry-after")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	var longest time.Duration
	for _, key := range []string{
		"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens",
		"anthropic-ratelimit-requests-reset", "anthropic-ratelimit-tokens-reset",
	} {
		if d, ok := parseReset(headers.Get(key), now); ok && d > longest {
			longest = d
		}
	}
	return longest
}
