package fetcher

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// rateLimitBody is the error payload a Discourse forum returns when a
// request is throttled.
type rateLimitBody struct {
	ErrorType string `json:"error_type"`
	Extras    struct {
		WaitSeconds float64 `json:"wait_seconds"`
	} `json:"extras"`
}

// parseRateLimitBody reports whether body is a rate-limit error payload and
// the wait it names.
func parseRateLimitBody(body []byte) (bool, time.Duration) {
	var rl rateLimitBody
	if err := json.Unmarshal(body, &rl); err != nil {
		return false, 0
	}
	if rl.ErrorType != "rate_limit" {
		return false, 0
	}
	return true, time.Duration(rl.Extras.WaitSeconds * float64(time.Second))
}
