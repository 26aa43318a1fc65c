package session

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	retryAfterHeaderName     = "Retry-After"
	rateLimitResetHeaderName = "X-Rate-Limit-Reset"
	defaultRetryAfter        = 60 * time.Second
	maximumRetryAfter        = 15 * time.Minute
)

// retryAfterDelay reads how long the platform asked us to back off. Retry-After may carry
// seconds or an HTTP date; x-rate-limit-reset carries an epoch second.
func retryAfterDelay(header http.Header, now time.Time) time.Duration {
	if retryAfter := strings.TrimSpace(header.Get(retryAfterHeaderName)); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
			return clampRetryAfter(time.Duration(seconds) * time.Second)
		}
		if retryAt, err := http.ParseTime(retryAfter); err == nil {
			return clampRetryAfter(retryAt.Sub(now))
		}
	}
	if reset := strings.TrimSpace(header.Get(rateLimitResetHeaderName)); reset != "" {
		if epochSeconds, err := strconv.ParseInt(reset, 10, 64); err == nil {
			return clampRetryAfter(time.Unix(epochSeconds, 0).Sub(now))
		}
	}
	return defaultRetryAfter
}

func clampRetryAfter(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if delay > maximumRetryAfter {
		return maximumRetryAfter
	}
	return delay
}
