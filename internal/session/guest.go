package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xpersona/xpersona/internal/apierrors"
)

const guestBackoffBase = time.Second

type guestActivateResponse struct {
	GuestToken string `json:"guest_token"`
}

// AcquireGuestToken returns the installed guest token, activating one when none is held.
// Concurrent callers share a single activation.
func (session *Session) AcquireGuestToken(ctx context.Context) (string, error) {
	if guestToken := session.GuestToken(); guestToken != "" {
		return guestToken, nil
	}
	value, err, _ := session.guestFlight.Do(guestTokenFlightKey, func() (any, error) {
		if guestToken := session.GuestToken(); guestToken != "" {
			return guestToken, nil
		}
		return session.activateGuestToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// RefreshGuestToken discards the current guest token and activates a new one.
func (session *Session) RefreshGuestToken(ctx context.Context) (string, error) {
	session.mutex.Lock()
	session.guestToken = ""
	session.mutex.Unlock()
	return session.AcquireGuestToken(ctx)
}

func (session *Session) activateGuestToken(ctx context.Context) (string, error) {
	activateURL := session.apiBaseURL + guestActivatePath
	var lastErr error
	for attempt := 0; attempt < guestActivateAttempts; attempt++ {
		response, sendErr := session.sendOnce(ctx, Request{Method: http.MethodPost, URL: activateURL})
		if sendErr != nil {
			if ctx.Err() != nil {
				return "", sendErr
			}
			lastErr = sendErr
		} else {
			guestToken, wait, activateErr := parseGuestActivation(response, session.now())
			if activateErr == nil {
				session.mutex.Lock()
				session.guestToken = guestToken
				session.mutex.Unlock()
				session.logger.Debug(logMessageGuestAcquired, zap.Int("attempt", attempt+1))
				return guestToken, nil
			}
			lastErr = activateErr
			if wait > 0 {
				session.logger.Warn(logMessageRateLimited, zap.String("url", activateURL), zap.Duration("retry_after", wait))
				if sleepErr := session.sleep(ctx, wait); sleepErr != nil {
					return "", &apierrors.SessionError{Method: http.MethodPost, URL: activateURL, Err: sleepErr}
				}
				continue
			}
		}
		if attempt == guestActivateAttempts-1 {
			break
		}
		backoff := session.random.ExponentialBackoff(guestBackoffBase, attempt, 0.5, 1.5)
		session.logger.Info(logMessageGuestRetry, zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(lastErr))
		if sleepErr := session.sleep(ctx, backoff); sleepErr != nil {
			return "", &apierrors.SessionError{Method: http.MethodPost, URL: activateURL, Err: sleepErr}
		}
	}
	return "", &apierrors.SessionError{
		Method: http.MethodPost,
		URL:    activateURL,
		Err:    &apierrors.TransientNetworkError{Op: errGuestExhausted.Error(), Err: lastErr},
	}
}

// parseGuestActivation returns the token, or the delay requested by a 429.
func parseGuestActivation(response *Response, now time.Time) (string, time.Duration, error) {
	if response.StatusCode == http.StatusTooManyRequests {
		wait := guestRateLimitedBackoff
		if response.Header.Get(retryAfterHeaderName) != "" || response.Header.Get(rateLimitResetHeaderName) != "" {
			wait = retryAfterDelay(response.Header, now)
		}
		return "", wait, &apierrors.RateLimitedError{RetryAfter: wait}
	}
	if response.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("guest activation status %d", response.StatusCode)
	}
	var payload guestActivateResponse
	if err := json.Unmarshal(response.Body, &payload); err != nil {
		return "", 0, fmt.Errorf("%s: %w", errMessageDecodeGuest, err)
	}
	guestToken := strings.TrimSpace(payload.GuestToken)
	if guestToken == "" {
		return "", 0, errGuestEmpty
	}
	return guestToken, 0, nil
}
