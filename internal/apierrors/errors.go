// Package apierrors defines the failure taxonomy shared by the session, queue, login
// and conversation layers.
package apierrors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a platform failure for retry decisions.
type Kind int

const (
	// KindUnknown is an unclassified failure. The queue treats it as transient.
	KindUnknown Kind = iota
	// KindAuth covers bad credentials and denied logins. Never retried by the queue.
	KindAuth
	// KindRateLimited covers 429 responses the session could not wait out.
	KindRateLimited
	// KindTransientNetwork covers connection failures, timeouts and 5xx responses.
	KindTransientNetwork
	// KindProtocolShape covers unexpected subtasks and malformed response bodies.
	KindProtocolShape
	// KindRejected covers 4xx responses other than 403/429. Not retried.
	KindRejected
	// KindUnconfirmed covers writes that reached the platform without a readable answer.
	// Not retried, since repeating the write could apply it twice.
	KindUnconfirmed
)

func (kind Kind) String() string {
	switch kind {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTransientNetwork:
		return "transient_network"
	case KindProtocolShape:
		return "protocol_shape"
	case KindRejected:
		return "rejected"
	case KindUnconfirmed:
		return "unconfirmed"
	default:
		return "unknown"
	}
}

// AuthError reports a credential or login denial.
type AuthError struct {
	Reason string
}

func (err *AuthError) Error() string {
	return "auth: " + err.Reason
}

// RateLimitedError reports that the platform kept throttling after the allowed waits.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (err *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", err.RetryAfter)
}

// TransientNetworkError reports a recoverable transport failure.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (err *TransientNetworkError) Error() string {
	if err.Err == nil {
		return "transient network: " + err.Op
	}
	return fmt.Sprintf("transient network: %s: %v", err.Op, err.Err)
}

func (err *TransientNetworkError) Unwrap() error {
	return err.Err
}

// ProtocolShapeError reports a response the client does not know how to handle.
type ProtocolShapeError struct {
	Detail string
}

func (err *ProtocolShapeError) Error() string {
	return "unexpected response shape: " + err.Detail
}

// UnconfirmedError reports a write whose outcome is unknown: the request was sent but the
// answer was a server error or never arrived.
type UnconfirmedError struct {
	Op  string
	Err error
}

func (err *UnconfirmedError) Error() string {
	return fmt.Sprintf("unconfirmed %s: %v", err.Op, err.Err)
}

func (err *UnconfirmedError) Unwrap() error {
	return err.Err
}

// SessionError is returned by the session for every failed send.
type SessionError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
	// Body holds the response body of rejected requests so callers can read platform error codes.
	Body []byte
}

func (err *SessionError) Error() string {
	if err.StatusCode > 0 {
		return fmt.Sprintf("session %s %s: status %d: %v", err.Method, err.URL, err.StatusCode, err.Err)
	}
	return fmt.Sprintf("session %s %s: %v", err.Method, err.URL, err.Err)
}

func (err *SessionError) Unwrap() error {
	return err.Err
}

var (
	// ErrRejected is wrapped by SessionError for non-retryable 4xx statuses.
	ErrRejected = errors.New("request rejected by platform")
)

// NewAuthError builds an AuthError with a formatted reason.
func NewAuthError(format string, args ...any) error {
	return &AuthError{Reason: fmt.Sprintf(format, args...)}
}

// NewProtocolShapeError builds a ProtocolShapeError with a formatted detail.
func NewProtocolShapeError(format string, args ...any) error {
	return &ProtocolShapeError{Detail: fmt.Sprintf(format, args...)}
}

// Classify reports the Kind of err by walking its wrap chain.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var unconfirmedErr *UnconfirmedError
	if errors.As(err, &unconfirmedErr) {
		return KindUnconfirmed
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return KindAuth
	}
	var rateErr *RateLimitedError
	if errors.As(err, &rateErr) {
		return KindRateLimited
	}
	var shapeErr *ProtocolShapeError
	if errors.As(err, &shapeErr) {
		return KindProtocolShape
	}
	if errors.Is(err, ErrRejected) {
		return KindRejected
	}
	var networkErr *TransientNetworkError
	if errors.As(err, &networkErr) {
		return KindTransientNetwork
	}
	return KindUnknown
}

// Retryable reports whether the queue may retry a task that failed with err.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case KindAuth, KindRejected, KindProtocolShape, KindUnconfirmed:
		return false
	default:
		return true
	}
}
