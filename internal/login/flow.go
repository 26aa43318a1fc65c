// Package login drives the platform's onboarding subtask flow to authenticate a session.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xpersona/xpersona/internal/apierrors"
	"github.com/xpersona/xpersona/internal/browser"
	"github.com/xpersona/xpersona/internal/queue"
	"github.com/xpersona/xpersona/internal/session"
	"github.com/xpersona/xpersona/internal/timing"
)

// Subtask identifiers returned by the onboarding flow.
const (
	SubtaskJSInstrumentation   = "LoginJsInstrumentationSubtask"
	SubtaskEnterUserIdentifier = "LoginEnterUserIdentifierSSO"
	SubtaskEnterPassword       = "LoginEnterPassword"
	SubtaskTwoFactorChallenge  = "LoginTwoFactorAuthChallenge"
	SubtaskAccountDuplication  = "AccountDuplicationCheck"
	SubtaskAlternateIdentifier = "LoginAcid"
	SubtaskSuccess             = "LoginSuccessSubtask"
	SubtaskDenied              = "DenyLoginSubtask"
)

const (
	onboardingPath             = "/1.1/onboarding/task.json"
	defaultWarmupURL           = "https://x.com/robots.txt"
	flowNameLogin              = "login"
	startLocationSplash        = "splash_screen"
	linkNext                   = "next_link"
	linkAccountDuplicationNo   = "AccountDuplicationCheck_false"
	settingKeyUserIdentifier   = "user_identifier"
	defaultDeniedMessage       = "login denied"
	maxDecisionIterations      = 10
	maxTwoFactorAttempts       = 3
	defaultLoginAttempts       = 2
	defaultPreLoginMinimum     = 4 * time.Second
	defaultPreLoginMaximum     = 7 * time.Second
	defaultRetryDelay          = 7 * time.Second
	warmupFailurePause         = 2 * time.Second
	twoFactorBackoffBase       = time.Second
	platformCodeWrongPassword  = 399
	platformCodeAuthentication = 32
	platformCodeNotFound       = 37

	// jsInstrumentationResponse is a captured instrumentation result the flow accepts.
	jsInstrumentationResponse = `{"rf":{"af07339bbc6d24bbe2c262bbd79d59f3a6559c63585c543e5c19a4031df5aba7":86,"a5a3a5a71b297a0f3c824d4f56f4598f3e7b46d6e883be25e39d38e4a0e8c3d7":251},"s":"iAGgWGVXHAXkdQEbRDHjVHcQ9dGE-MTY3NzI2MjI5OTQwNQkxMWUyMGE2MWE4ZWI5OTI5ZmE3YzI4NjQwYmJlNDVlNzMKCTFhNmM5ZGE0YWRlYzk0ZWNmZGIzMDg5YTJiMjkyNGVlCgkwYmNiOTdlZmVlNDQ5YWVjOTZiMjA4YTJiMjkyNGVlCglmYWxzZQF4vGnHIXFKXPtRNpgBT_Xj9Q=="}`

	errMessageMissingCredentials = "username and password are required"
	errMessageMissingFlowToken   = "flow response did not include a flow token"
	errMessageNoSubtasks         = "flow ended without a success subtask"
	errMessageIterationBound     = "exceeded subtask iteration limit"
	errMessageUnknownSubtask     = "unhandled subtask"
	errMessageMissingSecret      = "two-factor challenge received but no secret is configured"
	errMessageMissingEmail       = "email verification requested but no email is configured"
	errMessageMissingAuthCookies = "flow reported success but auth cookies are missing"
	errMessageGuestToken         = "failed to acquire guest token"
	errMessageTOTP               = "failed to generate two-factor code"
	errMessageResetSession       = "failed to reset session"
	errMessageRestoreSession     = "failed to restore cached session"

	logMessageCacheReused     = "reusing cached session"
	logMessageCacheError      = "session cache unreadable, running full login"
	logMessageCacheSaveFailed = "failed to save session cache"
	logMessageLoginStarted    = "starting login flow"
	logMessageSubtask         = "handling login subtask"
	logMessageLoginSucceeded  = "login succeeded"
	logMessageAttemptFailed   = "login attempt failed"
	logMessageWarmupFailed    = "warm-up request failed, continuing"
	logMessageSeederFailed    = "browser warm-up failed, continuing"
	logMessageTwoFactorRetry  = "two-factor attempt failed, retrying"
	logMessagePreLoginDelay   = "pausing before login"
)

var (
	// ErrMissingTwoFactorSecret is wrapped in the AuthError returned when 2FA is required without a secret.
	ErrMissingTwoFactorSecret = errors.New(errMessageMissingSecret)
	// ErrMissingEmail is wrapped in the AuthError returned when email verification is required without an email.
	ErrMissingEmail = errors.New(errMessageMissingEmail)
	// ErrMissingCredentials is returned before any network call when the username or password is empty.
	ErrMissingCredentials = errors.New(errMessageMissingCredentials)
)

// Credentials identify the account to authenticate.
type Credentials struct {
	Username        string
	Password        string
	Email           string
	TwoFactorSecret string
}

// Config wires an Engine.
type Config struct {
	Session     *session.Session
	Queue       *queue.Queue
	Cache       *Cache
	Credentials Credentials
	// Seeder optionally collects cookies from a real browser during warm-up.
	Seeder          browser.CookieSeeder
	WarmupURL       string
	PreLoginMinimum time.Duration
	PreLoginMaximum time.Duration
	RetryDelay      time.Duration
	Attempts        int
	CodeGenerator   CodeGenerator
	Random          *timing.Random
	Sleep           timing.SleepFunc
	Now             func() time.Time
	Logger          *zap.Logger
}

// Engine authenticates a session through the onboarding flow.
type Engine struct {
	session         *session.Session
	queue           *queue.Queue
	cache           *Cache
	credentials     Credentials
	seeder          browser.CookieSeeder
	warmupURL       string
	preLoginMinimum time.Duration
	preLoginMaximum time.Duration
	retryDelay      time.Duration
	attempts        int
	codeGenerator   CodeGenerator
	random          *timing.Random
	sleep           timing.SleepFunc
	now             func() time.Time
	logger          *zap.Logger
}

// NewEngine builds an Engine. Session and Queue are required.
func NewEngine(config Config) *Engine {
	engine := &Engine{
		session:         config.Session,
		queue:           config.Queue,
		cache:           config.Cache,
		credentials:     config.Credentials,
		seeder:          config.Seeder,
		warmupURL:       config.WarmupURL,
		preLoginMinimum: config.PreLoginMinimum,
		preLoginMaximum: config.PreLoginMaximum,
		retryDelay:      config.RetryDelay,
		attempts:        config.Attempts,
		codeGenerator:   config.CodeGenerator,
		random:          config.Random,
		sleep:           config.Sleep,
		now:             config.Now,
		logger:          config.Logger,
	}
	if engine.warmupURL == "" {
		engine.warmupURL = defaultWarmupURL
	}
	if engine.preLoginMinimum == 0 && engine.preLoginMaximum == 0 {
		engine.preLoginMinimum = defaultPreLoginMinimum
		engine.preLoginMaximum = defaultPreLoginMaximum
	}
	if engine.retryDelay <= 0 {
		engine.retryDelay = defaultRetryDelay
	}
	if engine.attempts <= 0 {
		engine.attempts = defaultLoginAttempts
	}
	if engine.codeGenerator == nil {
		engine.codeGenerator = GenerateTOTPCode
	}
	if engine.random == nil {
		engine.random = timing.NewRandom(0)
	}
	if engine.sleep == nil {
		engine.sleep = timing.Wait
	}
	if engine.now == nil {
		engine.now = time.Now
	}
	if engine.logger == nil {
		engine.logger = zap.NewNop()
	}
	return engine
}

// Login reuses a fresh cached session when possible and otherwise runs the flow once.
func (engine *Engine) Login(ctx context.Context) error {
	if err := engine.validateCredentials(); err != nil {
		return err
	}
	if engine.restoreCachedSession() {
		return nil
	}
	if err := engine.session.Reset(); err != nil {
		return fmt.Errorf("%s: %w", errMessageResetSession, err)
	}
	return engine.runFlow(ctx)
}

// LoginWithRetry reuses a fresh cached session, or warms up like a browser and runs the
// flow up to the configured number of attempts. Cookies persist between attempts.
func (engine *Engine) LoginWithRetry(ctx context.Context) error {
	if err := engine.validateCredentials(); err != nil {
		return err
	}
	if engine.restoreCachedSession() {
		return nil
	}
	if err := engine.session.Reset(); err != nil {
		return fmt.Errorf("%s: %w", errMessageResetSession, err)
	}

	preLoginDelay := engine.random.Uniform(engine.preLoginMinimum, engine.preLoginMaximum)
	engine.logger.Debug(logMessagePreLoginDelay, zap.Duration("delay", preLoginDelay))
	if err := engine.sleep(ctx, preLoginDelay); err != nil {
		return err
	}
	if err := engine.warmUp(ctx); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= engine.attempts; attempt++ {
		lastErr = engine.runFlow(ctx)
		if lastErr == nil {
			return nil
		}
		engine.logger.Warn(logMessageAttemptFailed,
			zap.String("username", engine.credentials.Username),
			zap.Int("attempt", attempt),
			zap.String("kind", apierrors.Classify(lastErr).String()),
			zap.Error(lastErr))
		if errors.Is(lastErr, ErrMissingTwoFactorSecret) || errors.Is(lastErr, ErrMissingEmail) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == engine.attempts {
			break
		}
		retryDelay := time.Duration(float64(engine.retryDelay) * (1 + engine.random.Float64()*0.5))
		if err := engine.sleep(ctx, retryDelay); err != nil {
			return err
		}
	}
	return lastErr
}

func (engine *Engine) validateCredentials() error {
	if strings.TrimSpace(engine.credentials.Username) == "" || engine.credentials.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

func (engine *Engine) restoreCachedSession() bool {
	if engine.cache == nil {
		return false
	}
	snapshot, fresh, err := engine.cache.Load(engine.credentials.Username)
	if err != nil {
		engine.logger.Warn(logMessageCacheError, zap.Error(err))
		return false
	}
	if !fresh {
		return false
	}
	if err := engine.session.Restore(snapshot); err != nil {
		engine.logger.Warn(logMessageCacheError, zap.Error(fmt.Errorf("%s: %w", errMessageRestoreSession, err)))
		return false
	}
	engine.session.SetUsername(engine.credentials.Username)
	engine.logger.Info(logMessageCacheReused,
		zap.String("username", engine.credentials.Username),
		zap.Time("saved_at", snapshot.SavedAt))
	return true
}

// warmUp collects browser cookies when a seeder is configured and then fetches a public page.
// Failures are logged and never abort the login.
func (engine *Engine) warmUp(ctx context.Context) error {
	if engine.seeder != nil {
		if err := engine.seedFromBrowser(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			engine.logger.Warn(logMessageSeederFailed, zap.Error(err))
		}
	}
	warmupErr := engine.queue.Do(ctx, "login.warmup", func(taskCtx context.Context) error {
		_, err := engine.session.Send(taskCtx, session.Request{Method: http.MethodGet, URL: engine.warmupURL})
		return err
	})
	if warmupErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	engine.logger.Warn(logMessageWarmupFailed, zap.Error(warmupErr))
	return engine.sleep(ctx, warmupFailurePause)
}

// seedResult carries the seeder's own error so the queue runs the browser exactly once.
type seedResult struct {
	cookies []session.StoredCookie
	err     error
}

// seedFromBrowser runs the browser warm-up as a queued task so it never overlaps platform calls.
func (engine *Engine) seedFromBrowser(ctx context.Context) error {
	userAgent := engine.session.Profile().UserAgent
	result, err := queue.Submit(ctx, engine.queue, "login.browser_seed", func(taskCtx context.Context) (seedResult, error) {
		cookies, seedErr := engine.seeder.SeedCookies(taskCtx, userAgent)
		return seedResult{cookies: cookies, err: seedErr}, nil
	})
	if err != nil {
		return err
	}
	if result.err != nil {
		return result.err
	}
	engine.session.AddCookies(result.cookies)
	return nil
}

func (engine *Engine) runFlow(ctx context.Context) error {
	username := engine.credentials.Username
	engine.logger.Info(logMessageLoginStarted, zap.String("username", username))

	_, guestErr := queue.Submit(ctx, engine.queue, "login.guest_token", engine.session.RefreshGuestToken)
	if guestErr != nil {
		return fmt.Errorf("%s: %w", errMessageGuestToken, guestErr)
	}

	state, err := engine.step(ctx, initialFlowPayload())
	if err != nil {
		return err
	}
	if state, err = engine.step(ctx, jsInstrumentationPayload(state.FlowToken)); err != nil {
		return err
	}
	if state, err = engine.step(ctx, userIdentifierPayload(state.FlowToken, username)); err != nil {
		return err
	}
	if state, err = engine.step(ctx, passwordPayload(state.FlowToken, engine.credentials.Password)); err != nil {
		return err
	}

	for iteration := 1; iteration <= maxDecisionIterations; iteration++ {
		if len(state.Subtasks) == 0 {
			return apierrors.NewProtocolShapeError(errMessageNoSubtasks)
		}
		current := state.Subtasks[0]
		engine.logger.Debug(logMessageSubtask, zap.String("subtask", current.SubtaskID), zap.Int("iteration", iteration))

		switch current.SubtaskID {
		case SubtaskSuccess:
			return engine.completeLogin()
		case SubtaskDenied:
			return apierrors.NewAuthError("%s", current.deniedMessage())
		case SubtaskTwoFactorChallenge:
			state, err = engine.answerTwoFactor(ctx, state.FlowToken)
		case SubtaskAccountDuplication:
			state, err = engine.step(ctx, accountDuplicationPayload(state.FlowToken))
		case SubtaskAlternateIdentifier:
			if strings.TrimSpace(engine.credentials.Email) == "" {
				return fmt.Errorf("%w: %w", ErrMissingEmail, apierrors.NewAuthError(errMessageMissingEmail))
			}
			state, err = engine.step(ctx, enterTextPayload(state.FlowToken, SubtaskAlternateIdentifier, engine.credentials.Email))
		case SubtaskEnterPassword:
			state, err = engine.step(ctx, passwordPayload(state.FlowToken, engine.credentials.Password))
		default:
			return apierrors.NewProtocolShapeError("%s: %s", errMessageUnknownSubtask, current.SubtaskID)
		}
		if err != nil {
			return err
		}
	}
	return apierrors.NewProtocolShapeError(errMessageIterationBound)
}

func (engine *Engine) answerTwoFactor(ctx context.Context, flowToken string) (*flowResponse, error) {
	secret := engine.credentials.TwoFactorSecret
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: %w", ErrMissingTwoFactorSecret, apierrors.NewAuthError(errMessageMissingSecret))
	}
	var lastErr error
	for attempt := 0; attempt < maxTwoFactorAttempts; attempt++ {
		code, codeErr := engine.codeGenerator(secret, engine.now())
		if codeErr != nil {
			return nil, fmt.Errorf("%s: %w", errMessageTOTP, apierrors.NewAuthError("%v", codeErr))
		}
		state, err := engine.step(ctx, enterTextPayload(flowToken, SubtaskTwoFactorChallenge, code))
		if err == nil {
			return state, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == maxTwoFactorAttempts-1 {
			break
		}
		backoff := engine.random.ExponentialBackoff(twoFactorBackoffBase, attempt, 1, 2)
		engine.logger.Warn(logMessageTwoFactorRetry, zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		if sleepErr := engine.sleep(ctx, backoff); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, lastErr
}

func (engine *Engine) completeLogin() error {
	if !engine.session.HasCookies(session.AuthCookieName) || engine.session.CSRFToken() == "" {
		return apierrors.NewAuthError(errMessageMissingAuthCookies)
	}
	engine.session.SetUsername(engine.credentials.Username)
	engine.logger.Info(logMessageLoginSucceeded, zap.String("username", engine.credentials.Username))
	if engine.cache != nil {
		if err := engine.cache.Save(engine.session.Snapshot()); err != nil {
			engine.logger.Warn(logMessageCacheSaveFailed, zap.Error(err))
		}
	}
	return nil
}

func (engine *Engine) onboardingURL() string {
	return engine.session.APIBaseURL() + onboardingPath
}

// step posts one flow payload through the queue and decodes the next flow state.
func (engine *Engine) step(ctx context.Context, payload map[string]any) (*flowResponse, error) {
	return queue.Submit(ctx, engine.queue, "login.flow", func(taskCtx context.Context) (*flowResponse, error) {
		request, err := session.NewJSONRequest(http.MethodPost, engine.onboardingURL(), payload)
		if err != nil {
			return nil, err
		}
		response, sendErr := engine.session.Send(taskCtx, request)
		if sendErr != nil {
			return nil, classifyFlowFailure(sendErr)
		}
		var state flowResponse
		if err := json.Unmarshal(response.Body, &state); err != nil {
			return nil, apierrors.NewProtocolShapeError("decode flow response: %v", err)
		}
		if len(state.Errors) > 0 {
			return nil, platformErrorsToError(state.Errors)
		}
		if state.FlowToken == "" {
			return nil, apierrors.NewProtocolShapeError(errMessageMissingFlowToken)
		}
		return &state, nil
	})
}

// classifyFlowFailure turns rejected responses carrying platform error codes into auth or
// shape errors. Other failures pass through unchanged.
func classifyFlowFailure(err error) error {
	var sessionErr *apierrors.SessionError
	if !errors.As(err, &sessionErr) || len(sessionErr.Body) == 0 || !errors.Is(err, apierrors.ErrRejected) {
		return err
	}
	var payload struct {
		Errors []platformError `json:"errors"`
	}
	if json.Unmarshal(sessionErr.Body, &payload) != nil || len(payload.Errors) == 0 {
		return err
	}
	return &apierrors.SessionError{
		Method:     sessionErr.Method,
		URL:        sessionErr.URL,
		StatusCode: sessionErr.StatusCode,
		Err:        platformErrorsToError(payload.Errors),
		Body:       sessionErr.Body,
	}
}

func platformErrorsToError(platformErrors []platformError) error {
	first := platformErrors[0]
	switch first.Code {
	case platformCodeWrongPassword, platformCodeAuthentication, platformCodeNotFound:
		return apierrors.NewAuthError("code %d: %s", first.Code, first.Message)
	default:
		return apierrors.NewProtocolShapeError("code %d: %s", first.Code, first.Message)
	}
}
