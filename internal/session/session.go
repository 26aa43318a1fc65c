// Package session implements the browser-like HTTP session used for every platform call.
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xpersona/xpersona/internal/apierrors"
	"github.com/xpersona/xpersona/internal/identity"
	"github.com/xpersona/xpersona/internal/timing"
)

const (
	// DefaultAPIBaseURL hosts guest activation and the onboarding flow.
	DefaultAPIBaseURL = "https://api.x.com"
	// DefaultWebBaseURL hosts GraphQL and the web timeline.
	DefaultWebBaseURL = "https://x.com"
	// DefaultBearerToken is the public web client bearer token.
	DefaultBearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

	defaultRequestTimeout       = 15 * time.Second
	defaultMaxRateLimitWaits    = 3
	defaultRotationProbability  = 0.05
	defaultRotationMinimumSends = 25
	maxResponseBodyBytes        = 8 * 1024 * 1024
	transactionIDRandomBytes    = 48
	transactionIDMaxLength      = 72

	headerAuthorization     = "Authorization"
	headerUserAgent         = "User-Agent"
	headerAccept            = "Accept"
	headerAcceptLanguage    = "Accept-Language"
	headerContentType       = "Content-Type"
	headerOrigin            = "Origin"
	headerReferer           = "Referer"
	headerClientHint        = "Sec-Ch-Ua"
	headerClientHintMobile  = "Sec-Ch-Ua-Mobile"
	headerClientHintOS      = "Sec-Ch-Ua-Platform"
	headerFetchDest         = "Sec-Fetch-Dest"
	headerFetchMode         = "Sec-Fetch-Mode"
	headerFetchSite         = "Sec-Fetch-Site"
	headerActiveUser        = "X-Twitter-Active-User"
	headerClientLanguage    = "X-Twitter-Client-Language"
	headerAuthType          = "X-Twitter-Auth-Type"
	headerCSRFToken         = "X-Csrf-Token"
	headerGuestToken        = "X-Guest-Token"
	headerTransactionID     = "X-Client-Transaction-Id"
	headerClientUUID        = "X-Client-Uuid"
	acceptAnyValue          = "*/*"
	acceptLanguageValue     = "en-US,en;q=0.9"
	contentTypeJSON         = "application/json"
	fetchDestEmpty          = "empty"
	fetchModeCORS           = "cors"
	fetchSiteSameSite       = "same-site"
	activeUserValue         = "yes"
	clientLanguageValue     = "en"
	authTypeSession         = "OAuth2Session"
	bearerPrefix            = "Bearer "
	guestActivatePath       = "/1.1/guest/activate.json"
	guestTokenFlightKey     = "guest_token"
	guestActivateAttempts   = 5
	guestRateLimitedBackoff = 60 * time.Second

	errMessageBuildRequest    = "failed to build request"
	errMessageParseURL        = "failed to parse request url"
	errMessageReadBody        = "failed to read response body"
	errMessageForbidden       = "request forbidden after guest token refresh"
	errMessageServerStatus    = "server error status"
	errMessageCookieJar       = "failed to create cookie jar"
	errMessageInvalidProxy    = "invalid proxy url"
	errMessageGuestExhausted  = "guest token activation exhausted retries"
	errMessageGuestEmpty      = "guest token response was empty"
	errMessageDecodeGuest     = "failed to decode guest token response"
	errMessageDecodeResponse  = "failed to decode response body"
	errMessageEncodePayload   = "failed to encode request payload"
	logMessageRateLimited     = "rate limited, waiting"
	logMessageGuestRetry      = "guest token activation failed, retrying"
	logMessageGuestAcquired   = "guest token acquired"
	logMessageProfileRotated  = "identity profile rotated"
	logMessageForbiddenRetry  = "forbidden response, refreshing guest token"
	logMessageSessionRestored = "session restored from snapshot"
)

var (
	errGuestExhausted = errors.New(errMessageGuestExhausted)
	errGuestEmpty     = errors.New(errMessageGuestEmpty)
)

// Config customizes a Session.
type Config struct {
	APIBaseURL   string
	WebBaseURL   string
	BearerToken  string
	ProxyURL     string
	Pool         identity.Pool
	PreferMobile bool
	// Transport replaces the profile-derived transport. Rotation keeps it unchanged.
	Transport http.RoundTripper
	// RootCAs replaces the system roots verifying the profile transport's handshakes.
	RootCAs              *x509.CertPool
	RequestTimeout       time.Duration
	MaxRateLimitWaits    int
	RotationProbability  float64
	RotationMinimumSends int
	Random               *timing.Random
	Sleep                timing.SleepFunc
	Now                  func() time.Time
	Logger               *zap.Logger
}

// Request is one outbound call. Header values override the session defaults.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewJSONRequest encodes payload as the request body.
func NewJSONRequest(method, requestURL string, payload any) (Request, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("%s: %w", errMessageEncodePayload, err)
	}
	header := http.Header{}
	header.Set(headerContentType, contentTypeJSON)
	return Request{Method: method, URL: requestURL, Header: header, Body: encoded}, nil
}

// Response is a fully read platform response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the response body into target.
func (response *Response) DecodeJSON(target any) error {
	if err := json.Unmarshal(response.Body, target); err != nil {
		return apierrors.NewProtocolShapeError("%s: %v", errMessageDecodeResponse, err)
	}
	return nil
}

// Snapshot is the persisted form of an authenticated session.
type Snapshot struct {
	Username  string         `json:"username"`
	Cookies   []StoredCookie `json:"cookies"`
	CSRFToken string         `json:"csrf_token"`
	SavedAt   time.Time      `json:"saved_at"`
}

// Session carries cookies, tokens and the active identity across platform calls.
type Session struct {
	apiBaseURL           string
	webBaseURL           string
	bearerToken          string
	proxyURL             *url.URL
	pool                 identity.Pool
	preferMobile         bool
	customTransport      http.RoundTripper
	rootCAs              *x509.CertPool
	requestTimeout       time.Duration
	maxRateLimitWaits    int
	rotationProbability  float64
	rotationMinimumSends int
	random               *timing.Random
	sleep                timing.SleepFunc
	now                  func() time.Time
	logger               *zap.Logger
	clientUUID           string
	guestFlight          singleflight.Group

	mutex              sync.Mutex
	profile            identity.Profile
	httpClient         *http.Client
	cookies            *cookieStore
	csrfToken          string
	guestToken         string
	username           string
	sendsSinceRotation int
}

// New constructs a Session with a freshly drawn identity profile.
func New(config Config) (*Session, error) {
	session := &Session{
		apiBaseURL:           strings.TrimRight(config.APIBaseURL, "/"),
		webBaseURL:           strings.TrimRight(config.WebBaseURL, "/"),
		bearerToken:          config.BearerToken,
		pool:                 config.Pool,
		preferMobile:         config.PreferMobile,
		customTransport:      config.Transport,
		rootCAs:              config.RootCAs,
		requestTimeout:       config.RequestTimeout,
		maxRateLimitWaits:    config.MaxRateLimitWaits,
		rotationProbability:  config.RotationProbability,
		rotationMinimumSends: config.RotationMinimumSends,
		random:               config.Random,
		sleep:                config.Sleep,
		now:                  config.Now,
		logger:               config.Logger,
		clientUUID:           uuid.NewString(),
	}
	if session.apiBaseURL == "" {
		session.apiBaseURL = DefaultAPIBaseURL
	}
	if session.webBaseURL == "" {
		session.webBaseURL = DefaultWebBaseURL
	}
	if session.bearerToken == "" {
		session.bearerToken = DefaultBearerToken
	}
	if len(session.pool.UserAgents()) == 0 {
		session.pool = identity.DefaultPool()
	}
	if session.requestTimeout <= 0 {
		session.requestTimeout = defaultRequestTimeout
	}
	if session.maxRateLimitWaits <= 0 {
		session.maxRateLimitWaits = defaultMaxRateLimitWaits
	}
	if session.rotationProbability == 0 {
		session.rotationProbability = defaultRotationProbability
	}
	if session.rotationMinimumSends <= 0 {
		session.rotationMinimumSends = defaultRotationMinimumSends
	}
	if session.random == nil {
		session.random = timing.NewRandom(0)
	}
	if session.sleep == nil {
		session.sleep = timing.Wait
	}
	if session.now == nil {
		session.now = time.Now
	}
	if session.logger == nil {
		session.logger = zap.NewNop()
	}
	if strings.TrimSpace(config.ProxyURL) != "" {
		parsedProxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errMessageInvalidProxy, err)
		}
		session.proxyURL = parsedProxyURL
	}
	cookies, err := newCookieStore(session.now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageCookieJar, err)
	}
	session.cookies = cookies
	session.installProfile(session.drawProfile())
	return session, nil
}

// APIBaseURL returns the base used for guest activation and onboarding.
func (session *Session) APIBaseURL() string {
	return session.apiBaseURL
}

// WebBaseURL returns the base used for GraphQL and timeline calls.
func (session *Session) WebBaseURL() string {
	return session.webBaseURL
}

// Profile returns the active identity profile.
func (session *Session) Profile() identity.Profile {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.profile
}

// ClientUUID returns the stable x-client-uuid value.
func (session *Session) ClientUUID() string {
	return session.clientUUID
}

// Username returns the authenticated account handle, if any.
func (session *Session) Username() string {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.username
}

// SetUsername records the authenticated account handle.
func (session *Session) SetUsername(username string) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.username = username
}

// CSRFToken returns the current ct0 value.
func (session *Session) CSRFToken() string {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.csrfToken
}

// GuestToken returns the installed guest token.
func (session *Session) GuestToken() string {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.guestToken
}

// Cookie returns the value of a live cookie.
func (session *Session) Cookie(name string) (string, bool) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.cookies.value(name)
}

// HasCookies reports whether every named cookie is present with a value.
func (session *Session) HasCookies(names ...string) bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	for _, name := range names {
		if _, ok := session.cookies.value(name); !ok {
			return false
		}
	}
	return true
}

// Authenticated reports whether an auth_token cookie is held.
func (session *Session) Authenticated() bool {
	return session.HasCookies(AuthCookieName)
}

// AddCookies installs externally obtained cookies, such as those from a browser warm-up.
func (session *Session) AddCookies(cookies []StoredCookie) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.cookies.add(cookies)
	session.refreshCSRFLocked()
}

// AbsorbCookies merges the Set-Cookie headers of a response received for requestURL.
func (session *Session) AbsorbCookies(requestURL *url.URL, httpResponse *http.Response) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.cookies.absorb(requestURL, httpResponse.Cookies())
	session.refreshCSRFLocked()
}

func (session *Session) refreshCSRFLocked() {
	if csrfToken, ok := session.cookies.value(CSRFCookieName); ok {
		session.csrfToken = csrfToken
	}
}

// Snapshot captures the authenticated state for the login cache.
func (session *Session) Snapshot() Snapshot {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return Snapshot{
		Username:  session.username,
		Cookies:   session.cookies.snapshot(),
		CSRFToken: session.csrfToken,
		SavedAt:   session.now(),
	}
}

// Restore replaces the session state with a snapshot.
func (session *Session) Restore(snapshot Snapshot) error {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if err := session.cookies.restore(snapshot.Cookies); err != nil {
		return fmt.Errorf("%s: %w", errMessageCookieJar, err)
	}
	session.username = snapshot.Username
	session.csrfToken = snapshot.CSRFToken
	session.guestToken = ""
	session.refreshCSRFLocked()
	session.logger.Debug(logMessageSessionRestored, zap.Int("cookies", len(snapshot.Cookies)))
	return nil
}

// Reset drops cookies and tokens while keeping the identity profile.
func (session *Session) Reset() error {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if err := session.cookies.clear(); err != nil {
		return fmt.Errorf("%s: %w", errMessageCookieJar, err)
	}
	session.csrfToken = ""
	session.guestToken = ""
	return nil
}

// MaybeRotate switches to a new identity profile with the configured probability once
// enough sends have gone out on the current one. Cookies survive rotation.
func (session *Session) MaybeRotate() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.sendsSinceRotation < session.rotationMinimumSends {
		return false
	}
	if !session.random.Chance(session.rotationProbability) {
		return false
	}
	session.installProfileLocked(session.drawProfile())
	session.logger.Info(logMessageProfileRotated, zap.String("user_agent", session.profile.UserAgent))
	return true
}

func (session *Session) drawProfile() identity.Profile {
	generator := session.random.Generator()
	if session.preferMobile {
		return session.pool.RandomMobile(generator)
	}
	return session.pool.Random(generator)
}

func (session *Session) installProfile(profile identity.Profile) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.installProfileLocked(profile)
}

func (session *Session) installProfileLocked(profile identity.Profile) {
	session.profile = profile
	session.sendsSinceRotation = 0
	transport := session.customTransport
	if transport == nil {
		transport = newTransport(profile, session.proxyURL, session.rootCAs)
	}
	session.httpClient = newHTTPClient(transport, session.requestTimeout)
}

// Send performs a request, absorbing cookies and handling 403 and 429 responses.
// Failures are returned as *apierrors.SessionError.
func (session *Session) Send(ctx context.Context, request Request) (*Response, error) {
	forbiddenRetried := false
	rateLimitWaits := 0
	for {
		response, err := session.sendOnce(ctx, request)
		if err != nil {
			return nil, err
		}
		switch {
		case response.StatusCode == http.StatusForbidden:
			if forbiddenRetried {
				return nil, &apierrors.SessionError{
					Method:     request.Method,
					URL:        request.URL,
					StatusCode: response.StatusCode,
					Err:        apierrors.NewAuthError(errMessageForbidden),
					Body:       response.Body,
				}
			}
			forbiddenRetried = true
			session.logger.Info(logMessageForbiddenRetry, zap.String("url", request.URL))
			if _, refreshErr := session.RefreshGuestToken(ctx); refreshErr != nil {
				return nil, refreshErr
			}
			continue
		case response.StatusCode == http.StatusTooManyRequests:
			retryAfter := retryAfterDelay(response.Header, session.now())
			if rateLimitWaits >= session.maxRateLimitWaits {
				return nil, &apierrors.SessionError{
					Method:     request.Method,
					URL:        request.URL,
					StatusCode: response.StatusCode,
					Err:        &apierrors.RateLimitedError{RetryAfter: retryAfter},
					Body:       response.Body,
				}
			}
			rateLimitWaits++
			session.logger.Warn(logMessageRateLimited, zap.String("url", request.URL), zap.Duration("retry_after", retryAfter))
			if sleepErr := session.sleep(ctx, retryAfter); sleepErr != nil {
				return nil, &apierrors.SessionError{Method: request.Method, URL: request.URL, Err: sleepErr}
			}
			continue
		case response.StatusCode >= http.StatusInternalServerError:
			return nil, &apierrors.SessionError{
				Method:     request.Method,
				URL:        request.URL,
				StatusCode: response.StatusCode,
				Err:        &apierrors.TransientNetworkError{Op: errMessageServerStatus, Err: fmt.Errorf("status %d", response.StatusCode)},
				Body:       response.Body,
			}
		case response.StatusCode >= http.StatusBadRequest:
			return nil, &apierrors.SessionError{
				Method:     request.Method,
				URL:        request.URL,
				StatusCode: response.StatusCode,
				Err:        apierrors.ErrRejected,
				Body:       response.Body,
			}
		}
		return response, nil
	}
}

func (session *Session) sendOnce(ctx context.Context, request Request) (*Response, error) {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, parseErr := url.Parse(request.URL)
	if parseErr != nil {
		return nil, &apierrors.SessionError{Method: method, URL: request.URL, Err: fmt.Errorf("%s: %w", errMessageParseURL, parseErr)}
	}
	var body io.Reader
	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}
	httpRequest, buildErr := http.NewRequestWithContext(ctx, method, parsedURL.String(), body)
	if buildErr != nil {
		return nil, &apierrors.SessionError{Method: method, URL: request.URL, Err: fmt.Errorf("%s: %w", errMessageBuildRequest, buildErr)}
	}

	session.mutex.Lock()
	session.applyHeadersLocked(httpRequest, request.Body != nil)
	for _, cookie := range session.cookies.cookiesFor(parsedURL) {
		httpRequest.AddCookie(cookie)
	}
	httpClient := session.httpClient
	session.sendsSinceRotation++
	session.mutex.Unlock()

	for name, values := range request.Header {
		httpRequest.Header.Del(name)
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}

	httpResponse, doErr := httpClient.Do(httpRequest)
	if doErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &apierrors.SessionError{Method: method, URL: request.URL, Err: ctxErr}
		}
		return nil, &apierrors.SessionError{Method: method, URL: request.URL, Err: &apierrors.TransientNetworkError{Op: method, Err: doErr}}
	}
	defer httpResponse.Body.Close()

	session.AbsorbCookies(parsedURL, httpResponse)

	responseBody, readErr := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBodyBytes))
	if readErr != nil {
		return nil, &apierrors.SessionError{
			Method:     method,
			URL:        request.URL,
			StatusCode: httpResponse.StatusCode,
			Err:        &apierrors.TransientNetworkError{Op: errMessageReadBody, Err: readErr},
		}
	}
	return &Response{StatusCode: httpResponse.StatusCode, Header: httpResponse.Header, Body: responseBody}, nil
}

func (session *Session) applyHeadersLocked(httpRequest *http.Request, hasBody bool) {
	header := httpRequest.Header
	header.Set(headerUserAgent, session.profile.UserAgent)
	header.Set(headerAccept, acceptAnyValue)
	header.Set(headerAcceptLanguage, acceptLanguageValue)
	header.Set(headerAuthorization, bearerPrefix+session.bearerToken)
	header.Set(headerOrigin, session.webBaseURL)
	header.Set(headerReferer, session.webBaseURL+"/")
	if session.profile.ClientHint != "" {
		header.Set(headerClientHint, session.profile.ClientHint)
	}
	header.Set(headerClientHintMobile, session.profile.MobileHint())
	if session.profile.Platform != "" {
		header.Set(headerClientHintOS, session.profile.Platform)
	}
	header.Set(headerFetchDest, fetchDestEmpty)
	header.Set(headerFetchMode, fetchModeCORS)
	header.Set(headerFetchSite, fetchSiteSameSite)
	header.Set(headerActiveUser, activeUserValue)
	header.Set(headerClientLanguage, clientLanguageValue)
	header.Set(headerTransactionID, newTransactionID())
	header.Set(headerClientUUID, session.clientUUID)
	if hasBody {
		header.Set(headerContentType, contentTypeJSON)
	}
	if session.csrfToken != "" {
		header.Set(headerCSRFToken, session.csrfToken)
	}
	if _, authenticated := session.cookies.value(AuthCookieName); authenticated {
		header.Set(headerAuthType, authTypeSession)
	} else if session.guestToken != "" {
		header.Set(headerGuestToken, session.guestToken)
	}
}

// newTransactionID returns a random per-request identifier in base64 with '+' and '/' removed.
func newTransactionID() string {
	randomBytes := make([]byte, transactionIDRandomBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	encoded := base64.StdEncoding.EncodeToString(randomBytes)
	encoded = strings.NewReplacer("+", "", "/", "", "=", "").Replace(encoded)
	if len(encoded) > transactionIDMaxLength {
		encoded = encoded[:transactionIDMaxLength]
	}
	return encoded
}
