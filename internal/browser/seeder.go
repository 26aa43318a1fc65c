// Package browser seeds the login session with cookies produced by a real headless Chrome visit.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xpersona/xpersona/internal/session"
)

const (
	chromeBinaryEnvironmentVariable = "CHROME_BIN"
	chromeBinaryPathMacOS           = "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
	chromeBinaryPathLinux           = "/usr/bin/google-chrome"
	chromeBinaryNameLinux           = "google-chrome"
	chromeBinaryPathChromium        = "/usr/bin/chromium"
	chromeBinaryNameChromium        = "chromium"

	// DefaultWarmupURL is the page visited to collect first-party cookies.
	DefaultWarmupURL = "https://x.com/"

	defaultSettleDuration = 3 * time.Second
	defaultSeedTimeout    = 45 * time.Second

	errMessageMissingChromeBinary = "chrome binary path could not be determined"
	errMessageChromeRun           = "headless chrome warm-up failed"
	logMessageSeeded              = "browser warm-up collected cookies"
)

var (
	// ErrMissingChromeBinary is returned when no Chrome installation can be found.
	ErrMissingChromeBinary = errors.New(errMessageMissingChromeBinary)

	defaultChromeBinaryCandidates = []string{
		chromeBinaryPathMacOS,
		chromeBinaryPathLinux,
		chromeBinaryNameLinux,
		chromeBinaryPathChromium,
		chromeBinaryNameChromium,
	}
)

// CookieSeeder produces cookies to install on a session before the login flow starts.
type CookieSeeder interface {
	SeedCookies(ctx context.Context, userAgent string) ([]session.StoredCookie, error)
}

// ChromeSeederConfig configures a ChromeSeeder.
type ChromeSeederConfig struct {
	BinaryPath string
	WarmupURL  string
	// Settle is how long the page may run scripts before cookies are read.
	Settle  time.Duration
	Timeout time.Duration
	Logger  *zap.Logger
}

// ChromeSeeder drives headless Chrome through chromedp.
type ChromeSeeder struct {
	binaryPath string
	warmupURL  string
	settle     time.Duration
	timeout    time.Duration
	logger     *zap.Logger
}

// NewChromeSeeder resolves the Chrome binary and builds a seeder.
func NewChromeSeeder(config ChromeSeederConfig) (*ChromeSeeder, error) {
	binaryPath := ResolveChromeBinaryPath(config.BinaryPath)
	if binaryPath == "" {
		return nil, ErrMissingChromeBinary
	}
	seeder := &ChromeSeeder{
		binaryPath: binaryPath,
		warmupURL:  strings.TrimSpace(config.WarmupURL),
		settle:     config.Settle,
		timeout:    config.Timeout,
		logger:     config.Logger,
	}
	if seeder.warmupURL == "" {
		seeder.warmupURL = DefaultWarmupURL
	}
	if seeder.settle <= 0 {
		seeder.settle = defaultSettleDuration
	}
	if seeder.timeout <= 0 {
		seeder.timeout = defaultSeedTimeout
	}
	if seeder.logger == nil {
		seeder.logger = zap.NewNop()
	}
	return seeder, nil
}

// SeedCookies loads the warm-up page with the given user agent and returns its cookies.
func (seeder *ChromeSeeder) SeedCookies(ctx context.Context, userAgent string) ([]session.StoredCookie, error) {
	allocatorOptions := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocatorOptions = append(allocatorOptions,
		chromedp.ExecPath(seeder.binaryPath),
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("hide-scrollbars", true),
	)
	if strings.TrimSpace(userAgent) != "" {
		allocatorOptions = append(allocatorOptions, chromedp.UserAgent(userAgent))
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, seeder.timeout)
	defer cancelTimeout()
	allocatorCtx, cancelAllocator := chromedp.NewExecAllocator(timeoutCtx, allocatorOptions...)
	defer cancelAllocator()
	browserCtx, cancelBrowser := chromedp.NewContext(allocatorCtx)
	defer cancelBrowser()

	var browserCookies []*network.Cookie
	runErr := chromedp.Run(browserCtx,
		chromedp.Navigate(seeder.warmupURL),
		chromedp.Sleep(seeder.settle),
		chromedp.ActionFunc(func(actionCtx context.Context) error {
			cookies, err := network.GetCookies().WithUrls([]string{seeder.warmupURL}).Do(actionCtx)
			if err != nil {
				return err
			}
			browserCookies = cookies
			return nil
		}),
	)
	if runErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessageChromeRun, runErr)
	}
	storedCookies := ConvertCookies(browserCookies)
	seeder.logger.Info(logMessageSeeded, zap.Int("cookies", len(storedCookies)))
	return storedCookies, nil
}

// ConvertCookies maps DevTools cookies onto session cookies. Domains with a leading dot
// are domain cookies; the rest are host-only.
func ConvertCookies(browserCookies []*network.Cookie) []session.StoredCookie {
	storedCookies := make([]session.StoredCookie, 0, len(browserCookies))
	for _, browserCookie := range browserCookies {
		if browserCookie == nil || browserCookie.Name == "" || browserCookie.Domain == "" {
			continue
		}
		storedCookie := session.StoredCookie{
			Name:     browserCookie.Name,
			Value:    browserCookie.Value,
			Domain:   strings.ToLower(browserCookie.Domain),
			Path:     browserCookie.Path,
			Secure:   browserCookie.Secure,
			HTTPOnly: browserCookie.HTTPOnly,
			HostOnly: !strings.HasPrefix(browserCookie.Domain, "."),
		}
		if !browserCookie.Session && browserCookie.Expires > 0 {
			seconds, fraction := math.Modf(browserCookie.Expires)
			storedCookie.Expires = time.Unix(int64(seconds), int64(fraction*float64(time.Second))).UTC()
		}
		storedCookies = append(storedCookies, storedCookie)
	}
	return storedCookies
}

// ResolveChromeBinaryPath prefers the configured path, then CHROME_BIN, then well-known
// install locations. It returns an empty string when nothing is found.
func ResolveChromeBinaryPath(configuredPath string) string {
	if trimmed := strings.TrimSpace(configuredPath); trimmed != "" {
		return trimmed
	}
	if environmentValue := strings.TrimSpace(os.Getenv(chromeBinaryEnvironmentVariable)); environmentValue != "" {
		return environmentValue
	}
	for _, candidate := range defaultChromeBinaryCandidates {
		if resolvedPath, lookErr := exec.LookPath(candidate); lookErr == nil {
			return resolvedPath
		}
	}
	return ""
}
