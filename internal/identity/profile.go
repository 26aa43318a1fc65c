// Package identity holds the curated browser identities the session presents to the platform.
package identity

import (
	"crypto/tls"
	"math/rand"
)

const (
	// ChromeUserAgentWindows120 identifies Chrome 120 on Windows 10.
	ChromeUserAgentWindows120 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	// ChromeUserAgentMacOS120 identifies Chrome 120 on macOS.
	ChromeUserAgentMacOS120 = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	// ChromeUserAgentLinux120 identifies Chrome 120 on Linux.
	ChromeUserAgentLinux120 = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	// FirefoxUserAgentWindows121 identifies Firefox 121 on Windows 10.
	FirefoxUserAgentWindows121 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0"
	// FirefoxUserAgentMacOS121 identifies Firefox 121 on macOS.
	FirefoxUserAgentMacOS121 = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0"
	// SafariUserAgentIPhone16 identifies mobile Safari on iOS 16.6.
	SafariUserAgentIPhone16 = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1"
	// SafariUserAgentIPad16 identifies mobile Safari on iPadOS 16.6.
	SafariUserAgentIPad16 = "Mozilla/5.0 (iPad; CPU OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1"
	// ChromeUserAgentAndroid12 identifies Chrome 120 on a Galaxy S21 Ultra.
	ChromeUserAgentAndroid12 = "Mozilla/5.0 (Linux; Android 12; SM-G998B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	// CriOSUserAgentIPhone17 identifies Chrome on iOS 17.2.
	CriOSUserAgentIPhone17 = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/120.0.6099.119 Mobile/15E148 Safari/604.1"

	chromiumClientHint       = `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`
	platformWindows          = `"Windows"`
	platformMacOS            = `"macOS"`
	platformLinux            = `"Linux"`
	platformAndroid          = `"Android"`
	platformIOS              = `"iOS"`
	shuffledCipherSuiteCount = 8
)

// Profile is one coherent browser identity: the user agent, its client hints and the
// TLS 1.2 cipher suite order sent in the ClientHello.
type Profile struct {
	UserAgent    string
	ClientHint   string
	Platform     string
	Mobile       bool
	CipherSuites []uint16
}

// MobileHint renders the sec-ch-ua-mobile header value.
func (profile Profile) MobileHint() string {
	if profile.Mobile {
		return "?1"
	}
	return "?0"
}

type template struct {
	userAgent  string
	clientHint string
	platform   string
	mobile     bool
}

var (
	desktopTemplates = []template{
		{userAgent: ChromeUserAgentWindows120, clientHint: chromiumClientHint, platform: platformWindows},
		{userAgent: ChromeUserAgentMacOS120, clientHint: chromiumClientHint, platform: platformMacOS},
		{userAgent: ChromeUserAgentLinux120, clientHint: chromiumClientHint, platform: platformLinux},
		{userAgent: FirefoxUserAgentWindows121, platform: platformWindows},
		{userAgent: FirefoxUserAgentMacOS121, platform: platformMacOS},
	}

	mobileTemplates = []template{
		{userAgent: SafariUserAgentIPhone16, platform: platformIOS, mobile: true},
		{userAgent: SafariUserAgentIPad16, platform: platformIOS, mobile: true},
		{userAgent: ChromeUserAgentAndroid12, clientHint: chromiumClientHint, platform: platformAndroid, mobile: true},
		{userAgent: CriOSUserAgentIPhone17, platform: platformIOS, mobile: true},
	}

	// baseCipherSuites mirrors a browser-like TLS 1.2 preference list.
	baseCipherSuites = []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	}
)

// Pool selects identity profiles for outbound sessions.
type Pool struct {
	desktop []template
	mobile  []template
}

// DefaultPool returns the curated desktop and mobile identities.
func DefaultPool() Pool {
	return Pool{
		desktop: append([]template{}, desktopTemplates...),
		mobile:  append([]template{}, mobileTemplates...),
	}
}

// NewPool constructs a pool from explicit user agents. Every agent is treated as desktop
// unless listed in mobileUserAgents.
func NewPool(desktopUserAgents []string, mobileUserAgents []string) Pool {
	pool := Pool{}
	for _, userAgent := range desktopUserAgents {
		pool.desktop = append(pool.desktop, template{userAgent: userAgent, platform: platformWindows})
	}
	for _, userAgent := range mobileUserAgents {
		pool.mobile = append(pool.mobile, template{userAgent: userAgent, platform: platformIOS, mobile: true})
	}
	return pool
}

// Random returns a profile drawn from the whole pool.
// When the random generator is nil, the package-level math/rand functions are used.
func (pool Pool) Random(randomGenerator *rand.Rand) Profile {
	all := append(append([]template{}, pool.desktop...), pool.mobile...)
	return buildProfile(all, randomGenerator)
}

// RandomMobile returns a mobile profile, falling back to the whole pool when it has none.
// Mobile identities get through the login flow more reliably.
func (pool Pool) RandomMobile(randomGenerator *rand.Rand) Profile {
	if len(pool.mobile) == 0 {
		return pool.Random(randomGenerator)
	}
	return buildProfile(pool.mobile, randomGenerator)
}

// UserAgents lists every user agent in the pool.
func (pool Pool) UserAgents() []string {
	userAgents := make([]string, 0, len(pool.desktop)+len(pool.mobile))
	for _, entry := range pool.desktop {
		userAgents = append(userAgents, entry.userAgent)
	}
	for _, entry := range pool.mobile {
		userAgents = append(userAgents, entry.userAgent)
	}
	return userAgents
}

func buildProfile(templates []template, randomGenerator *rand.Rand) Profile {
	if len(templates) == 0 {
		return Profile{CipherSuites: ShuffledCipherSuites(randomGenerator)}
	}
	selected := templates[intn(randomGenerator, len(templates))]
	return Profile{
		UserAgent:    selected.userAgent,
		ClientHint:   selected.clientHint,
		Platform:     selected.platform,
		Mobile:       selected.mobile,
		CipherSuites: ShuffledCipherSuites(randomGenerator),
	}
}

// ShuffledCipherSuites shuffles the leading suites of the base list and keeps the tail in order.
func ShuffledCipherSuites(randomGenerator *rand.Rand) []uint16 {
	cipherSuites := append([]uint16{}, baseCipherSuites...)
	head := cipherSuites[:shuffledCipherSuiteCount]
	shuffle := rand.Shuffle
	if randomGenerator != nil {
		shuffle = randomGenerator.Shuffle
	}
	shuffle(len(head), func(i, j int) {
		head[i], head[j] = head[j], head[i]
	})
	return cipherSuites
}

// BaseCipherSuites exposes the unshuffled cipher preference list.
func BaseCipherSuites() []uint16 {
	return append([]uint16{}, baseCipherSuites...)
}

func intn(randomGenerator *rand.Rand, n int) int {
	if randomGenerator != nil {
		return randomGenerator.Intn(n)
	}
	return rand.Intn(n)
}
