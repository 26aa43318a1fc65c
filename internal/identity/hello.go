package identity

import (
	"fmt"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
)

const (
	alpnHTTP11 = "http/1.1"

	errMessageHelloSpec   = "build client hello"
	errMessageApplyPreset = "apply client hello"
)

// HelloFamily names the browser TLS stack a profile imitates on the wire.
type HelloFamily string

const (
	HelloFamilyChrome  HelloFamily = "chrome"
	HelloFamilyFirefox HelloFamily = "firefox"
	HelloFamilySafari  HelloFamily = "safari"
)

// HelloFamily picks the TLS stack matching the profile's user agent. Chrome on iOS runs on
// WebKit and therefore shakes hands like Safari.
func (profile Profile) HelloFamily() HelloFamily {
	userAgent := profile.UserAgent
	switch {
	case strings.Contains(userAgent, "Firefox/"):
		return HelloFamilyFirefox
	case strings.Contains(userAgent, "CriOS/"):
		return HelloFamilySafari
	case strings.Contains(userAgent, "Safari/") && !strings.Contains(userAgent, "Chrome/"):
		return HelloFamilySafari
	default:
		return HelloFamilyChrome
	}
}

func (family HelloFamily) clientHelloID() utls.ClientHelloID {
	switch family {
	case HelloFamilyFirefox:
		return utls.HelloFirefox_120
	case HelloFamilySafari:
		return utls.HelloSafari_16_0
	default:
		return utls.HelloChrome_120
	}
}

// ClientHelloSpec returns the browser ClientHello for the profile with its TLS 1.2 suites
// in the profile's order. GREASE and TLS 1.3 suites keep the browser's leading positions.
// ALPN offers only HTTP/1.1 because net/http speaks HTTP/2 solely over crypto/tls.
func (profile Profile) ClientHelloSpec() (utls.ClientHelloSpec, error) {
	spec, err := utls.UTLSIdToSpec(profile.HelloFamily().clientHelloID())
	if err != nil {
		return utls.ClientHelloSpec{}, fmt.Errorf("%s: %w", errMessageHelloSpec, err)
	}
	spec.CipherSuites = orderCipherSuites(spec.CipherSuites, profile.CipherSuites)
	for _, extension := range spec.Extensions {
		if alpn, ok := extension.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{alpnHTTP11}
		}
	}
	return spec, nil
}

// UClient wraps conn in a TLS client that sends the profile's ClientHello. The caller
// runs the handshake.
func (profile Profile) UClient(conn net.Conn, config *utls.Config) (*utls.UConn, error) {
	spec, err := profile.ClientHelloSpec()
	if err != nil {
		return nil, err
	}
	client := utls.UClient(conn, config, utls.HelloCustom)
	if err := client.ApplyPreset(&spec); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageApplyPreset, err)
	}
	return client, nil
}

func orderCipherSuites(browserSuites []uint16, preferred []uint16) []uint16 {
	ordered := make([]uint16, 0, len(browserSuites)+len(preferred))
	for _, suite := range browserSuites {
		if IsGREASE(suite) || IsTLS13CipherSuite(suite) {
			ordered = append(ordered, suite)
		}
	}
	return append(ordered, preferred...)
}

// IsGREASE reports whether value is one of the reserved GREASE code points.
func IsGREASE(value uint16) bool {
	return value&0x0f0f == 0x0a0a && value>>8 == value&0xff
}

// IsTLS13CipherSuite reports whether suite is a TLS 1.3 AEAD suite.
func IsTLS13CipherSuite(suite uint16) bool {
	return suite >= 0x1301 && suite <= 0x1305
}
