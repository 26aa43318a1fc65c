package session

import (
	"bufio"
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"

	"github.com/xpersona/xpersona/internal/identity"
)

const (
	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultKeepAlive             = 30 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultMaxIdleConns          = 20

	schemeHTTP               = "http"
	schemeHTTPS              = "https"
	defaultHTTPProxyPort     = "80"
	headerProxyAuthorization = "Proxy-Authorization"
	dialOperation            = "dial"

	errMessageTLSHandshake = "tls handshake"
	errMessageProxyDial    = "dial proxy"
	errMessageProxyConnect = "proxy connect"
	errMessageProxyScheme  = "unsupported proxy scheme"
	errMessageSplitAddress = "split tls address"
)

// newTransport builds a transport whose HTTPS connections send the profile's browser
// ClientHello. HTTPS through a proxy is tunnelled here so the handshake stays ours; plain
// HTTP requests use the proxy directly.
func newTransport(profile identity.Profile, proxyURL *url.URL, rootCAs *x509.CertPool) *http.Transport {
	dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}
	tlsDialer := profileDialer{profile: profile, dialer: dialer, proxyURL: proxyURL, rootCAs: rootCAs}
	return &http.Transport{
		Proxy:                 tlsDialer.plainProxy,
		DialContext:           dialer.DialContext,
		DialTLSContext:        tlsDialer.DialTLSContext,
		IdleConnTimeout:       defaultIdleConnTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
}

type profileDialer struct {
	profile  identity.Profile
	dialer   *net.Dialer
	proxyURL *url.URL
	rootCAs  *x509.CertPool
}

// plainProxy routes only plain HTTP through net/http's proxy support.
func (dialer profileDialer) plainProxy(request *http.Request) (*url.URL, error) {
	if request.URL.Scheme == schemeHTTPS {
		return nil, nil
	}
	return dialer.proxyFor(request)
}

func (dialer profileDialer) proxyFor(request *http.Request) (*url.URL, error) {
	if dialer.proxyURL != nil {
		return dialer.proxyURL, nil
	}
	return http.ProxyFromEnvironment(request)
}

// DialTLSContext connects to address, directly or through the proxy, and completes the
// profile's handshake. Every failure is a dial *net.OpError: no request bytes were sent.
func (dialer profileDialer) DialTLSContext(ctx context.Context, network string, address string) (net.Conn, error) {
	conn, err := dialer.dialTLS(ctx, network, address)
	if err != nil {
		return nil, &net.OpError{Op: dialOperation, Net: network, Err: err}
	}
	return conn, nil
}

func (dialer profileDialer) dialTLS(ctx context.Context, network string, address string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageSplitAddress, err)
	}
	handshakeContext, cancel := context.WithTimeout(ctx, defaultDialTimeout+defaultTLSHandshakeTimeout)
	defer cancel()

	proxyURL, err := dialer.proxyFor(&http.Request{URL: &url.URL{Scheme: schemeHTTPS, Host: address}})
	if err != nil {
		return nil, err
	}
	var conn net.Conn
	if proxyURL != nil {
		conn, err = dialer.tunnel(handshakeContext, network, proxyURL, address)
	} else {
		conn, err = dialer.dialer.DialContext(handshakeContext, network, address)
	}
	if err != nil {
		return nil, err
	}

	client, err := dialer.profile.UClient(conn, &utls.Config{ServerName: host, RootCAs: dialer.rootCAs})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := client.HandshakeContext(handshakeContext); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", errMessageTLSHandshake, err)
	}
	return client, nil
}

func (dialer profileDialer) tunnel(ctx context.Context, network string, proxyURL *url.URL, address string) (net.Conn, error) {
	switch proxyURL.Scheme {
	case schemeHTTP:
		return dialer.connectTunnel(ctx, network, proxyURL, address)
	case "socks5", "socks5h":
		socksDialer, err := proxy.FromURL(proxyURL, dialer.dialer)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errMessageProxyDial, err)
		}
		contextDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return socksDialer.Dial(network, address)
		}
		return contextDialer.DialContext(ctx, network, address)
	default:
		return nil, fmt.Errorf("%s: %q", errMessageProxyScheme, proxyURL.Scheme)
	}
}

// connectTunnel opens an HTTP CONNECT tunnel to address through proxyURL.
func (dialer profileDialer) connectTunnel(ctx context.Context, network string, proxyURL *url.URL, address string) (net.Conn, error) {
	proxyAddress := proxyURL.Host
	if proxyURL.Port() == "" {
		proxyAddress = net.JoinHostPort(proxyURL.Hostname(), defaultHTTPProxyPort)
	}
	conn, err := dialer.dialer.DialContext(ctx, network, proxyAddress)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageProxyDial, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	connectRequest := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		credentials := base64.StdEncoding.EncodeToString([]byte(proxyURL.User.Username() + ":" + password))
		connectRequest.Header.Set(headerProxyAuthorization, "Basic "+credentials)
	}
	if err := connectRequest.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", errMessageProxyConnect, err)
	}
	response, err := http.ReadResponse(bufio.NewReader(conn), connectRequest)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", errMessageProxyConnect, err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("%s: %s", errMessageProxyConnect, response.Status)
	}
	return conn, nil
}

func newHTTPClient(transport http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: preventRedirectFollowing,
	}
}

// Redirects are returned to the caller so that every hop passes through cookie absorption.
func preventRedirectFollowing(_ *http.Request, _ []*http.Request) error {
	return http.ErrUseLastResponse
}
