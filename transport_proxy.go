package mqttv3

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"
)

// ProxyConfig names a forward proxy for TCP based transports.
type ProxyConfig struct {
	// URL is http://host:port, https://host:port (both HTTP CONNECT),
	// socks5://host:port or socks5h://host:port.
	URL string

	// Username and Password take precedence over credentials in URL.
	Username string
	Password string
}

// defaultProxyPorts applies when the proxy URL carries no port.
var defaultProxyPorts = map[string]string{
	"http":    "8080",
	"https":   "443",
	"socks5":  "1080",
	"socks5h": "1080",
}

// ProxyDialer tunnels broker connections through a forward proxy.
type ProxyDialer struct {
	proxyURL *url.URL
	username string
	password string
	forward  net.Dialer
}

// NewProxyDialer validates config and returns a dialer for it.
func NewProxyDialer(config ProxyConfig) (*ProxyDialer, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if _, ok := defaultProxyPorts[u.Scheme]; !ok {
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}

	d := &ProxyDialer{proxyURL: u, username: config.Username, password: config.Password}
	if d.username == "" && u.User != nil {
		d.username = u.User.Username()
		d.password, _ = u.User.Password()
	}
	return d, nil
}

// Dial opens a tunnel to address, a broker host:port.
func (d *ProxyDialer) Dial(ctx context.Context, address string) (Conn, error) {
	return d.DialContext(ctx, "tcp", address)
}

// DialContext makes ProxyDialer usable as a proxy.ContextDialer.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.proxyURL.Scheme == "http" || d.proxyURL.Scheme == "https" {
		return d.dialHTTPConnect(ctx, addr)
	}
	return d.dialSOCKS5(ctx, network, addr)
}

func (d *ProxyDialer) proxyAddress() string {
	port := d.proxyURL.Port()
	if port == "" {
		port = defaultProxyPorts[d.proxyURL.Scheme]
	}
	return net.JoinHostPort(d.proxyURL.Hostname(), port)
}

// dialHTTPConnect issues CONNECT and hands back the raw socket once the proxy
// answers 200. The handshake is bounded by ctx's deadline.
func (d *ProxyDialer) dialHTTPConnect(ctx context.Context, target string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyAddress())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := d.connectHandshake(conn, target); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (d *ProxyDialer) connectHandshake(conn net.Conn, target string) error {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: http.Header{},
	}
	if d.username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := req.Write(conn); err != nil {
		return fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	return nil
}

func (d *ProxyDialer) dialSOCKS5(ctx context.Context, network, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyAddress(), auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 dial failed: %w", err)
	}
	return conn, nil
}

// ProxyFromEnvironment resolves the proxy for a broker URL from HTTP_PROXY,
// HTTPS_PROXY and NO_PROXY. Secure schemes are looked up as https. A nil URL
// means connect directly.
func ProxyFromEnvironment(brokerAddr string) (*url.URL, error) {
	u, err := url.Parse(brokerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	scheme := "http"
	if isSecureScheme(u.Scheme) {
		scheme = "https"
	}
	return httpproxy.FromEnvironment().ProxyFunc()(&url.URL{Scheme: scheme, Host: u.Host})
}
