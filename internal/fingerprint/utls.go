package fingerprint

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	xproxy "golang.org/x/net/proxy"

	"github.com/FranksOps/snare/pkg/useragent"
)

// Profile represents a recognized TLS fingerprint profile.
type Profile string

const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go" // standard go TLS
)

// ProfileFor returns the TLS profile matching a browser family, so the
// ClientHello agrees with the User-Agent it is sent with.
func ProfileFor(b useragent.Browser) Profile {
	switch b {
	case useragent.Firefox:
		return ProfileFirefox
	case useragent.Safari:
		return ProfileSafari
	default:
		return ProfileChrome
	}
}

type options struct {
	insecure bool
}

// Option tunes Transport.
type Option func(*options)

// WithInsecureSkipVerify disables certificate verification. Tests only.
func WithInsecureSkipVerify() Option {
	return func(o *options) { o.insecure = true }
}

func helloID(p Profile) (utls.ClientHelloID, error) {
	switch p {
	case ProfileChrome:
		return utls.HelloChrome_Auto, nil
	case ProfileFirefox:
		return utls.HelloFirefox_Auto, nil
	case ProfileSafari:
		return utls.HelloSafari_Auto, nil
	default:
		return utls.ClientHelloID{}, fmt.Errorf("fingerprint: unknown profile %q", p)
	}
}

// Transport returns an http.RoundTripper configured with the specified
// TLS fingerprint profile. If the profile is "go", it returns a standard
// http.Transport. Otherwise the TLS handshake is done by utls with the
// profile's ClientHello, advertising only http/1.1 so the connection stays
// usable by net/http.
// proxyFunc is optional. https requests through a proxy are tunnelled by
// the transport itself (CONNECT or SOCKS5) so the utls handshake runs inside
// the tunnel; plain http requests use the proxy the standard way.
func Transport(p Profile, proxyFunc func(*http.Request) (*url.URL, error), opts ...Option) (http.RoundTripper, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyFunc != nil {
		transport.Proxy = proxyFunc
	}

	if p == ProfileGo {
		if o.insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		return transport, nil
	}

	id, err := helloID(p)
	if err != nil {
		return nil, err
	}
	if _, err := helloSpec(id); err != nil {
		return nil, fmt.Errorf("fingerprint: %s spec: %w", p, err)
	}

	transport.ForceAttemptHTTP2 = false
	return &profileTransport{
		profile:   p,
		id:        id,
		insecure:  o.insecure,
		proxyFunc: proxyFunc,
		plain:     transport,
		tunnels:   make(map[string]*http.Transport),
	}, nil
}

// profileTransport keeps one utls transport per proxy so pooled connections
// never cross proxies.
type profileTransport struct {
	profile   Profile
	id        utls.ClientHelloID
	insecure  bool
	proxyFunc func(*http.Request) (*url.URL, error)
	plain     *http.Transport

	mu      sync.Mutex
	tunnels map[string]*http.Transport
}

func (t *profileTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.plain.RoundTrip(req)
	}
	var proxyURL *url.URL
	if t.proxyFunc != nil {
		u, err := t.proxyFunc(req)
		if err != nil {
			return nil, err
		}
		proxyURL = u
	}
	return t.tunnel(proxyURL).RoundTrip(req)
}

func (t *profileTransport) tunnel(proxyURL *url.URL) *http.Transport {
	key := ""
	if proxyURL != nil {
		key = proxyURL.String()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.tunnels[key]; ok {
		return tr
	}
	tr := t.plain.Clone()
	tr.Proxy = nil
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	tr.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		var conn net.Conn
		var err error
		if proxyURL != nil {
			conn, err = dialTunnel(ctx, dialer, proxyURL, addr)
		} else {
			conn, err = dialer.DialContext(ctx, network, addr)
		}
		if err != nil {
			return nil, err
		}
		return t.handshake(ctx, conn, addr)
	}
	t.tunnels[key] = tr
	return tr
}

func (t *profileTransport) handshake(ctx context.Context, conn net.Conn, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr // fallback if no port
	}

	uConn := utls.UClient(conn, &utls.Config{ServerName: host, InsecureSkipVerify: t.insecure}, utls.HelloCustom)
	// ApplyPreset mutates its extensions, so every dial gets a fresh spec
	spec, err := helloSpec(t.id)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := uConn.ApplyPreset(&spec); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("fingerprint: apply %s preset: %w", t.profile, err)
	}
	if err := uConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("fingerprint: utls handshake failed: %w", err)
	}
	return uConn, nil
}

// CloseIdleConnections closes idle connections of every pooled transport.
func (t *profileTransport) CloseIdleConnections() {
	t.plain.CloseIdleConnections()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.tunnels {
		tr.CloseIdleConnections()
	}
}

// dialTunnel opens a raw connection to addr through proxyURL.
func dialTunnel(ctx context.Context, dialer *net.Dialer, proxyURL *url.URL, addr string) (net.Conn, error) {
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		d, err := xproxy.FromURL(proxyURL, dialer)
		if err != nil {
			return nil, fmt.Errorf("fingerprint: socks proxy: %w", err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("fingerprint: socks proxy %s cannot dial with context", proxyURL.Host)
		}
		return cd.DialContext(ctx, "tcp", addr)
	case "http", "https", "":
		return dialConnect(ctx, dialer, proxyURL, addr)
	default:
		return nil, fmt.Errorf("fingerprint: unsupported proxy scheme %q", proxyURL.Scheme)
	}
}

// dialConnect asks an HTTP proxy for a CONNECT tunnel to addr.
func dialConnect(ctx context.Context, dialer *net.Dialer, proxyURL *url.URL, addr string) (net.Conn, error) {
	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		port := "80"
		if proxyURL.Scheme == "https" {
			port = "443"
		}
		proxyAddr = net.JoinHostPort(proxyURL.Hostname(), port)
	}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: dial proxy: %w", err)
	}
	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: proxyURL.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("fingerprint: proxy tls: %w", err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if u := proxyURL.User; u != nil {
		pass, _ := u.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("fingerprint: write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("fingerprint: read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("fingerprint: proxy CONNECT %s: %s", addr, resp.Status)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes the CONNECT reader consumed past the response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// helloSpec expands id into an editable spec that only offers http/1.1.
func helloSpec(id utls.ClientHelloID) (utls.ClientHelloSpec, error) {
	spec, err := utls.UTLSIdToSpec(id)
	if err != nil {
		return spec, err
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	return spec, nil
}
