package fingerprint

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/FranksOps/snare/pkg/useragent"
)

func TestTransport_Profiles(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	profiles := []Profile{
		ProfileChrome,
		ProfileFirefox,
		ProfileSafari,
		ProfileGo,
	}

	for _, p := range profiles {
		t.Run(string(p), func(t *testing.T) {
			rt, err := Transport(p, nil, WithInsecureSkipVerify())
			if err != nil {
				t.Fatalf("unexpected error creating transport for %s: %v", p, err)
			}

			// two requests so the second one reuses the pooled connection
			client := &http.Client{Transport: rt}
			for i := 0; i < 2; i++ {
				resp, err := client.Get(ts.URL)
				if err != nil {
					t.Fatalf("request failed for profile %s: %v", p, err)
				}
				resp.Body.Close()

				if resp.StatusCode != http.StatusOK {
					t.Errorf("expected 200 OK, got %d for profile %s", resp.StatusCode, p)
				}
			}
		})
	}
}

func TestTransport_UnknownProfile(t *testing.T) {
	_, err := Transport(Profile("unknown_browser"), nil)
	if err == nil {
		t.Fatal("expected error for unknown profile, got nil")
	}
	if err.Error() != `fingerprint: unknown profile "unknown_browser"` {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestProfileFor(t *testing.T) {
	cases := map[useragent.Browser]Profile{
		useragent.Chrome:  ProfileChrome,
		useragent.Firefox: ProfileFirefox,
		useragent.Safari:  ProfileSafari,
	}
	for b, want := range cases {
		if got := ProfileFor(b); got != want {
			t.Errorf("ProfileFor(%s): expected %s, got %s", b, want, got)
		}
	}
}

// greaseServer is a TLS server that records whether the last ClientHello
// offered a GREASE cipher suite, which Go's own TLS stack never does.
func greaseServer(t *testing.T, sawGrease *atomic.Bool) *httptest.Server {
	t.Helper()
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ts.TLS = &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			grease := false
			for _, c := range hello.CipherSuites {
				if c&0x0f0f == 0x0a0a && c>>8 == c&0xff {
					grease = true
				}
			}
			sawGrease.Store(grease)
			return nil, nil
		},
	}
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts
}

// connectProxy tunnels CONNECT requests and counts them.
func connectProxy(t *testing.T, tunnels *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			http.Error(w, "CONNECT only", http.StatusMethodNotAllowed)
			return
		}
		upstream, err := net.Dial("tcp", r.Host)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			_ = upstream.Close()
			http.Error(w, "no hijack", http.StatusInternalServerError)
			return
		}
		client, _, err := hj.Hijack()
		if err != nil {
			_ = upstream.Close()
			return
		}
		tunnels.Add(1)
		_, _ = client.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		go func() {
			_, _ = io.Copy(upstream, client)
			_ = upstream.Close()
		}()
		go func() {
			_, _ = io.Copy(client, upstream)
			_ = client.Close()
		}()
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestTransport_ProxyKeepsProfile(t *testing.T) {
	var sawGrease atomic.Bool
	target := greaseServer(t, &sawGrease)
	var tunnels atomic.Int32
	px := connectProxy(t, &tunnels)
	pxURL, err := url.Parse(px.URL)
	if err != nil {
		t.Fatal(err)
	}

	get := func(rt http.RoundTripper) {
		t.Helper()
		client := &http.Client{Transport: rt}
		resp, err := client.Get(target.URL)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 OK, got %d", resp.StatusCode)
		}
	}

	direct, err := Transport(ProfileChrome, nil, WithInsecureSkipVerify())
	if err != nil {
		t.Fatal(err)
	}
	get(direct)
	if !sawGrease.Load() {
		t.Fatal("direct chrome handshake offered no GREASE cipher")
	}

	sawGrease.Store(false)
	proxied, err := Transport(ProfileChrome, http.ProxyURL(pxURL), WithInsecureSkipVerify())
	if err != nil {
		t.Fatal(err)
	}
	get(proxied)
	if tunnels.Load() != 1 {
		t.Fatalf("expected one CONNECT tunnel, got %d", tunnels.Load())
	}
	if !sawGrease.Load() {
		t.Error("proxied chrome handshake fell back to the default Go ClientHello")
	}
}

func TestTransport_ProxyRejectsConnect(t *testing.T) {
	px := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusProxyAuthRequired)
	}))
	defer px.Close()
	pxURL, _ := url.Parse(px.URL)

	rt, err := Transport(ProfileFirefox, http.ProxyURL(pxURL), WithInsecureSkipVerify())
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://shop.example/", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected an error when the proxy refuses CONNECT")
	}
}
