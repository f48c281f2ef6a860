package netiso

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func proxiedClient(t *testing.T, proxy *DomainProxy) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse(proxy.Addr())
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
}

func TestDomainProxy_AllowsWhitelistedHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	p := mustPolicy(t, "network_whitelist: [127.0.0.1]\n")
	proxy, err := StartDomainProxy("127.0.0.1:0", p.AllowsHost, discardLogger())
	if err != nil {
		t.Fatalf("start proxy: %v", err)
	}
	defer proxy.Close()

	resp, err := proxiedClient(t, proxy).Get(server.URL)
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestDomainProxy_DeniesUnlistedHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	p := mustPolicy(t, "network_whitelist: [api.example.com]\n")
	proxy, err := StartDomainProxy("127.0.0.1:0", p.AllowsHost, discardLogger())
	if err != nil {
		t.Fatalf("start proxy: %v", err)
	}
	defer proxy.Close()

	resp, err := proxiedClient(t, proxy).Get(server.URL)
	if err != nil {
		t.Fatalf("proxy request error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestDomainProxy_RejectsConnectToUnlistedHost(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	p := mustPolicy(t, "network_whitelist: [api.example.com]\n")
	proxy, err := StartDomainProxy("127.0.0.1:0", p.AllowsHost, discardLogger())
	if err != nil {
		t.Fatalf("start proxy: %v", err)
	}
	defer proxy.Close()

	client := proxiedClient(t, proxy)
	client.Transport.(*http.Transport).TLSClientConfig = server.Client().Transport.(*http.Transport).TLSClientConfig
	if resp, err := client.Get(server.URL); err == nil {
		resp.Body.Close()
		t.Fatalf("expected CONNECT to unlisted host to fail")
	}
}

func TestSplitTarget(t *testing.T) {
	if h, p := splitTarget("api.example.com:8443", 443); h != "api.example.com" || p != 8443 {
		t.Fatalf("unexpected %s %d", h, p)
	}
	if h, p := splitTarget("api.example.com", 80); h != "api.example.com" || p != 80 {
		t.Fatalf("unexpected %s %d", h, p)
	}
}
