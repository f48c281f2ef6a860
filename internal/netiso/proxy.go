package netiso

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/elazarl/goproxy"
)

// HostFilter reports whether an outbound connection to host:port is allowed.
type HostFilter func(host string, port uint16) bool

// DomainProxy filters sandbox HTTP(S) traffic by exact hostname, so
// whitelisted names keep working when their addresses rotate.
type DomainProxy struct {
	server *http.Server
	addr   string
}

// Addr returns the proxy listen address as an HTTP URL.
func (p *DomainProxy) Addr() string {
	if p == nil {
		return ""
	}
	return p.addr
}

// Close stops the proxy server.
func (p *DomainProxy) Close() error {
	if p == nil || p.server == nil {
		return nil
	}
	return p.server.Close()
}

// StartDomainProxy starts an HTTP proxy on listen that admits only requests
// allow accepts.
func StartDomainProxy(listen string, allow HostFilter, logger *slog.Logger) (*DomainProxy, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen domain proxy: %w", err)
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	proxy.OnRequest().HandleConnectFunc(func(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		name, port := splitTarget(host, 443)
		if !allow(name, port) {
			logger.Info("proxy rejected connect", "host", host)
			return goproxy.RejectConnect, host
		}
		return goproxy.OkConnect, host
	})
	proxy.OnRequest().DoFunc(func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		if req == nil || req.URL == nil {
			return req, nil
		}
		name, port := splitTarget(req.URL.Host, 80)
		if !allow(name, port) {
			logger.Info("proxy rejected request", "host", req.URL.Host)
			return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusForbidden, "blocked by sandbox policy: "+req.URL.Host)
		}
		return req, nil
	})

	server := &http.Server{Handler: proxy}
	go func() {
		_ = server.Serve(ln)
	}()

	return &DomainProxy{
		server: server,
		addr:   "http://" + ln.Addr().String(),
	}, nil
}

func splitTarget(hostport string, defaultPort uint16) (string, uint16) {
	host, rawPort, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return host, defaultPort
	}
	return host, uint16(port)
}
