// Package egress is the sandbox's only way out.
//
// A sandbox has no route of its own. Its HTTP_PROXY points at a Proxy, and
// every upstream connection the Proxy opens goes through a fabric.Dialer for
// the sandbox zone. The zone policy, not the script, decides what is reachable:
// a refused destination gets 403 before any socket is opened.
package egress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sakif/vulnproof/internal/apperror"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second

	// maxRequestBody bounds what a script may upload through the proxy.
	maxRequestBody = 10 << 20
)

// hopByHopHeaders are stripped in both directions when forwarding.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// DialFunc opens an upstream connection. *fabric.Dialer's DialContext fits.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Proxy is an HTTP forward proxy with CONNECT tunnelling.
type Proxy struct {
	dial      DialFunc
	transport *http.Transport
	logger    *slog.Logger
}

// New returns a Proxy that dials every upstream through dial.
func New(dial DialFunc, logger *slog.Logger) *Proxy {
	return &Proxy{
		dial: dial,
		transport: &http.Transport{
			Proxy:             nil,
			DialContext:       dial,
			DisableKeepAlives: true,
		},
		logger: logger,
	}
}

// Serve answers proxy requests on l in the background. The returned stop
// closes l and every connection still open, tunnels included, and waits for
// the accept loop to exit. stop is safe to call more than once.
func (p *Proxy) Serve(l net.Listener) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("egress proxy stopped", slog.String("error", err.Error()))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = srv.Close()
			<-done
		})
	}
}

// ServeHTTP tunnels CONNECT requests and forwards everything else.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" || r.URL.Scheme != "http" {
		http.Error(w, "egress: only absolute http:// URLs are proxied; use CONNECT for https", http.StatusBadRequest)
		return
	}
	host, port, err := parseHostPort(r.URL.Host, "80")
	if err != nil {
		http.Error(w, "egress: "+err.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopByHopHeaders(out.Header)

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		p.refuse(w, net.JoinHostPort(host, port), err)
		return
	}
	defer resp.Body.Close()

	removeHopByHopHeaders(resp.Header)
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("egress response copy failed", slog.String("error", err.Error()))
	}
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := parseHostPort(r.Host, "443")
	if err != nil {
		http.Error(w, "egress: "+err.Error(), http.StatusBadRequest)
		return
	}
	addr := net.JoinHostPort(host, port)

	upstream, err := p.dial(r.Context(), "tcp", addr)
	if err != nil {
		p.refuse(w, addr, err)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "egress: tunnelling not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hijacker.Hijack()
	if err != nil {
		_ = upstream.Close()
		p.logger.Error("egress hijack failed", slog.String("error", err.Error()))
		return
	}

	// Hijacked connections outlive srv.Close; tie them to the request.
	release := context.AfterFunc(r.Context(), func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer release()
	defer client.Close()
	defer upstream.Close()

	if _, err := buf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	if err := buf.Flush(); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(upstream, buf)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, upstream)
		closeWrite(client)
	}()
	wg.Wait()
}

// refuse answers a failed upstream dial. Policy refusals are the expected
// outcome for most of what a script tries, so they log at warn, not error.
func (p *Proxy) refuse(w http.ResponseWriter, addr string, err error) {
	if errors.Is(err, apperror.ErrPolicyViolation) {
		p.logger.Warn("sandbox egress blocked",
			slog.String("dest", addr),
			slog.String("error", err.Error()),
		)
		http.Error(w, "egress: blocked by isolation policy", http.StatusForbidden)
		return
	}
	p.logger.Info("sandbox egress failed",
		slog.String("dest", addr),
		slog.String("error", err.Error()),
	)
	http.Error(w, "egress: upstream unreachable", http.StatusBadGateway)
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func removeHopByHopHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// parseHostPort splits hostport, filling in defaultPort when there is none.
func parseHostPort(hostport, defaultPort string) (host, port string, err error) {
	if hostport == "" {
		return "", "", errors.New("empty address")
	}
	host, port, err = net.SplitHostPort(hostport)
	if err != nil {
		host, port = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]"), defaultPort
	}
	if host == "" {
		return "", "", fmt.Errorf("empty host in %q", hostport)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", "", fmt.Errorf("invalid port %q", port)
	}
	return host, port, nil
}
