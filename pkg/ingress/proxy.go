package ingress

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/scheduler"
	"github.com/cuemby/sandboxd/pkg/storage"
	"github.com/cuemby/sandboxd/pkg/supervisor"
	"github.com/cuemby/sandboxd/pkg/types"
)

// DefaultAppPort is the port every sandboxed application listens on
// absent a config override, mirroring pkg/supervisor.Port's "one
// well-known port per concern" convention.
const DefaultAppPort = 8080

// wakeWait is how long the proxy waits for a woken sandbox to reach
// Ready/Running before giving up with 504 (spec §4.5 step 4).
const wakeWait = 60 * time.Second

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1.
// Connection and Upgrade are deliberately absent: spliceUpgrade
// forwards WebSocket requests and needs both to survive so the upstream
// sees the handshake it's expecting.
var hopByHopHeaders = []string{
	"Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding",
}

// Proxy is the two-socket hostname router of spec §4.5: a plaintext HTTP
// listener for ACME challenges and redirects, and a TLS listener that
// forwards to tenant sandboxes, waking them on demand through the
// scheduler rather than ever touching Sandbox state itself.
type Proxy struct {
	store      storage.Store
	router     *Router
	sched      *scheduler.Scheduler
	certStore  *CertStore
	middleware *Middleware
	pool       *supervisor.Pool

	acmeMu sync.RWMutex
	acme   *ACMEClient

	httpAddr  string
	httpsAddr string
	appPort   int

	httpServer  *http.Server
	httpsServer *http.Server

	logger zerolog.Logger
}

// NewProxy wires the components a forwarded request touches: router for
// host resolution, sched to wake stopped sandboxes, certStore for TLS,
// pool to record traffic for the Ready->Running transition, and acme for
// the HTTP-01 challenge response (nil is valid before ACME is configured).
func NewProxy(
	store storage.Store,
	router *Router,
	sched *scheduler.Scheduler,
	certStore *CertStore,
	middleware *Middleware,
	pool *supervisor.Pool,
	acme *ACMEClient,
	httpAddr, httpsAddr string,
	appPort int,
) *Proxy {
	if appPort <= 0 {
		appPort = DefaultAppPort
	}
	return &Proxy{
		store:      store,
		router:     router,
		sched:      sched,
		certStore:  certStore,
		middleware: middleware,
		pool:       pool,
		acme:       acme,
		httpAddr:   httpAddr,
		httpsAddr:  httpsAddr,
		appPort:    appPort,
		logger:     log.WithComponent("ingress-proxy"),
	}
}

// SetACME swaps in client as the proxy's HTTP-01 challenge responder, for
// when an account is registered after the proxy has already started
// (admin-triggered registration, spec §4.8's POST /admin/acme/{email}).
func (p *Proxy) SetACME(client *ACMEClient) {
	p.acmeMu.Lock()
	p.acme = client
	p.acmeMu.Unlock()
}

func (p *Proxy) getACME() *ACMEClient {
	p.acmeMu.RLock()
	defer p.acmeMu.RUnlock()
	return p.acme
}

// Start runs both listeners until ctx is cancelled, then shuts them down
// gracefully.
func (p *Proxy) Start(ctx context.Context) error {
	p.httpServer = &http.Server{
		Addr:         p.httpAddr,
		Handler:      http.HandlerFunc(p.handleHTTP),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	httpListener, err := net.Listen("tcp", p.httpAddr)
	if err != nil {
		return fmt.Errorf("ingress: listening on %s: %w", p.httpAddr, err)
	}
	go func() {
		p.logger.Info().Str("addr", p.httpAddr).Msg("HTTP listener started")
		if err := p.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			p.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	p.httpsServer = &http.Server{
		Addr:         p.httpsAddr,
		Handler:      http.HandlerFunc(p.handleHTTPS),
		TLSConfig:    &tls.Config{MinVersion: tls.VersionTLS12, GetCertificate: p.certStore.GetCertificate},
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	httpsListener, err := net.Listen("tcp", p.httpsAddr)
	if err != nil {
		return fmt.Errorf("ingress: listening on %s: %w", p.httpsAddr, err)
	}
	go func() {
		p.logger.Info().Str("addr", p.httpsAddr).Msg("HTTPS listener started")
		tlsListener := tls.NewListener(httpsListener, p.httpsServer.TLSConfig)
		if err := p.httpsServer.Serve(tlsListener); err != nil && err != http.ErrServerClosed {
			p.logger.Error().Err(err).Msg("HTTPS server error")
		}
	}()

	<-ctx.Done()
	p.logger.Info().Msg("shutting down ingress proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		p.logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := p.httpsServer.Shutdown(shutdownCtx); err != nil {
		p.logger.Error().Err(err).Msg("HTTPS server shutdown failed")
	}
	return nil
}

// handleHTTP answers ACME HTTP-01 challenges and 308-redirects everything
// else to HTTPS (spec §4.5's plaintext socket handling).
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if token, ok := strings.CutPrefix(r.URL.Path, "/.well-known/acme-challenge/"); ok {
		acmeClient := p.getACME()
		if acmeClient == nil {
			http.NotFound(w, r)
			return
		}
		keyAuth, found := acmeClient.provider.GetKeyAuth(r.Context(), token)
		if !found {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(keyAuth))
		return
	}

	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}

// handleHTTPS resolves the tenant, wakes it if needed, and forwards.
func (p *Proxy) handleHTTPS(w http.ResponseWriter, r *http.Request) {
	if r.Host == "" {
		http.Error(w, "missing Host header", http.StatusBadRequest)
		return
	}

	tenantName := p.router.Resolve(r.Context(), r.Host)
	if tenantName == "" {
		http.NotFound(w, r)
		return
	}

	tenant, err := p.store.GetTenant(r.Context(), tenantName)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if !p.middleware.CheckRateLimit(tenantName, tenant.RateLimit) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if !tenant.State.IsServing() {
		tenant, err = p.wake(r.Context(), tenant)
		if err != nil {
			p.logger.Warn().Err(err).Str("tenant", tenantName).Msg("wake timed out")
			http.Error(w, "sandbox unavailable", http.StatusGatewayTimeout)
			return
		}
	}

	if tenant.State.Endpoint == "" {
		http.Error(w, "sandbox has no endpoint", http.StatusBadGateway)
		return
	}

	p.pool.RecordTraffic(tenantName)
	p.forward(w, r, fmt.Sprintf("%s:%d", tenant.State.Endpoint, p.appPort))
}

// wake enqueues the proxy's one allowed mutation request, a start task via
// the scheduler, and waits up to wakeWait for the sandbox to reach a
// serving phase. The proxy never mutates Sandbox state itself (spec §4.5
// "sandbox wake-up ordering").
func (p *Proxy) wake(ctx context.Context, tenant *types.Tenant) (*types.Tenant, error) {
	handle, err := p.sched.EnqueueWake(tenant.Name)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wakeWait)
	defer cancel()
	if _, err := handle.Wait(waitCtx); err != nil {
		return nil, err
	}

	return p.store.GetTenant(ctx, tenant.Name)
}

// forward proxies the request to addr, splicing the connection after a
// 101 Switching Protocols response instead of buffering it (spec §4.5
// step 5 WebSocket support).
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, addr string) {
	if isUpgrade(r) {
		p.spliceUpgrade(w, r, addr)
		return
	}

	target := &url.URL{Scheme: "http", Host: addr}
	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = r.Host
		stripHopByHop(req.Header)
		p.middleware.AddProxyHeaders(req)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Warn().Err(err).Str("addr", addr).Msg("upstream error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	proxy.ServeHTTP(w, r)
}

// isUpgrade reports whether r asks for a protocol upgrade (WebSockets).
func isUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// spliceUpgrade hand-rolls the upgrade handshake: dial upstream, replay
// the request, and on a 101 response hijack the client connection and
// copy bytes both directions until either side closes.
func (p *Proxy) spliceUpgrade(w http.ResponseWriter, r *http.Request, addr string) {
	upstream, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	stripHopByHop(r.Header)
	p.middleware.AddProxyHeaders(r)
	if err := r.Write(upstream); err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	client, clientBuf, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer client.Close()

	if clientBuf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(upstream, clientBuf.Reader, int64(clientBuf.Reader.Buffered())); err != nil {
			return
		}
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, client); done <- struct{}{} }()
	go func() { io.Copy(client, upstream); done <- struct{}{} }()
	<-done
}

// stripHopByHop removes the headers RFC 7230 forbids a proxy from
// forwarding unchanged.
func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
