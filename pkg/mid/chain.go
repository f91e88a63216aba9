// Package mid provides the HTTP middleware the API server stacks in front of
// its routes.
package mid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/dennj/agnomerchant/pkg/metrics"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares left-to-right (first middleware is outermost).
func Chain(h http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// statusWriter records the first status code written.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID keeps an inbound X-Request-ID or assigns a new UUID.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// RequestIDFrom returns the id assigned by RequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logger logs method, path, status, duration and request id.
func Logger(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start),
				"request_id", RequestIDFrom(r.Context()),
			)
		})
	}
}

// Recover turns a panic into a JSON 500.
func Recover(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic recovered", "error", fmt.Sprintf("%v", err), "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "Internal Server Error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS sets CORS headers and answers preflight requests. Credentials are
// only allowed for a concrete origin.
func CORS(origin string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)
			if origin != "*" {
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OTel creates a server span per request.
func OTel(serviceName string) Middleware {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	}
}

// Metrics counts requests by route pattern and status and records latency.
func Metrics(reg *metrics.Registry) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			reg.Counter("agnomerchant_http_requests_total", "HTTP requests served.",
				"route", route, "status", strconv.Itoa(sw.status)).Inc()
			reg.Histogram("agnomerchant_http_request_duration_seconds", "HTTP request latency.",
				nil, "route", route).ObserveSince(start)
		})
	}
}

// RateLimitOpts configures RateLimit. A non-positive PerSecond disables
// limiting. TrustProxy keys clients by the last X-Forwarded-For hop, the one
// the fronting proxy appended; leave it off when clients connect directly.
// Once MaxClients buckets exist, buckets idle for IdleTTL are dropped, then
// the least recently seen ones.
type RateLimitOpts struct {
	PerSecond  float64
	Burst      int
	TrustProxy bool
	IdleTTL    time.Duration
	MaxClients int
}

const (
	defaultLimiterTTL  = 10 * time.Minute
	defaultMaxLimiters = 10000
)

// RateLimit allows opts.PerSecond requests per client IP. Rejected requests
// get 429.
func RateLimit(opts RateLimitOpts) Middleware {
	if opts.PerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	buckets := newClientLimiters(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !buckets.get(clientIP(r, opts.TrustProxy)).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// clientLimiters is a bounded table of per-client token buckets.
type clientLimiters struct {
	mu      sync.Mutex
	opts    RateLimitOpts
	clients map[string]*clientLimiter
	now     func() time.Time
}

func newClientLimiters(opts RateLimitOpts) *clientLimiters {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultLimiterTTL
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = defaultMaxLimiters
	}
	return &clientLimiters{opts: opts, clients: make(map[string]*clientLimiter), now: time.Now}
}

func (c *clientLimiters) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if cl, ok := c.clients[key]; ok {
		cl.lastSeen = now
		return cl.lim
	}
	if len(c.clients) >= c.opts.MaxClients {
		c.evict(now)
	}
	cl := &clientLimiter{lim: rate.NewLimiter(rate.Limit(c.opts.PerSecond), c.opts.Burst), lastSeen: now}
	c.clients[key] = cl
	return cl.lim
}

// evict drops idle buckets, then the oldest ones until there is room for one
// more. Must hold mu.
func (c *clientLimiters) evict(now time.Time) {
	for k, cl := range c.clients {
		if now.Sub(cl.lastSeen) >= c.opts.IdleTTL {
			delete(c.clients, k)
		}
	}
	for len(c.clients) >= c.opts.MaxClients {
		var (
			oldestKey string
			oldest    time.Time
			found     bool
		)
		for k, cl := range c.clients {
			if !found || cl.lastSeen.Before(oldest) {
				oldestKey, oldest, found = k, cl.lastSeen, true
			}
		}
		delete(c.clients, oldestKey)
	}
}

func (c *clientLimiters) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
			hops := strings.Split(xff[len(xff)-1], ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
