package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alexngai/gitswarm-sub001/api/handlers"
	"github.com/alexngai/gitswarm-sub001/internal/ctxkeys"
	"github.com/alexngai/gitswarm-sub001/internal/metrics"
)

// skipAuthPaths are probe endpoints that must stay reachable without
// credentials.
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so the first listed runs outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery converts handler panics into 500 responses.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("handler panicked",
						zap.Any("panic", v),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					handlers.WriteError(w, http.StatusInternalServerError, handlers.CodeInternalError, "internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID tags each request with an X-Request-ID header and context
// value. A client-supplied ID is kept so callers can correlate retries.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = newRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), id)))
		})
	}
}

func newRequestID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "req-" + hex.EncodeToString(b[:])
}

// securityHeaders go on every response.
var securityHeaders = map[string]string{
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
	"X-XSS-Protection":        "1; mode=block",
	"Content-Security-Policy": "default-src 'self'",
}

// SecurityHeaders sets the standard hardening headers.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range securityHeaders {
				h.Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Observe emits one access-log line, one metrics sample and, when
// traced, one server span per request. Status and response size come
// from a single shared wrapper so the three sinks never disagree.
func Observe(logger *zap.Logger, collector *metrics.Collector, traced bool) Middleware {
	tracer := otel.Tracer("gitswarm/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()

			var span trace.Span
			if traced {
				ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))
				ctx, span = tracer.Start(ctx, r.Method+" "+r.URL.Path,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.URLFull(r.URL.String()),
					),
				)
			}

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))
			elapsed := time.Since(start)

			if span != nil {
				span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
				span.End()
			}
			if collector != nil {
				collector.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.StatusCode, elapsed,
					max(r.ContentLength, 0), rw.Bytes)
			}

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("elapsed", elapsed),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if id, ok := ctxkeys.RequestID(r.Context()); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			logger.Info("request", fields...)
		})
	}
}

// idSegment matches path segments that look like identifiers rather
// than route words: UUIDs, long hex strings and plain numbers.
var idSegment = regexp.MustCompile(`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`)

// routeLabel collapses identifier segments to ":id" to keep Prometheus
// label cardinality bounded. Stream and agent names are free-form, so
// whatever follows those segments collapses unconditionally:
//
//	/api/v1/federation/streams/feature-x -> /api/v1/federation/streams/:id
//	/api/v1/federation/agents/bob/events -> /api/v1/federation/agents/:id/events
func routeLabel(path string) string {
	segments := strings.Split(path, "/")
	changed := false
	for i := 1; i < len(segments); i++ {
		if segments[i] == "" {
			continue
		}
		if prev := segments[i-1]; prev == "streams" || prev == "agents" || idSegment.MatchString(segments[i]) {
			segments[i] = ":id"
			changed = true
		}
	}
	if !changed {
		return path
	}
	return strings.Join(segments, "/")
}

// CORS restricts cross-origin access to the configured origins. With no
// origins configured no CORS headers are set at all, so browsers refuse
// cross-origin reads instead of defaulting to allow-all.
func CORS(allowedOrigins []string) Middleware {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && len(allowed) == 0 {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
			} else if _, ok := allowed[origin]; ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				h.Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter throttles requests per client IP. Idle entries are swept
// every minute; ctx stops the sweeper.
func RateLimiter(ctx context.Context, rps, burst int) Middleware {
	limiter := newIPLimiter(rps, burst)
	go limiter.sweep(ctx)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r)) {
				handlers.WriteError(w, http.StatusTooManyRequests, handlers.CodeRateLimited, "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ipLimiter struct {
	limit rate.Limit
	burst int

	mu   sync.Mutex
	seen map[string]*ipBucket
}

type ipBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps, burst int) *ipLimiter {
	return &ipLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		seen:  make(map[string]*ipBucket),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	b := l.seen[ip]
	if b == nil {
		b = &ipBucket{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.seen[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.bucket.Allow()
}

func (l *ipLimiter) sweep(ctx context.Context) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			cutoff := time.Now().Add(-3 * time.Minute)
			l.mu.Lock()
			for ip, b := range l.seen {
				if b.lastSeen.Before(cutoff) {
					delete(l.seen, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// BearerAuth admits two credentials on the Authorization header: the
// static authority token, compared in constant time, and HS256 session
// tokens signed with the shared secret as minted by the authority
// client. The agent_id claim (sub as a fallback) lands in the request
// context so handlers can attribute writes. skipPaths stay open.
func BearerAuth(secret, staticToken string, skipPaths []string, logger *zap.Logger) Middleware {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	verify := sessionVerifier(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, open := skip[r.URL.Path]; open {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				handlers.WriteError(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "missing or malformed Authorization header", nil)
				return
			}

			if staticToken != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(staticToken)) == 1 {
				next.ServeHTTP(w, r)
				return
			}

			agentID, err := verify(raw)
			if err != nil {
				logger.Debug("session token rejected", zap.Error(err))
				handlers.WriteError(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "invalid or expired token", nil)
				return
			}
			if agentID != "" {
				r = r.WithContext(ctxkeys.WithAgentID(r.Context(), agentID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sessionVerifier parses an HS256 session token and extracts the agent
// identity from its claims.
func sessionVerifier(secret string) func(raw string) (string, error) {
	key := []byte(secret)
	methods := jwt.WithValidMethods([]string{"HS256"})
	return func(raw string) (string, error) {
		if len(key) == 0 {
			return "", errors.New("shared secret not configured")
		}
		token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return key, nil }, methods)
		if err != nil {
			return "", err
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return "", errors.New("unexpected claims type")
		}
		if id, _ := claims["agent_id"].(string); id != "" {
			return id, nil
		}
		id, _ := claims["sub"].(string)
		return id, nil
	}
}
