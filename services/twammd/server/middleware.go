package server

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"twamm/observability"
	"twamm/services/twammd/storage"
)

const metricsModule = "twammd"

// AdminAuth verifies operator requests carry the configured bearer token.
type AdminAuth struct {
	token string
}

// NewAdminAuth returns nil when no token is configured, which disables the
// admin routes.
func NewAdminAuth(token string) *AdminAuth {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return &AdminAuth{token: token}
}

// Middleware enforces authentication for admin endpoints.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeErrorMessage(w, http.StatusServiceUnavailable, "admin api disabled")
			return
		}
		provided := parseBearerToken(r.Header.Get("Authorization"))
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(a.token)) != 1 {
			writeErrorMessage(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RateLimit configures the per-client token bucket.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles clients by remote address.
type RateLimiter struct {
	limit    RateLimit
	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	now      func() time.Time
}

// NewRateLimiter returns nil when the limit is disabled.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	if limit.RequestsPerMinute <= 0 {
		return nil
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &RateLimiter{limit: limit, visitors: make(map[string]*visitor), ttl: 5 * time.Minute, now: time.Now}
}

// Middleware rejects requests beyond the client's budget with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(clientID(req)) {
			observability.ModuleMetrics().RecordThrottle(metricsModule, "rate_limit")
			writeErrorMessage(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allow(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.ttl {
			delete(r.visitors, key)
		}
	}
	v, ok := r.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), r.limit.Burst)}
		r.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the status code and, when buffering, the body.
type statusRecorder struct {
	http.ResponseWriter
	status int
	buf    *bytes.Buffer
}

func (rr *statusRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *statusRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	if rr.buf != nil {
		rr.buf.Write(b)
	}
	return rr.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (rr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if rr.status == 0 {
		rr.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

// observe records request metrics keyed by the matched route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe(metricsModule, r.Method+" "+route, status, time.Since(started))
	})
}

// withIdempotency replays the stored response when a request repeats an
// Idempotency-Key. Only successful responses are stored so failed attempts
// can be retried. A key reused for a different request is rejected.
func withIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if db == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			fingerprint, err := requestFingerprint(r)
			if err != nil {
				writeErrorMessage(w, http.StatusBadRequest, "request body too large")
				return
			}
			var record storage.IdempotencyKey
			if err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error; err == nil {
				if record.RequestHash != "" && record.RequestHash != fingerprint {
					writeErrorMessage(w, http.StatusConflict, "idempotency key reused with a different request")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, buf: &bytes.Buffer{}}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			if rec.status >= 300 {
				return
			}
			_ = db.WithContext(r.Context()).Create(&storage.IdempotencyKey{
				Key:         key,
				RequestID:   uuid.NewString(),
				RequestHash: fingerprint,
				Method:      r.Method,
				Path:        r.URL.Path,
				Status:      rec.status,
				Response:    rec.buf.String(),
				CreatedAt:   time.Now().UTC(),
			}).Error
		})
	}
}

// requestFingerprint hashes the method, path, caller and body of r, leaving
// the body readable for the handler.
func requestFingerprint(r *http.Request) (string, error) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return "", err
		}
		if len(data) > maxBodyBytes {
			return "", errBadRequest
		}
		body = data
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	h := blake3.New(32, nil)
	_, _ = io.WriteString(h, r.Method+" "+r.URL.Path+"\n")
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if authed, ok := ownerFromContext(r.Context()); ok {
		owner = authed.String()
	}
	_, _ = io.WriteString(h, owner+"\n")
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
