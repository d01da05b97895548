package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ctxKey int

const claimsKey ctxKey = 0

// claimsFrom returns the verified claims attached by the auth middleware.
func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// requestLogger logs one line per request with method, path, status, and
// duration.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// authenticate verifies the Bearer token and attaches its claims to the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// limiterMaxIdle is how long a patient's limiter survives without traffic
// before the next sweep drops it. A dropped patient simply gets a fresh
// full bucket on return.
const limiterMaxIdle = 30 * time.Minute

// patientLimiter rate-limits requests per patient. Limiters are kept in
// memory and swept lazily so the map does not grow with every patient
// ever seen.
type patientLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	maxIdle   time.Duration
	lastSweep time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newPatientLimiter(perMinute, burst int) *patientLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	if burst <= 0 {
		burst = 10
	}
	return &patientLimiter{
		limiters:  make(map[string]*limiterEntry),
		limit:     rate.Limit(float64(perMinute) / 60.0),
		burst:     burst,
		maxIdle:   limiterMaxIdle,
		lastSweep: time.Now(),
	}
}

func (p *patientLimiter) allow(patientID string) bool {
	now := time.Now()
	p.mu.Lock()
	if now.Sub(p.lastSweep) > p.maxIdle {
		p.sweep(now)
	}
	e, ok := p.limiters[patientID]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(p.limit, p.burst)}
		p.limiters[patientID] = e
	}
	e.lastSeen = now
	p.mu.Unlock()
	return e.lim.Allow()
}

// sweep drops entries idle past maxIdle. The caller holds the lock.
func (p *patientLimiter) sweep(now time.Time) {
	for id, e := range p.limiters {
		if now.Sub(e.lastSeen) > p.maxIdle {
			delete(p.limiters, id)
		}
	}
	p.lastSweep = now
}

// rateLimit rejects patients that exceed their request budget. Runs after
// authentication so the key is always a verified patient ID.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())
		if claims != nil && !s.limiter.allow(claims.PatientID) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
