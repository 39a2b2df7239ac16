package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/auth"
)

const (
	headerRequestID    = "X-Request-Id"
	headerClientID     = "X-Client-Id"
	headerClientSecret = "X-Client-Secret"
)

// requestID tags every request with an identifier, honoring one supplied by
// a trusted upstream proxy.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), id)))
	})
}

// accessLog emits one structured line per request.
func accessLog(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &loggingWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     sw.code,
				"duration":   time.Since(start).String(),
				"request_id": audit.RequestIDFromContext(r.Context()),
			}).Info("request")
		})
	}
}

type loggingWriter struct {
	http.ResponseWriter
	code int
}

func (w *loggingWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// secureHeaders sets the usual response hardening headers.
func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Authenticator resolves request credentials into a principal.
type Authenticator struct {
	store    auth.Store
	sessions SessionValidator
	resolver *auth.Resolver
}

// SessionValidator is the slice of the session manager authentication needs.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*auth.Session, error)
}

func NewAuthenticator(store auth.Store, sessions SessionValidator, resolver *auth.Resolver) *Authenticator {
	return &Authenticator{store: store, sessions: sessions, resolver: resolver}
}

// Middleware authenticates the request and stores the resolved principal in
// the context. Every registered client must present its id and secret; a
// bearer token additionally binds an authenticated user to the request.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		clientID := strings.TrimSpace(r.Header.Get(headerClientID))
		clientSecret := r.Header.Get(headerClientSecret)
		if clientID == "" || clientSecret == "" {
			writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "client credentials required")
			return
		}
		client, err := a.store.Clients(ctx).Find(ctx, clientID)
		if err != nil || !auth.SecureCompareHash(client.SecretHash, clientSecret) {
			writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "authentication failed")
			return
		}

		var principal auth.Principal = a.resolver.ResolveClient(client)
		if bearer := bearerToken(r); bearer != "" {
			sess, err := a.sessions.Validate(ctx, bearer)
			if err != nil {
				writeError(w, err)
				return
			}
			user, err := a.store.Users(ctx).Find(ctx, sess.UserID)
			if err != nil || user.Status != auth.UserStatusActive {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "authentication failed")
				return
			}
			principal, err = a.resolver.ResolveUser(ctx, user, client)
			if err != nil {
				writeError(w, err)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(ctx, principal)))
	})
}

func bearerToken(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(raw) > len(prefix) && strings.EqualFold(raw[:len(prefix)], prefix) {
		return strings.TrimSpace(raw[len(prefix):])
	}
	return ""
}

// Limiter applies a per-client token bucket. Buckets for idle clients are
// swept so the map does not grow with client churn.
type Limiter struct {
	defaultRate int
	burst       int

	mu      sync.Mutex
	buckets map[string]*bucket
	stopCh  chan struct{}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const limiterSweepInterval = 5 * time.Minute

func NewLimiter(defaultRate, burst int) *Limiter {
	if defaultRate <= 0 {
		defaultRate = 25
	}
	if burst < defaultRate {
		burst = defaultRate
	}
	l := &Limiter{
		defaultRate: defaultRate,
		burst:       burst,
		buckets:     make(map[string]*bucket),
		stopCh:      make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop terminates the background sweeper.
func (l *Limiter) Stop() { close(l.stopCh) }

// Middleware enforces the bucket for the authenticated client, or for the
// remote address when no principal made it into the context.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := remoteHost(r)
		perSecond := l.defaultRate
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			info := principal.Info()
			key = "client:" + info.ClientID
			if c, ok := principal.(auth.ClientOnly); ok && c.Client.RateLimit > 0 {
				perSecond = c.Client.RateLimit
			} else if cu, ok := principal.(auth.ClientAndUser); ok && cu.Client != nil && cu.Client.RateLimit > 0 {
				perSecond = cu.Client.RateLimit
			}
		}
		if !l.allow(key, perSecond) {
			w.Header().Set("Retry-After", "1")
			writeErrorCode(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string, perSecond int) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		burst := l.burst
		if burst < perSecond {
			burst = perSecond
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.lim.Allow()
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterSweepInterval)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return "ip:" + host
}
