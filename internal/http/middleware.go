package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/fjod/go_cart/cart-session/internal/logger"
	"github.com/fjod/go_cart/cart-session/internal/session"
	"golang.org/x/time/rate"
)

type ctxKey int

const requestIdentityKey ctxKey = iota

// requestIdentity is what SessionMiddleware decided about the caller.
type requestIdentity struct {
	domain.Identity
	// Degraded is set when session storage was unreachable and the caller
	// could not be resolved.
	Degraded bool
	// RawToken is the session token the client sent, valid or not.
	RawToken string
}

func identityFrom(ctx context.Context) (requestIdentity, bool) {
	id, ok := ctx.Value(requestIdentityKey).(requestIdentity)
	return id, ok
}

type SessionResolver interface {
	Resolve(ctx context.Context, creds session.Credentials) (session.Resolution, error)
	Logout(ctx context.Context, token string) error
}

type SessionConfig struct {
	Header       string
	Cookie       string
	CookieMaxAge time.Duration
	SecureCookie bool
}

type SessionMiddleware struct {
	resolver SessionResolver
	cfg      SessionConfig
	log      *logger.Logger
}

func NewSessionMiddleware(resolver SessionResolver, cfg SessionConfig, log *logger.Logger) *SessionMiddleware {
	if cfg.Header == "" {
		cfg.Header = "X-Session-Token"
	}
	if cfg.Cookie == "" {
		cfg.Cookie = "cart_session"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &SessionMiddleware{resolver: resolver, cfg: cfg, log: log}
}

func (m *SessionMiddleware) token(r *http.Request) string {
	if t := r.Header.Get(m.cfg.Header); t != "" {
		return t
	}
	if c, err := r.Cookie(m.cfg.Cookie); err == nil {
		return c.Value
	}
	return ""
}

// Handler resolves the caller's identity and hands a freshly minted guest
// token back in both the header and the cookie.
func (m *SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := m.token(r)
		res, err := m.resolver.Resolve(r.Context(), session.Credentials{
			Bearer:       r.Header.Get("Authorization"),
			SessionToken: raw,
		})
		if err != nil {
			if !errors.Is(err, session.ErrStorageUnavailable) {
				m.log.Error("session resolution failed", "error", err)
				respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
				return
			}
			m.log.Warn("session storage unavailable, serving degraded", "error", err)
			ctx := context.WithValue(r.Context(), requestIdentityKey, requestIdentity{Degraded: true, RawToken: raw})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if res.Minted {
			w.Header().Set(m.cfg.Header, res.Identity.Key)
			http.SetCookie(w, &http.Cookie{
				Name:     m.cfg.Cookie,
				Value:    res.Identity.Key,
				Path:     "/",
				MaxAge:   int(m.cfg.CookieMaxAge.Seconds()),
				HttpOnly: true,
				Secure:   m.cfg.SecureCookie,
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := context.WithValue(r.Context(), requestIdentityKey, requestIdentity{Identity: res.Identity, RawToken: raw})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops visitors idle for longer than the idle window, once a
// minute, until ctx is done.
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.getLimiter(ip).Allow() {
			respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request bodies at n bytes.
func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
