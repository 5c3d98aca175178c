package auth

import (
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// Middleware authenticates HTTP requests. Bearer tokens are checked
// first, then the X-API-Key header; streaming endpoints additionally
// accept an api_key query parameter because EventSource cannot set
// headers.
type Middleware struct {
	cfg     Config
	manager *Manager
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMiddleware builds the middleware from config. A nil logger is
// replaced with a no-op logger.
func NewMiddleware(cfg Config, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	var manager *Manager
	if cfg.JWTSecret != "" {
		manager = NewManager(cfg.JWTSecret, cfg.AccessTokenExpiry)
	}
	return &Middleware{
		cfg:      cfg,
		manager:  manager,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wrap enforces authentication on the handler. When the config is not
// active the handler is returned unchanged.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.cfg.Active() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.SkipAuth {
			p := &Principal{Subject: "dev", Method: "dev", Scopes: defaultScopes}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		if header := r.Header.Get("Authorization"); header != "" {
			m.serveBearer(w, r, next, header)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" && isStreamPath(r.URL.Path) {
			key = r.URL.Query().Get("api_key")
		}
		if key != "" {
			m.serveAPIKey(w, r, next, key)
			return
		}

		writeUnauthorized(w, "authentication required")
	})
}

func (m *Middleware) serveBearer(w http.ResponseWriter, r *http.Request, next http.Handler, header string) {
	if m.manager == nil {
		writeUnauthorized(w, "bearer tokens are not accepted")
		return
	}
	token, err := ExtractBearerToken(header)
	if err != nil {
		writeUnauthorized(w, err.Error())
		return
	}
	principal, err := m.manager.ValidateToken(token)
	if err != nil {
		m.logger.Debug("Bearer token rejected", zap.Error(err))
		writeUnauthorized(w, "invalid token")
		return
	}
	next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
}

func (m *Middleware) serveAPIKey(w http.ResponseWriter, r *http.Request, next http.Handler, key string) {
	principal := m.lookupAPIKey(key)
	if principal == nil {
		m.logger.Debug("API key rejected", zap.String("path", r.URL.Path))
		writeUnauthorized(w, "invalid API key")
		return
	}
	if !m.allow(principal.Subject) {
		w.Header().Set("Content-Type", "application/json")
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}
	next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
}

// lookupAPIKey compares the presented key against every configured hash.
// The list is expected to stay small, so the linear bcrypt scan is fine.
func (m *Middleware) lookupAPIKey(key string) *Principal {
	for _, k := range m.cfg.APIKeys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(key)) == nil {
			scopes := k.Scopes
			if len(scopes) == 0 {
				scopes = defaultScopes
			}
			return &Principal{Subject: k.Name, Method: "api_key", Scopes: scopes}
		}
	}
	return nil
}

// allow applies the per-key hourly rate limit.
func (m *Middleware) allow(name string) bool {
	if m.cfg.APIKeyRateLimit <= 0 {
		return true
	}
	m.mu.Lock()
	limiter, ok := m.limiters[name]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(m.cfg.APIKeyRateLimit)/3600.0), m.cfg.APIKeyRateLimit)
		m.limiters[name] = limiter
	}
	m.mu.Unlock()
	return limiter.Allow()
}

func isStreamPath(path string) bool {
	return strings.Contains(path, "/stream/") || strings.HasSuffix(path, "/stream")
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}
