package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"tasknest/internal/engine/auth"
	"tasknest/internal/logging"
)

const principalCacheSize = 1024

type AuthConfig struct {
	Verifier auth.Verifier
	// DevTokens enables POST /auth/dev/token.
	DevTokens bool
	Logger    *slog.Logger
}

// tokenCache remembers verified tokens until they expire so hot clients skip the HMAC check.
type tokenCache struct {
	entries *lru.Cache[string, auth.Principal]
	now     func() time.Time
}

func newTokenCache(size int) *tokenCache {
	entries, err := lru.New[string, auth.Principal](size)
	if err != nil {
		return nil
	}
	return &tokenCache{entries: entries, now: time.Now}
}

func (c *tokenCache) get(token string) (auth.Principal, bool) {
	if c == nil {
		return auth.Principal{}, false
	}
	p, ok := c.entries.Get(token)
	if !ok {
		return auth.Principal{}, false
	}
	if !c.now().Before(p.ExpiresAt) {
		c.entries.Remove(token)
		return auth.Principal{}, false
	}
	return p, true
}

func (c *tokenCache) add(p auth.Principal) {
	if c == nil || p.ExpiresAt.IsZero() {
		return
	}
	c.entries.Add(p.Token, p)
}

func publicPaths(basePath string) map[string]bool {
	out := map[string]bool{}
	for _, p := range []string{"health", "docs", "openapi.json", "auth/register", "auth/login", "auth/refresh", "auth/dev/token"} {
		out[path.Join("/", basePath, p)] = true
	}
	return out
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	schemas := path.Join("/", basePath, "schemas") + "/"
	cache := newTokenCache(principalCacheSize)
	log := logging.OrDefault(cfg.Logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] || strings.HasPrefix(req.URL.Path, schemas) || req.Method == http.MethodOptions {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := auth.BearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			principal, hit := cache.get(token)
			if !hit {
				var err error
				principal, err = cfg.Verifier.Verify(token)
				if err != nil {
					var ue auth.UnauthorizedError
					if !errors.As(err, &ue) {
						log.Error("token verification unavailable", "err", err)
					}
					respondStatusError(w, handleError(authFailure(err)))
					return
				}
				cache.add(principal)
			}
			next.ServeHTTP(w, req.WithContext(auth.WithPrincipal(req.Context(), principal)))
		})
	}
}

// authFailure keeps configuration problems from leaking as anything but a 401.
func authFailure(err error) error {
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return ue
	}
	return auth.UnauthorizedError{Reason: "invalid token"}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
