package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/zhubonan/phonoflow/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// Disabled turns all auth off, for local single-user workspaces.
	Disabled bool
	Logger   *slog.Logger
}

// Principal is the authenticated caller: a JWT subject, the actor bound to
// an API key, or "local" when auth is disabled.
type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// newAuthMiddleware authenticates requests under basePath. The health
// endpoint stays open; everything else needs a bearer JWT or an X-Api-Key.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			if cfg.Disabled {
				serveAs(next, w, req, Principal{ActorID: "local", Source: "disabled"})
				return
			}
			principal, err := resolvePrincipal(req, cfg, r)
			if err != nil {
				cfg.logger().Warn("request rejected", "path", req.URL.Path, "error", err)
				code := "invalid_credentials"
				msg := "invalid credentials"
				if errors.Is(err, errNoCredentials) {
					code, msg = "unauthorized", "authentication required"
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, code, msg, nil))
				return
			}
			serveAs(next, w, req, principal)
		})
	}
}

func serveAs(next http.Handler, w http.ResponseWriter, req *http.Request, p Principal) {
	next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
}

var errNoCredentials = errors.New("no credentials presented")

// resolvePrincipal checks the Authorization header first, then X-Api-Key.
func resolvePrincipal(req *http.Request, cfg AuthConfig, r repo.Repo) (Principal, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		parts := strings.Fields(authz)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return Principal{}, errors.New("malformed authorization header")
		}
		return principalFromJWT(parts[1], cfg.JWTSecret)
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		return principalFromAPIKey(req.Context(), r, key)
	}
	return Principal{}, errNoCredentials
}

func principalFromJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, errors.New("token missing a valid subject")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func principalFromAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	record, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if record.ActorID == "" {
		return Principal{}, errors.New("api key has no actor")
	}
	return Principal{ActorID: record.ActorID, Source: "api_key"}, nil
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
