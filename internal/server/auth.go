package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	// JWTSecret signs and verifies HS256 tokens issued by /auth/token.
	JWTSecret string
	// JWKS verifies tokens from an external identity provider. Optional.
	JWKS             keyfunc.Keyfunc
	TokenTTL         time.Duration
	AllowActorHeader bool
	Logger           *slog.Logger
}

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

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// NewJWKS fetches the signing keys of an external provider and keeps them
// refreshed in the background. Startup does not fail when the provider is down.
func NewJWKS(ctx context.Context, url string, logger *slog.Logger) (keyfunc.Keyfunc, error) {
	storage, err := jwkset.NewStorageFromHTTP(url, jwkset.HTTPClientStorageOptions{
		Ctx:                       ctx,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           time.Hour,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("jwks refresh failed", "url", url, "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks storage: %w", err)
	}
	k, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("jwks keyfunc: %w", err)
	}
	return k, nil
}

// IssueToken mints the HS256 session token returned by /auth/token.
func IssueToken(secret, actorID string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		Issuer:    "tramita",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authenticateJWT accepts HS256 tokens signed with the local secret and, when a
// JWKS is configured, asymmetric tokens from the external provider.
func authenticateJWT(token string, cfg AuthConfig) (Principal, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "RS256", "ES256", "PS256", "EdDSA"}), jwt.WithLeeway(30*time.Second))
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() == jwt.SigningMethodHS256.Alg() {
			if strings.TrimSpace(cfg.JWTSecret) == "" {
				return nil, errors.New("jwt secret not configured")
			}
			return []byte(cfg.JWTSecret), nil
		}
		if cfg.JWKS == nil {
			return nil, fmt.Errorf("no key for %s tokens", t.Method.Alg())
		}
		return cfg.JWKS.Keyfunc(t)
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the acting principal. Public paths pass through
// without one.
func newAuthMiddleware(basePath string, cfg AuthConfig, public map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			actorHeader := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg)
				if err != nil {
					cfg.logger().Debug("token rejected", "error", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if actorHeader != "" && cfg.AllowActorHeader {
				cfg.logger().Warn("unauthenticated actor header accepted", "actor_id", actorHeader)
				ctx := withPrincipal(req.Context(), Principal{ActorID: actorHeader, Source: "header"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
