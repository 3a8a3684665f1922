package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"twamm/crypto"
)

// OwnerAuthConfig configures verification of owner tokens on mutating routes.
type OwnerAuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type ownerContextKey struct{}

// OwnerAuth verifies HMAC-signed bearer JWTs whose subject is the caller's
// bech32 address and binds that address to the request.
type OwnerAuth struct {
	cfg    OwnerAuthConfig
	secret []byte
	logger *log.Logger
}

// NewOwnerAuth returns nil when no secret is configured, in which case the
// owner header is trusted as sent.
func NewOwnerAuth(cfg OwnerAuthConfig, logger *log.Logger) *OwnerAuth {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &OwnerAuth{cfg: cfg, secret: []byte(secret), logger: logger}
}

// Middleware rejects requests without a valid owner token and requests whose
// owner header names someone other than the token subject.
func (a *OwnerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			next.ServeHTTP(w, r)
			return
		}
		raw := parseBearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "owner token required")
			return
		}
		owner, err := a.verify(raw)
		if err != nil {
			a.logger.Printf("twammd: owner token rejected: %v", err)
			writeErrorMessage(w, http.StatusUnauthorized, "invalid owner token")
			return
		}
		if header := strings.TrimSpace(r.Header.Get(OwnerHeader)); header != "" {
			claimed, err := crypto.ParseTrader(header)
			if err != nil || claimed != owner {
				writeErrorMessage(w, http.StatusForbidden, "owner header does not match token subject")
				return
			}
		}
		ctx := context.WithValue(r.Context(), ownerContextKey{}, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *OwnerAuth) verify(raw string) (crypto.Address, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return crypto.Address{}, err
	}
	if !token.Valid {
		return crypto.Address{}, errors.New("token invalid")
	}
	owner, err := crypto.ParseTrader(strings.TrimSpace(claims.Subject))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("subject: %w", err)
	}
	return owner, nil
}

func ownerFromContext(ctx context.Context) (crypto.Address, bool) {
	owner, ok := ctx.Value(ownerContextKey{}).(crypto.Address)
	return owner, ok
}
