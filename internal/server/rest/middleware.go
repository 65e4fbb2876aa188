// Package rest provides the local HTTP API of the Sentinel monitor.
// This file implements RS256 JWT bearer-token authentication middleware.
//
// # Authentication Flow
//
// All requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// The middleware:
//  1. Extracts the Bearer token from the Authorization header.
//  2. Verifies the token with golang-jwt; only RS256 is accepted.
//  3. Checks expiry, and issuer and audience when configured.
//  4. Injects the verified claims into the request context.
//
// On any failure the middleware responds with HTTP 401 and a JSON error body;
// it does NOT call the next handler.
package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// JWTConfig holds the configuration for [JWTMiddleware].
type JWTConfig struct {
	// PublicKey is the RSA public key used to verify RS256 JWT signatures.
	// Required.
	PublicKey *rsa.PublicKey

	// Issuer, if non-empty, is compared against the "iss" JWT claim.
	Issuer string

	// Audience, if non-empty, must appear in the "aud" JWT claim.
	Audience string

	// SkipPaths lists exact URL paths that bypass JWT authentication.
	SkipPaths []string

	// Logger records per-request authentication failures. When nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// ClaimsFromContext retrieves the verified claims injected by
// [JWTMiddleware]. It returns (nil, false) for unauthenticated requests.
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// ParseRSAPublicKey decodes a PEM-encoded RSA public key in PKCS#1 or PKIX
// form.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("jwt: parse public key: %w", err)
	}
	return key, nil
}

// JWTMiddleware returns middleware enforcing RS256 bearer-token
// authentication.
//
// On success the verified claims are stored in the request context (retrieve
// with [ClaimsFromContext]). On failure the response is HTTP 401 with a JSON
// error body.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := verify(r, parser, cfg.PublicKey)
			if err != nil {
				logger.Warn("jwt: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verify extracts the bearer token and validates it against key.
func verify(r *http.Request, parser *jwt.Parser, key *rsa.PublicKey) (*jwt.RegisteredClaims, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(raw, "Bearer ")
	if token == "" {
		return nil, errors.New("empty bearer token")
	}
	if key == nil {
		return nil, errors.New("no verification key configured")
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

// writeJSONError writes an HTTP error response with a JSON body.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
