package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/identity"
)

type callerKey struct{}
type requestIDKey struct{}

// WithCaller stores the authenticated account in the context.
func WithCaller(ctx context.Context, caller identity.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated account, if any.
func CallerFrom(ctx context.Context) (identity.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(identity.Address)
	return caller, ok
}

// Authenticator validates HS256 bearer tokens. The subject claim is the
// caller's account address.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret []byte, issuer string) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &Authenticator{secret: secret, issuer: issuer}, nil
}

// Issue signs a token for account, valid for ttl.
func (a *Authenticator) Issue(account identity.Address, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   account.String(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses a token and returns the account it was issued to.
func (a *Authenticator) Validate(tokenStr string) (identity.Address, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return identity.Address{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return identity.Address{}, errors.New("invalid token")
	}
	caller, err := identity.ParseAddress(claims.Subject)
	if err != nil {
		return identity.Address{}, fmt.Errorf("token subject: %w", err)
	}
	return caller, nil
}

var publicPaths = []string{"/health"}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// AuthMiddleware rejects non-public requests without a valid bearer token.
// A nil authenticator rejects everything (fail closed).
func AuthMiddleware(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if auth == nil {
				WriteUnauthorized(w, r, "Authentication not configured")
				return
			}

			caller, err := auth.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// RequestIDMiddleware reuses the client's X-Request-ID or mints one, and
// echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID extracts the request id from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
