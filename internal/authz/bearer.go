// Package authz guards the mutating operator endpoints with HS256 bearer
// tokens minted from a shared secret.
package authz

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Validator struct {
	secret []byte
	issuer string
}

func NewValidator(secret, issuer string) *Validator {
	return &Validator{secret: []byte(secret), issuer: issuer}
}

func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			slog.Warn("operator auth missing bearer", "path", r.URL.Path)
			return
		}
		tokStr := strings.TrimSpace(raw[len("Bearer "):])

		token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
			}
			return v.secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			slog.Warn("operator auth invalid token", "error", err, "path", r.URL.Path)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			http.Error(w, "invalid token claims", http.StatusUnauthorized)
			return
		}
		if iss, _ := claims["iss"].(string); v.issuer != "" && iss != v.issuer {
			http.Error(w, "issuer mismatch", http.StatusUnauthorized)
			slog.Warn("operator auth issuer mismatch", "issuer", iss)
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			http.Error(w, "no subject", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Sign mints an operator token for the shared secret; used by the watoken
// command and by tests.
func Sign(secret, issuer, sub string, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": issuer,
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return t.SignedString([]byte(secret))
}
