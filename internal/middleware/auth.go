package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

type ctxKey int

const adminKey ctxKey = iota

// Admin is the authenticated caller of an /admin route.
type Admin struct {
	Subject string
	Email   string
}

// AdminFromContext returns the admin stored by RequireAdmin.
func AdminFromContext(ctx context.Context) (Admin, bool) {
	a, ok := ctx.Value(adminKey).(Admin)
	return a, ok
}

// RequireAdmin accepts an HS256 token from the session cookie or a bearer
// header and lets the request through only when its role claim is "admin".
// With an empty secret every request is rejected.
func RequireAdmin(secret []byte, cookieName string, log *zap.Logger) func(http.Handler) http.Handler {
	if len(secret) == 0 {
		log.Error("JWT secret is empty, admin routes will reject every request")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				writeError(w, http.StatusUnauthorized, "Authentication is not configured")
				return
			}

			tokenString := tokenFromRequest(r, cookieName)
			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, "Token not provided")
				return
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			role, _ := claims["role"].(string)
			if role != "admin" {
				log.Warn("non-admin caller rejected",
					zap.String("role", role),
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}

			admin := Admin{}
			admin.Subject, _ = claims["sub"].(string)
			admin.Email, _ = claims["email"].(string)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, admin)))
		})
	}
}

func tokenFromRequest(r *http.Request, cookieName string) string {
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
