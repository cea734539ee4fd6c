package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func protected() http.Handler {
	return RequireAdmin(testSecret, "session", zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin, ok := AdminFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(admin.Email))
	}))
}

func TestRequireAdmin(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	adminToken := signToken(t, testSecret, jwt.MapClaims{"sub": "1", "email": "boss@example.com", "role": "admin", "exp": exp})
	userToken := signToken(t, testSecret, jwt.MapClaims{"sub": "2", "role": "customer", "exp": exp})
	expired := signToken(t, testSecret, jwt.MapClaims{"role": "admin", "exp": time.Now().Add(-time.Hour).Unix()})
	forged := signToken(t, []byte("other"), jwt.MapClaims{"role": "admin", "exp": exp})

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"no token", func(*http.Request) {}, http.StatusUnauthorized},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session", Value: adminToken}) }, http.StatusOK},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+adminToken) }, http.StatusOK},
		{"non-admin", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+userToken) }, http.StatusForbidden},
		{"expired", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) }, http.StatusUnauthorized},
		{"wrong secret", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+forged) }, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/email-templates", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()

			protected().ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "boss@example.com", rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestRequireAdmin_EmptySecretRejectsEverything(t *testing.T) {
	h := RequireAdmin(nil, "session", zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	token := signToken(t, []byte{}, jwt.MapClaims{"role": "admin", "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodGet, "/admin/email-templates", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
