package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const secret = "operator-secret-value"

func sign(t *testing.T, claims jwt.RegisteredClaims, method jwt.SigningMethod) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func serve(t *testing.T, mw gin.HandlerFunc, header string) (int, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	var subject string
	router.GET("/admin", mw, func(c *gin.Context) {
		subject, _ = GetOperator(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp.Code, subject
}

func TestJWTMiddleware(t *testing.T) {
	valid := jwt.RegisteredClaims{
		Subject:   "operator-1",
		Audience:  jwt.ClaimStrings{"palmvein-admin"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	noExpiry := jwt.RegisteredClaims{Subject: "operator-1", Audience: jwt.ClaimStrings{"palmvein-admin"}}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongAudience := valid
	wrongAudience.Audience = jwt.ClaimStrings{"someone-else"}
	noSubject := valid
	noSubject.Subject = ""

	mw := JWTMiddleware(secret, "palmvein-admin")
	cases := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + sign(t, valid, jwt.SigningMethodHS256), http.StatusOK},
		{"lowercase scheme", "bearer " + sign(t, valid, jwt.SigningMethodHS256), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"no expiry", "Bearer " + sign(t, noExpiry, jwt.SigningMethodHS256), http.StatusUnauthorized},
		{"expired", "Bearer " + sign(t, expired, jwt.SigningMethodHS256), http.StatusUnauthorized},
		{"wrong audience", "Bearer " + sign(t, wrongAudience, jwt.SigningMethodHS256), http.StatusUnauthorized},
		{"missing subject", "Bearer " + sign(t, noSubject, jwt.SigningMethodHS256), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, subject := serve(t, mw, tc.header)
			if status != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, status)
			}
			if tc.status == http.StatusOK && subject != "operator-1" {
				t.Fatalf("expected operator subject in context, got %q", subject)
			}
		})
	}
}

func TestJWTMiddlewareWithoutSecretRejects(t *testing.T) {
	token := sign(t, jwt.RegisteredClaims{Subject: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, jwt.SigningMethodHS256)
	status, _ := serve(t, JWTMiddleware("", ""), "Bearer "+token)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected %d, got %d", http.StatusUnauthorized, status)
	}
}
