package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "middleware-test-secret"

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(AuthMiddleware(testSecret))
	router.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})
	router.GET("/admin", AdminMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router
}

func tokenFor(t *testing.T, role models.Role, ttl time.Duration) string {
	t.Helper()
	token, err := utils.GenerateToken(&models.User{ID: "user-42", Username: "ayse", Role: role}, testSecret, ttl)
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware(t *testing.T) {
	router := authRouter()

	tests := []struct {
		name     string
		prepare  func(r *http.Request)
		wantCode int
	}{
		{
			name:     "missing credentials",
			prepare:  func(r *http.Request) {},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "malformed header",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Token abc")
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "expired token",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+tokenFor(t, models.RoleBuyer, -time.Minute))
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "bearer header",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+tokenFor(t, models.RoleBuyer, time.Hour))
			},
			wantCode: http.StatusOK,
		},
		{
			name: "cookie",
			prepare: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: TokenCookie, Value: tokenFor(t, models.RoleSeller, time.Hour)})
			},
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			tt.prepare(req)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				assert.Contains(t, w.Body.String(), "user-42")
			}
		})
	}
}

func TestAdminMiddleware(t *testing.T) {
	router := authRouter()

	for role, want := range map[models.Role]int{
		models.RoleAdmin:  http.StatusNoContent,
		models.RoleSeller: http.StatusForbidden,
		models.RoleBuyer:  http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, role, time.Hour))
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, want, w.Code, "role %s", role)
	}
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(SecurityHeadersMiddleware(), HSTSMiddleware(true))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
}
