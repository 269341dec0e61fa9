package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/inventory_events/utils"
)

func newOpsRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ops := r.Group("/ops", AuthMiddleware(secret), RequireOpsAdmin())
	ops.GET("/ping", func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user_id": userId})
	})
	return r
}

func TestOpsRoutesRequireAdminToken(t *testing.T) {
	r := newOpsRouter("secret")
	admin, _ := utils.JwtGenerate("secret", 3, utils.RoleOpsAdmin, time.Hour)
	viewer, _ := utils.JwtGenerate("secret", 4, "viewer", time.Hour)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"not bearer", "Token " + admin, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"not admin", "Bearer " + viewer, http.StatusUnauthorized},
		{"admin", "Bearer " + admin, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
		}
	}
}
