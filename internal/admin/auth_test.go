package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToken(t *testing.T) {
	valid, err := IssueToken("s3cret", "cacheengine", "ops-1", RoleOperator, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken("s3cret", "cacheengine", "ops-1", RoleOperator, -time.Minute)
	require.NoError(t, err)
	otherIssuer, err := IssueToken("s3cret", "someone-else", "ops-1", RoleOperator, time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleAdmin}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		secret  string
		token   string
		wantErr bool
	}{
		{"valid", "s3cret", valid, false},
		{"wrong secret", "other", valid, true},
		{"expired", "s3cret", expired, true},
		{"wrong issuer", "s3cret", otherIssuer, true},
		{"unsigned", "s3cret", none, true},
		{"garbage", "s3cret", "abc.def.ghi", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ValidateToken(tt.secret, "cacheengine", tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ops-1", claims.Subject)
			assert.Equal(t, RoleOperator, claims.Role)
		})
	}
}

func TestJWTAuthSetsClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWTAuth("s3cret", ""))
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ctxSubject)+"/"+c.GetString(ctxRole))
	})

	token, err := IssueToken("s3cret", "anyone", "root", RoleAdmin, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "root/admin", w.Body.String())
}

func TestRequireRoleWithoutAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.DELETE("/thing", RequireRole(RoleAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/thing", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
