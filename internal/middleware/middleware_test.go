package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"polychat-go/internal/config"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/internal/service"
	"polychat-go/internal/testutil"
	"polychat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var corsCfg = config.CORSConfig{
	AllowMethods: "POST, OPTIONS",
	AllowHeaders: "Authorization, Content-Type",
	MaxAge:       600,
}

func TestPreflight(t *testing.T) {
	r := gin.New()
	g := r.Group("/chat-stream", StreamCORS(corsCfg))
	g.OPTIONS("", Preflight(corsCfg))

	full := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/chat-stream", nil)
		req.Header.Set("Origin", "https://app.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "authorization")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first, second := full(), full()
	for _, w := range []*httptest.ResponseRecorder{first, second} {
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
		assert.Empty(t, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodOptions, "/chat-stream", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Max-Age"))
}

func TestMatchWildcard(t *testing.T) {
	assert.True(t, matchWildcard("/api/v1/streams/*/ws", "/api/v1/streams/abc/ws"))
	assert.False(t, matchWildcard("/api/v1/streams/*/ws", "/api/v1/streams/abc"))
	assert.False(t, matchWildcard("/api/v1/streams/*/ws", "/api/v1/chats/abc/ws"))
}

func TestRequestLogger_KeepsStreamingWriter(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger("/chat-stream"))
	var wrapped, plain bool
	r.POST("/chat-stream", func(c *gin.Context) {
		_, wrapped = c.Writer.(*bodyLogWriter)
		c.Status(http.StatusOK)
	})
	r.POST("/api/v1/users/login", func(c *gin.Context) {
		_, plain = c.Writer.(*bodyLogWriter)
		c.Status(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/chat-stream", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/users/login", nil))
	assert.False(t, wrapped)
	assert.True(t, plain)
}

func TestAuthMiddleware(t *testing.T) {
	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)
	jwt := token.NewJWTManager("secret", 1, 1)
	users := service.NewUserService(repository.NewUserRepository(db), jwt, rdb)
	identity := NewIdentity(jwt, users)

	ctx := context.Background()
	_, err := users.Register(ctx, "alice", "hunter22")
	require.NoError(t, err)
	access, refresh, err := users.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)

	_, err = users.Register(ctx, "root", "hunter22")
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.User{}).Where("username = ?", "root").Update("role", model.RoleAdmin).Error)
	adminToken, _, err := users.Login(ctx, "root", "hunter22")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", AuthMiddleware(identity), func(c *gin.Context) {
		u := c.MustGet("user").(*model.User)
		c.String(http.StatusOK, u.Username)
	})
	r.GET("/admin", AuthMiddleware(identity), AdminAuthMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	get := func(path, tok string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get("/me", access)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, get("/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get("/me", "garbage").Code)
	assert.Equal(t, http.StatusUnauthorized, get("/me", refresh).Code)

	assert.Equal(t, http.StatusForbidden, get("/admin", access).Code)
	assert.Equal(t, http.StatusNoContent, get("/admin", adminToken).Code)

	require.NoError(t, users.Logout(ctx, access))
	assert.Equal(t, http.StatusUnauthorized, get("/me", access).Code)
}
