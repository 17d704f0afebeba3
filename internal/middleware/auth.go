// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"polychat-go/internal/model"
	"polychat-go/internal/service"
	"polychat-go/pkg/log"
	"polychat-go/pkg/token"
	"strings"

	"github.com/gin-gonic/gin"
)

// Identity 把请求中的 bearer token 解析为用户，失败统一返回 service.ErrUnauthorized。
// 已登出（进入黑名单）的 token 同样视为无效。
type Identity struct {
	jwtManager  *token.JWTManager
	userService service.UserService
}

// NewIdentity 创建一个新的 Identity 实例。
func NewIdentity(jwtManager *token.JWTManager, userService service.UserService) *Identity {
	return &Identity{jwtManager: jwtManager, userService: userService}
}

// BearerToken 从 Authorization 头中取出 token，没有时返回空字符串。
func BearerToken(c *gin.Context) string {
	const bearerPrefix = "Bearer "
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

// Resolve 校验 token 并加载用户。
func (i *Identity) Resolve(c *gin.Context, tokenString string) (*model.User, *token.CustomClaims, error) {
	if tokenString == "" {
		return nil, nil, service.ErrUnauthorized
	}
	claims, err := i.jwtManager.VerifyAccessToken(tokenString)
	if err != nil {
		return nil, nil, service.ErrUnauthorized
	}
	revoked, err := i.userService.IsTokenRevoked(c.Request.Context(), tokenString)
	if err != nil {
		log.Warnf("查询 token 黑名单失败: %v", err)
		return nil, nil, service.ErrUnauthorized
	}
	if revoked {
		return nil, nil, service.ErrUnauthorized
	}
	user, err := i.userService.GetProfile(c.Request.Context(), claims.Username)
	if err != nil {
		return nil, nil, service.ErrUnauthorized
	}
	return user, claims, nil
}

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 验证通过后将完整的 User 对象存入 Gin 的上下文中。
func AuthMiddleware(identity *Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := BearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含有效的授权头"})
			return
		}
		user, claims, err := identity.Resolve(c, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token"})
			return
		}

		c.Set("user", user)
		c.Set("claims", claims)
		c.Set("token", tokenString)
		c.Next()
	}
}
