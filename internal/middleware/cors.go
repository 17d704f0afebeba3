package middleware

import (
	"net/http"
	"polychat-go/internal/config"
	"strconv"

	"github.com/gin-gonic/gin"
)

// StreamCORS 为流式端点的每个响应附加 CORS 头，包括错误响应。
func StreamCORS(cfg config.CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Methods", cfg.AllowMethods)
		h.Set("Access-Control-Allow-Headers", cfg.AllowHeaders)
		c.Next()
	}
}

// Preflight 处理 OPTIONS 请求。Origin、Access-Control-Request-Method、Access-Control-Request-Headers
// 三者齐全时返回预检头，否则返回空的 200。重复请求结果相同。
func Preflight(cfg config.CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		r := c.Request
		if r.Header.Get("Origin") != "" &&
			r.Header.Get("Access-Control-Request-Method") != "" &&
			r.Header.Get("Access-Control-Request-Headers") != "" {
			c.Header("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
		}
		c.Status(http.StatusOK)
	}
}
