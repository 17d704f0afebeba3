// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"polychat-go/internal/model"
	"polychat-go/internal/service"
	"polychat-go/pkg/log"
	"strconv"

	"github.com/gin-gonic/gin"
)

// currentUser 取出 AuthMiddleware 注入的用户。
func currentUser(c *gin.Context) (*model.User, bool) {
	v, ok := c.Get("user")
	if !ok {
		return nil, false
	}
	u, ok := v.(*model.User)
	return u, ok && u != nil
}

// mustUser 取不到用户时直接写 401。
func mustUser(c *gin.Context) (*model.User, bool) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证用户或无法获取用户信息"})
	}
	return user, ok
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message})
}

// statusFor 把业务错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrNotFound):
		// 无权访问与不存在对调用方不可区分
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrClientInput), errors.Is(err, model.ErrInvalidSelection):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrStreamTerminal), errors.Is(err, service.ErrStreamBusy):
		return http.StatusConflict
	case errors.Is(err, service.ErrClassification):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError 写出统一的错误信封。5xx 只返回通用信息，细节进日志。
func respondError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusUnauthorized {
		message = "Unauthorized"
	}
	if status >= http.StatusInternalServerError {
		log.Errorf("%s: %v", op, err)
		message = http.StatusText(status)
	} else {
		log.Warnf("%s: %v", op, err)
	}
	c.JSON(status, gin.H{"code": status, "message": message})
}

// uintParam 解析路径中的数字 ID。
func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		respondBadRequest(c, "无效的 "+name)
		return 0, false
	}
	return uint(v), true
}
