package handler

import (
	"polychat-go/internal/model"
	"polychat-go/internal/service"
	"polychat-go/pkg/log"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminHandler 负责处理管理员相关的 API 请求：用户列表与模型目录维护。
type AdminHandler struct {
	adminService service.AdminService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

// ListUsers 处理分页获取用户列表的请求。
func (h *AdminHandler) ListUsers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))

	userList, err := h.adminService.ListUsers(c.Request.Context(), page, size)
	if err != nil {
		respondError(c, "ListUsers", err)
		return
	}
	respondOK(c, userList)
}

// UpsertModelRequest 是写入模型记录的请求体，key 取自路径。
type UpsertModelRequest struct {
	DisplayName      string         `json:"displayName" binding:"required"`
	Provider         model.Provider `json:"provider" binding:"required"`
	MaxContextTokens int            `json:"maxContextTokens" binding:"required"`
	SupportsPDF      bool           `json:"supportsPDF"`
	SupportsImage    bool           `json:"supportsImage"`
}

// UpsertModel 处理 PUT /admin/models/*key。模型 key 形如 "openai/gpt-4o"，含有斜杠。
func (h *AdminHandler) UpsertModel(c *gin.Context) {
	key := strings.Trim(c.Param("key"), "/")
	if key == "" {
		respondBadRequest(c, "缺少模型 key")
		return
	}
	var req UpsertModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求负载: "+err.Error())
		return
	}
	m, err := h.adminService.UpsertModel(c.Request.Context(), &model.LLMModel{
		Key:              key,
		DisplayName:      req.DisplayName,
		Provider:         req.Provider,
		MaxContextTokens: req.MaxContextTokens,
		SupportsPDF:      req.SupportsPDF,
		SupportsImage:    req.SupportsImage,
	})
	if err != nil {
		respondError(c, "UpsertModel", err)
		return
	}
	log.Infof("Admin: model '%s' upserted", key)
	respondOK(c, m)
}

// SetBestModelRequest 是设置分类最佳模型的请求体。
type SetBestModelRequest struct {
	ModelKey string `json:"modelKey" binding:"required"`
}

// SetBestModel 处理 PUT /admin/categories/:category/best-model。
func (h *AdminHandler) SetBestModel(c *gin.Context) {
	var req SetBestModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求负载：modelKey 不能为空")
		return
	}
	category, ok := model.ParseCategory(c.Param("category"))
	if !ok {
		respondBadRequest(c, "未知的分类: "+c.Param("category"))
		return
	}
	mappings, err := h.adminService.SetBestModel(c.Request.Context(), category, req.ModelKey)
	if err != nil {
		respondError(c, "SetBestModel", err)
		return
	}
	log.Infof("Admin: best model for %s set to '%s'", category, req.ModelKey)
	respondOK(c, mappings)
}
