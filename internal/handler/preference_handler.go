package handler

import (
	"polychat-go/internal/service"

	"github.com/gin-gonic/gin"
)

// PreferenceHandler 读写用户偏好。
type PreferenceHandler struct {
	preferences service.PreferenceService
}

// NewPreferenceHandler 创建一个新的 PreferenceHandler 实例。
func NewPreferenceHandler(preferences service.PreferenceService) *PreferenceHandler {
	return &PreferenceHandler{preferences: preferences}
}

// Get 返回偏好以及由偏好得出的模型选择。
func (h *PreferenceHandler) Get(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	pref, err := h.preferences.Get(ctx, user.ID)
	if err != nil {
		respondError(c, "GetPreferences", err)
		return
	}
	sel, err := h.preferences.GetUserModelPreference(ctx, user.ID)
	if err != nil {
		respondError(c, "GetUserModelPreference", err)
		return
	}
	respondOK(c, gin.H{"preferences": pref, "selection": sel})
}

// Update 部分更新偏好。
func (h *PreferenceHandler) Update(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	var req service.PreferenceUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求负载: "+err.Error())
		return
	}
	pref, err := h.preferences.Update(c.Request.Context(), user.ID, req)
	if err != nil {
		respondError(c, "UpdatePreferences", err)
		return
	}
	respondOK(c, pref)
}
