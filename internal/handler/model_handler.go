package handler

import (
	"polychat-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ModelHandler 暴露只读的模型目录。
type ModelHandler struct {
	registry service.ModelRegistry
}

// NewModelHandler 创建一个新的 ModelHandler 实例。
func NewModelHandler(registry service.ModelRegistry) *ModelHandler {
	return &ModelHandler{registry: registry}
}

// List 返回目录中的全部模型。
func (h *ModelHandler) List(c *gin.Context) {
	models, err := h.registry.ListModels(c.Request.Context())
	if err != nil {
		respondError(c, "ListModels", err)
		return
	}
	respondOK(c, models)
}

// Categories 返回每个分类当前的最佳模型。
func (h *ModelHandler) Categories(c *gin.Context) {
	mappings, err := h.registry.ListCategoryMappings(c.Request.Context())
	if err != nil {
		respondError(c, "ListCategoryMappings", err)
		return
	}
	respondOK(c, mappings)
}
