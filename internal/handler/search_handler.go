package handler

import (
	"polychat-go/internal/service"
	"strconv"

	"github.com/gin-gonic/gin"
)

// SearchHandler 在用户参与的聊天中全文检索消息。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// SearchMessages 处理 GET /search/messages?q=&size=。
func (h *SearchHandler) SearchMessages(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	query := c.Query("q")
	if query == "" {
		respondBadRequest(c, "查询参数 q 不能为空")
		return
	}
	size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))
	hits, err := h.searchService.SearchMessages(c.Request.Context(), user, query, size)
	if err != nil {
		respondError(c, "SearchMessages", err)
		return
	}
	respondOK(c, hits)
}
