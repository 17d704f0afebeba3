package handler

import (
	"polychat-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ChatHandler 管理聊天列表、元数据与协作者。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler 实例。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// List 返回当前用户参与的全部聊天。
func (h *ChatHandler) List(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	chats, err := h.chatService.List(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, "ListChats", err)
		return
	}
	respondOK(c, chats)
}

// Update 修改标题或置顶状态。
func (h *ChatHandler) Update(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	var req service.ChatUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求负载: "+err.Error())
		return
	}
	chat, err := h.chatService.Update(c.Request.Context(), user.ID, c.Param("clientId"), req)
	if err != nil {
		respondError(c, "UpdateChat", err)
		return
	}
	respondOK(c, chat)
}

// Delete 删除聊天及其消息，仅所有者可用。
func (h *ChatHandler) Delete(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	if err := h.chatService.Delete(c.Request.Context(), user.ID, c.Param("clientId")); err != nil {
		respondError(c, "DeleteChat", err)
		return
	}
	respondOK(c, nil)
}

// AddCollaboratorRequest 是添加协作者的请求体。
type AddCollaboratorRequest struct {
	Username string `json:"username" binding:"required"`
}

// AddCollaborator 按用户名添加协作者，仅所有者可用。
func (h *ChatHandler) AddCollaborator(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	var req AddCollaboratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求负载：username 不能为空")
		return
	}
	clientID := c.Param("clientId")
	if err := h.chatService.AddCollaborator(c.Request.Context(), user.ID, clientID, req.Username); err != nil {
		respondError(c, "AddCollaborator", err)
		return
	}
	ids, err := h.chatService.ListCollaborators(c.Request.Context(), user.ID, clientID)
	if err != nil {
		respondError(c, "ListCollaborators", err)
		return
	}
	respondOK(c, gin.H{"collaborators": ids})
}

// ListCollaborators 返回聊天的协作者 ID。
func (h *ChatHandler) ListCollaborators(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	ids, err := h.chatService.ListCollaborators(c.Request.Context(), user.ID, c.Param("clientId"))
	if err != nil {
		respondError(c, "ListCollaborators", err)
		return
	}
	respondOK(c, gin.H{"collaborators": ids})
}
