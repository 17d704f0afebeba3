package handler

import (
	"polychat-go/internal/model"
	"polychat-go/internal/service"
	"strings"

	"github.com/gin-gonic/gin"
)

// MessageHandler 暴露协作者的消息读写接口。
type MessageHandler struct {
	messages   service.MessageService
	streamBase string
}

// NewMessageHandler 创建一个新的 MessageHandler 实例。
// publicBaseURL 用于拼出客户端驱动生成时请求的 /chat-stream 地址。
func NewMessageHandler(messages service.MessageService, publicBaseURL string) *MessageHandler {
	return &MessageHandler{
		messages:   messages,
		streamBase: strings.TrimRight(publicBaseURL, "/") + "/chat-stream",
	}
}

// SendMessageRequest 是发送消息的请求体。
type SendMessageRequest struct {
	Content       string                `json:"content" binding:"required"`
	AttachmentIDs []uint                `json:"attachmentIds"`
	Selection     *model.ModelSelection `json:"selection"`
}

// RegenerateRequest 是重试与编辑共用的请求体，Content 仅编辑时使用。
type RegenerateRequest struct {
	Content   string                `json:"content"`
	Selection *model.ModelSelection `json:"selection"`
}

type sendResponse struct {
	*service.SendMessageResult
	StreamURL string `json:"streamUrl"`
}

func (h *MessageHandler) withURL(res *service.SendMessageResult) sendResponse {
	return sendResponse{SendMessageResult: res, StreamURL: h.streamBase}
}

// Send 处理 POST /chats/:clientId/messages，首条消息时创建聊天。
func (h *MessageHandler) Send(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求负载: "+err.Error())
		return
	}
	res, err := h.messages.SendMessage(c.Request.Context(), user, service.SendMessageRequest{
		ChatClientID:  c.Param("clientId"),
		Content:       req.Content,
		AttachmentIDs: req.AttachmentIDs,
		Selection:     req.Selection,
	})
	if err != nil {
		respondError(c, "SendMessage", err)
		return
	}
	respondOK(c, h.withURL(res))
}

// List 按轮次顺序返回聊天中的消息。
func (h *MessageHandler) List(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	msgs, err := h.messages.GetMessagesByChatID(c.Request.Context(), user.ID, c.Param("clientId"))
	if err != nil {
		respondError(c, "GetMessagesByChatID", err)
		return
	}
	respondOK(c, msgs)
}

// Retry 为助手消息分配新流。
func (h *MessageHandler) Retry(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "messageId")
	if !ok {
		return
	}
	var req RegenerateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "无效的请求负载: "+err.Error())
			return
		}
	}
	res, err := h.messages.RetryMessage(c.Request.Context(), user, id, req.Selection)
	if err != nil {
		respondError(c, "RetryMessage", err)
		return
	}
	respondOK(c, h.withURL(res))
}

// Edit 改写用户消息并重新生成其后的回答。
func (h *MessageHandler) Edit(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "messageId")
	if !ok {
		return
	}
	var req RegenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求负载: "+err.Error())
		return
	}
	res, err := h.messages.EditMessage(c.Request.Context(), user, id, req.Content, req.Selection)
	if err != nil {
		respondError(c, "EditMessage", err)
		return
	}
	respondOK(c, h.withURL(res))
}

// GetStream 返回消息当前流的文本与状态。
func (h *MessageHandler) GetStream(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "messageId")
	if !ok {
		return
	}
	ms, err := h.messages.GetMessageStream(c.Request.Context(), user.ID, id)
	if err != nil {
		respondError(c, "GetMessageStream", err)
		return
	}
	respondOK(c, ms)
}
