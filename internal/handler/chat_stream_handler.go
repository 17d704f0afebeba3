package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"polychat-go/internal/middleware"
	"polychat-go/internal/model"
	"polychat-go/internal/service"
	"polychat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const (
	textPlain          = "text/plain; charset=utf-8"
	streamStatusHeader = "X-Stream-Status"
)

// ChatStreamHandler 实现 POST /chat-stream：驱动一次生成并把分块直接写入响应体。
// 所有响应都是 text/plain，CORS 头由 middleware.StreamCORS 附加。
type ChatStreamHandler struct {
	identity *middleware.Identity
	messages service.MessageService
	manager  service.StreamManager
}

// NewChatStreamHandler 创建一个新的 ChatStreamHandler 实例。
func NewChatStreamHandler(identity *middleware.Identity, messages service.MessageService, manager service.StreamManager) *ChatStreamHandler {
	return &ChatStreamHandler{identity: identity, messages: messages, manager: manager}
}

type chatStreamRequest struct {
	StreamID string `json:"streamId" binding:"required"`
}

func plainError(c *gin.Context, status int) {
	c.Data(status, textPlain, []byte(http.StatusText(status)))
}

// Stream 处理 POST /chat-stream。
// 未认证、流不存在、非协作者都返回相同的 401；流已封存返回 205；
// 已有其他写者时以观察者身份回放持久日志。
func (h *ChatStreamHandler) Stream(c *gin.Context) {
	user, _, err := h.identity.Resolve(c, middleware.BearerToken(c))
	if err != nil {
		plainError(c, http.StatusUnauthorized)
		return
	}

	var req chatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("ChatStream: invalid body, user: %s, error: %v", user.Username, err)
		plainError(c, http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.messages.AuthorizeStream(ctx, user.ID, req.StreamID); err != nil {
		if errors.Is(err, service.ErrUnauthorized) {
			plainError(c, http.StatusUnauthorized)
			return
		}
		log.Error("ChatStream: authorize stream failed", err)
		plainError(c, http.StatusInternalServerError)
		return
	}

	session, err := h.manager.Start(ctx, req.StreamID)
	switch {
	case err == nil:
		h.drive(c, session)
	case errors.Is(err, service.ErrStreamTerminal):
		c.Status(http.StatusResetContent)
		c.Writer.WriteHeaderNow()
	case errors.Is(err, service.ErrStreamBusy):
		h.observe(c, req.StreamID)
	case errors.Is(err, service.ErrNotFound):
		plainError(c, http.StatusUnauthorized)
	default:
		log.Errorf("ChatStream: start stream %s failed: %v", req.StreamID, err)
		plainError(c, http.StatusInternalServerError)
	}
}

// beginBody 写出流式响应头并声明状态 trailer。
func beginBody(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", textPlain)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Trailer", streamStatusHeader)
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

func (h *ChatStreamHandler) drive(c *gin.Context, session *service.StreamSession) {
	beginBody(c)
	ctx := c.Request.Context()
	from := 0
	for {
		chunks, done, err := session.Next(ctx, from)
		if err != nil {
			// 客户端断开不影响生成，日志会被写完
			log.Infow("driving client disconnected", "streamId", session.StreamID, "delivered", from)
			return
		}
		for _, chunk := range chunks {
			if _, err := io.WriteString(c.Writer, chunk); err != nil {
				log.Infow("driving client write failed", "streamId", session.StreamID, "error", err)
				return
			}
		}
		from += len(chunks)
		c.Writer.Flush()
		if done {
			break
		}
	}
	status, _ := session.Result()
	c.Writer.Header().Set(streamStatusHeader, string(status))
}

func (h *ChatStreamHandler) observe(c *gin.Context, streamID string) {
	beginBody(c)
	final, err := h.manager.Tail(c.Request.Context(), streamID, 0, func(chunk model.StreamChunk) error {
		if _, err := io.WriteString(c.Writer, chunk.Content); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warnf("ChatStream: observer tail on %s ended: %v", streamID, err)
			c.Writer.Header().Set(streamStatusHeader, string(model.StreamError))
		}
		return
	}
	c.Writer.Header().Set(streamStatusHeader, string(final.Status))
}
