package handler

import (
	"context"
	"errors"
	"net/http"
	"polychat-go/internal/middleware"
	"polychat-go/internal/model"
	"polychat-go/internal/service"
	"polychat-go/pkg/log"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

const wsWriteTimeout = 10 * time.Second

// StreamFrame 是 websocket 订阅推送的帧。
type StreamFrame struct {
	Type    string             `json:"type"`
	Seq     int                `json:"seq"`
	Content string             `json:"content,omitempty"`
	Status  model.StreamStatus `json:"status,omitempty"`
	Error   string             `json:"error,omitempty"`
}

const (
	FrameChunk  = "chunk"
	FrameStatus = "status"
)

// StreamHandler 提供流的聚合读取、websocket 跟随与停止。
type StreamHandler struct {
	identity *middleware.Identity
	messages service.MessageService
	manager  service.StreamManager
}

// NewStreamHandler 创建一个新的 StreamHandler 实例。
func NewStreamHandler(identity *middleware.Identity, messages service.MessageService, manager service.StreamManager) *StreamHandler {
	return &StreamHandler{identity: identity, messages: messages, manager: manager}
}

// Body 处理 GET /streams/:streamId。
func (h *StreamHandler) Body(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	body, err := h.messages.GetStreamBody(c.Request.Context(), user.ID, c.Param("streamId"))
	if err != nil {
		respondError(c, "GetStreamBody", err)
		return
	}
	respondOK(c, body)
}

// Stop 取消本实例上的生成。流不在本实例运行时 stopped 为 false。
func (h *StreamHandler) Stop(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	streamID := c.Param("streamId")
	if _, err := h.messages.AuthorizeStream(c.Request.Context(), user.ID, streamID); err != nil {
		respondError(c, "StopStream", err)
		return
	}
	stopped := h.manager.Stop(streamID)
	log.Infow("stream stop requested", "streamId", streamID, "user", user.Username, "stopped", stopped)
	respondOK(c, gin.H{"streamId": streamID, "stopped": stopped})
}

// Subscribe 处理 GET /streams/:streamId/ws。浏览器无法为 websocket 设置请求头，
// 因此 token 也可以通过 ?token= 传入。?from= 指定起始序号。
func (h *StreamHandler) Subscribe(c *gin.Context) {
	tokenString := middleware.BearerToken(c)
	if tokenString == "" {
		tokenString = c.Query("token")
	}
	user, _, err := h.identity.Resolve(c, tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "Unauthorized"})
		return
	}
	streamID := c.Param("streamId")
	if _, err := h.messages.AuthorizeStream(c.Request.Context(), user.ID, streamID); err != nil {
		respondError(c, "SubscribeStream", err)
		return
	}
	from, _ := strconv.Atoi(c.DefaultQuery("from", "0"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	// 客户端关闭连接时结束跟随
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(f StreamFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(f)
	}
	final, err := h.manager.Tail(ctx, streamID, from, func(chunk model.StreamChunk) error {
		return write(StreamFrame{Type: FrameChunk, Seq: chunk.Seq, Content: chunk.Content})
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warnf("Subscribe: tail on %s ended: %v", streamID, err)
		}
		return
	}
	if err := write(StreamFrame{Type: FrameStatus, Status: final.Status, Error: final.Error}); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(final.Status)),
		time.Now().Add(wsWriteTimeout))
}
