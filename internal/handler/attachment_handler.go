package handler

import (
	"net/http"
	"polychat-go/internal/service"
	"polychat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AttachmentHandler 处理附件上传、读取与删除。
type AttachmentHandler struct {
	attachments service.AttachmentService
}

// NewAttachmentHandler 创建一个新的 AttachmentHandler 实例。
func NewAttachmentHandler(attachments service.AttachmentService) *AttachmentHandler {
	return &AttachmentHandler{attachments: attachments}
}

// Upload 处理 multipart 上传，文件字段名为 file。
func (h *AttachmentHandler) Upload(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "未能获取上传的文件"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	a, err := h.attachments.Upload(c.Request.Context(), user, header.Filename, contentType, header.Size, file)
	if err != nil {
		respondError(c, "UploadAttachment", err)
		return
	}
	respondOK(c, a)
}

// Get 返回附件元数据与新的预签名地址。
func (h *AttachmentHandler) Get(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	a, err := h.attachments.Get(c.Request.Context(), user, id)
	if err != nil {
		respondError(c, "GetAttachment", err)
		return
	}
	respondOK(c, a)
}

// Delete 删除附件对象与记录。消息上的引用保留为弱引用。
func (h *AttachmentHandler) Delete(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := h.attachments.Delete(c.Request.Context(), user, id); err != nil {
		respondError(c, "DeleteAttachment", err)
		return
	}
	log.Infof("Attachment %d deleted by '%s'", id, user.Username)
	respondOK(c, nil)
}
