package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxAttachmentSize 限制单个附件的大小。
const maxAttachmentSize = 20 << 20

// ObjectStore 是附件对象存储，由 storage.MinioStore 实现。
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Remove(ctx context.Context, key string) error
}

// AttachmentService 管理用户上传的图片与 PDF。
type AttachmentService interface {
	Upload(ctx context.Context, user *model.User, name, contentType string, size int64, r io.Reader) (*model.Attachment, error)
	Get(ctx context.Context, user *model.User, id uint) (*model.Attachment, error)
	Delete(ctx context.Context, user *model.User, id uint) error
	ResolveForPrompt(ctx context.Context, ids []uint) ([]PromptAttachment, error)
}

type attachmentService struct {
	repo   repository.AttachmentRepository
	store  ObjectStore
	expiry time.Duration
}

// NewAttachmentService 创建一个新的 AttachmentService 实例。
func NewAttachmentService(repo repository.AttachmentRepository, store ObjectStore, presignExpiry time.Duration) AttachmentService {
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}
	return &attachmentService{repo: repo, store: store, expiry: presignExpiry}
}

func (s *attachmentService) Upload(ctx context.Context, user *model.User, name, contentType string, size int64, r io.Reader) (*model.Attachment, error) {
	format, ok := model.FormatFromContentType(contentType)
	if !ok {
		return nil, fmt.Errorf("%w: 不支持的附件类型 %q", ErrClientInput, contentType)
	}
	if size <= 0 || size > maxAttachmentSize {
		return nil, fmt.Errorf("%w: 附件大小必须在 1B 到 20MB 之间", ErrClientInput)
	}

	key := fmt.Sprintf("attachments/%d/%s%s", user.ID, uuid.NewString(), strings.ToLower(path.Ext(name)))
	if err := s.store.Put(ctx, key, r, size, contentType); err != nil {
		log.Errorf("[AttachmentService] 上传对象失败, key: %s, error: %v", key, err)
		return nil, fmt.Errorf("上传附件失败: %w", err)
	}

	a := &model.Attachment{
		OwnerID:     user.ID,
		StorageKey:  key,
		Format:      format,
		Name:        name,
		ContentType: contentType,
		Size:        size,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		// 元数据写入失败时回收对象
		if rmErr := s.store.Remove(context.Background(), key); rmErr != nil {
			log.Warnf("[AttachmentService] 回收对象失败, key: %s, error: %v", key, rmErr)
		}
		return nil, fmt.Errorf("保存附件记录失败: %w", err)
	}
	s.presign(ctx, a)
	log.Infof("[AttachmentService] 附件已上传, id: %d, user: %s, format: %s, size: %d", a.ID, user.Username, format, size)
	return a, nil
}

func (s *attachmentService) presign(ctx context.Context, a *model.Attachment) {
	url, err := s.store.PresignGet(ctx, a.StorageKey, s.expiry)
	if err != nil {
		log.Warnf("[AttachmentService] 生成预签名地址失败, key: %s, error: %v", a.StorageKey, err)
		return
	}
	a.URL = url
}

func (s *attachmentService) load(ctx context.Context, user *model.User, id uint) (*model.Attachment, error) {
	a, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.OwnerID != user.ID {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *attachmentService) Get(ctx context.Context, user *model.User, id uint) (*model.Attachment, error) {
	a, err := s.load(ctx, user, id)
	if err != nil {
		return nil, err
	}
	s.presign(ctx, a)
	return a, nil
}

// Delete 删除附件记录与对象。消息上的附件 ID 是弱引用，不做级联。
func (s *attachmentService) Delete(ctx context.Context, user *model.User, id uint) error {
	a, err := s.load(ctx, user, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, a.ID); err != nil {
		return fmt.Errorf("删除附件记录失败: %w", err)
	}
	if err := s.store.Remove(ctx, a.StorageKey); err != nil {
		log.Warnf("[AttachmentService] 删除对象失败, key: %s, error: %v", a.StorageKey, err)
	}
	return nil
}

// ResolveForPrompt 为仍然存在的附件生成预签名地址，已删除的附件被跳过。
func (s *attachmentService) ResolveForPrompt(ctx context.Context, ids []uint) ([]PromptAttachment, error) {
	found, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]PromptAttachment, 0, len(found))
	for _, a := range found {
		url, err := s.store.PresignGet(ctx, a.StorageKey, s.expiry)
		if err != nil {
			log.Warnf("[AttachmentService] 生成预签名地址失败, key: %s, error: %v", a.StorageKey, err)
			continue
		}
		out = append(out, PromptAttachment{Format: a.Format, Name: a.Name, URL: url})
	}
	return out, nil
}
