package repository

import (
	"context"
	"polychat-go/internal/model"

	"gorm.io/gorm"
)

// AttachmentRepository 是附件元数据的数据访问，对象本身存放在 MinIO。
type AttachmentRepository interface {
	Create(ctx context.Context, a *model.Attachment) error
	FindByID(ctx context.Context, id uint) (*model.Attachment, error)
	FindByIDs(ctx context.Context, ids []uint) ([]model.Attachment, error)
	Delete(ctx context.Context, id uint) error
}

type attachmentRepository struct {
	db *gorm.DB
}

// NewAttachmentRepository 创建一个新的 AttachmentRepository 实例。
func NewAttachmentRepository(db *gorm.DB) AttachmentRepository {
	return &attachmentRepository{db: db}
}

func (r *attachmentRepository) Create(ctx context.Context, a *model.Attachment) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *attachmentRepository) FindByID(ctx context.Context, id uint) (*model.Attachment, error) {
	var a model.Attachment
	if err := r.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByIDs 按 ID 批量查询，已删除的附件不会出现在结果中。
func (r *attachmentRepository) FindByIDs(ctx context.Context, ids []uint) ([]model.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []model.Attachment
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&out).Error
	return out, err
}

func (r *attachmentRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&model.Attachment{}, id).Error
}
