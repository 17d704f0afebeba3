package repository

import (
	"context"
	"polychat-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ModelRepository 是模型目录与分类最佳模型表的数据访问。
// 核心流程只读这两张表，写入只来自启动种子和管理接口。
type ModelRepository interface {
	FindByKey(ctx context.Context, key string) (*model.LLMModel, error)
	List(ctx context.Context) ([]model.LLMModel, error)
	Count(ctx context.Context) (int64, error)
	Upsert(ctx context.Context, m *model.LLMModel) error
	FindBestForCategory(ctx context.Context, c model.Category) (*model.BestModelForCategory, error)
	ListBest(ctx context.Context) ([]model.BestModelForCategory, error)
	UpsertBest(ctx context.Context, c model.Category, modelKey string) error
}

type modelRepository struct {
	db *gorm.DB
}

// NewModelRepository 创建一个新的 ModelRepository 实例。
func NewModelRepository(db *gorm.DB) ModelRepository {
	return &modelRepository{db: db}
}

func (r *modelRepository) FindByKey(ctx context.Context, key string) (*model.LLMModel, error) {
	var m model.LLMModel
	if err := r.db.WithContext(ctx).Where("`key` = ?", key).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *modelRepository) List(ctx context.Context) ([]model.LLMModel, error) {
	var models []model.LLMModel
	err := r.db.WithContext(ctx).Order("provider ASC, `key` ASC").Find(&models).Error
	return models, err
}

func (r *modelRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.LLMModel{}).Count(&n).Error
	return n, err
}

// Upsert 以 key 为冲突键写入模型记录。
func (r *modelRepository) Upsert(ctx context.Context, m *model.LLMModel) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "provider", "max_context_tokens", "supports_pdf", "supports_image", "updated_at",
		}),
	}).Create(m).Error
}

func (r *modelRepository) FindBestForCategory(ctx context.Context, c model.Category) (*model.BestModelForCategory, error) {
	var best model.BestModelForCategory
	if err := r.db.WithContext(ctx).Where("category = ?", c).First(&best).Error; err != nil {
		return nil, err
	}
	return &best, nil
}

func (r *modelRepository) ListBest(ctx context.Context) ([]model.BestModelForCategory, error) {
	var rows []model.BestModelForCategory
	err := r.db.WithContext(ctx).Order("category ASC").Find(&rows).Error
	return rows, err
}

// UpsertBest 设置分类的最佳模型，每个分类只保留一行。
func (r *modelRepository) UpsertBest(ctx context.Context, c model.Category, modelKey string) error {
	row := &model.BestModelForCategory{Category: c, ModelKey: modelKey}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{"model_key", "updated_at"}),
	}).Create(row).Error
}
