package repository

import (
	"context"
	"polychat-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PreferenceRepository 是用户偏好的数据访问。
type PreferenceRepository interface {
	FindByUserID(ctx context.Context, userID uint) (*model.UserPreference, error)
	Upsert(ctx context.Context, pref *model.UserPreference) error
}

type preferenceRepository struct {
	db *gorm.DB
}

// NewPreferenceRepository 创建一个新的 PreferenceRepository 实例。
func NewPreferenceRepository(db *gorm.DB) PreferenceRepository {
	return &preferenceRepository{db: db}
}

func (r *preferenceRepository) FindByUserID(ctx context.Context, userID uint) (*model.UserPreference, error) {
	var pref model.UserPreference
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error; err != nil {
		return nil, err
	}
	return &pref, nil
}

// Upsert 按 user_id 插入或整行覆盖，后写者生效。
func (r *preferenceRepository) Upsert(ctx context.Context, pref *model.UserPreference) error {
	row := *pref
	row.ID = 0
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"selection_mode", "favorite_category", "favorite_model_key", "theme",
			"general_prompt", "saved_draft_prompt", "updated_at",
		}),
	}).Create(&row).Error
}
