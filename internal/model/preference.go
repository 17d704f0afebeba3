package model

import "time"

// SelectionMode 是用户偏好中保存的选择方式。
type SelectionMode string

const (
	ModeAuto     SelectionMode = "auto"
	ModeCategory SelectionMode = "category"
	ModeModel    SelectionMode = "model"
)

// Valid 判断选择方式是否合法。
func (m SelectionMode) Valid() bool {
	return m == ModeAuto || m == ModeCategory || m == ModeModel
}

// UserPreference 对应 user_preferences 表，每个用户至多一行，按需 upsert。
// FavoriteCategory 与 FavoriteModelKey 可同时保存，只有 SelectionMode 指向的那个生效。
type UserPreference struct {
	ID               uint          `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID           uint          `gorm:"uniqueIndex;not null" json:"userId"`
	SelectionMode    SelectionMode `gorm:"type:varchar(16);not null;default:'auto'" json:"selectionMode"`
	FavoriteCategory *Category     `gorm:"type:varchar(32)" json:"favoriteCategory"`
	FavoriteModelKey *string       `gorm:"type:varchar(128)" json:"favoriteModelKey"`
	Theme            *string       `gorm:"type:varchar(32)" json:"theme"`
	GeneralPrompt    *string       `gorm:"type:text" json:"generalPrompt"`
	SavedDraftPrompt *string       `gorm:"type:text" json:"savedDraftPrompt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

func (UserPreference) TableName() string {
	return "user_preferences"
}
