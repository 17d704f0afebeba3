package model

import "time"

// Provider 是模型的上游供应商。
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderDeepSeek  Provider = "deepseek"
)

// Valid 判断供应商是否受支持。
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderDeepSeek:
		return true
	}
	return false
}

// LLMModel 对应 llm_models 表，是模型目录中的一条记录。
// Key 即网关使用的模型标识，例如 "openai/gpt-4o"。
type LLMModel struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	Key              string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"key"`
	DisplayName      string    `gorm:"type:varchar(128);not null" json:"displayName"`
	Provider         Provider  `gorm:"type:varchar(32);not null" json:"provider"`
	MaxContextTokens int       `gorm:"not null" json:"maxContextTokens"`
	SupportsPDF      bool      `gorm:"not null;default:false" json:"supportsPDF"`
	SupportsImage    bool      `gorm:"not null;default:false" json:"supportsImage"`
	CreatedAt        time.Time `json:"-"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (LLMModel) TableName() string {
	return "llm_models"
}

// BestModelForCategory 记录每个分类的最佳模型。ModelKey 是弱引用，
// 被引用的模型可能已不存在，解析时需要检查。
type BestModelForCategory struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	Category  Category  `gorm:"type:varchar(32);uniqueIndex;not null" json:"category"`
	ModelKey  string    `gorm:"type:varchar(128);not null" json:"modelKey"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (BestModelForCategory) TableName() string {
	return "best_models_for_category"
}
