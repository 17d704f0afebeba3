package service

import (
	"context"
	"errors"
	"fmt"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/log"

	"gorm.io/gorm"
)

// CategoryMapping 是分类到最佳模型的映射视图。Model 为空表示映射指向的模型已不存在。
type CategoryMapping struct {
	Category model.Category  `json:"category"`
	ModelKey string          `json:"modelKey"`
	Model    *model.LLMModel `json:"model"`
}

// ModelRegistry 是模型目录的只读查询，加上种子与管理写入。
type ModelRegistry interface {
	GetModelByKey(ctx context.Context, key string) (*model.LLMModel, error)
	GetBestModelForCategory(ctx context.Context, c model.Category) (*model.LLMModel, error)
	ListModels(ctx context.Context) ([]model.LLMModel, error)
	ListCategoryMappings(ctx context.Context) ([]CategoryMapping, error)
	UpsertModel(ctx context.Context, m *model.LLMModel) error
	SetBestModel(ctx context.Context, c model.Category, modelKey string) error
	SeedIfEmpty(ctx context.Context, models []model.LLMModel, best map[model.Category]string) error
}

type modelRegistry struct {
	repo repository.ModelRepository
}

// NewModelRegistry 创建一个新的 ModelRegistry 实例。
func NewModelRegistry(repo repository.ModelRepository) ModelRegistry {
	return &modelRegistry{repo: repo}
}

// GetModelByKey 按 key 查询模型，不存在时返回 ErrNotFound。
func (s *modelRegistry) GetModelByKey(ctx context.Context, key string) (*model.LLMModel, error) {
	m, err := s.repo.FindByKey(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: model %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("查询模型失败: %w", err)
	}
	return m, nil
}

// GetBestModelForCategory 返回分类的最佳模型。
// 映射缺失或映射到不存在的模型都属于数据完整性问题，返回 ErrServer。
func (s *modelRegistry) GetBestModelForCategory(ctx context.Context, c model.Category) (*model.LLMModel, error) {
	best, err := s.repo.FindBestForCategory(ctx, c)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no best model mapped for category %s", ErrServer, c)
	}
	if err != nil {
		return nil, fmt.Errorf("查询分类最佳模型失败: %w", err)
	}
	m, err := s.repo.FindByKey(ctx, best.ModelKey)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: category %s maps to missing model %q", ErrServer, c, best.ModelKey)
	}
	if err != nil {
		return nil, fmt.Errorf("查询模型失败: %w", err)
	}
	return m, nil
}

func (s *modelRegistry) ListModels(ctx context.Context) ([]model.LLMModel, error) {
	return s.repo.List(ctx)
}

// ListCategoryMappings 按固定分类顺序返回映射，缺失的分类也会出现（ModelKey 为空）。
func (s *modelRegistry) ListCategoryMappings(ctx context.Context) ([]CategoryMapping, error) {
	rows, err := s.repo.ListBest(ctx)
	if err != nil {
		return nil, err
	}
	models, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*model.LLMModel, len(models))
	for i := range models {
		byKey[models[i].Key] = &models[i]
	}
	byCategory := make(map[model.Category]string, len(rows))
	for _, r := range rows {
		byCategory[r.Category] = r.ModelKey
	}

	out := make([]CategoryMapping, 0, len(model.AllCategories()))
	for _, c := range model.AllCategories() {
		key := byCategory[c]
		out = append(out, CategoryMapping{Category: c, ModelKey: key, Model: byKey[key]})
	}
	return out, nil
}

// UpsertModel 校验后写入模型记录。
func (s *modelRegistry) UpsertModel(ctx context.Context, m *model.LLMModel) error {
	if m.Key == "" || m.DisplayName == "" {
		return fmt.Errorf("%w: key and displayName are required", ErrClientInput)
	}
	if !m.Provider.Valid() {
		return fmt.Errorf("%w: unknown provider %q", ErrClientInput, m.Provider)
	}
	if m.MaxContextTokens <= 0 {
		return fmt.Errorf("%w: maxContextTokens must be positive", ErrClientInput)
	}
	return s.repo.Upsert(ctx, m)
}

// SetBestModel 设置分类的最佳模型，模型必须已存在。
func (s *modelRegistry) SetBestModel(ctx context.Context, c model.Category, modelKey string) error {
	if !c.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrClientInput, c)
	}
	if _, err := s.GetModelByKey(ctx, modelKey); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown model %q", ErrClientInput, modelKey)
		}
		return err
	}
	return s.repo.UpsertBest(ctx, c, modelKey)
}

// SeedIfEmpty 在模型表为空时写入默认目录与分类映射。
func (s *modelRegistry) SeedIfEmpty(ctx context.Context, models []model.LLMModel, best map[model.Category]string) error {
	n, err := s.repo.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for i := range models {
		if err := s.repo.Upsert(ctx, &models[i]); err != nil {
			return fmt.Errorf("写入种子模型 %s 失败: %w", models[i].Key, err)
		}
	}
	for _, c := range model.AllCategories() {
		key, ok := best[c]
		if !ok {
			continue
		}
		if err := s.repo.UpsertBest(ctx, c, key); err != nil {
			return fmt.Errorf("写入分类映射 %s 失败: %w", c, err)
		}
	}
	log.Infof("模型目录为空，已写入 %d 个种子模型与 %d 个分类映射", len(models), len(best))
	return nil
}

// DefaultModels 返回启动种子使用的模型目录。
func DefaultModels() []model.LLMModel {
	return []model.LLMModel{
		{Key: "openai/gpt-4o", DisplayName: "GPT-4o", Provider: model.ProviderOpenAI, MaxContextTokens: 128000, SupportsImage: true, SupportsPDF: true},
		{Key: "openai/gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: model.ProviderOpenAI, MaxContextTokens: 128000, SupportsImage: true},
		{Key: "anthropic/claude-3.5-sonnet", DisplayName: "Claude 3.5 Sonnet", Provider: model.ProviderAnthropic, MaxContextTokens: 200000, SupportsImage: true, SupportsPDF: true},
		{Key: "google/gemini-2.0-flash-001", DisplayName: "Gemini 2.0 Flash", Provider: model.ProviderGoogle, MaxContextTokens: 1000000, SupportsImage: true, SupportsPDF: true},
		{Key: "deepseek/deepseek-chat", DisplayName: "DeepSeek V3", Provider: model.ProviderDeepSeek, MaxContextTokens: 64000},
	}
}

// DefaultCategoryMapping 返回 12 个分类的默认最佳模型。
func DefaultCategoryMapping() map[model.Category]string {
	return map[model.Category]string{
		model.CategoryProgramming: "anthropic/claude-3.5-sonnet",
		model.CategoryRoleplay:    "anthropic/claude-3.5-sonnet",
		model.CategoryMarketing:   "openai/gpt-4o",
		model.CategorySEO:         "openai/gpt-4o",
		model.CategoryTechnology:  "openai/gpt-4o",
		model.CategoryScience:     "google/gemini-2.0-flash-001",
		model.CategoryTranslation: "google/gemini-2.0-flash-001",
		model.CategoryLegal:       "anthropic/claude-3.5-sonnet",
		model.CategoryFinance:     "openai/gpt-4o",
		model.CategoryHealth:      "openai/gpt-4o",
		model.CategoryTrivia:      "deepseek/deepseek-chat",
		model.CategoryAcademia:    "google/gemini-2.0-flash-001",
	}
}
