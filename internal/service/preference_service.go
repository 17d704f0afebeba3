package service

import (
	"context"
	"errors"
	"fmt"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/log"
	"strings"

	"gorm.io/gorm"
)

// PreferenceUpdate 是偏好的部分更新，nil 字段保持原值，空字符串清空可选字段。
type PreferenceUpdate struct {
	SelectionMode    *string `json:"selectionMode"`
	FavoriteCategory *string `json:"favoriteCategory"`
	FavoriteModelKey *string `json:"favoriteModelKey"`
	Theme            *string `json:"theme"`
	GeneralPrompt    *string `json:"generalPrompt"`
	SavedDraftPrompt *string `json:"savedDraftPrompt"`
}

// PreferenceService 管理用户偏好，并给出每轮生效的模型选择。
type PreferenceService interface {
	Get(ctx context.Context, userID uint) (*model.UserPreference, error)
	Update(ctx context.Context, userID uint, req PreferenceUpdate) (*model.UserPreference, error)
	GetUserModelPreference(ctx context.Context, userID uint) (model.ModelSelection, error)
	EffectiveSelection(ctx context.Context, userID uint, explicit *model.ModelSelection) (model.ModelSelection, error)
}

type preferenceService struct {
	repo     repository.PreferenceRepository
	registry ModelRegistry
}

// NewPreferenceService 创建一个新的 PreferenceService 实例。
func NewPreferenceService(repo repository.PreferenceRepository, registry ModelRegistry) PreferenceService {
	return &preferenceService{repo: repo, registry: registry}
}

// Get 返回用户偏好；尚未保存过时返回默认的 auto 偏好（不落库）。
func (s *preferenceService) Get(ctx context.Context, userID uint) (*model.UserPreference, error) {
	pref, err := s.repo.FindByUserID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.UserPreference{UserID: userID, SelectionMode: model.ModeAuto}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询用户偏好失败: %w", err)
	}
	return pref, nil
}

// Update 合并部分更新并 upsert。切换到 model 模式需要已知模型，切换到 category 模式需要合法分类。
func (s *preferenceService) Update(ctx context.Context, userID uint, req PreferenceUpdate) (*model.UserPreference, error) {
	pref, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if req.FavoriteCategory != nil {
		if *req.FavoriteCategory == "" {
			pref.FavoriteCategory = nil
		} else {
			c, ok := model.ParseCategory(*req.FavoriteCategory)
			if !ok {
				return nil, fmt.Errorf("%w: unknown category %q", ErrClientInput, *req.FavoriteCategory)
			}
			pref.FavoriteCategory = &c
		}
	}
	if req.FavoriteModelKey != nil {
		key := strings.TrimSpace(*req.FavoriteModelKey)
		if key == "" {
			pref.FavoriteModelKey = nil
		} else {
			if _, err := s.registry.GetModelByKey(ctx, key); err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil, fmt.Errorf("%w: unknown model %q", ErrClientInput, key)
				}
				return nil, err
			}
			pref.FavoriteModelKey = &key
		}
	}
	if req.SelectionMode != nil {
		mode := model.SelectionMode(*req.SelectionMode)
		if !mode.Valid() {
			return nil, fmt.Errorf("%w: unknown selection mode %q", ErrClientInput, *req.SelectionMode)
		}
		pref.SelectionMode = mode
	}
	switch pref.SelectionMode {
	case model.ModeModel:
		if pref.FavoriteModelKey == nil {
			return nil, fmt.Errorf("%w: selection mode %q requires favoriteModelKey", ErrClientInput, model.ModeModel)
		}
	case model.ModeCategory:
		if pref.FavoriteCategory == nil {
			return nil, fmt.Errorf("%w: selection mode %q requires favoriteCategory", ErrClientInput, model.ModeCategory)
		}
	}

	pref.Theme = optional(pref.Theme, req.Theme)
	pref.GeneralPrompt = optional(pref.GeneralPrompt, req.GeneralPrompt)
	pref.SavedDraftPrompt = optional(pref.SavedDraftPrompt, req.SavedDraftPrompt)
	pref.UserID = userID

	if err := s.repo.Upsert(ctx, pref); err != nil {
		return nil, fmt.Errorf("保存用户偏好失败: %w", err)
	}
	return s.Get(ctx, userID)
}

func optional(current, update *string) *string {
	if update == nil {
		return current
	}
	if *update == "" {
		return nil
	}
	v := *update
	return &v
}

// GetUserModelPreference 把保存的偏好转换成选择。偏好缺失或负载缺失时为 auto。
func (s *preferenceService) GetUserModelPreference(ctx context.Context, userID uint) (model.ModelSelection, error) {
	pref, err := s.Get(ctx, userID)
	if err != nil {
		return model.ModelSelection{}, err
	}
	return selectionFromPreference(pref), nil
}

func selectionFromPreference(pref *model.UserPreference) model.ModelSelection {
	switch pref.SelectionMode {
	case model.ModeModel:
		if pref.FavoriteModelKey != nil {
			if sel, err := model.SelectModel(*pref.FavoriteModelKey); err == nil {
				return sel
			}
		}
	case model.ModeCategory:
		if pref.FavoriteCategory != nil {
			if sel, err := model.SelectCategory(*pref.FavoriteCategory); err == nil {
				return sel
			}
		}
	}
	return model.SelectAuto()
}

// EffectiveSelection 给出本轮使用的选择：请求中的显式选择优先，其次是保存的偏好。
// 保存的模型已从目录删除时依次回退到收藏分类、auto。显式选择不做回退。
func (s *preferenceService) EffectiveSelection(ctx context.Context, userID uint, explicit *model.ModelSelection) (model.ModelSelection, error) {
	if explicit != nil && !explicit.IsZero() {
		return *explicit, nil
	}
	pref, err := s.Get(ctx, userID)
	if err != nil {
		return model.ModelSelection{}, err
	}
	sel := selectionFromPreference(pref)
	key, ok := sel.ModelKey()
	if !ok {
		return sel, nil
	}
	_, err = s.registry.GetModelByKey(ctx, key)
	if err == nil {
		return sel, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.ModelSelection{}, err
	}
	log.Warnw("收藏的模型已不存在，回退选择", "userId", userID, "modelKey", key)
	if pref.FavoriteCategory != nil {
		if fallback, err := model.SelectCategory(*pref.FavoriteCategory); err == nil {
			return fallback, nil
		}
	}
	return model.SelectAuto(), nil
}
