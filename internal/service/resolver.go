package service

import (
	"context"
	"errors"
	"fmt"
	"polychat-go/internal/model"
	"polychat-go/pkg/log"
	"polychat-go/pkg/metrics"
)

// ModelResolver 把一次选择解析成具体模型。每轮只在发送时解析一次。
type ModelResolver interface {
	Resolve(ctx context.Context, sel model.ModelSelection, prompt string) (*model.LLMModel, error)
}

type modelResolver struct {
	registry   ModelRegistry
	classifier CategoryClassifier
}

// NewModelResolver 创建一个新的 ModelResolver 实例。
func NewModelResolver(registry ModelRegistry, classifier CategoryClassifier) ModelResolver {
	return &modelResolver{registry: registry, classifier: classifier}
}

// Resolve 按选择的标签分派：
// key 只查目录，未知 key 为 ErrClientInput；category 查最佳模型；auto 先分类再按 category 处理。
func (r *modelResolver) Resolve(ctx context.Context, sel model.ModelSelection, prompt string) (*model.LLMModel, error) {
	m, err := r.resolve(ctx, sel, prompt)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Resolutions.WithLabelValues(string(sel.Type()), outcome).Inc()
	return m, err
}

func (r *modelResolver) resolve(ctx context.Context, sel model.ModelSelection, prompt string) (*model.LLMModel, error) {
	switch sel.Type() {
	case model.SelectionKey:
		key, _ := sel.ModelKey()
		m, err := r.registry.GetModelByKey(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown model %q", ErrClientInput, key)
		}
		return m, err

	case model.SelectionCategory:
		c, _ := sel.Category()
		return r.registry.GetBestModelForCategory(ctx, c)

	case model.SelectionAuto:
		c, err := r.classifier.Classify(ctx, prompt)
		if err != nil {
			return nil, err
		}
		m, err := r.registry.GetBestModelForCategory(ctx, c)
		if err != nil {
			return nil, err
		}
		log.Infow("自动路由完成", "category", c, "model", m.Key)
		return m, nil
	}
	return nil, fmt.Errorf("%w: model selection is not set", ErrClientInput)
}
