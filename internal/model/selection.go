package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SelectionType 是 ModelSelection 的标签。
type SelectionType string

const (
	SelectionKey      SelectionType = "key"
	SelectionCategory SelectionType = "category"
	SelectionAuto     SelectionType = "auto"
)

// ErrInvalidSelection 表示选择的形状不合法（标签与负载不匹配）。
var ErrInvalidSelection = errors.New("invalid model selection")

// ModelSelection 描述本轮如何选择模型。每个标签恰好携带一种负载，
// 只能通过 SelectModel / SelectCategory / SelectAuto 构造。
type ModelSelection struct {
	kind     SelectionType
	modelKey string
	category Category
}

// SelectModel 构造显式模型选择。
func SelectModel(key string) (ModelSelection, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return ModelSelection{}, fmt.Errorf("%w: modelKey is required for type %q", ErrInvalidSelection, SelectionKey)
	}
	return ModelSelection{kind: SelectionKey, modelKey: key}, nil
}

// SelectCategory 构造按分类选择。
func SelectCategory(c Category) (ModelSelection, error) {
	if !c.Valid() {
		return ModelSelection{}, fmt.Errorf("%w: unknown category %q", ErrInvalidSelection, c)
	}
	return ModelSelection{kind: SelectionCategory, category: c}, nil
}

// SelectAuto 构造自动路由选择。
func SelectAuto() ModelSelection {
	return ModelSelection{kind: SelectionAuto}
}

func (s ModelSelection) Type() SelectionType { return s.kind }

// IsZero 报告该值是否未经构造函数创建。
func (s ModelSelection) IsZero() bool { return s.kind == "" }

// ModelKey 仅在 key 选择时返回 true。
func (s ModelSelection) ModelKey() (string, bool) {
	return s.modelKey, s.kind == SelectionKey
}

// Category 仅在 category 选择时返回 true。
func (s ModelSelection) Category() (Category, bool) {
	return s.category, s.kind == SelectionCategory
}

func (s ModelSelection) String() string {
	switch s.kind {
	case SelectionKey:
		return "key:" + s.modelKey
	case SelectionCategory:
		return "category:" + string(s.category)
	case SelectionAuto:
		return "auto"
	}
	return "unset"
}

// SelectionPayload 是 ModelSelection 的线上形状。
type SelectionPayload struct {
	Type     string `json:"type"`
	ModelKey string `json:"modelKey,omitempty"`
	Category string `json:"category,omitempty"`
}

// Selection 校验负载并转换为 ModelSelection，多余或缺失的字段都会被拒绝。
func (p SelectionPayload) Selection() (ModelSelection, error) {
	switch SelectionType(p.Type) {
	case SelectionKey:
		if p.Category != "" {
			return ModelSelection{}, fmt.Errorf("%w: category not allowed for type %q", ErrInvalidSelection, p.Type)
		}
		return SelectModel(p.ModelKey)
	case SelectionCategory:
		if p.ModelKey != "" {
			return ModelSelection{}, fmt.Errorf("%w: modelKey not allowed for type %q", ErrInvalidSelection, p.Type)
		}
		c, ok := ParseCategory(p.Category)
		if !ok {
			return ModelSelection{}, fmt.Errorf("%w: unknown category %q", ErrInvalidSelection, p.Category)
		}
		return SelectCategory(c)
	case SelectionAuto:
		if p.ModelKey != "" || p.Category != "" {
			return ModelSelection{}, fmt.Errorf("%w: type %q takes no payload", ErrInvalidSelection, p.Type)
		}
		return SelectAuto(), nil
	}
	return ModelSelection{}, fmt.Errorf("%w: unknown type %q", ErrInvalidSelection, p.Type)
}

// Payload 返回线上形状。
func (s ModelSelection) Payload() SelectionPayload {
	return SelectionPayload{Type: string(s.kind), ModelKey: s.modelKey, Category: string(s.category)}
}

func (s ModelSelection) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Payload())
}

func (s *ModelSelection) UnmarshalJSON(data []byte) error {
	var p SelectionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	sel, err := p.Selection()
	if err != nil {
		return err
	}
	*s = sel
	return nil
}
