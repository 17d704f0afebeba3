// Package service 包含了应用的业务逻辑层。
package service

import "errors"

// 业务层的哨兵错误，调用方使用 errors.Is 判断并映射到 HTTP 状态。
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrClientInput    = errors.New("invalid client input")
	ErrNotFound       = errors.New("not found")
	ErrServer         = errors.New("server data integrity error")
	ErrClassification = errors.New("category classification failed")
	// ErrStreamTerminal 表示流已封存，不能再次驱动。
	ErrStreamTerminal = errors.New("stream already finished")
	// ErrStreamBusy 表示流已被其他写者认领，调用方应以观察者身份跟随。
	ErrStreamBusy = errors.New("stream already has a writer")
)
