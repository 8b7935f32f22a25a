package milestone

import (
	"errors"
	"fmt"
)

var (
	// ErrStale 响应返回时会话已切换，结果被丢弃
	ErrStale = errors.New("milestone: conversation is no longer open")
	// ErrActionNotAllowed 当前阶段或角色不允许该操作，未发起网络请求
	ErrActionNotAllowed = errors.New("milestone: action not allowed")
	// ErrNothingToCapture 缺少里程碑 id 或订单号，capture 为空操作
	ErrNothingToCapture = errors.New("milestone: nothing to capture")
	// ErrNoActiveMilestone 会话当前没有活跃里程碑
	ErrNoActiveMilestone = errors.New("milestone: no active milestone")
	// ErrAmbiguous 后端返回了多个满足条件的活跃里程碑
	ErrAmbiguous = errors.New("milestone: more than one active milestone")
	// ErrInvalidDraft 提案缺少必填字段或取值非法
	ErrInvalidDraft = errors.New("milestone: invalid draft")
)

// ActionError wraps a failed mutating call. Local state was not changed.
type ActionError struct {
	Action Action
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("milestone %s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
