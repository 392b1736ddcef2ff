// Package apperr 定义了业务层使用的哨兵错误。
// 调用方通过 errors.Is 对预期失败进行分支判断，而不是解析错误文本。
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 表示会话或文件不存在。
	ErrNotFound = errors.New("resource not found")
	// ErrExpired 表示会话已超过有效期。
	ErrExpired = errors.New("session expired")
	// ErrConflict 表示会话状态与请求冲突（已配对、重复的待审批操作等）。
	ErrConflict = errors.New("conflicting session state")
	// ErrForbidden 表示调用者不是会话成员或不是创建者。
	ErrForbidden = errors.New("caller not allowed")
	// ErrTooLarge 表示文件超过配置的大小上限。
	ErrTooLarge = errors.New("file exceeds size limit")
	// ErrInvalidChunk 表示分片序号越界或文件已处于终态。
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrHashMismatch 表示声明的内容哈希与重新计算的结果不一致。
	ErrHashMismatch = errors.New("content hash mismatch")
	// ErrBusy 表示未能获取资源锁，调用方应稍后重试。
	ErrBusy = errors.New("resource busy, retry shortly")
	// ErrRateLimited 表示触发了滑动窗口限流。
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrSecurityBlocked 表示文件被内容安全策略拦截。
	ErrSecurityBlocked = errors.New("blocked by security policy")
	// ErrInternal 表示异步管道中的未预期失败。
	ErrInternal = errors.New("internal error")
)

// Wrap 在哨兵错误上附加上下文信息，保持 errors.Is 可判定。
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{kind}, args...)...)
}
