package driver

import (
	"errors"
	"fmt"
)

// 跨驱动统一的错误类别。调用方用 errors.As / errors.Is 匹配，
// 不依赖具体协议库的错误类型。

// ErrBusy worker 在途请求数达到上限，调用方稍后重试
var ErrBusy = errors.New("worker busy: pending request limit reached")

// ErrSessionClosed 底层会话已被对端关闭（触发一次透明重连重试）
var ErrSessionClosed = errors.New("session closed")

// ErrCancelled 操作因会话关闭而被取消
var ErrCancelled = errors.New("operation cancelled")

// ErrNotSupported 当前协议变体不提供该操作（如 S7 的标签浏览）
var ErrNotSupported = errors.New("operation not supported by this protocol")

// ConnectFailedError 连接建立失败
type ConnectFailedError struct {
	Endpoint string
	Reason   string
}

func (e *ConnectFailedError) Error() string {
	return fmt.Sprintf("connect to %s failed: %s", e.Endpoint, e.Reason)
}

// AuthFailedError 认证失败（不自动重试）
type AuthFailedError struct {
	Endpoint string
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("authentication failed for %s", e.Endpoint)
}

// SubscriptionTerminatedError 订阅被服务端终止
type SubscriptionTerminatedError struct {
	Reason string
}

func (e *SubscriptionTerminatedError) Error() string {
	return fmt.Sprintf("subscription terminated: %s", e.Reason)
}

// WriteRejectedError 写入被设备拒绝
type WriteRejectedError struct {
	Status string
}

func (e *WriteRejectedError) Error() string {
	return fmt.Sprintf("write rejected: %s", e.Status)
}

// RequestTimeoutError worker RPC 调用超时
type RequestTimeoutError struct {
	Method string
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request timeout: %s", e.Method)
}

// WorkerExitedError worker 进程退出
type WorkerExitedError struct {
	Code   int
	Signal string
}

func (e *WorkerExitedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("worker exited: signal %s", e.Signal)
	}
	return fmt.Sprintf("worker exited: code %d", e.Code)
}
