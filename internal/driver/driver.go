package driver

import (
	"context"
	"sync/atomic"

	"df-connectivity/internal/models"
	"df-connectivity/internal/snapshot"
)

// State 驱动会话状态
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateFailed
	StateClosing
)

// String 状态名
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session 驱动会话统一能力集
// 三个变体（EIP worker / S7 原生 / OPC UA 原生）实现同一契约。
// 所有阻塞操作接受 context；Disconnect 必须幂等。
type Session interface {
	// Connect 建立传输层连接；EIP 变体同时拉起 worker 子进程
	Connect(ctx context.Context) error
	// Disconnect 终止订阅、关闭传输、停止子进程
	Disconnect(ctx context.Context) error
	// ListTags 设备标签浏览（可能耗时数秒，可取消）
	ListTags(ctx context.Context, scope string) (*models.BrowseResult, error)
	// ResolveTypes 解析一组标签的数据类型
	ResolveTypes(ctx context.Context, tagNames []string) (map[string]string, error)
	// UpdatePollGroups 替换速率组表；仅 rate 变化的组触发订阅重建
	UpdatePollGroups(ctx context.Context, groups []models.PollGroup) error
	// UpdateTagSubscriptions 原子调和订阅集合
	UpdateTagSubscriptions(ctx context.Context, tagsByGroup models.TagsByGroup) error
	// WriteTag 写单个标签
	WriteTag(ctx context.Context, tagID int64, value interface{}) error
	// State 当前会话状态
	State() State
	// Samples 归一化采样输出通道（经过变化过滤）
	Samples() <-chan models.Sample
	// Stats 会话计数器快照
	Stats() SessionStats

	// CreateSnapshot 浏览并缓存标签快照，返回快照 id 与标签总数
	CreateSnapshot(ctx context.Context, scope string) (string, int, error)
	// PageSnapshot 分页读取快照
	PageSnapshot(id string, page, limit int, scope, search string) (*snapshot.Page, error)
	// DeleteSnapshot 删除快照
	DeleteSnapshot(id string)
	// HeartbeatSnapshot 快照续期
	HeartbeatSnapshot(id string) error
	// RunSnapshotSweeper 周期清理未心跳的过期快照，阻塞直到 ctx 取消
	RunSnapshotSweeper(ctx context.Context)
}

// Discoverer EIP worker 变体额外提供的设备发现能力
type Discoverer interface {
	DiscoverDevices(ctx context.Context, broadcast string) ([]map[string]interface{}, error)
	IdentifyDevice(ctx context.Context, ip string) (map[string]interface{}, error)
	GetRackConfiguration(ctx context.Context) (map[string]interface{}, error)
}

// SessionStats 会话计数器
type SessionStats struct {
	SamplesEmitted   uint64
	SamplesSuppressed uint64
	SamplesDropped   uint64 // 采样通道满时丢弃
	SkippedTicks     uint64
	Reconnects       uint64
}

// StateVar 原子状态容器，供各变体内嵌
type StateVar struct {
	v int32
}

// Get 读取状态
func (s *StateVar) Get() State {
	return State(atomic.LoadInt32(&s.v))
}

// Set 设置状态
func (s *StateVar) Set(st State) {
	atomic.StoreInt32(&s.v, int32(st))
}

// CompareAndSwap 状态 CAS
func (s *StateVar) CompareAndSwap(old, new State) bool {
	return atomic.CompareAndSwapInt32(&s.v, int32(old), int32(new))
}
