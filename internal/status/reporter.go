package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"df-connectivity/internal/driver"
)

// statusKeyPrefix 会话状态键前缀，完整键为 connectivity:conn:{connection_id}:status
const statusKeyPrefix = "connectivity:conn"

// statusTTL 状态键过期时间；上报停止后状态自动消失
const statusTTL = 30 * time.Second

// SessionStatus Redis 中的会话状态快照
type SessionStatus struct {
	ConnectionID string `json:"connection_id"`
	State        string `json:"state"`
	LastError    string `json:"last_error,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

// Reporter 会话状态上报器
type Reporter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewReporter 创建状态上报器
func NewReporter(client *redis.Client, logger *zap.Logger) *Reporter {
	return &Reporter{client: client, logger: logger}
}

// statusKey 构建状态键
func statusKey(connectionID string) string {
	return fmt.Sprintf("%s:%s:status", statusKeyPrefix, connectionID)
}

// Report 写入一个连接的当前状态
func (r *Reporter) Report(ctx context.Context, connectionID string, state driver.State, lastErr error) error {
	st := SessionStatus{
		ConnectionID: connectionID,
		State:        state.String(),
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal session status: %w", err)
	}
	if err := r.client.Set(ctx, statusKey(connectionID), data, statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to write session status for %s: %w", connectionID, err)
	}
	return nil
}

// Remove 连接被删除或禁用时清除状态键
func (r *Reporter) Remove(ctx context.Context, connectionID string) error {
	if err := r.client.Del(ctx, statusKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session status for %s: %w", connectionID, err)
	}
	return nil
}

// Get 读取一个连接的状态（运维检查用）
func (r *Reporter) Get(ctx context.Context, connectionID string) (*SessionStatus, error) {
	data, err := r.client.Get(ctx, statusKey(connectionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session status for %s: %w", connectionID, err)
	}
	st := &SessionStatus{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to decode session status for %s: %w", connectionID, err)
	}
	return st, nil
}
