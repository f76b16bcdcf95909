package snapshot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

// Page 快照分页结果
type Page struct {
	Tags    []models.BrowsedTag `json:"tags"`
	Total   int                 `json:"total"`
	Page    int                 `json:"page"`
	HasMore bool                `json:"has_more"`
}

// entry 单个快照：缓存的浏览结果 + 心跳期限
type entry struct {
	tags     []models.BrowsedTag
	deadline time.Time
}

// Store 浏览快照缓存
// Create 缓存一次浏览结果并返回不透明 id；未在 TTL 内心跳的快照被清理。
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	logger  *zap.Logger
}

// NewStore 创建快照缓存
func NewStore(ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		logger:  logger,
	}
}

// Run 周期清理过期快照，直到 ctx 取消
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep 清理 deadline 已过的快照
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if now.After(e.deadline) {
			delete(s.entries, id)
			s.logger.Debug("Expired browse snapshot", zap.String("snapshot_id", id))
		}
	}
}

// Create 缓存浏览结果，返回快照 id 和标签总数
func (s *Store) Create(tags []models.BrowsedTag) (string, int) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = &entry{tags: tags, deadline: time.Now().Add(s.ttl)}
	return id, len(tags)
}

// Heartbeat 续期快照
func (s *Store) Heartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("snapshot %s not found", id)
	}
	e.deadline = time.Now().Add(s.ttl)
	return nil
}

// Delete 删除快照；对不存在的 id 为空操作
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// GetPage 分页读取快照；page 从 0 开始
// scope 过滤标签作用域，search 对名称做大小写无关子串匹配
func (s *Store) GetPage(id string, page, limit int, scope, search string) (*Page, error) {
	if page < 0 {
		page = 0
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("snapshot %s not found", id)
	}
	tags := e.tags
	s.mu.Unlock()

	filtered := tags
	if scope != "" || search != "" {
		search = strings.ToLower(search)
		filtered = make([]models.BrowsedTag, 0, len(tags))
		for _, t := range tags {
			if scope != "" && t.Scope != scope {
				continue
			}
			if search != "" && !strings.Contains(strings.ToLower(t.Name), search) {
				continue
			}
			filtered = append(filtered, t)
		}
	}

	start := page * limit
	if start >= len(filtered) {
		return &Page{Tags: []models.BrowsedTag{}, Total: len(filtered), Page: page, HasMore: false}, nil
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	return &Page{
		Tags:    filtered[start:end],
		Total:   len(filtered),
		Page:    page,
		HasMore: end < len(filtered),
	}, nil
}
