package driver

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"df-connectivity/internal/filter"
	"df-connectivity/internal/models"
)

// Emitter 会话采样出口：变化过滤 -> 有界通道
// 通道满时丢弃并计数，绝不反压协议栈。
// 同一标签的 ts 在此处强制严格递增（服务端时标）。
type Emitter struct {
	connectionID string
	filter       *filter.ChangeFilter
	ch           chan models.Sample
	logger       *zap.Logger

	mu     sync.Mutex
	lastTS map[int64]time.Time

	emitted    uint64
	suppressed uint64
	dropped    uint64
}

// NewEmitter 创建采样出口
func NewEmitter(connectionID string, buffer int, logger *zap.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{
		connectionID: connectionID,
		filter:       filter.NewChangeFilter(logger),
		ch:           make(chan models.Sample, buffer),
		logger:       logger,
		lastTS:       make(map[int64]time.Time),
	}
}

// Filter 底层变化过滤器（订阅调和时配置）
func (e *Emitter) Filter() *filter.ChangeFilter {
	return e.filter
}

// Samples 采样输出通道
func (e *Emitter) Samples() <-chan models.Sample {
	return e.ch
}

// Emit 过滤并投递一个采样
func (e *Emitter) Emit(s models.Sample) {
	s.ConnectionID = e.connectionID
	if s.TS.IsZero() {
		s.TS = time.Now()
	}

	e.mu.Lock()
	if last, ok := e.lastTS[s.TagID]; ok && !s.TS.After(last) {
		s.TS = last.Add(time.Microsecond)
	}
	e.lastTS[s.TagID] = s.TS
	e.mu.Unlock()

	if !e.filter.ShouldEmit(&s) {
		atomic.AddUint64(&e.suppressed, 1)
		return
	}

	select {
	case e.ch <- s:
		atomic.AddUint64(&e.emitted, 1)
	default:
		atomic.AddUint64(&e.dropped, 1)
		e.logger.Warn("Sample channel full, dropping sample",
			zap.String("connection_id", e.connectionID),
			zap.Int64("tag_id", s.TagID),
		)
	}
}

// Clear 清空过滤器缓存与时标记录（断开时调用）
func (e *Emitter) Clear() {
	e.filter.Clear()
	e.mu.Lock()
	e.lastTS = make(map[int64]time.Time)
	e.mu.Unlock()
}

// Counters 计数器快照
func (e *Emitter) Counters() (emitted, suppressed, dropped uint64) {
	return atomic.LoadUint64(&e.emitted), atomic.LoadUint64(&e.suppressed), atomic.LoadUint64(&e.dropped)
}
