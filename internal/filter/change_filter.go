package filter

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

// lastValue 每标签的最后上报状态
type lastValue struct {
	value      interface{}
	quality    uint16
	lastEmitTS time.Time
	hasValue   bool
}

// ChangeFilter 变化过滤器（per-session）
// 决定采样是否上报：首样/质量变化/心跳/死区规则，详见 ShouldEmit。
// 缓存仅由本过滤器修改，会话断开时整体清空。
type ChangeFilter struct {
	mu     sync.Mutex
	config map[int64]models.OnChangeConfig
	cache  map[int64]*lastValue
	logger *zap.Logger

	// now 可注入，便于测试心跳路径
	now func() time.Time
}

// NewChangeFilter 创建变化过滤器
func NewChangeFilter(logger *zap.Logger) *ChangeFilter {
	return &ChangeFilter{
		config: make(map[int64]models.OnChangeConfig),
		cache:  make(map[int64]*lastValue),
		logger: logger,
		now:    time.Now,
	}
}

// Configure 覆盖标签的过滤配置（不清空最后值缓存）
func (f *ChangeFilter) Configure(tagID int64, cfg models.OnChangeConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config[tagID] = cfg
}

// ConfigureAll 整体替换过滤配置（订阅调和时调用，不清空缓存）
func (f *ChangeFilter) ConfigureAll(configs map[int64]models.OnChangeConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tagID, cfg := range configs {
		f.config[tagID] = cfg
	}
}

// Remove 移除标签（订阅撤销时调用）
func (f *ChangeFilter) Remove(tagID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.config, tagID)
	delete(f.cache, tagID)
}

// Clear 清空全部状态（会话断开时调用）
func (f *ChangeFilter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[int64]*lastValue)
}

// ShouldEmit 判定采样是否上报；返回 true 时已同步更新缓存，
// 并发 tick 下不会对同一变化重复上报。
//
// on_change 关闭的标签不做任何过滤，每个采样都上报。
//
// 判定顺序（短路）：
//  1. 首个采样 -> 上报
//  2. 质量变化 -> 上报
//  3. 心跳到期（heartbeat_ms > 0）-> 上报
//  4. 空值迁移 -> 值不同才上报
//  5. 双侧数值 -> 死区判定
//  6. 其他类型 -> 严格不等才上报
func (f *ChangeFilter) ShouldEmit(s *models.Sample) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	last, ok := f.cache[s.TagID]
	if !ok {
		// 首个采样
		f.cache[s.TagID] = &lastValue{value: s.Value, quality: s.Quality, lastEmitTS: now, hasValue: true}
		return true
	}

	cfg, known := f.config[s.TagID]
	if known && !cfg.Enabled {
		// on_change 关闭：不过滤，逐样上报
		last.value = s.Value
		last.quality = s.Quality
		last.lastEmitTS = now
		return true
	}

	emit := false
	switch {
	case s.Quality != last.quality:
		emit = true
	case f.heartbeatDue(cfg, last, now):
		emit = true
	case s.Value == nil || last.value == nil:
		emit = !valuesEqual(s.Value, last.value)
	default:
		newNum, newOK := models.ToNumeric(s.Value)
		oldNum, oldOK := models.ToNumeric(last.value)
		if newOK && oldOK {
			emit = f.numericChanged(cfg, oldNum, newNum)
		} else {
			emit = !valuesEqual(s.Value, last.value)
		}
	}

	if emit {
		last.value = s.Value
		last.quality = s.Quality
		last.lastEmitTS = now
	}
	return emit
}

// heartbeatDue 心跳是否到期；heartbeat_ms = 0 表示禁用
func (f *ChangeFilter) heartbeatDue(cfg models.OnChangeConfig, last *lastValue, now time.Time) bool {
	if cfg.HeartbeatMS <= 0 {
		return false
	}
	return now.Sub(last.lastEmitTS) >= time.Duration(cfg.HeartbeatMS)*time.Millisecond
}

// numericChanged 数值死区判定
func (f *ChangeFilter) numericChanged(cfg models.OnChangeConfig, oldNum, newNum float64) bool {
	diff := math.Abs(newNum - oldNum)
	if cfg.Deadband <= 0 {
		// 死区为 0：严格不等即上报
		return newNum != oldNum
	}
	switch cfg.DeadbandType {
	case models.DeadbandPercent:
		base := math.Abs(oldNum)
		if base < 1 {
			base = 1
		}
		return diff/base*100 >= cfg.Deadband
	default: // absolute
		return diff >= cfg.Deadband
	}
}

// valuesEqual 非数值比较（bool / string / nil）
func valuesEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	an, aOK := models.ToNumeric(a)
	bn, bOK := models.ToNumeric(b)
	if aOK && bOK {
		return an == bn
	}
	return a == b
}
