package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

// TickFunc 每次 tick 调用的批量读回调；阻塞期间到达的 tick 被合并
type TickFunc func(ctx context.Context, groupID string, tags []models.Tag)

// groupLoop 单个速率组的 tick 循环
type groupLoop struct {
	group  models.PollGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// PollScheduler 采集调度器（per-session）
// 每个速率组一个 tick 循环，tick 目标为 start + n*rate（绝对时刻，漂移有界）。
// 上一次读未完成时不排队，直接跳到下一个未来边界并累计 skipped 计数。
type PollScheduler struct {
	mu    sync.Mutex // 保护 loops；tick 循环自身不持有
	loops map[string]*groupLoop

	tagsMu sync.RWMutex
	tags   map[string][]models.Tag // groupID -> tags

	tick   TickFunc
	logger *zap.Logger

	skippedTicks uint64
}

// NewPollScheduler 创建调度器
func NewPollScheduler(tick TickFunc, logger *zap.Logger) *PollScheduler {
	return &PollScheduler{
		loops:  make(map[string]*groupLoop),
		tags:   make(map[string][]models.Tag),
		tick:   tick,
		logger: logger,
	}
}

// SetTags 原子替换某组的标签集合（订阅调和时调用，下个 tick 边界前生效）
func (s *PollScheduler) SetTags(groupID string, tags []models.Tag) {
	s.tagsMu.Lock()
	defer s.tagsMu.Unlock()
	if len(tags) == 0 {
		delete(s.tags, groupID)
		return
	}
	s.tags[groupID] = tags
}

// UpdateGroups 替换速率组表；rate 不变的组保持现有循环，
// rate 变化或新增的组重建循环，消失的组停止。
func (s *PollScheduler) UpdateGroups(ctx context.Context, groups []models.PollGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]models.PollGroup, len(groups))
	for _, g := range groups {
		if g.RateMS < 1 {
			g.RateMS = 1
		}
		wanted[g.ID] = g
	}

	// 停掉不再需要或速率已变的循环
	for id, loop := range s.loops {
		g, ok := wanted[id]
		if ok && g.RateMS == loop.group.RateMS {
			continue
		}
		loop.cancel()
		<-loop.done
		delete(s.loops, id)
		if ok {
			s.logger.Info("Poll group rate changed, restarting tick loop",
				zap.String("group_id", id),
				zap.Int64("old_rate_ms", loop.group.RateMS),
				zap.Int64("new_rate_ms", g.RateMS),
			)
		}
	}

	// 启动新增的循环
	for id, g := range wanted {
		if _, ok := s.loops[id]; ok {
			continue
		}
		s.startLoopLocked(ctx, g)
	}
}

// Stop 停止全部循环
func (s *PollScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, loop := range s.loops {
		loop.cancel()
		<-loop.done
		delete(s.loops, id)
	}
}

// SkippedTicks 合并掉的 tick 总数
func (s *PollScheduler) SkippedTicks() uint64 {
	return atomic.LoadUint64(&s.skippedTicks)
}

// ActiveGroups 当前活跃的速率组 ID
func (s *PollScheduler) ActiveGroups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	return ids
}

func (s *PollScheduler) startLoopLocked(ctx context.Context, g models.PollGroup) {
	loopCtx, cancel := context.WithCancel(ctx)
	loop := &groupLoop{group: g, cancel: cancel, done: make(chan struct{})}
	s.loops[g.ID] = loop

	go s.run(loopCtx, loop)
}

// run tick 循环主体
func (s *PollScheduler) run(ctx context.Context, loop *groupLoop) {
	defer close(loop.done)

	rate := time.Duration(loop.group.RateMS) * time.Millisecond
	start := time.Now()
	n := int64(0)

	timer := time.NewTimer(rate)
	defer timer.Stop()

	for {
		n++
		target := start.Add(time.Duration(n) * rate)
		wait := time.Until(target)
		if wait < 0 {
			// 上一次读越过了一个或多个边界：跳到下一个未来边界
			missed := int64(-wait/rate) + 1
			atomic.AddUint64(&s.skippedTicks, uint64(missed))
			n += missed
			target = start.Add(time.Duration(n) * rate)
			wait = time.Until(target)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.tagsMu.RLock()
		tags := s.tags[loop.group.ID]
		s.tagsMu.RUnlock()
		if len(tags) == 0 {
			continue
		}

		// 回调阻塞即为合并：期间错过的边界在下一轮补偿
		s.tick(ctx, loop.group.ID, tags)
	}
}
