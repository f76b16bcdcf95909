package s7

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robinson/gos7"
	"go.uber.org/zap"

	"df-connectivity/internal/driver"
	"df-connectivity/internal/models"
	"df-connectivity/internal/scheduler"
	"df-connectivity/internal/snapshot"
)

// maxReadSpan 单次区域读的最大跨度（字节），受 S7 PDU 尺寸约束
const maxReadSpan = 200

// Options S7 会话参数
type Options struct {
	RequestTimeout time.Duration
	SampleBuffer   int
	SnapshotTTL    time.Duration
}

// Session 西门子 S7 原生会话
// 无服务端订阅，由 PollScheduler 按速率组驱动批量读；
// 同一数据块内的标签按连续区间合并为一次 AGReadDB。
type Session struct {
	conn   models.Connection
	opts   Options
	logger *zap.Logger

	state   driver.StateVar
	emitter *driver.Emitter
	sched   *scheduler.PollScheduler

	ioMu    sync.Mutex // gos7 客户端非并发安全，读写串行化
	handler *gos7.TCPClientHandler
	client  gos7.Client

	mu        sync.Mutex // 串行化生命周期与订阅调和；tick 路径绝不阻塞在它上面
	runCtx    context.Context
	runCancel context.CancelFunc
	groups    map[string]models.PollGroup

	cfgMu       sync.RWMutex // tick 路径只读这组映射
	tagsByGroup models.TagsByGroup
	addrCache   map[int64]*Address
	tagIndex    map[int64]models.Tag

	reconnects uint64
}

var _ driver.Session = (*Session)(nil)

// NewSession 创建 S7 会话
func NewSession(conn models.Connection, opts Options, logger *zap.Logger) *Session {
	s := &Session{
		conn:      conn,
		opts:      opts,
		logger:    logger.With(zap.String("connection_id", conn.ID), zap.String("protocol", "S7")),
		groups:    make(map[string]models.PollGroup),
		addrCache: make(map[int64]*Address),
		tagIndex:  make(map[int64]models.Tag),
	}
	s.emitter = driver.NewEmitter(conn.ID, opts.SampleBuffer, s.logger)
	s.sched = scheduler.NewPollScheduler(s.tick, s.logger)
	return s
}

// State 当前状态
func (s *Session) State() driver.State { return s.state.Get() }

// Samples 采样输出
func (s *Session) Samples() <-chan models.Sample { return s.emitter.Samples() }

// Stats 计数器快照
func (s *Session) Stats() driver.SessionStats {
	emitted, suppressed, dropped := s.emitter.Counters()
	return driver.SessionStats{
		SamplesEmitted:    emitted,
		SamplesSuppressed: suppressed,
		SamplesDropped:    dropped,
		SkippedTicks:      s.sched.SkippedTicks(),
		Reconnects:        atomic.LoadUint64(&s.reconnects),
	}
}

// Connect 建立 S7 TCP 连接
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	s.state.Set(driver.StateConnecting)

	s.ioMu.Lock()
	if s.handler != nil {
		_ = s.handler.Close()
		s.handler = nil
		s.client = nil
	}
	s.ioMu.Unlock()

	rack := optInt(s.conn.Opts, "rack", 0)
	slot := optInt(s.conn.Opts, "slot", 1)

	handler := gos7.NewTCPClientHandler(s.conn.Endpoint, rack, slot)
	handler.Timeout = s.opts.RequestTimeout
	handler.IdleTimeout = time.Minute

	if err := handler.Connect(); err != nil {
		s.state.Set(driver.StateFailed)
		return &driver.ConnectFailedError{Endpoint: s.conn.Endpoint, Reason: err.Error()}
	}

	s.ioMu.Lock()
	s.handler = handler
	s.client = gos7.NewClient(handler)
	s.ioMu.Unlock()

	if s.runCancel == nil {
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
	}

	s.state.Set(driver.StateConnected)
	s.logger.Info("S7 session connected",
		zap.String("endpoint", s.conn.Endpoint),
		zap.Int("rack", rack),
		zap.Int("slot", slot),
	)
	return nil
}

// Disconnect 停止调度并关闭连接；幂等
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Get() == driver.StateIdle {
		return nil
	}
	s.state.Set(driver.StateClosing)

	s.sched.Stop()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}

	s.ioMu.Lock()
	if s.handler != nil {
		_ = s.handler.Close()
		s.handler = nil
		s.client = nil
	}
	s.ioMu.Unlock()

	s.emitter.Clear()
	s.state.Set(driver.StateIdle)
	s.logger.Info("S7 session disconnected")
	return nil
}

// reconnect 一次透明重连（Degraded/Failed 恢复路径）
// tick 路径可能在订阅调和期间触发恢复，此时放弃本轮，避免与持锁方互等
func (s *Session) reconnect(ctx context.Context) error {
	if !s.mu.TryLock() {
		return fmt.Errorf("session busy, recovery deferred")
	}
	defer s.mu.Unlock()

	if st := s.state.Get(); st == driver.StateConnected || st == driver.StateClosing || st == driver.StateIdle {
		return nil
	}

	s.ioMu.Lock()
	if s.handler != nil {
		_ = s.handler.Close()
		s.handler = nil
		s.client = nil
	}
	s.ioMu.Unlock()

	atomic.AddUint64(&s.reconnects, 1)
	s.logger.Info("Attempting S7 session recovery")
	return s.connectLocked(ctx)
}

// UpdatePollGroups 替换速率组表；rate 变化的组由调度器重建 tick 循环
func (s *Session) UpdatePollGroups(ctx context.Context, groups []models.PollGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range groups {
		if g.RateMS < 1 {
			g.RateMS = 1
		}
		s.groups[g.ID] = g
	}
	s.applySchedulerGroupsLocked()
	return nil
}

// applySchedulerGroupsLocked 将携带标签的速率组同步给调度器
func (s *Session) applySchedulerGroupsLocked() {
	if s.runCtx == nil {
		return
	}
	active := make([]models.PollGroup, 0, len(s.tagsByGroup))
	for groupID := range s.tagsByGroup {
		if g, ok := s.groups[groupID]; ok {
			active = append(active, g)
		} else {
			active = append(active, models.PollGroup{ID: groupID, RateMS: 1000})
		}
	}
	s.sched.UpdateGroups(s.runCtx, active)
}

// UpdateTagSubscriptions 原子调和轮询标签集合
// 新增标签立即做一次初始快照读；重复提交相同集合是空操作。
func (s *Session) UpdateTagSubscriptions(ctx context.Context, tagsByGroup models.TagsByGroup) error {
	s.mu.Lock()

	if tagsEqual(s.tagsByGroup, tagsByGroup) {
		s.mu.Unlock()
		return nil
	}

	// 预解析地址；解析失败的标签拒绝整个调和（原子性）
	newAddrs := make(map[int64]*Address)
	var newTags []models.Tag
	wanted := make(map[int64]models.OnChangeConfig)
	for _, tags := range tagsByGroup {
		for _, t := range tags {
			addr, err := ParseAddress(t.Path)
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("tag %d: %w", t.ID, err)
			}
			newAddrs[t.ID] = addr
			wanted[t.ID] = t.OnChange
			if _, existed := s.tagIndex[t.ID]; !existed {
				newTags = append(newTags, t)
			}
		}
	}

	for id := range s.tagIndex {
		if _, ok := wanted[id]; !ok {
			s.emitter.Filter().Remove(id)
		}
	}
	s.emitter.Filter().ConfigureAll(wanted)

	s.cfgMu.Lock()
	s.addrCache = newAddrs
	s.tagIndex = make(map[int64]models.Tag, len(wanted))
	for _, tags := range tagsByGroup {
		for _, t := range tags {
			s.tagIndex[t.ID] = t
		}
	}
	s.tagsByGroup = tagsByGroup
	s.cfgMu.Unlock()

	// 旧组的标签在下个 tick 边界前撤销，新组同理
	seen := make(map[string]struct{}, len(tagsByGroup))
	for groupID, tags := range tagsByGroup {
		s.sched.SetTags(groupID, tags)
		seen[groupID] = struct{}{}
	}
	for _, id := range s.sched.ActiveGroups() {
		if _, ok := seen[id]; !ok {
			s.sched.SetTags(id, nil)
		}
	}
	s.applySchedulerGroupsLocked()
	s.mu.Unlock()

	// 新建订阅的初始快照
	if len(newTags) > 0 {
		s.readAndEmit(ctx, newTags)
	}
	return nil
}

// tagsEqual 订阅集合等价判断（组到标签 ID 与配置）
func tagsEqual(a, b models.TagsByGroup) bool {
	if len(a) != len(b) {
		return false
	}
	for groupID, tagsA := range a {
		tagsB, ok := b[groupID]
		if !ok || len(tagsA) != len(tagsB) {
			return false
		}
		idxB := make(map[int64]models.Tag, len(tagsB))
		for _, t := range tagsB {
			idxB[t.ID] = t
		}
		for _, t := range tagsA {
			other, ok := idxB[t.ID]
			if !ok || other != t {
				return false
			}
		}
	}
	return true
}

// tick 一个速率组的一次批量读
func (s *Session) tick(ctx context.Context, groupID string, tags []models.Tag) {
	s.readAndEmit(ctx, tags)
}

// readAndEmit 批量读标签并发射采样；失败时做一次透明重连重试
func (s *Session) readAndEmit(ctx context.Context, tags []models.Tag) {
	if s.state.Get() == driver.StateClosing || s.state.Get() == driver.StateIdle {
		return
	}

	err := s.readBatch(tags)
	if err != nil {
		s.state.CompareAndSwap(driver.StateConnected, driver.StateDegraded)
		s.logger.Warn("S7 batch read failed, attempting recovery", zap.Error(err))
		if recErr := s.reconnect(ctx); recErr != nil {
			s.emitBad(tags, models.QualityBadNotConn)
			return
		}
		if err = s.readBatch(tags); err != nil {
			s.state.CompareAndSwap(driver.StateConnected, driver.StateDegraded)
			s.emitBad(tags, models.QualityBadCommFail)
			return
		}
	}
}

// emitBad 读失败时为受影响标签发射 Bad 质量采样
func (s *Session) emitBad(tags []models.Tag, quality uint16) {
	now := time.Now()
	for _, t := range tags {
		s.emitter.Emit(models.Sample{TagID: t.ID, TS: now, Value: nil, Quality: quality})
	}
}

// span 一次区域读的连续区间
type span struct {
	area     Area
	dbNumber int
	start    int
	end      int
	tags     []models.Tag
}

// readBatch 将标签按 (区域, DB) 分桶并做连续区间合并读
func (s *Session) readBatch(tags []models.Tag) error {
	s.cfgMu.RLock()
	addrs := make(map[int64]*Address, len(tags))
	for _, t := range tags {
		if a, ok := s.addrCache[t.ID]; ok {
			addrs[t.ID] = a
		}
	}
	s.cfgMu.RUnlock()

	type bucketKey struct {
		area Area
		db   int
	}
	buckets := make(map[bucketKey][]models.Tag)
	for _, t := range tags {
		addr, ok := addrs[t.ID]
		if !ok {
			continue
		}
		key := bucketKey{area: addr.Area, db: addr.DBNumber}
		buckets[key] = append(buckets[key], t)
	}

	now := time.Now()
	for key, bucketTags := range buckets {
		sort.Slice(bucketTags, func(i, j int) bool {
			return addrs[bucketTags[i].ID].Start < addrs[bucketTags[j].ID].Start
		})

		var spans []*span
		var cur *span
		for _, t := range bucketTags {
			addr := addrs[t.ID]
			end := addr.Start + sizeFor(t.DataType, addr, t.ArraySize)
			if cur == nil || end-cur.start > maxReadSpan {
				cur = &span{area: key.area, dbNumber: key.db, start: addr.Start, end: end}
				spans = append(spans, cur)
			}
			if end > cur.end {
				cur.end = end
			}
			cur.tags = append(cur.tags, t)
		}

		for _, sp := range spans {
			buf := make([]byte, sp.end-sp.start)
			if err := s.readArea(sp.area, sp.dbNumber, sp.start, len(buf), buf); err != nil {
				return err
			}
			for _, t := range sp.tags {
				addr := addrs[t.ID]
				off := addr.Start - sp.start
				value, err := decode(t.DataType, addr, buf[off:])
				if err != nil {
					s.emitter.Emit(models.Sample{TagID: t.ID, TS: now, Value: nil, Quality: models.QualityBadTypeError})
					continue
				}
				s.emitter.Emit(models.Sample{TagID: t.ID, TS: now, Value: value, Quality: models.QualityGood})
			}
		}
	}
	return nil
}

// readArea 单次区域读
func (s *Session) readArea(area Area, dbNumber, start, size int, buf []byte) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.client == nil {
		return driver.ErrSessionClosed
	}
	switch area {
	case AreaDB:
		return s.client.AGReadDB(dbNumber, start, size, buf)
	case AreaM:
		return s.client.AGReadMB(start, size, buf)
	case AreaI:
		return s.client.AGReadEB(start, size, buf)
	case AreaQ:
		return s.client.AGReadAB(start, size, buf)
	default:
		return fmt.Errorf("unknown S7 area %d", area)
	}
}

// writeArea 单次区域写
func (s *Session) writeArea(area Area, dbNumber, start, size int, buf []byte) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.client == nil {
		return driver.ErrSessionClosed
	}
	switch area {
	case AreaDB:
		return s.client.AGWriteDB(dbNumber, start, size, buf)
	case AreaM:
		return s.client.AGWriteMB(start, size, buf)
	case AreaI:
		return s.client.AGWriteEB(start, size, buf)
	case AreaQ:
		return s.client.AGWriteAB(start, size, buf)
	default:
		return fmt.Errorf("unknown S7 area %d", area)
	}
}

// WriteTag 写单个标签；BOOL 走读改写
func (s *Session) WriteTag(ctx context.Context, tagID int64, value interface{}) error {
	s.cfgMu.RLock()
	tag, ok := s.tagIndex[tagID]
	addr := s.addrCache[tagID]
	s.cfgMu.RUnlock()
	if !ok || addr == nil {
		return fmt.Errorf("tag %d is not subscribed on this session", tagID)
	}

	doWrite := func() error {
		if addr.Bit >= 0 {
			// 位写：读出字节、置位、写回
			buf := make([]byte, 1)
			if err := s.readArea(addr.Area, addr.DBNumber, addr.Start, 1, buf); err != nil {
				return err
			}
			on := false
			switch v := value.(type) {
			case bool:
				on = v
			case float64:
				on = v != 0
			default:
				return &driver.WriteRejectedError{Status: fmt.Sprintf("value %v is not a boolean", value)}
			}
			if on {
				buf[0] |= 1 << uint(addr.Bit)
			} else {
				buf[0] &^= 1 << uint(addr.Bit)
			}
			return s.writeArea(addr.Area, addr.DBNumber, addr.Start, 1, buf)
		}

		buf, err := encode(tag.DataType, value)
		if err != nil {
			return &driver.WriteRejectedError{Status: err.Error()}
		}
		return s.writeArea(addr.Area, addr.DBNumber, addr.Start, len(buf), buf)
	}

	err := doWrite()
	if err == nil {
		return nil
	}
	if _, rejected := err.(*driver.WriteRejectedError); rejected {
		return err
	}

	// 会话级故障：一次透明重连后重试
	s.state.CompareAndSwap(driver.StateConnected, driver.StateDegraded)
	if recErr := s.reconnect(ctx); recErr != nil {
		return recErr
	}
	if err = doWrite(); err != nil {
		if _, rejected := err.(*driver.WriteRejectedError); rejected {
			return err
		}
		return &driver.WriteRejectedError{Status: err.Error()}
	}
	return nil
}

// ListTags S7 不支持设备侧浏览
func (s *Session) ListTags(ctx context.Context, scope string) (*models.BrowseResult, error) {
	return nil, driver.ErrNotSupported
}

// ResolveTypes S7 类型由标签配置决定，地址可解析即认为有效
func (s *Session) ResolveTypes(ctx context.Context, tagNames []string) (map[string]string, error) {
	result := make(map[string]string, len(tagNames))
	for _, name := range tagNames {
		addr, err := ParseAddress(name)
		if err != nil {
			continue
		}
		if addr.Bit >= 0 {
			result[name] = "BOOL"
			continue
		}
		switch addr.Size {
		case 1:
			result[name] = "BYTE"
		case 2:
			result[name] = "WORD"
		default:
			result[name] = "DWORD"
		}
	}
	return result, nil
}

// CreateSnapshot S7 无浏览能力
func (s *Session) CreateSnapshot(ctx context.Context, scope string) (string, int, error) {
	return "", 0, driver.ErrNotSupported
}

// PageSnapshot S7 无浏览能力
func (s *Session) PageSnapshot(id string, page, limit int, scope, search string) (*snapshot.Page, error) {
	return nil, driver.ErrNotSupported
}

// DeleteSnapshot S7 无浏览能力；空操作
func (s *Session) DeleteSnapshot(id string) {}

// HeartbeatSnapshot S7 无浏览能力
func (s *Session) HeartbeatSnapshot(id string) error {
	return driver.ErrNotSupported
}

// RunSnapshotSweeper S7 无快照缓存；等待取消
func (s *Session) RunSnapshotSweeper(ctx context.Context) {
	<-ctx.Done()
}

// optInt 驱动选项解析
func optInt(opts map[string]string, key string, def int) int {
	if opts == nil {
		return def
	}
	if v, ok := opts[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
