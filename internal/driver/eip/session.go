package eip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"df-connectivity/internal/driver"
	"df-connectivity/internal/driver/eipworker"
	"df-connectivity/internal/models"
	"df-connectivity/internal/snapshot"
)

// defaultGroupSlots 预置的十个速率组槽位（ms），可被 UpdatePollGroups 覆盖
var defaultGroupSlots = []int64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000}

// Options EIP 会话参数
type Options struct {
	WorkerCmd      string
	WorkerArgs     []string
	RequestTimeout time.Duration
	MaxPending     int
	SnapshotTTL    time.Duration
	SampleBuffer   int
}

// Session EtherNet/IP 会话（worker 进程承载协议栈）
// 协议操作全部经 JSON-RPC stdio 传输层委托给子进程；
// worker 自主按速率组轮询并推送遥测帧，帧经变化过滤后进入采样通道。
type Session struct {
	conn   models.Connection
	opts   Options
	logger *zap.Logger

	state     driver.StateVar
	emitter   *driver.Emitter
	snapshots *snapshot.Store

	mu          sync.Mutex // 串行化 connect/disconnect/订阅调和
	transport   *eipworker.Transport
	groups      map[string]models.PollGroup
	tagsByGroup models.TagsByGroup

	reconnects uint64
}

var _ driver.Session = (*Session)(nil)
var _ driver.Discoverer = (*Session)(nil)

// NewSession 创建 EIP 会话
func NewSession(conn models.Connection, opts Options, logger *zap.Logger) *Session {
	s := &Session{
		conn:   conn,
		opts:   opts,
		logger: logger.With(zap.String("connection_id", conn.ID), zap.String("protocol", "EIP")),
		groups: make(map[string]models.PollGroup),
	}
	s.emitter = driver.NewEmitter(conn.ID, opts.SampleBuffer, s.logger)
	s.snapshots = snapshot.NewStore(opts.SnapshotTTL, s.logger)
	for i, rate := range defaultGroupSlots {
		id := fmt.Sprintf("slot-%d", i+1)
		s.groups[id] = models.PollGroup{ID: id, Name: id, RateMS: rate}
	}
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
		Reconnects:        atomic.LoadUint64(&s.reconnects),
	}
}

// Connect 拉起 worker 并建立设备连接
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	s.state.Set(driver.StateConnecting)

	if s.transport != nil {
		s.transport.Stop()
		s.transport = nil
	}

	t := eipworker.NewTransport(eipworker.Options{
		Command:        s.opts.WorkerCmd,
		Args:           s.opts.WorkerArgs,
		DefaultTimeout: s.opts.RequestTimeout,
		MaxPending:     s.opts.MaxPending,
	}, s.logger)
	t.OnTelemetry = s.handleTelemetry
	t.OnExit = s.handleWorkerExit

	if err := t.Start(ctx); err != nil {
		s.state.Set(driver.StateFailed)
		return &driver.ConnectFailedError{Endpoint: s.conn.Endpoint, Reason: err.Error()}
	}

	params := map[string]interface{}{
		"endpoint": s.conn.Endpoint,
	}
	if s.conn.Username != "" {
		params["username"] = s.conn.Username
		params["password"] = s.conn.Password
	}
	for k, v := range s.conn.Opts {
		params[k] = v
	}

	if _, err := t.Call(ctx, eipworker.MethodConnect, params, 0); err != nil {
		t.Stop()
		s.state.Set(driver.StateFailed)
		return &driver.ConnectFailedError{Endpoint: s.conn.Endpoint, Reason: err.Error()}
	}

	s.transport = t
	s.state.Set(driver.StateConnected)
	s.logger.Info("EIP session connected", zap.String("endpoint", s.conn.Endpoint))
	return nil
}

// Disconnect 断开会话；幂等
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Get() == driver.StateIdle {
		return nil
	}
	s.state.Set(driver.StateClosing)

	if s.transport != nil {
		// 尽力通知 worker 释放设备连接；失败不影响停止流程
		shortCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = s.transport.Call(shortCtx, eipworker.MethodDisconnect, nil, 2*time.Second)
		cancel()
		s.transport.Stop()
		s.transport = nil
	}

	s.emitter.Clear()
	s.state.Set(driver.StateIdle)
	s.logger.Info("EIP session disconnected")
	return nil
}

// handleTelemetry worker 推送的遥测帧 -> 采样通道
// worker 协议沿用旧 5 位质量编码（192/0 为 Good），入核时归一化为 16 位
func (s *Session) handleTelemetry(frame *eipworker.TelemetryFrame) {
	sample := models.Sample{
		TagID:   frame.TagID,
		Value:   frame.Value,
		Quality: models.NormalizeLegacyQuality(int(frame.Quality)),
	}
	if frame.TS != "" {
		if ts, err := time.Parse(time.RFC3339Nano, frame.TS); err == nil {
			sample.TS = ts
		}
	}
	if frame.SrcTS != "" {
		if srcTS, err := time.Parse(time.RFC3339Nano, frame.SrcTS); err == nil {
			sample.SrcTS = &srcTS
		}
	}
	s.emitter.Emit(sample)
}

// handleWorkerExit worker 崩溃 -> Degraded（重启交由下一次操作或控制器）
func (s *Session) handleWorkerExit(err *driver.WorkerExitedError) {
	if s.state.CompareAndSwap(driver.StateConnected, driver.StateDegraded) {
		s.logger.Warn("EIP session degraded after worker exit",
			zap.Int("code", err.Code),
			zap.String("signal", err.Signal),
		)
	}
}

// call 经 worker 执行一次 RPC；Degraded 状态下做至多一次透明重连重试
func (s *Session) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t != nil && s.state.Get() == driver.StateConnected {
		result, err := t.Call(ctx, method, params, 0)
		if err == nil || !isTransportLoss(err) {
			return result, err
		}
		s.state.CompareAndSwap(driver.StateConnected, driver.StateDegraded)
	}

	if st := s.state.Get(); st != driver.StateDegraded && st != driver.StateFailed {
		return nil, driver.ErrCancelled
	}

	// 透明恢复：重启 worker、重建连接与订阅，然后重试一次
	// （Failed 状态下由外部操作触发的重新进入 Connecting 也走这里）
	if err := s.recover(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	t = s.transport
	s.mu.Unlock()
	if t == nil {
		return nil, driver.ErrCancelled
	}
	return t.Call(ctx, method, params, 0)
}

// isTransportLoss worker 不可用类错误（触发透明恢复）
func isTransportLoss(err error) bool {
	var exited *driver.WorkerExitedError
	return errors.As(err, &exited) ||
		errors.Is(err, driver.ErrCancelled) ||
		errors.Is(err, driver.ErrSessionClosed)
}

// recover 重启 worker 并恢复连接与当前订阅
func (s *Session) recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.state.Get(); st != driver.StateDegraded && st != driver.StateFailed {
		return nil
	}
	if s.transport != nil {
		s.transport.Stop()
		s.transport = nil
	}

	atomic.AddUint64(&s.reconnects, 1)
	s.logger.Info("Attempting EIP session recovery")

	if err := s.connectLocked(ctx); err != nil {
		s.state.Set(driver.StateFailed)
		return err
	}

	if len(s.tagsByGroup) > 0 {
		if err := s.pushSubscriptionsLocked(ctx); err != nil {
			s.state.Set(driver.StateFailed)
			return fmt.Errorf("failed to restore subscriptions: %w", err)
		}
	}
	return nil
}

// UpdatePollGroups 替换速率组表；预置槽位被同 id 的组覆盖
func (s *Session) UpdatePollGroups(ctx context.Context, groups []models.PollGroup) error {
	s.mu.Lock()
	changed := false
	for _, g := range groups {
		if g.RateMS < 1 {
			g.RateMS = 1
		}
		if cur, ok := s.groups[g.ID]; !ok || cur.RateMS != g.RateMS {
			changed = true
		}
		s.groups[g.ID] = g
	}
	hasTags := len(s.tagsByGroup) > 0
	s.mu.Unlock()

	if !changed || !hasTags {
		return nil
	}
	// 速率变化：worker 侧以新速率重建轮询订阅
	return s.syncSubscriptions(ctx)
}

// UpdateTagSubscriptions 原子调和 worker 侧轮询订阅
// 相同集合的重复调用是空操作（不重推、不触发重复快照）。
func (s *Session) UpdateTagSubscriptions(ctx context.Context, tagsByGroup models.TagsByGroup) error {
	s.mu.Lock()
	if reflect.DeepEqual(s.tagsByGroup, tagsByGroup) {
		s.mu.Unlock()
		return nil
	}

	// 撤销的标签同步清理过滤器状态
	wanted := make(map[int64]models.OnChangeConfig)
	for _, tags := range tagsByGroup {
		for _, t := range tags {
			wanted[t.ID] = t.OnChange
		}
	}
	for _, tags := range s.tagsByGroup {
		for _, t := range tags {
			if _, ok := wanted[t.ID]; !ok {
				s.emitter.Filter().Remove(t.ID)
			}
		}
	}
	s.emitter.Filter().ConfigureAll(wanted)

	s.tagsByGroup = tagsByGroup
	s.mu.Unlock()
	return s.syncSubscriptions(ctx)
}

// syncSubscriptions 下发当前订阅集合
// worker 不可用时与 RPC 操作同语义：至多一次透明恢复，恢复路径
// 重启 worker 后会重发订阅集合。
func (s *Session) syncSubscriptions(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Get() == driver.StateConnected && s.transport != nil {
		err := s.pushSubscriptionsLocked(ctx)
		if err == nil || !isTransportLoss(err) {
			s.mu.Unlock()
			return err
		}
		s.state.CompareAndSwap(driver.StateConnected, driver.StateDegraded)
	}
	s.mu.Unlock()

	if st := s.state.Get(); st != driver.StateDegraded && st != driver.StateFailed {
		return driver.ErrCancelled
	}
	return s.recover(ctx)
}

// pushSubscriptionsLocked 将当前订阅集合下发给 worker
func (s *Session) pushSubscriptionsLocked(ctx context.Context) error {
	type tagSpec struct {
		TagID    int64  `json:"tag_id"`
		TagPath  string `json:"tag_path"`
		DataType string `json:"data_type"`
		ArraySize int   `json:"array_size,omitempty"`
	}
	type groupSpec struct {
		GroupID string    `json:"group_id"`
		RateMS  int64     `json:"rate_ms"`
		Tags    []tagSpec `json:"tags"`
	}

	groups := make([]groupSpec, 0, len(s.tagsByGroup))
	for groupID, tags := range s.tagsByGroup {
		rate := int64(1000)
		if g, ok := s.groups[groupID]; ok {
			rate = g.RateMS
		}
		spec := groupSpec{GroupID: groupID, RateMS: rate}
		for _, t := range tags {
			spec.Tags = append(spec.Tags, tagSpec{
				TagID:    t.ID,
				TagPath:  t.Path,
				DataType: t.DataType,
				ArraySize: t.ArraySize,
			})
		}
		groups = append(groups, spec)
	}

	t := s.transport
	if t == nil {
		return driver.ErrCancelled
	}
	if _, err := t.Call(ctx, eipworker.MethodSubscribePolling, map[string]interface{}{"groups": groups}, 0); err != nil {
		return err
	}
	s.logger.Info("EIP polling subscriptions updated", zap.Int("group_count", len(groups)))
	return nil
}

// WriteTag 写单个标签
func (s *Session) WriteTag(ctx context.Context, tagID int64, value interface{}) error {
	_, err := s.call(ctx, eipworker.MethodWriteTag, map[string]interface{}{
		"tag_id": tagID,
		"value":  value,
	})
	if err != nil {
		if isTransportLoss(err) {
			return err
		}
		return &driver.WriteRejectedError{Status: err.Error()}
	}
	return nil
}

// ListTags 设备标签浏览
func (s *Session) ListTags(ctx context.Context, scope string) (*models.BrowseResult, error) {
	params := map[string]interface{}{}
	if scope != "" {
		params["scope"] = scope
	}
	raw, err := s.call(ctx, eipworker.MethodBrowseTags, params)
	if err != nil {
		return nil, err
	}
	var result models.BrowseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid browse_tags result: %w", err)
	}
	return &result, nil
}

// ResolveTypes 解析标签数据类型
func (s *Session) ResolveTypes(ctx context.Context, tagNames []string) (map[string]string, error) {
	raw, err := s.call(ctx, eipworker.MethodResolveTypes, map[string]interface{}{"tag_names": tagNames})
	if err != nil {
		return nil, err
	}
	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid resolve_types result: %w", err)
	}
	return result, nil
}

// DiscoverDevices 局域网设备发现
func (s *Session) DiscoverDevices(ctx context.Context, broadcast string) ([]map[string]interface{}, error) {
	raw, err := s.call(ctx, eipworker.MethodDiscover, map[string]interface{}{"broadcast": broadcast})
	if err != nil {
		return nil, err
	}
	var result []map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid discover result: %w", err)
	}
	return result, nil
}

// IdentifyDevice 设备身份识别
func (s *Session) IdentifyDevice(ctx context.Context, ip string) (map[string]interface{}, error) {
	raw, err := s.call(ctx, eipworker.MethodListIdentity, map[string]interface{}{"ip": ip})
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid list_identity result: %w", err)
	}
	return result, nil
}

// GetRackConfiguration 机架插槽枚举
func (s *Session) GetRackConfiguration(ctx context.Context) (map[string]interface{}, error) {
	raw, err := s.call(ctx, eipworker.MethodGetRackConfig, nil)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid get_rack_configuration result: %w", err)
	}
	return result, nil
}

// CreateSnapshot 浏览并缓存标签快照
func (s *Session) CreateSnapshot(ctx context.Context, scope string) (string, int, error) {
	result, err := s.ListTags(ctx, scope)
	if err != nil {
		return "", 0, err
	}
	id, total := s.snapshots.Create(result.Tags)
	return id, total, nil
}

// PageSnapshot 分页读取快照
func (s *Session) PageSnapshot(id string, page, limit int, scope, search string) (*snapshot.Page, error) {
	return s.snapshots.GetPage(id, page, limit, scope, search)
}

// DeleteSnapshot 删除快照
func (s *Session) DeleteSnapshot(id string) {
	s.snapshots.Delete(id)
}

// HeartbeatSnapshot 快照续期
func (s *Session) HeartbeatSnapshot(id string) error {
	return s.snapshots.Heartbeat(id)
}

// RunSnapshotSweeper 启动快照过期清理（调和器随会话生命周期运行）
func (s *Session) RunSnapshotSweeper(ctx context.Context) {
	s.snapshots.Run(ctx)
}
