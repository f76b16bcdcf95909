package opcua

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"df-connectivity/internal/driver"
	"df-connectivity/internal/models"
	"df-connectivity/internal/snapshot"
)

// DefaultGroupID 遗留单组模式的保留组名
const DefaultGroupID = "default"

// securityTuple 一组 (策略, 模式) 候选
type securityTuple struct {
	policy string
	mode   string
}

// defaultSecurityTuples 连接时按序尝试的安全元组
var defaultSecurityTuples = []securityTuple{
	{"None", "None"},
	{"Basic256Sha256", "SignAndEncrypt"},
	{"Basic256Sha256", "Sign"},
	{"Basic256", "SignAndEncrypt"},
	{"Basic256", "Sign"},
	{"Basic128Rsa15", "SignAndEncrypt"},
}

// Options OPC UA 会话参数
type Options struct {
	RequestTimeout time.Duration
	SampleBuffer   int
	SnapshotTTL    time.Duration
	// 订阅重建阈值：速率差需同时超过两者才重建
	RateDeltaMS  int64
	RateDeltaPct float64
}

// groupSub 一个速率组对应的服务端订阅
// 通知循环只经 mu 读取映射，绝不触碰会话锁（否则与撤销路径互等）
type groupSub struct {
	sub      *opcua.Subscription
	rateMS   int64
	notifyCh chan *opcua.PublishNotificationData
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	itemIDs map[int64]uint32 // tagID -> 服务端 MonitoredItemID
	handles map[uint32]int64 // ClientHandle -> tagID
	tags    map[int64]models.Tag
}

// lookupHandle ClientHandle -> tagID
func (gs *groupSub) lookupHandle(handle uint32) (int64, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	tagID, ok := gs.handles[handle]
	return tagID, ok
}

// Session OPC UA 原生会话
// 每个速率组维护一个服务端订阅；订阅自主发布，调度器不参与。
// 连接时依序尝试安全元组，接受第一个成功的组合。
type Session struct {
	conn   models.Connection
	opts   Options
	logger *zap.Logger

	state     driver.StateVar
	emitter   *driver.Emitter
	snapshots *snapshot.Store

	mu         sync.Mutex // 串行化生命周期与订阅调和
	client     *opcua.Client
	runCtx     context.Context
	runCancel  context.CancelFunc
	groups     map[string]models.PollGroup
	subs       map[string]*groupSub
	namespaces []string

	handleSeq  uint32
	reconnects uint64
}

var _ driver.Session = (*Session)(nil)

// NewSession 创建 OPC UA 会话
func NewSession(conn models.Connection, opts Options, logger *zap.Logger) *Session {
	if opts.RateDeltaMS <= 0 {
		opts.RateDeltaMS = 5
	}
	if opts.RateDeltaPct <= 0 {
		opts.RateDeltaPct = 5
	}
	s := &Session{
		conn:   conn,
		opts:   opts,
		logger: logger.With(zap.String("connection_id", conn.ID), zap.String("protocol", "OPCUA")),
		groups: make(map[string]models.PollGroup),
		subs:   make(map[string]*groupSub),
	}
	s.emitter = driver.NewEmitter(conn.ID, opts.SampleBuffer, s.logger)
	s.snapshots = snapshot.NewStore(opts.SnapshotTTL, s.logger)
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

// NamespaceArray 连接后读到的命名空间表
func (s *Session) NamespaceArray() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespaces
}

// Connect 依序尝试安全元组建立连接，读取命名空间表
// 已有客户端时（降级后的外部重连）先走恢复路径拆除旧订阅
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.recoverLocked(ctx)
	}
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	s.state.Set(driver.StateConnecting)

	tuples := defaultSecurityTuples
	if p, ok := s.conn.Opts["security_policy"]; ok {
		m := s.conn.Opts["security_mode"]
		if m == "" {
			m = "SignAndEncrypt"
		}
		tuples = []securityTuple{{policy: p, mode: m}}
	}

	var lastErr error
	for _, tuple := range tuples {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		client, err := s.dial(attemptCtx, tuple)
		cancel()
		if err != nil {
			if isAuthFailure(err) {
				// 凭据被拒：换安全元组也无济于事，且不允许自动重试
				s.state.Set(driver.StateFailed)
				return &driver.AuthFailedError{Endpoint: s.conn.Endpoint}
			}
			lastErr = err
			continue
		}

		s.client = client
		s.runCtx, s.runCancel = context.WithCancel(context.Background())

		if ns, err := client.NamespaceArray(ctx); err == nil {
			s.namespaces = ns
		} else {
			s.logger.Warn("Failed to read namespace array", zap.Error(err))
		}

		s.state.Set(driver.StateConnected)
		s.logger.Info("OPC UA session connected",
			zap.String("endpoint", s.conn.Endpoint),
			zap.String("security_policy", tuple.policy),
			zap.String("security_mode", tuple.mode),
		)
		return nil
	}

	s.state.Set(driver.StateFailed)
	reason := "no security tuple accepted"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return &driver.ConnectFailedError{Endpoint: s.conn.Endpoint, Reason: reason}
}

// isAuthFailure 服务端拒绝了用户身份令牌
func isAuthFailure(err error) bool {
	for _, code := range []ua.StatusCode{
		ua.StatusBadUserAccessDenied,
		ua.StatusBadIdentityTokenInvalid,
		ua.StatusBadIdentityTokenRejected,
	} {
		if errors.Is(err, code) {
			return true
		}
	}
	return false
}

// dial 按一组安全元组建立并激活客户端
func (s *Session) dial(ctx context.Context, tuple securityTuple) (*opcua.Client, error) {
	opts := []opcua.Option{
		opcua.SecurityPolicy(tuple.policy),
		opcua.SecurityModeString(tuple.mode),
		opcua.RequestTimeout(s.opts.RequestTimeout),
	}
	if s.conn.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.conn.Username, s.conn.Password))
	}

	client, err := opcua.NewClient(s.conn.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("policy %s/%s: %w", tuple.policy, tuple.mode, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("policy %s/%s: %w", tuple.policy, tuple.mode, err)
	}
	return client, nil
}

// Disconnect 撤销订阅并关闭客户端；幂等
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Get() == driver.StateIdle {
		return nil
	}
	s.state.Set(driver.StateClosing)

	for groupID, gs := range s.subs {
		s.teardownSubLocked(ctx, gs)
		delete(s.subs, groupID)
	}

	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	if s.client != nil {
		_ = s.client.Close(ctx)
		s.client = nil
	}

	s.emitter.Clear()
	s.state.Set(driver.StateIdle)
	s.logger.Info("OPC UA session disconnected")
	return nil
}

// teardownSubLocked 撤销一个组订阅并停止其通知循环
func (s *Session) teardownSubLocked(ctx context.Context, gs *groupSub) {
	if gs.sub != nil {
		_ = gs.sub.Cancel(ctx)
	}
	gs.cancel()
	<-gs.done
}

// UpdatePollGroups 替换速率组表
// 差值同时超过 RateDeltaMS 与 RateDeltaPct 的组，其订阅被重建。
func (s *Session) UpdatePollGroups(ctx context.Context, groups []models.PollGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range groups {
		if g.RateMS < 1 {
			g.RateMS = 1
		}
		prev, existed := s.groups[g.ID]
		s.groups[g.ID] = g
		if !existed || prev.RateMS == g.RateMS {
			continue
		}
		gs, ok := s.subs[g.ID]
		if !ok {
			continue
		}
		if !s.rateChangeSignificant(gs.rateMS, g.RateMS) {
			// 阈值内的微小变化不动现有订阅
			continue
		}
		if err := s.recreateSubLocked(ctx, g.ID, g.RateMS); err != nil {
			return err
		}
	}
	return nil
}

// rateChangeSignificant 重建判定：差值需同时超过绝对与相对阈值
func (s *Session) rateChangeSignificant(oldRate, newRate int64) bool {
	delta := oldRate - newRate
	if delta < 0 {
		delta = -delta
	}
	if delta <= s.opts.RateDeltaMS {
		return false
	}
	pct := float64(delta) / float64(oldRate) * 100
	return pct > s.opts.RateDeltaPct
}

// recreateSubLocked 以新速率重建组订阅并重新挂载其全部标签
func (s *Session) recreateSubLocked(ctx context.Context, groupID string, rateMS int64) error {
	gs, ok := s.subs[groupID]
	if !ok {
		return nil
	}
	tags := make([]models.Tag, 0, len(gs.tags))
	for _, t := range gs.tags {
		tags = append(tags, t)
	}

	s.teardownSubLocked(ctx, gs)
	delete(s.subs, groupID)

	newSub, err := s.createSubLocked(ctx, groupID, rateMS)
	if err != nil {
		return err
	}
	if err := s.monitorTagsLocked(ctx, newSub, tags); err != nil {
		return err
	}

	s.logger.Info("Recreated subscription at new rate",
		zap.String("group_id", groupID),
		zap.Int64("rate_ms", rateMS),
		zap.Int("tag_count", len(tags)),
	)

	// 重建后的初始快照
	s.emitInitialSnapshot(ctx, tags)
	return nil
}

// createSubLocked 创建组订阅并启动通知循环
func (s *Session) createSubLocked(ctx context.Context, groupID string, rateMS int64) (*groupSub, error) {
	if s.client == nil {
		return nil, driver.ErrSessionClosed
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 64)
	sub, err := s.client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: time.Duration(rateMS) * time.Millisecond,
	}, notifyCh)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription for group %s: %w", groupID, err)
	}

	loopCtx, cancel := context.WithCancel(s.runCtx)
	gs := &groupSub{
		sub:      sub,
		rateMS:   rateMS,
		notifyCh: notifyCh,
		cancel:   cancel,
		done:     make(chan struct{}),
		itemIDs:  make(map[int64]uint32),
		handles:  make(map[uint32]int64),
		tags:     make(map[int64]models.Tag),
	}
	s.subs[groupID] = gs

	go s.notifyLoop(loopCtx, groupID, gs)
	return gs, nil
}

// monitorTagsLocked 在组订阅上挂载一组标签
func (s *Session) monitorTagsLocked(ctx context.Context, gs *groupSub, tags []models.Tag) error {
	if len(tags) == 0 {
		return nil
	}

	serverDeadband := optFloat(s.conn.Opts, "server_deadband_pct", 0)

	requests := make([]*ua.MonitoredItemCreateRequest, 0, len(tags))
	handleOrder := make([]uint32, 0, len(tags))
	for _, t := range tags {
		nodeID, err := ua.ParseNodeID(t.Path)
		if err != nil {
			return fmt.Errorf("tag %d: invalid node id %q: %w", t.ID, t.Path, err)
		}
		handle := atomic.AddUint32(&s.handleSeq, 1)
		handleOrder = append(handleOrder, handle)
		gs.mu.Lock()
		gs.handles[handle] = t.ID
		gs.tags[t.ID] = t
		gs.mu.Unlock()

		var req *ua.MonitoredItemCreateRequest
		if serverDeadband > 0 {
			// 会话级服务端死区（StatusValue 触发）；per-tag 过滤仍在核心侧叠加
			filter := ua.DataChangeFilter{
				Trigger:       ua.DataChangeTriggerStatusValue,
				DeadbandType:  uint32(ua.DeadbandTypePercent),
				DeadbandValue: serverDeadband,
			}
			req = &ua.MonitoredItemCreateRequest{
				ItemToMonitor: &ua.ReadValueID{
					NodeID:       nodeID,
					AttributeID:  ua.AttributeIDValue,
					DataEncoding: &ua.QualifiedName{},
				},
				MonitoringMode: ua.MonitoringModeReporting,
				RequestedParameters: &ua.MonitoringParameters{
					ClientHandle:     handle,
					SamplingInterval: float64(gs.rateMS),
					QueueSize:        10,
					DiscardOldest:    true,
					Filter:           ua.NewExtensionObject(&filter),
				},
			}
		} else {
			req = opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
			req.RequestedParameters.SamplingInterval = float64(gs.rateMS)
		}
		requests = append(requests, req)
	}

	resp, err := gs.sub.Monitor(ctx, ua.TimestampsToReturnBoth, requests...)
	if err != nil {
		return fmt.Errorf("failed to create monitored items: %w", err)
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for i, result := range resp.Results {
		tagID := gs.handles[handleOrder[i]]
		if result.StatusCode != ua.StatusOK {
			s.logger.Warn("Monitored item rejected",
				zap.Int64("tag_id", tagID),
				zap.String("status", result.StatusCode.Error()),
			)
			continue
		}
		gs.itemIDs[tagID] = result.MonitoredItemID
	}
	return nil
}

// UpdateTagSubscriptions 原子调和订阅集合
// 空组名归一化为 "default"；新挂载的标签读一次并发射初始快照。
func (s *Session) UpdateTagSubscriptions(ctx context.Context, tagsByGroup models.TagsByGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		if err := s.recoverLocked(ctx); err != nil {
			return err
		}
	}

	normalized := make(models.TagsByGroup, len(tagsByGroup))
	for groupID, tags := range tagsByGroup {
		if groupID == "" {
			groupID = DefaultGroupID
		}
		normalized[groupID] = append(normalized[groupID], tags...)
	}

	// 配置过滤器（撤销的标签一并清理）
	wanted := make(map[int64]models.OnChangeConfig)
	for _, tags := range normalized {
		for _, t := range tags {
			wanted[t.ID] = t.OnChange
		}
	}
	for _, gs := range s.subs {
		for tagID := range gs.tags {
			if _, ok := wanted[tagID]; !ok {
				s.emitter.Filter().Remove(tagID)
			}
		}
	}
	s.emitter.Filter().ConfigureAll(wanted)

	var initial []models.Tag

	// 撤销整组消失的订阅
	for groupID, gs := range s.subs {
		if _, ok := normalized[groupID]; !ok {
			s.teardownSubLocked(ctx, gs)
			delete(s.subs, groupID)
		}
	}

	for groupID, tags := range normalized {
		rate := s.groupRate(groupID)
		gs, ok := s.subs[groupID]
		if !ok {
			var err error
			gs, err = s.createSubLocked(ctx, groupID, rate)
			if err != nil {
				return err
			}
		}

		wantedInGroup := make(map[int64]models.Tag, len(tags))
		for _, t := range tags {
			wantedInGroup[t.ID] = t
		}

		// 撤销该组不再需要的监控项
		var staleItems []uint32
		gs.mu.Lock()
		for tagID, itemID := range gs.itemIDs {
			if _, keep := wantedInGroup[tagID]; keep {
				continue
			}
			staleItems = append(staleItems, itemID)
			delete(gs.itemIDs, tagID)
			delete(gs.tags, tagID)
			for handle, id := range gs.handles {
				if id == tagID {
					delete(gs.handles, handle)
					break
				}
			}
		}
		gs.mu.Unlock()
		if len(staleItems) > 0 {
			if _, err := gs.sub.Unmonitor(ctx, staleItems...); err != nil {
				s.logger.Warn("Failed to unmonitor stale items",
					zap.String("group_id", groupID),
					zap.Error(err),
				)
			}
		}

		// 新增监控项；已有的保持不动（等集调和为空操作）
		var added []models.Tag
		for _, t := range tags {
			if _, exists := gs.tags[t.ID]; !exists {
				added = append(added, t)
			}
		}
		if len(added) > 0 {
			if err := s.monitorTagsLocked(ctx, gs, added); err != nil {
				return err
			}
			initial = append(initial, added...)
		}
	}

	if len(initial) > 0 {
		s.emitInitialSnapshot(ctx, initial)
	}
	return nil
}

// groupRate 组速率（未知组退回 1000ms）
func (s *Session) groupRate(groupID string) int64 {
	if g, ok := s.groups[groupID]; ok {
		return g.RateMS
	}
	return 1000
}

// emitInitialSnapshot 读取新挂载节点的当前值并各发射一个采样
func (s *Session) emitInitialSnapshot(ctx context.Context, tags []models.Tag) {
	if s.client == nil || len(tags) == 0 {
		return
	}

	nodes := make([]*ua.ReadValueID, 0, len(tags))
	valid := make([]models.Tag, 0, len(tags))
	for _, t := range tags {
		nodeID, err := ua.ParseNodeID(t.Path)
		if err != nil {
			continue
		}
		nodes = append(nodes, &ua.ReadValueID{NodeID: nodeID, AttributeID: ua.AttributeIDValue})
		valid = append(valid, t)
	}

	resp, err := s.client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		s.logger.Warn("Initial snapshot read failed", zap.Error(err))
		return
	}

	now := time.Now()
	for i, dv := range resp.Results {
		if i >= len(valid) {
			break
		}
		s.emitDataValue(valid[i].ID, dv, now)
	}
}

// emitDataValue DataValue -> Sample
func (s *Session) emitDataValue(tagID int64, dv *ua.DataValue, now time.Time) {
	sample := models.Sample{
		TagID:   tagID,
		TS:      now,
		Quality: qualityFromStatus(dv.Status),
	}
	if dv.Value != nil {
		sample.Value = normalizeValue(dv.Value.Value())
	}
	if sample.Value == nil && !models.IsBadQuality(sample.Quality) {
		// 空值只允许携带 Bad 质量
		sample.Quality = models.QualityBadTypeError
	}
	if !dv.SourceTimestamp.IsZero() {
		src := dv.SourceTimestamp
		sample.SrcTS = &src
	}
	s.emitter.Emit(sample)
}

// notifyLoop 消费一个组订阅的发布通知
func (s *Session) notifyLoop(ctx context.Context, groupID string, gs *groupSub) {
	defer close(gs.done)

	for {
		select {
		case <-ctx.Done():
			return
		case notif, ok := <-gs.notifyCh:
			if !ok {
				return
			}
			if notif.Error != nil {
				s.handleSubError(groupID, notif.Error)
				continue
			}
			switch payload := notif.Value.(type) {
			case *ua.DataChangeNotification:
				now := time.Now()
				for _, item := range payload.MonitoredItems {
					tagID, known := gs.lookupHandle(item.ClientHandle)
					if !known {
						continue
					}
					s.emitDataValue(tagID, item.Value, now)
				}
			case *ua.StatusChangeNotification:
				s.handleSubError(groupID, &driver.SubscriptionTerminatedError{
					Reason: payload.Status.Error(),
				})
			}
		}
	}
}

// handleSubError 订阅级故障：Degraded 并整组重建
func (s *Session) handleSubError(groupID string, cause error) {
	if !s.state.CompareAndSwap(driver.StateConnected, driver.StateDegraded) {
		return
	}
	s.logger.Warn("Subscription failure, recreating",
		zap.String("group_id", groupID),
		zap.Error(cause),
	)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout*2)
		defer cancel()

		s.mu.Lock()
		defer s.mu.Unlock()

		gs, ok := s.subs[groupID]
		if !ok {
			s.state.CompareAndSwap(driver.StateDegraded, driver.StateConnected)
			return
		}
		affected := len(gs.tags)
		if err := s.recreateSubLocked(ctx, groupID, gs.rateMS); err != nil {
			s.logger.Error("Subscription recreation failed", zap.Error(err))
			s.state.Set(driver.StateFailed)
			return
		}
		s.logger.Info("Subscription recreated after termination",
			zap.String("group_id", groupID),
			zap.Int("affected_tags", affected),
		)
		s.state.CompareAndSwap(driver.StateDegraded, driver.StateConnected)
	}()
}

// recoverLocked 透明重连（Degraded/Failed 下的外部操作触发）
func (s *Session) recoverLocked(ctx context.Context) error {
	if st := s.state.Get(); st == driver.StateClosing {
		return driver.ErrCancelled
	}
	if s.client != nil {
		_ = s.client.Close(ctx)
		s.client = nil
	}
	for groupID, gs := range s.subs {
		gs.cancel()
		<-gs.done
		delete(s.subs, groupID)
	}
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	atomic.AddUint64(&s.reconnects, 1)
	s.logger.Info("Attempting OPC UA session recovery")
	return s.connectLocked(ctx)
}

// WriteTag 写单个标签：按类型候选序列尝试直到服务端返回 Good
func (s *Session) WriteTag(ctx context.Context, tagID int64, value interface{}) error {
	s.mu.Lock()
	var tag *models.Tag
	for _, gs := range s.subs {
		if t, ok := gs.tags[tagID]; ok {
			tag = &t
			break
		}
	}
	client := s.client
	s.mu.Unlock()

	if tag == nil {
		return fmt.Errorf("tag %d is not subscribed on this session", tagID)
	}
	if client == nil {
		return driver.ErrSessionClosed
	}

	nodeID, err := ua.ParseNodeID(tag.Path)
	if err != nil {
		return fmt.Errorf("invalid node id %q: %w", tag.Path, err)
	}

	var lastStatus string
	for _, candidate := range writeCandidates(value) {
		variant, err := ua.NewVariant(candidate)
		if err != nil {
			continue
		}
		resp, err := client.Write(ctx, &ua.WriteRequest{
			NodesToWrite: []*ua.WriteValue{{
				NodeID:      nodeID,
				AttributeID: ua.AttributeIDValue,
				Value: &ua.DataValue{
					EncodingMask: ua.DataValueValue,
					Value:        variant,
				},
			}},
		})
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		if len(resp.Results) > 0 && resp.Results[0] == ua.StatusOK {
			return nil
		}
		if len(resp.Results) > 0 {
			lastStatus = resp.Results[0].Error()
		}
	}
	return &driver.WriteRejectedError{Status: lastStatus}
}

// writeCandidates 写入值的类型候选序列
// 整数值: Double -> Float -> Int32 -> UInt32；小数: Double -> Float；
// 布尔: Boolean；字符串: String。
func writeCandidates(value interface{}) []interface{} {
	switch v := value.(type) {
	case bool:
		return []interface{}{v}
	case string:
		return []interface{}{v}
	case float64:
		if v == float64(int64(v)) {
			return []interface{}{v, float32(v), int32(v), uint32(int64(v))}
		}
		return []interface{}{v, float32(v)}
	case float32:
		return writeCandidates(float64(v))
	case int:
		return writeCandidates(float64(v))
	case int64:
		return writeCandidates(float64(v))
	default:
		return []interface{}{v}
	}
}

// ListTags 从 Objects 目录递归浏览变量节点
func (s *Session) ListTags(ctx context.Context, scope string) (*models.BrowseResult, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, driver.ErrSessionClosed
	}

	rootID := ua.NewNumericNodeID(0, id.ObjectsFolder)
	if scope != "" {
		parsed, err := ua.ParseNodeID(scope)
		if err != nil {
			return nil, fmt.Errorf("invalid scope node id %q: %w", scope, err)
		}
		rootID = parsed
	}

	result := &models.BrowseResult{}
	visited := make(map[string]struct{})
	if err := s.browseInto(ctx, client, rootID, "", 0, visited, result); err != nil {
		return nil, err
	}
	return result, nil
}

// browseDepthLimit 浏览递归深度上限
const browseDepthLimit = 8

// browseInto 递归收集变量节点
func (s *Session) browseInto(ctx context.Context, client *opcua.Client, nodeID *ua.NodeID, path string, depth int, visited map[string]struct{}, out *models.BrowseResult) error {
	if depth > browseDepthLimit {
		return nil
	}
	if _, seen := visited[nodeID.String()]; seen {
		return nil
	}
	visited[nodeID.String()] = struct{}{}

	node := client.Node(nodeID)

	variables, err := node.Children(ctx, id.HierarchicalReferences, ua.NodeClassVariable)
	if err != nil {
		return fmt.Errorf("browse %s failed: %w", nodeID, err)
	}
	for _, child := range variables {
		browseName, err := child.BrowseName(ctx)
		if err != nil {
			continue
		}
		childPath := browseName.Name
		if path != "" {
			childPath = path + "." + browseName.Name
		}
		out.Tags = append(out.Tags, models.BrowsedTag{
			Name:    childPath,
			Address: child.ID.String(),
			Scope:   "controller",
		})
	}

	objects, err := node.Children(ctx, id.HierarchicalReferences, ua.NodeClassObject)
	if err != nil {
		return nil
	}
	for _, child := range objects {
		browseName, err := child.BrowseName(ctx)
		if err != nil {
			continue
		}
		childPath := browseName.Name
		if path != "" {
			childPath = path + "." + browseName.Name
		}
		if err := s.browseInto(ctx, client, child.ID, childPath, depth+1, visited, out); err != nil {
			s.logger.Debug("Browse branch failed", zap.String("node", child.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// ResolveTypes 读取节点 DataType 属性
func (s *Session) ResolveTypes(ctx context.Context, tagNames []string) (map[string]string, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, driver.ErrSessionClosed
	}

	nodes := make([]*ua.ReadValueID, 0, len(tagNames))
	valid := make([]string, 0, len(tagNames))
	for _, name := range tagNames {
		nodeID, err := ua.ParseNodeID(name)
		if err != nil {
			continue
		}
		nodes = append(nodes, &ua.ReadValueID{NodeID: nodeID, AttributeID: ua.AttributeIDDataType})
		valid = append(valid, name)
	}

	resp, err := client.Read(ctx, &ua.ReadRequest{NodesToRead: nodes})
	if err != nil {
		return nil, fmt.Errorf("resolve types read failed: %w", err)
	}

	result := make(map[string]string, len(valid))
	for i, dv := range resp.Results {
		if i >= len(valid) || dv.Status != ua.StatusOK || dv.Value == nil {
			continue
		}
		if typeID, ok := dv.Value.Value().(*ua.NodeID); ok {
			result[valid[i]] = dataTypeName(typeID)
		}
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

// RunSnapshotSweeper 启动快照过期清理
func (s *Session) RunSnapshotSweeper(ctx context.Context) {
	s.snapshots.Run(ctx)
}

// qualityFromStatus OPC UA 32 位状态码 -> 16 位质量码
// 按严重级分段：Good 段 0x0000，Uncertain 段 0x0040，Bad 段 0x8000 起
func qualityFromStatus(status ua.StatusCode) uint16 {
	switch uint32(status) >> 30 {
	case 0:
		return models.QualityGood
	case 1:
		return models.QualityUncertain
	}
	switch status {
	case ua.StatusBadNotConnected:
		return models.QualityBadNotConn
	case ua.StatusBadCommunicationError:
		return models.QualityBadCommFail
	default:
		return models.QualityBad
	}
}

// normalizeValue 变体值归一化为 Sample 允许的类型
func normalizeValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case bool, string, float64:
		return val
	default:
		if n, ok := models.ToNumeric(v); ok {
			return n
		}
		return fmt.Sprintf("%v", v)
	}
}

// dataTypeName 常见内建类型的可读名
func dataTypeName(typeID *ua.NodeID) string {
	if typeID.Namespace() != 0 {
		return typeID.String()
	}
	switch typeID.IntID() {
	case 1:
		return "Boolean"
	case 2:
		return "SByte"
	case 3:
		return "Byte"
	case 4:
		return "Int16"
	case 5:
		return "UInt16"
	case 6:
		return "Int32"
	case 7:
		return "UInt32"
	case 8:
		return "Int64"
	case 9:
		return "UInt64"
	case 10:
		return "Float"
	case 11:
		return "Double"
	case 12:
		return "String"
	case 13:
		return "DateTime"
	default:
		return typeID.String()
	}
}

// optFloat 驱动选项解析
func optFloat(opts map[string]string, key string, def float64) float64 {
	if opts == nil {
		return def
	}
	if v, ok := opts[key]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
