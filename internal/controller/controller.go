package controller

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"df-connectivity/internal/driver"
	"df-connectivity/internal/models"
)

// 失败会话重试退避
const (
	retryBackoffInitial = time.Second
	retryBackoffMax     = 30 * time.Second
)

// ConfigStore 配置库读模型（调和输入）
type ConfigStore interface {
	GetConnections() ([]models.Connection, error)
	GetTags(connectionID string) ([]models.Tag, error)
	GetPollGroups(connectionID string) ([]models.PollGroup, error)
}

// SessionFactory 按协议创建驱动会话
type SessionFactory func(conn models.Connection) driver.Session

// StatusReporter 会话状态上报（Redis 镜像）
type StatusReporter interface {
	Report(ctx context.Context, connectionID string, state driver.State, lastErr error) error
	Remove(ctx context.Context, connectionID string) error
}

// SampleSink 采样消费端（遥测发布器）
type SampleSink interface {
	Publish(s *models.Sample) error
}

// managed 一个连接的运行期状态
// 所有会话操作经 work 队列串行执行，一个慢连接不阻塞整轮调和；
// mu 保护调和 goroutine 与工作队列共享的期望状态字段
type managed struct {
	session driver.Session

	mu         sync.Mutex
	conn       models.Connection
	tags       []models.Tag
	groups     []models.PollGroup
	lastErr    error
	backoff    time.Duration
	retryAt    time.Time
	authFailed bool

	work        chan func()
	stopOnce    sync.Once
	stop        chan struct{}
	done        chan struct{}
	cancelSweep context.CancelFunc
}

// setErr 记录最近一次操作错误
func (m *managed) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// Controller 水平触发的配置调和器
// 期望状态来自配置库，实际状态是在管会话集合；
// 每轮全量对比并收敛差异，配置提示消息只提前触发下一轮。
type Controller struct {
	store    ConfigStore
	factory  SessionFactory
	reporter StatusReporter
	sink     SampleSink
	bus      *nats.Conn
	interval time.Duration
	hintSubj string
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*managed

	trigger chan struct{}
	sub     *nats.Subscription
	wg      sync.WaitGroup
}

// NewController 创建调和器
func NewController(store ConfigStore, factory SessionFactory, reporter StatusReporter,
	sink SampleSink, bus *nats.Conn, interval time.Duration, hintSubject string, logger *zap.Logger) *Controller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Controller{
		store:    store,
		factory:  factory,
		reporter: reporter,
		sink:     sink,
		bus:      bus,
		interval: interval,
		hintSubj: hintSubject,
		logger:   logger,
		sessions: make(map[string]*managed),
		trigger:  make(chan struct{}, 1),
	}
}

// Start 启动调和循环与配置提示订阅
func (c *Controller) Start(ctx context.Context) error {
	if c.bus != nil && c.hintSubj != "" {
		sub, err := c.bus.Subscribe(c.hintSubj, func(_ *nats.Msg) {
			c.Kick()
		})
		if err != nil {
			c.logger.Warn("Failed to subscribe config hint subject, relying on periodic reconcile",
				zap.String("subject", c.hintSubj), zap.Error(err))
		} else {
			c.sub = sub
		}
	}

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.Info("Reconcile controller started",
		zap.Duration("interval", c.interval),
		zap.String("hint_subject", c.hintSubj))
	return nil
}

// Kick 请求尽快执行一轮调和（已有待处理请求时合并）
func (c *Controller) Kick() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Stop 停止调和并拆除全部会话
func (c *Controller) Stop(ctx context.Context) {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
	c.wg.Wait()

	c.mu.Lock()
	sessions := make([]*managed, 0, len(c.sessions))
	for _, m := range c.sessions {
		sessions = append(sessions, m)
	}
	c.sessions = make(map[string]*managed)
	c.mu.Unlock()

	for _, m := range sessions {
		c.teardown(ctx, m, false)
	}
}

// run 调和主循环
func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	// 启动即做一轮，随后按周期或提示触发
	c.Reconcile(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reconcile(ctx)
		case <-c.trigger:
			c.Reconcile(ctx)
		}
	}
}

// Reconcile 执行一轮全量调和
func (c *Controller) Reconcile(ctx context.Context) {
	conns, err := c.store.GetConnections()
	if err != nil {
		c.logger.Error("Failed to load connections, keeping current sessions", zap.Error(err))
		return
	}

	desired := make(map[string]models.Connection)
	for _, conn := range conns {
		if conn.Enabled {
			desired[conn.ID] = conn
		}
	}

	c.mu.Lock()
	var toRemove []*managed
	for id, m := range c.sessions {
		if _, ok := desired[id]; !ok {
			toRemove = append(toRemove, m)
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	for _, m := range toRemove {
		c.teardown(ctx, m, true)
	}

	for id, conn := range desired {
		c.mu.Lock()
		m, exists := c.sessions[id]
		c.mu.Unlock()

		if !exists {
			c.create(ctx, conn)
			continue
		}
		c.converge(ctx, m, conn)
	}

	c.reportAll(ctx)
}

// create 新连接：建会话、起串行工作队列、连接并下发订阅
func (c *Controller) create(ctx context.Context, conn models.Connection) {
	m := &managed{
		session: c.factory(conn),
		conn:    conn,
		backoff: retryBackoffInitial,
		work:    make(chan func(), 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.sessions[conn.ID] = m
	c.mu.Unlock()

	go c.workLoop(m)
	go c.drainSamples(m)

	// 快照过期清理随会话生命周期运行
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	m.cancelSweep = cancelSweep
	go m.session.RunSnapshotSweeper(sweepCtx)

	c.enqueue(m, func() {
		c.connectAndSubscribe(ctx, m)
	})

	c.logger.Info("Connection added",
		zap.String("connection_id", conn.ID),
		zap.String("protocol", string(conn.Protocol)),
		zap.String("endpoint", conn.Endpoint))
}

// converge 已有会话向期望状态收敛
func (c *Controller) converge(ctx context.Context, m *managed, want models.Connection) {
	m.mu.Lock()
	changed := transportChanged(m.conn, want)
	m.mu.Unlock()

	// 传输层身份变化（地址/凭据/驱动选项）需要整体重建
	if changed {
		c.logger.Info("Connection transport config changed, recreating session",
			zap.String("connection_id", want.ID))
		c.mu.Lock()
		delete(c.sessions, want.ID)
		c.mu.Unlock()
		c.teardown(ctx, m, false)
		c.create(ctx, want)
		return
	}

	m.mu.Lock()
	m.conn = want

	switch m.session.State() {
	case driver.StateFailed:
		// 失败会话按退避窗口重试；认证失败等配置变更重建，不自动重试
		if !m.authFailed && time.Now().After(m.retryAt) {
			m.mu.Unlock()
			c.enqueue(m, func() {
				c.connectAndSubscribe(ctx, m)
			})
			return
		}
	case driver.StateDegraded:
		// 先给驱动自愈留一个退避窗口，窗口过后仍未恢复则由控制器重连
		if m.retryAt.IsZero() {
			m.retryAt = time.Now().Add(m.backoff)
		} else if time.Now().After(m.retryAt) {
			m.mu.Unlock()
			c.enqueue(m, func() {
				c.connectAndSubscribe(ctx, m)
			})
			return
		}
	case driver.StateConnected:
		if !m.retryAt.IsZero() {
			m.retryAt = time.Time{}
			m.backoff = retryBackoffInitial
		}
	}
	m.mu.Unlock()

	groups, tags, err := c.loadDesired(want.ID)
	if err != nil {
		c.logger.Error("Failed to load desired tag config",
			zap.String("connection_id", want.ID), zap.Error(err))
		return
	}

	m.mu.Lock()
	groupsChanged := !reflect.DeepEqual(m.groups, groups)
	tagsChanged := !reflect.DeepEqual(m.tags, tags)
	if !groupsChanged && !tagsChanged {
		m.mu.Unlock()
		return
	}
	m.groups = groups
	m.tags = tags
	connID := m.conn.ID
	m.mu.Unlock()

	c.enqueue(m, func() {
		// 速率组先于订阅集合下发，订阅调和据此分桶
		if groupsChanged {
			if err := m.session.UpdatePollGroups(ctx, groups); err != nil {
				m.setErr(err)
				c.logger.Error("Failed to update poll groups",
					zap.String("connection_id", connID), zap.Error(err))
			}
		}
		if err := m.session.UpdateTagSubscriptions(ctx, bucketTags(tags)); err != nil {
			m.setErr(err)
			c.logger.Error("Failed to update tag subscriptions",
				zap.String("connection_id", connID), zap.Error(err))
		}
	})
}

// connectAndSubscribe 连接并下发当前期望的订阅配置
func (c *Controller) connectAndSubscribe(ctx context.Context, m *managed) {
	m.mu.Lock()
	connID := m.conn.ID
	endpoint := m.conn.Endpoint
	m.mu.Unlock()

	if err := m.session.Connect(ctx); err != nil {
		var authErr *driver.AuthFailedError
		m.mu.Lock()
		m.lastErr = err
		m.authFailed = errors.As(err, &authErr)
		m.retryAt = time.Now().Add(m.backoff)
		m.backoff *= 2
		if m.backoff > retryBackoffMax {
			m.backoff = retryBackoffMax
		}
		m.mu.Unlock()
		c.logger.Error("Failed to connect session",
			zap.String("connection_id", connID),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return
	}
	m.mu.Lock()
	m.lastErr = nil
	m.authFailed = false
	m.backoff = retryBackoffInitial
	m.retryAt = time.Time{}
	m.mu.Unlock()

	groups, tags, err := c.loadDesired(connID)
	if err != nil {
		c.logger.Error("Failed to load tag config after connect",
			zap.String("connection_id", connID), zap.Error(err))
		return
	}
	m.mu.Lock()
	m.groups = groups
	m.tags = tags
	m.mu.Unlock()

	if err := m.session.UpdatePollGroups(ctx, groups); err != nil {
		m.setErr(err)
		c.logger.Error("Failed to push poll groups after connect",
			zap.String("connection_id", connID), zap.Error(err))
	}
	if err := m.session.UpdateTagSubscriptions(ctx, bucketTags(tags)); err != nil {
		m.setErr(err)
		c.logger.Error("Failed to push tag subscriptions after connect",
			zap.String("connection_id", connID), zap.Error(err))
	}
}

// loadDesired 读取一个连接的期望速率组与标签
func (c *Controller) loadDesired(connectionID string) ([]models.PollGroup, []models.Tag, error) {
	groups, err := c.store.GetPollGroups(connectionID)
	if err != nil {
		return nil, nil, err
	}
	tags, err := c.store.GetTags(connectionID)
	if err != nil {
		return nil, nil, err
	}
	return groups, tags, nil
}

// teardown 拆除一个会话；removeStatus 为真时同时清除状态镜像
func (c *Controller) teardown(ctx context.Context, m *managed, removeStatus bool) {
	m.mu.Lock()
	connID := m.conn.ID
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })
	if m.cancelSweep != nil {
		m.cancelSweep()
	}

	if err := m.session.Disconnect(ctx); err != nil {
		c.logger.Warn("Session disconnect reported error",
			zap.String("connection_id", connID), zap.Error(err))
	}
	close(m.work)
	<-m.done

	if removeStatus && c.reporter != nil {
		if err := c.reporter.Remove(ctx, connID); err != nil {
			c.logger.Warn("Failed to remove session status",
				zap.String("connection_id", connID), zap.Error(err))
		}
	}
	c.logger.Info("Connection removed", zap.String("connection_id", connID))
}

// enqueue 向连接的串行队列投递任务；队列满时丢弃（下一轮调和会补齐）
func (c *Controller) enqueue(m *managed, fn func()) {
	select {
	case m.work <- fn:
	default:
		m.mu.Lock()
		connID := m.conn.ID
		m.mu.Unlock()
		c.logger.Warn("Connection work queue full, deferring to next reconcile",
			zap.String("connection_id", connID))
	}
}

// workLoop 单连接任务串行执行
func (c *Controller) workLoop(m *managed) {
	defer close(m.done)
	for fn := range m.work {
		fn()
	}
}

// drainSamples 将会话采样转发到遥测发布器
func (c *Controller) drainSamples(m *managed) {
	samples := m.session.Samples()
	for {
		select {
		case <-m.stop:
			return
		case s := <-samples:
			sample := s
			_ = c.sink.Publish(&sample)
		}
	}
}

// reportAll 刷新全部会话的状态镜像
func (c *Controller) reportAll(ctx context.Context) {
	if c.reporter == nil {
		return
	}
	c.mu.Lock()
	sessions := make([]*managed, 0, len(c.sessions))
	for _, m := range c.sessions {
		sessions = append(sessions, m)
	}
	c.mu.Unlock()

	for _, m := range sessions {
		m.mu.Lock()
		connID := m.conn.ID
		lastErr := m.lastErr
		m.mu.Unlock()
		if err := c.reporter.Report(ctx, connID, m.session.State(), lastErr); err != nil {
			c.logger.Warn("Failed to report session status",
				zap.String("connection_id", connID), zap.Error(err))
		}
	}
}

// SessionFor 按连接取在管会话（写值等外部操作入口）
func (c *Controller) SessionFor(connectionID string) (driver.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.sessions[connectionID]
	if !ok {
		return nil, false
	}
	return m.session, true
}

// transportChanged 判断是否需要整体重建会话
func transportChanged(old, want models.Connection) bool {
	return old.Endpoint != want.Endpoint ||
		old.Username != want.Username ||
		old.Password != want.Password ||
		!reflect.DeepEqual(old.Opts, want.Opts)
}

// bucketTags 按速率组分桶
func bucketTags(tags []models.Tag) models.TagsByGroup {
	byGroup := make(models.TagsByGroup)
	for _, t := range tags {
		byGroup[t.PollGroupID] = append(byGroup[t.PollGroupID], t)
	}
	return byGroup
}
