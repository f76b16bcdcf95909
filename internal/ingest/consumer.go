package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"df-connectivity/internal/models"
	"df-connectivity/internal/repository"
	"df-connectivity/internal/schema"
)

// retryBackoffs 写库重试退避序列（最大 1.5s 封顶）
var retryBackoffs = []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond}

// Consumer 遥测落库消费者
// 订阅 df.telemetry.raw.*，校验 telemetry.raw@v1 后 upsert 到 tag_values
type Consumer struct {
	bus       *nats.Conn
	validator *schema.Validator
	repo      *repository.TagValuesRepository
	retryMax  int
	logger    *zap.Logger

	sub *nats.Subscription

	consumed  uint64
	inserted  uint64
	invalid   uint64
	dbFailed  uint64
}

// NewConsumer 创建落库消费者
func NewConsumer(bus *nats.Conn, validator *schema.Validator, repo *repository.TagValuesRepository, retryMax int, logger *zap.Logger) *Consumer {
	if retryMax < 1 {
		retryMax = 1
	}
	return &Consumer{
		bus:       bus,
		validator: validator,
		repo:      repo,
		retryMax:  retryMax,
		logger:    logger,
	}
}

// Start 订阅遥测主题并周期性输出指标日志
func (c *Consumer) Start(ctx context.Context) error {
	subject := models.TelemetrySubjectPrefix + ".*"
	sub, err := c.bus.Subscribe(subject, func(msg *nats.Msg) {
		c.handleMessage(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", subject, err)
	}
	c.sub = sub

	c.logger.Info("Telemetry ingest consumer started", zap.String("subject", subject))

	go c.metricsLoop(ctx)
	return nil
}

// Stop 退订
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe telemetry subject", zap.Error(err))
		}
		c.sub = nil
	}
}

// handleMessage 处理一条总线消息：校验 → 映射 → 带重试写库
func (c *Consumer) handleMessage(data []byte) {
	atomic.AddUint64(&c.consumed, 1)

	if err := c.validator.Validate(data); err != nil {
		atomic.AddUint64(&c.invalid, 1)
		c.logger.Warn("Dropping invalid telemetry message", zap.Error(err))
		return
	}

	msg := &models.TelemetryMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		atomic.AddUint64(&c.invalid, 1)
		c.logger.Warn("Dropping undecodable telemetry message", zap.Error(err))
		return
	}
	sample, err := msg.ToSample()
	if err != nil {
		atomic.AddUint64(&c.invalid, 1)
		c.logger.Warn("Dropping telemetry message with bad timestamp", zap.Error(err))
		return
	}

	if err := c.upsertWithRetry(sample); err != nil {
		atomic.AddUint64(&c.dbFailed, 1)
		c.logger.Error("Dropping telemetry message after retries exhausted",
			zap.String("connection_id", sample.ConnectionID),
			zap.Int64("tag_id", sample.TagID),
			zap.Int("attempts", c.retryMax),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&c.inserted, 1)
}

// upsertWithRetry 最多 retryMax 次尝试，失败间退避
func (c *Consumer) upsertWithRetry(sample *models.Sample) error {
	var lastErr error
	for attempt := 0; attempt < c.retryMax; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffs[len(retryBackoffs)-1]
			if attempt-1 < len(retryBackoffs) {
				backoff = retryBackoffs[attempt-1]
			}
			time.Sleep(backoff)
		}
		if lastErr = c.repo.Upsert(sample); lastErr == nil {
			return nil
		}
		c.logger.Warn("Tag value upsert failed",
			zap.String("connection_id", sample.ConnectionID),
			zap.Int64("tag_id", sample.TagID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return lastErr
}

// metricsLoop 每 60 秒输出一次消费与连接池指标
func (c *Consumer) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool := c.repo.PoolStats()
			c.logger.Info("Ingest metrics",
				zap.Uint64("consumed", atomic.LoadUint64(&c.consumed)),
				zap.Uint64("inserted", atomic.LoadUint64(&c.inserted)),
				zap.Uint64("invalid", atomic.LoadUint64(&c.invalid)),
				zap.Uint64("db_failed", atomic.LoadUint64(&c.dbFailed)),
				zap.Int("pool_open", pool.OpenConnections),
				zap.Int("pool_in_use", pool.InUse),
				zap.Int("pool_idle", pool.Idle),
				zap.Int64("pool_wait_count", pool.WaitCount))
		}
	}
}

// Counters 返回 (consumed, inserted, invalid, dbFailed)
func (c *Consumer) Counters() (uint64, uint64, uint64, uint64) {
	return atomic.LoadUint64(&c.consumed),
		atomic.LoadUint64(&c.inserted),
		atomic.LoadUint64(&c.invalid),
		atomic.LoadUint64(&c.dbFailed)
}
