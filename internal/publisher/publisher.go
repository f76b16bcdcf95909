package publisher

import (
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

// BusConn 发布所需的最小总线接口（便于测试替身）
type BusConn interface {
	Publish(subject string, data []byte) error
}

// Publisher 遥测扇出：每个样本发布到 df.telemetry.raw.{connection_id}
// 发布即忘，失败只计数不重试，不阻塞采集路径
type Publisher struct {
	bus    BusConn
	logger *zap.Logger

	published uint64
	failed    uint64
}

// NewPublisher 创建遥测发布器
func NewPublisher(bus BusConn, logger *zap.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger}
}

// Publish 发布一个样本；序列化或发布失败返回错误并计数
func (p *Publisher) Publish(s *models.Sample) error {
	msg := models.NewTelemetryMessage(s)
	data, err := msg.Marshal()
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("failed to marshal telemetry message",
			zap.String("connection_id", s.ConnectionID),
			zap.Int64("tag_id", s.TagID),
			zap.Error(err))
		return err
	}
	if err := p.bus.Publish(models.TelemetrySubject(s.ConnectionID), data); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("failed to publish telemetry message",
			zap.String("connection_id", s.ConnectionID),
			zap.Int64("tag_id", s.TagID),
			zap.Error(err))
		return err
	}
	atomic.AddUint64(&p.published, 1)
	return nil
}

// Drain 消费一个会话的样本通道直到其关闭
func (p *Publisher) Drain(samples <-chan models.Sample) {
	for s := range samples {
		sample := s
		_ = p.Publish(&sample)
	}
}

// Counters 返回 (published, failed)
func (p *Publisher) Counters() (uint64, uint64) {
	return atomic.LoadUint64(&p.published), atomic.LoadUint64(&p.failed)
}

// 确认 *nats.Conn 满足 BusConn
var _ BusConn = (*nats.Conn)(nil)
