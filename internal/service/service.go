package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"df-connectivity/internal/config"
	"df-connectivity/internal/controller"
	"df-connectivity/internal/driver"
	"df-connectivity/internal/driver/eip"
	"df-connectivity/internal/driver/opcua"
	"df-connectivity/internal/driver/s7"
	"df-connectivity/internal/ingest"
	"df-connectivity/internal/models"
	"df-connectivity/internal/publisher"
	"df-connectivity/internal/repository"
	"df-connectivity/internal/schema"
	"df-connectivity/internal/status"
)

// ConnectivityService 连接核心服务
// 组合配置调和器、驱动会话、遥测发布与落库消费者
type ConnectivityService struct {
	config *config.Config
	logger *zap.Logger

	configDB *sql.DB
	tsdb     *sql.DB
	redis    *redis.Client
	bus      *nats.Conn

	controller *controller.Controller
	consumer   *ingest.Consumer
}

// NewConnectivityService 创建连接核心服务
func NewConnectivityService(cfg *config.Config, logger *zap.Logger) (*ConnectivityService, error) {
	// 配置库
	configDB, err := openPostgres(&cfg.ConfigDB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to config database: %w", err)
	}

	// 时序库
	tsdb, err := openPostgres(&cfg.TSDB)
	if err != nil {
		configDB.Close()
		return nil, fmt.Errorf("failed to connect to timeseries database: %w", err)
	}

	// Redis（会话状态镜像）
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		configDB.Close()
		tsdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 消息总线
	bus, err := nats.Connect(cfg.Bus.URL,
		nats.Name(cfg.Bus.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		configDB.Close()
		tsdb.Close()
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to bus %s: %w", cfg.Bus.URL, err)
	}

	// Repository
	configRepo := repository.NewConfigRepository(configDB, logger)
	tagValuesRepo := repository.NewTagValuesRepository(tsdb, logger)

	// 遥测发布与落库
	pub := publisher.NewPublisher(bus, logger)
	validator, err := schema.NewValidator()
	if err != nil {
		bus.Close()
		configDB.Close()
		tsdb.Close()
		redisClient.Close()
		return nil, fmt.Errorf("failed to build telemetry validator: %w", err)
	}
	consumer := ingest.NewConsumer(bus, validator, tagValuesRepo, cfg.Ingest.RetryMax, logger)

	// 会话状态上报
	reporter := status.NewReporter(redisClient, logger)

	// 调和器
	factory := newSessionFactory(cfg, logger)
	ctrl := controller.NewController(
		configRepo,
		factory,
		reporter,
		pub,
		bus,
		time.Duration(cfg.Reconcile.IntervalMS)*time.Millisecond,
		cfg.Bus.ConfigSubject,
		logger,
	)

	return &ConnectivityService{
		config:     cfg,
		logger:     logger,
		configDB:   configDB,
		tsdb:       tsdb,
		redis:      redisClient,
		bus:        bus,
		controller: ctrl,
		consumer:   consumer,
	}, nil
}

// Start 启动服务组件
func (s *ConnectivityService) Start(ctx context.Context) error {
	s.logger.Info("Starting connectivity service components")

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingest consumer: %w", err)
	}
	if err := s.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reconcile controller: %w", err)
	}

	s.logger.Info("Connectivity service started successfully")
	return nil
}

// Stop 停止服务
func (s *ConnectivityService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping connectivity service")

	if s.controller != nil {
		s.controller.Stop(ctx)
	}
	if s.consumer != nil {
		s.consumer.Stop()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Error closing redis", zap.Error(err))
		}
	}
	if s.tsdb != nil {
		if err := s.tsdb.Close(); err != nil {
			s.logger.Error("Error closing timeseries database", zap.Error(err))
		}
	}
	if s.configDB != nil {
		if err := s.configDB.Close(); err != nil {
			s.logger.Error("Error closing config database", zap.Error(err))
		}
	}

	s.logger.Info("Connectivity service stopped")
	return nil
}

// Controller 在管会话入口（写值等外部操作使用）
func (s *ConnectivityService) Controller() *controller.Controller {
	return s.controller
}

// newSessionFactory 按协议创建驱动会话
func newSessionFactory(cfg *config.Config, logger *zap.Logger) controller.SessionFactory {
	requestTimeout := time.Duration(cfg.Driver.RequestTimeoutMS) * time.Millisecond
	snapshotTTL := time.Duration(cfg.Driver.SnapshotTTLMS) * time.Millisecond

	return func(conn models.Connection) driver.Session {
		switch conn.Protocol {
		case models.ProtocolEIP:
			return eip.NewSession(conn, eip.Options{
				WorkerCmd:      cfg.Driver.EIPWorkerCmd,
				RequestTimeout: requestTimeout,
				MaxPending:     cfg.Driver.MaxPendingRPC,
				SnapshotTTL:    snapshotTTL,
				SampleBuffer:   cfg.Driver.SampleBuffer,
			}, logger)
		case models.ProtocolS7:
			return s7.NewSession(conn, s7.Options{
				RequestTimeout: requestTimeout,
				SampleBuffer:   cfg.Driver.SampleBuffer,
				SnapshotTTL:    snapshotTTL,
			}, logger)
		case models.ProtocolOPCUA:
			return opcua.NewSession(conn, opcua.Options{
				RequestTimeout: requestTimeout,
				SampleBuffer:   cfg.Driver.SampleBuffer,
				SnapshotTTL:    snapshotTTL,
				RateDeltaMS:    cfg.OPCUA.RateDeltaMS,
				RateDeltaPct:   cfg.OPCUA.RateDeltaPct,
			}, logger)
		default:
			logger.Error("Unknown protocol, session will stay failed",
				zap.String("connection_id", conn.ID),
				zap.String("protocol", string(conn.Protocol)))
			return opcua.NewSession(conn, opcua.Options{
				RequestTimeout: requestTimeout,
				SampleBuffer:   cfg.Driver.SampleBuffer,
				SnapshotTTL:    snapshotTTL,
			}, logger)
		}
	}
}

// openPostgres 打开并验证一个 PostgreSQL 连接池
func openPostgres(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
