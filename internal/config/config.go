package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置（配置库与时序库共用结构）
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量加载数据库配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Port)
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_DATABASE"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
}

// RedisConfig Redis配置（会话状态上报）
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		fmt.Sscanf(db, "%d", &c.DB)
	}
}

// Config 连接核心服务配置
type Config struct {
	// 配置库（连接/标签/速率组的期望状态）
	ConfigDB DatabaseConfig
	// 时序库（TimescaleDB，tag_values 表）
	TSDB DatabaseConfig
	// 会话状态镜像
	Redis RedisConfig

	// 消息总线
	Bus struct {
		URL           string
		ClientName    string
		ConfigSubject string // 配置变更提示主题
	}

	// 驱动与调度
	Driver struct {
		RequestTimeoutMS int64  // worker RPC 单次调用超时
		MaxPendingRPC    int    // worker 在途请求上限
		EIPWorkerCmd     string // EIP 协议 worker 可执行文件
		SnapshotTTLMS    int64  // 浏览快照心跳窗口
		SampleBuffer     int    // 每会话采样通道容量
	}

	// OPC UA 订阅速率重建阈值（两个条件同时满足才重建）
	OPCUA struct {
		RateDeltaMS  int64
		RateDeltaPct float64
	}

	// 入库消费者
	Ingest struct {
		RetryMax int
	}

	// 调和
	Reconcile struct {
		IntervalMS int64
	}

	Log struct {
		Level  string
		Format string
		File   string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ConfigDB.Host = getEnv("PG_HOST", "localhost")
	cfg.ConfigDB.Port = getEnvInt("PG_PORT", 5432)
	cfg.ConfigDB.User = getEnv("PG_USER", "postgres")
	cfg.ConfigDB.Password = getEnv("PG_PASSWORD", "postgres")
	cfg.ConfigDB.Database = getEnv("PG_DATABASE", "dataforeman")
	cfg.ConfigDB.SSLMode = getEnv("PG_SSLMODE", "disable")
	cfg.ConfigDB.MaxConns = getEnvInt("PG_MAX_CONNS", 5)
	cfg.ConfigDB.MaxIdle = getEnvInt("PG_MAX_IDLE", 2)

	cfg.TSDB.Host = getEnv("TSDB_HOST", "localhost")
	cfg.TSDB.Port = getEnvInt("TSDB_PORT", 5433)
	cfg.TSDB.User = getEnv("TSDB_USER", "postgres")
	cfg.TSDB.Password = getEnv("TSDB_PASSWORD", "postgres")
	cfg.TSDB.Database = getEnv("TSDB_DATABASE", "telemetry")
	cfg.TSDB.SSLMode = getEnv("TSDB_SSLMODE", "disable")
	cfg.TSDB.MaxConns = getEnvInt("TSDB_MAX_CONNS", 10)
	cfg.TSDB.MaxIdle = getEnvInt("TSDB_MAX_IDLE", 4)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Bus.URL = getEnv("BUS_URL", "nats://localhost:4222")
	cfg.Bus.ClientName = getEnv("BUS_CLIENT_NAME", "df-connectivity")
	cfg.Bus.ConfigSubject = getEnv("BUS_CONFIG_SUBJECT", "df.connectivity.config.v1")

	cfg.Driver.RequestTimeoutMS = getEnvInt64("REQUEST_TIMEOUT_MS", 5000)
	cfg.Driver.MaxPendingRPC = getEnvInt("MAX_PENDING_RPC", 8192)
	cfg.Driver.EIPWorkerCmd = getEnv("EIP_WORKER_CMD", "df-eip-worker")
	cfg.Driver.SnapshotTTLMS = getEnvInt64("SNAPSHOT_TTL_MS", 60000)
	cfg.Driver.SampleBuffer = getEnvInt("SAMPLE_BUFFER", 1024)

	cfg.OPCUA.RateDeltaMS = getEnvInt64("OPCUA_RATE_DELTA_MS", 5)
	cfg.OPCUA.RateDeltaPct = getEnvFloat("OPCUA_RATE_DELTA_PCT", 5.0)

	cfg.Ingest.RetryMax = getEnvInt("INGEST_RETRY_MAX", 3)

	cfg.Reconcile.IntervalMS = getEnvInt64("RECONCILE_INTERVAL_MS", 5000)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.File = getEnv("LOG_FILE", "")

	if cfg.Driver.RequestTimeoutMS <= 0 {
		return nil, fmt.Errorf("REQUEST_TIMEOUT_MS must be positive, got %d", cfg.Driver.RequestTimeoutMS)
	}
	if cfg.Driver.MaxPendingRPC <= 0 {
		return nil, fmt.Errorf("MAX_PENDING_RPC must be positive, got %d", cfg.Driver.MaxPendingRPC)
	}
	if cfg.Ingest.RetryMax < 0 {
		return nil, fmt.Errorf("INGEST_RETRY_MAX must not be negative, got %d", cfg.Ingest.RetryMax)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
