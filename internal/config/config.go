package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"Lifeline-Treasury/internal/auth"
	"Lifeline-Treasury/pkg/logger"
)

// 环境变量覆盖项。
const (
	EnvConfigPath   = "LIFELINE_CONFIG"
	EnvOperatingRPC = "LIFELINE_OPERATING_RPC"
	EnvReserveRPC   = "LIFELINE_RESERVE_RPC"
	EnvRedisURL     = "LIFELINE_REDIS_URL"
	EnvMySQLDSN     = "LIFELINE_MYSQL_DSN"
	EnvAMQPURL      = "LIFELINE_AMQP_URL"
	EnvIdentityPath = "LIFELINE_IDENTITY_PATH"
)

// Config 描述了 Lifeline 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Auth        auth.Config       `json:"auth"`
	Logging     logger.Config     `json:"logging"`
	Identity    IdentityConfig    `json:"identity"`
	Ledgers     LedgersConfig     `json:"ledgers"`
	LifeSupport LifeSupportConfig `json:"life_support"`
	Quotes      QuotesConfig      `json:"quotes"`
	Submission  SubmissionConfig  `json:"submission"`
	Guard       GuardConfig       `json:"guard"`
	Heartbeat   HeartbeatConfig   `json:"heartbeat"`
	Sink        SinkConfig        `json:"sink"`
	Redis       RedisConfig       `json:"redis"`
	MySQL       MySQLConfig       `json:"mysql"`
	Alerting    AlertingConfig    `json:"alerting"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
	// MetricsAddress 非空时单独暴露 /metrics。
	MetricsAddress string `json:"metrics_address"`
}

// IdentityConfig 描述签名身份文件。
type IdentityConfig struct {
	Path            string `json:"path"`
	FallbackAddress string `json:"fallback_address"`
}

// LedgersConfig 指向账本与报价方的 YAML 定义。
type LedgersConfig struct {
	DefinitionsPath string `json:"definitions_path"`
	// Overrides 按账本名替换 RPC 地址。
	Overrides map[string]string `json:"overrides"`
}

// LifeSupportConfig 是生命维持决策参数，金额为十进制字符串。
type LifeSupportConfig struct {
	OperatingLedger          string `json:"operating_ledger"`
	OperatingAsset           string `json:"operating_asset"`
	ReserveLedger            string `json:"reserve_ledger"`
	ReserveAsset             string `json:"reserve_asset"`
	Threshold                string `json:"threshold"`
	ReserveMinimum           string `json:"reserve_minimum"`
	TransferAmount           string `json:"transfer_amount"`
	FeeReserve               string `json:"fee_reserve"`
	MinOut                   string `json:"min_out"`
	SlippageBps              uint32 `json:"slippage_bps"`
	Destination              string `json:"destination"`
	IdempotencyWindowSeconds int    `json:"idempotency_window_seconds"`
}

// QuotesConfig 控制报价收集。
type QuotesConfig struct {
	CollectTimeoutSeconds int    `json:"collect_timeout_seconds"`
	AcceptRule            string `json:"accept_rule"`
	// FailureRates 取值 memory 或 redis。
	FailureRates string `json:"failure_rates"`
}

// SubmissionConfig 控制交易构造、提交重试与确认轮询。
type SubmissionConfig struct {
	MaxAttempts                int     `json:"max_attempts"`
	RetryDelayMillis           int     `json:"retry_delay_millis"`
	ConfirmationTimeoutSeconds int     `json:"confirmation_timeout_seconds"`
	PollInitialMillis          int     `json:"poll_initial_millis"`
	PollMaxSeconds             int     `json:"poll_max_seconds"`
	PollMultiplier             float64 `json:"poll_multiplier"`
	GasHeadroomPercent         uint64  `json:"gas_headroom_percent"`
	MaxGasLimit                uint64  `json:"max_gas_limit"`
}

// GuardConfig 选择执行守卫的实现。
type GuardConfig struct {
	Driver       string `json:"driver"`
	LeaseSeconds int    `json:"lease_seconds"`
}

// HeartbeatConfig 控制内置调度器与触发队列。
type HeartbeatConfig struct {
	Enabled         bool        `json:"enabled"`
	IntervalSeconds int         `json:"interval_seconds"`
	RunOnStart      bool        `json:"run_on_start"`
	MaxAgeSeconds   int         `json:"max_age_seconds"`
	Workers         int         `json:"workers"`
	Queue           QueueConfig `json:"queue"`
}

// QueueConfig 描述触发队列驱动。
type QueueConfig struct {
	Driver   string              `json:"driver"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列。连接复用 Config.Redis。
type RedisQueueConfig struct {
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// SinkConfig 选择结果存储，可同时启用多个。
type SinkConfig struct {
	Drivers      []string `json:"drivers"`
	Prefix       string   `json:"prefix"`
	HistoryLimit int      `json:"history_limit"`
}

// RedisConfig 描述共享的 Redis 连接。
type RedisConfig struct {
	URL      string `json:"url"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Configured 判断是否配置了 Redis。
func (r RedisConfig) Configured() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

// MySQLConfig 描述 MySQL 结果存储的连接。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL      string            `json:"webhook_url"`
	WebhookHeaders  map[string]string `json:"webhook_headers"`
	SlackWebhookURL string            `json:"slack_webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.Identity.Path != "" && !filepath.IsAbs(c.Identity.Path) {
		c.Identity.Path = filepath.Join(baseDir, c.Identity.Path)
	}
	if c.Ledgers.DefinitionsPath == "" {
		c.Ledgers.DefinitionsPath = filepath.Join(baseDir, "ledgers.yaml")
	} else if !filepath.IsAbs(c.Ledgers.DefinitionsPath) {
		c.Ledgers.DefinitionsPath = filepath.Join(baseDir, c.Ledgers.DefinitionsPath)
	}

	if c.LifeSupport.OperatingLedger == "" {
		c.LifeSupport.OperatingLedger = "operating"
	}
	if c.LifeSupport.ReserveLedger == "" {
		c.LifeSupport.ReserveLedger = "reserve"
	}
	if c.LifeSupport.IdempotencyWindowSeconds <= 0 {
		c.LifeSupport.IdempotencyWindowSeconds = 600
	}

	if c.Quotes.CollectTimeoutSeconds <= 0 {
		c.Quotes.CollectTimeoutSeconds = 5
	}
	if c.Quotes.FailureRates == "" {
		c.Quotes.FailureRates = "memory"
	}

	if c.Submission.MaxAttempts <= 0 {
		c.Submission.MaxAttempts = 3
	}
	if c.Submission.ConfirmationTimeoutSeconds <= 0 {
		c.Submission.ConfirmationTimeoutSeconds = 120
	}
	if c.Submission.RetryDelayMillis <= 0 {
		c.Submission.RetryDelayMillis = 500
	}
	if c.Submission.MaxGasLimit == 0 {
		c.Submission.MaxGasLimit = 3_000_000
	}

	if c.Guard.Driver == "" {
		c.Guard.Driver = "memory"
	}
	if c.Guard.LeaseSeconds <= 0 {
		c.Guard.LeaseSeconds = c.MinLeaseSeconds() + 60
	}

	if c.Heartbeat.IntervalSeconds <= 0 {
		c.Heartbeat.IntervalSeconds = 300
	}
	if c.Heartbeat.Workers <= 0 {
		c.Heartbeat.Workers = 1
	}
	if c.Heartbeat.Queue.Driver == "" {
		c.Heartbeat.Queue.Driver = "memory"
	}

	if len(c.Sink.Drivers) == 0 {
		c.Sink.Drivers = []string{"memory", "file"}
	}
	if c.Sink.Prefix == "" {
		c.Sink.Prefix = "lifeline"
	}
}

// applyEnv 使用环境变量覆盖端点与凭据。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvOperatingRPC)); v != "" {
		c.setOverride(c.LifeSupport.OperatingLedger, v)
	}
	if v := strings.TrimSpace(getenv(EnvReserveRPC)); v != "" {
		c.setOverride(c.LifeSupport.ReserveLedger, v)
	}
	if v := strings.TrimSpace(getenv(EnvRedisURL)); v != "" {
		c.Redis.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvMySQLDSN)); v != "" {
		c.MySQL.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvAMQPURL)); v != "" {
		c.Heartbeat.Queue.RabbitMQ.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvIdentityPath)); v != "" {
		c.Identity.Path = v
	}
}

func (c *Config) setOverride(ledgerName, url string) {
	if c.Ledgers.Overrides == nil {
		c.Ledgers.Overrides = make(map[string]string)
	}
	c.Ledgers.Overrides[ledgerName] = url
}

// Validate 拒绝前后矛盾的配置。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.LifeSupport.TransferAmount) == "" {
		errs = append(errs, errors.New("life_support.transfer_amount 不能为空"))
	}
	if strings.TrimSpace(c.LifeSupport.Threshold) == "" {
		errs = append(errs, errors.New("life_support.threshold 不能为空"))
	}
	if c.LifeSupport.SlippageBps >= 10_000 {
		errs = append(errs, fmt.Errorf("life_support.slippage_bps 超出范围: %d", c.LifeSupport.SlippageBps))
	}

	if minLease := c.MinLeaseSeconds(); c.Guard.LeaseSeconds < minLease {
		errs = append(errs, fmt.Errorf("guard.lease_seconds=%d 短于一次完整尝试所需的 %d 秒", c.Guard.LeaseSeconds, minLease))
	}

	needRedis := false
	switch c.Guard.Driver {
	case "memory":
	case "redis":
		needRedis = true
	default:
		errs = append(errs, fmt.Errorf("未知的守卫驱动: %s", c.Guard.Driver))
	}
	switch c.Quotes.FailureRates {
	case "memory":
	case "redis":
		needRedis = true
	default:
		errs = append(errs, fmt.Errorf("未知的失败率存储: %s", c.Quotes.FailureRates))
	}
	switch c.Heartbeat.Queue.Driver {
	case "memory":
	case "redis":
		needRedis = true
	case "rabbitmq":
		if strings.TrimSpace(c.Heartbeat.Queue.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("rabbitmq 队列需要 url"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Heartbeat.Queue.Driver))
	}
	for _, driver := range c.Sink.Drivers {
		switch driver {
		case "memory", "file":
		case "redis":
			needRedis = true
		case "mysql":
			if strings.TrimSpace(c.MySQL.DSN) == "" {
				errs = append(errs, errors.New("mysql 结果存储需要 dsn"))
			}
		default:
			errs = append(errs, fmt.Errorf("未知的结果存储驱动: %s", driver))
		}
	}
	if needRedis && !c.Redis.Configured() {
		errs = append(errs, errors.New("已启用 Redis 组件但未配置 redis 连接"))
	}
	return errors.Join(errs...)
}

// MinLeaseSeconds 返回守卫租期的下限：报价收集、全部提交重试间隔与确认超时之和。
func (c *Config) MinLeaseSeconds() int {
	retryMillis := c.Submission.MaxAttempts * c.Submission.RetryDelayMillis
	return c.Submission.ConfirmationTimeoutSeconds + c.Quotes.CollectTimeoutSeconds + (retryMillis+999)/1000
}

// UsesSink 判断是否启用了指定的结果存储。
func (c *Config) UsesSink(driver string) bool {
	for _, d := range c.Sink.Drivers {
		if d == driver {
			return true
		}
	}
	return false
}

// Seconds 把整数秒转换为 time.Duration。
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis 把整数毫秒转换为 time.Duration。
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
