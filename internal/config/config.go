package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Protego-Vault/pkg/logger"
)

// Config 描述了金库守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  logger.Config  `json:"logging"`
	Vault    VaultConfig    `json:"vault"`
	Web3     Web3Config     `json:"web3"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	Harvest  HarvestConfig  `json:"harvest"`
	Auth     AuthConfig     `json:"auth"`
	Metrics  MetricsConfig  `json:"metrics"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string          `json:"address"`
	ReadTimeoutSeconds  int             `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int             `json:"write_timeout_seconds"`
	RateLimit           RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 限制每个调用方的请求速率，RequestsPerSecond 为 0 时不限流。
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// Asset drivers.
const (
	AssetDriverMemory = "memory"
	AssetDriverEVM    = "evm"
)

// VaultConfig 描述金库本身的元数据与角色。
type VaultConfig struct {
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	Decimals     int    `json:"decimals"`
	Account      string `json:"account"`
	Custodian    string `json:"custodian"`
	AIAgent      string `json:"ai_agent"`
	AssetAddress string `json:"asset_address"`
	AssetDriver  string `json:"asset_driver"`
	AssetName    string `json:"asset_name"`
	AssetSymbol  string `json:"asset_symbol"`
	// SeedBalances 仅在 memory 驱动下生效，为指定地址预置底层资产余额。
	SeedBalances map[string]string `json:"seed_balances"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	ChainConfig           string `json:"chain_config"`
	DefaultChain          string `json:"default_chain"`
	RPCURL                string `json:"rpc_url"`
	PrivateKeyEnv         string `json:"private_key_env"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
	WatchTransfers        bool   `json:"watch_transfers"`
}

// StorageConfig 统一描述持久化后端的连接信息。
type StorageConfig struct {
	Journal JournalConfig `json:"journal"`
}

// Journal drivers.
const (
	JournalDriverFile  = "file"
	JournalDriverMySQL = "mysql"
)

// JournalConfig 描述快照与事件日志的存储。
type JournalConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// Queue and publisher drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverMySQL    = "mysql"
)

// EventsConfig 描述提交后的事件分发目标。内存发布者始终启用，供 API 读取最近事件。
type EventsConfig struct {
	Driver         string         `json:"driver"`
	RecentCapacity int            `json:"recent_capacity"`
	Redis          RedisConfig    `json:"redis"`
	RabbitMQ       RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Channel          string `json:"channel"`
	History          string `json:"history"`
	HistoryLen       int64  `json:"history_len"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// HarvestConfig 控制收益确认任务流水线。
type HarvestConfig struct {
	Queue           string         `json:"queue"`
	Store           string         `json:"store"`
	IntervalSeconds int            `json:"interval_seconds"`
	MinSurplus      string         `json:"min_surplus"`
	MaxRetries      int            `json:"max_retries"`
	Workers         int            `json:"workers"`
	QueueSize       int            `json:"queue_size"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	Redis           RedisConfig    `json:"redis"`
	RabbitMQ        RabbitMQConfig `json:"rabbitmq"`
	Advisor         AdvisorConfig  `json:"advisor"`
}

// Advisor providers.
const (
	AdvisorNone   = ""
	AdvisorOpenAI = "openai"
)

// AdvisorConfig 配置可选的大模型收益复核，Provider 为空时仅使用阈值策略。
type AdvisorConfig struct {
	Provider       string `json:"provider"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AuthConfig 配置 API 身份认证。
type AuthConfig struct {
	Mode  string         `json:"mode"`
	Store string         `json:"store"`
	Keys  []APIKeyConfig `json:"keys"`
}

// APIKeyConfig 描述一个预置 API Key 及其对应的链上身份。
type APIKeyConfig struct {
	Name        string   `json:"name"`
	Key         string   `json:"key"`
	Address     string   `json:"address"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// MetricsConfig 控制 Prometheus 指标暴露方式，Address 为空时挂载在 API 服务上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	Buffer  int                `json:"buffer"`
	Webhook WebhookAlertConfig `json:"webhook"`
	Slack   SlackAlertConfig   `json:"slack"`
}

// WebhookAlertConfig 描述通用 Webhook 告警。
type WebhookAlertConfig struct {
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	MaxAttempts    int               `json:"max_attempts"`
}

// SlackAlertConfig 描述 Slack incoming webhook 告警。
type SlackAlertConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
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
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = int(c.Server.RateLimit.RequestsPerSecond) + 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Vault.Name == "" {
		c.Vault.Name = "Protego Vault"
	}
	if c.Vault.Symbol == "" {
		c.Vault.Symbol = "PVLT"
	}
	if c.Vault.AssetDriver == "" {
		c.Vault.AssetDriver = AssetDriverMemory
	}
	if c.Vault.AssetName == "" {
		c.Vault.AssetName = "Test USD"
	}
	if c.Vault.AssetSymbol == "" {
		c.Vault.AssetSymbol = "TUSD"
	}

	if c.Web3.PrivateKeyEnv == "" {
		c.Web3.PrivateKeyEnv = "VAULT_PRIVATE_KEY"
	}
	if c.Web3.ReceiptTimeoutSeconds <= 0 {
		c.Web3.ReceiptTimeoutSeconds = 60
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = JournalDriverFile
	}
	if c.Storage.Journal.MaxOpenConns <= 0 {
		c.Storage.Journal.MaxOpenConns = 10
	}
	if c.Storage.Journal.MaxIdleConns <= 0 {
		c.Storage.Journal.MaxIdleConns = 5
	}

	if c.Events.Driver == "" {
		c.Events.Driver = DriverMemory
	}
	if c.Events.RecentCapacity <= 0 {
		c.Events.RecentCapacity = 1024
	}

	if c.Harvest.Queue == "" {
		c.Harvest.Queue = DriverMemory
	}
	if c.Harvest.Store == "" {
		c.Harvest.Store = DriverMemory
	}
	if c.Harvest.MinSurplus == "" {
		c.Harvest.MinSurplus = "1"
	}
	if c.Harvest.MaxRetries <= 0 {
		c.Harvest.MaxRetries = 3
	}
	if c.Harvest.Workers <= 0 {
		c.Harvest.Workers = 2
	}
	if c.Harvest.QueueSize <= 0 {
		c.Harvest.QueueSize = 256
	}
	if c.Harvest.TimeoutSeconds <= 0 {
		c.Harvest.TimeoutSeconds = 30
	}
	if c.Harvest.Advisor.Provider != AdvisorNone && c.Harvest.Advisor.APIKeyEnv == "" {
		c.Harvest.Advisor.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "apikey"
	}
	if c.Auth.Store == "" {
		c.Auth.Store = DriverMemory
	}

	if c.Alerting.Buffer <= 0 {
		c.Alerting.Buffer = 64
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// Validate 检查角色地址、驱动名称与金额字段。
func (c *Config) Validate() error {
	var errs []error
	for field, value := range map[string]string{
		"vault.account":   c.Vault.Account,
		"vault.custodian": c.Vault.Custodian,
		"vault.ai_agent":  c.Vault.AIAgent,
	} {
		if !common.IsHexAddress(value) {
			errs = append(errs, fmt.Errorf("%s 不是合法的地址: %q", field, value))
		}
	}
	if c.Vault.Decimals < 0 || c.Vault.Decimals > 255 {
		errs = append(errs, fmt.Errorf("vault.decimals 超出范围: %d", c.Vault.Decimals))
	}
	switch c.Vault.AssetDriver {
	case AssetDriverMemory:
	case AssetDriverEVM:
		if !common.IsHexAddress(c.Vault.AssetAddress) {
			errs = append(errs, errors.New("evm 资产驱动需要配置 vault.asset_address"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的资产驱动: %s", c.Vault.AssetDriver))
	}
	for addr, amount := range c.Vault.SeedBalances {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("vault.seed_balances 包含非法地址: %q", addr))
		}
		if _, ok := parseAmount(amount); !ok {
			errs = append(errs, fmt.Errorf("vault.seed_balances[%s] 不是合法金额: %q", addr, amount))
		}
	}

	switch c.Storage.Journal.Driver {
	case JournalDriverFile:
	case JournalDriverMySQL:
		if strings.TrimSpace(c.Storage.Journal.DSN) == "" {
			errs = append(errs, errors.New("mysql 日志驱动需要配置 storage.journal.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的日志驱动: %s", c.Storage.Journal.Driver))
	}

	if !oneOf(c.Events.Driver, DriverMemory, DriverRedis, DriverRabbitMQ) {
		errs = append(errs, fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver))
	}
	if !oneOf(c.Harvest.Queue, DriverMemory, DriverRedis, DriverRabbitMQ) {
		errs = append(errs, fmt.Errorf("不支持的任务队列: %s", c.Harvest.Queue))
	}
	if !oneOf(c.Harvest.Store, DriverMemory, DriverMySQL) {
		errs = append(errs, fmt.Errorf("不支持的任务存储: %s", c.Harvest.Store))
	}
	if (c.Harvest.Store == DriverMySQL || c.Auth.Store == DriverMySQL) && c.Storage.Journal.Driver != JournalDriverMySQL {
		errs = append(errs, errors.New("mysql 任务存储与密钥存储复用 storage.journal 的 MySQL 连接"))
	}
	if _, ok := parseAmount(c.Harvest.MinSurplus); !ok {
		errs = append(errs, fmt.Errorf("harvest.min_surplus 不是合法金额: %q", c.Harvest.MinSurplus))
	}
	if !oneOf(c.Harvest.Advisor.Provider, AdvisorNone, AdvisorOpenAI) {
		errs = append(errs, fmt.Errorf("不支持的收益复核模型: %s", c.Harvest.Advisor.Provider))
	}
	if !oneOf(c.Auth.Store, DriverMemory, DriverMySQL) {
		errs = append(errs, fmt.Errorf("不支持的密钥存储: %s", c.Auth.Store))
	}
	return errors.Join(errs...)
}

// ReceiptTimeout 返回等待交易回执的超时时间。
func (w Web3Config) ReceiptTimeout() time.Duration {
	return time.Duration(w.ReceiptTimeoutSeconds) * time.Second
}

// Interval 返回调度间隔，0 表示不启用定时调度。
func (h HarvestConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Timeout 返回单次收益确认的超时时间。
func (h HarvestConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// MinSurplusAmount 返回触发收益确认的最小未确认余额。
func (h HarvestConfig) MinSurplusAmount() *big.Int {
	amount, _ := parseAmount(h.MinSurplus)
	return amount
}

// BlockWait 返回 Redis BRPOP 的阻塞时间。
func (r RedisConfig) BlockWait() time.Duration {
	return time.Duration(r.BlockWaitSeconds) * time.Second
}

// ConnMaxLifetime 返回连接最长存活时间。
func (j JournalConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(j.ConnMaxLifetimeSeconds) * time.Second
}

// SeedAmounts 解析 memory 驱动的初始余额。
func (v VaultConfig) SeedAmounts() map[common.Address]*big.Int {
	seeds := make(map[common.Address]*big.Int, len(v.SeedBalances))
	for addr, amount := range v.SeedBalances {
		if value, ok := parseAmount(amount); ok {
			seeds[common.HexToAddress(addr)] = value
		}
	}
	return seeds
}

func parseAmount(s string) (*big.Int, bool) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || value.Sign() < 0 {
		return nil, false
	}
	return value, true
}

func oneOf(value string, options ...string) bool {
	for _, option := range options {
		if value == option {
			return true
		}
	}
	return false
}
