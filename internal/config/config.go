package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "SFS_CONFIG"

// Config 描述了编排守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Runtime    RuntimeConfig    `json:"runtime" yaml:"runtime"`
	State      StateConfig      `json:"state" yaml:"state"`
	Connectors ConnectorsConfig `json:"connectors" yaml:"connectors"`
	Workflow   WorkflowConfig   `json:"workflow" yaml:"workflow"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Alerting   AlertingConfig   `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址与限流参数。
type ServerConfig struct {
	Address                  string  `json:"address" yaml:"address"`
	ReadHeaderTimeoutSeconds int     `json:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int     `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	RateLimitPerSecond       float64 `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
	RateLimitBurst           int     `json:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// ReadHeaderTimeout 返回读取请求头的超时时间。
func (s ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(s.ReadHeaderTimeoutSeconds) * time.Second
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// AuthConfig 描述 API 鉴权方式。
type AuthConfig struct {
	Mode      string `json:"mode" yaml:"mode"`
	Secret    string `json:"secret" yaml:"secret"`
	SecretEnv string `json:"secret_env" yaml:"secret_env"`
	Issuer    string `json:"issuer" yaml:"issuer"`
	Audience  string `json:"audience" yaml:"audience"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	MaxSizeMB   int      `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int      `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int      `json:"max_age_days" yaml:"max_age_days"`
	Compress    bool     `json:"compress" yaml:"compress"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// AgentsDir 返回智能体清单目录。
func (r RuntimeConfig) AgentsDir() string { return filepath.Join(r.DataDir, "agents") }

// WorkflowsDir 返回工作流定义目录。
func (r RuntimeConfig) WorkflowsDir() string { return filepath.Join(r.DataDir, "workflows") }

// PackagesDir 返回包定义目录。
func (r RuntimeConfig) PackagesDir() string { return filepath.Join(r.DataDir, "packages") }

// ContextDir 返回智能体上下文文件的根目录。
func (r RuntimeConfig) ContextDir() string { return filepath.Join(r.DataDir, "context") }

// StateDir 返回状态命名空间文件目录。
func (r RuntimeConfig) StateDir() string { return filepath.Join(r.DataDir, "state") }

// StateConfig 选择状态存储后端。
type StateConfig struct {
	Backend string       `json:"backend" yaml:"backend"`
	SQLite  SQLiteConfig `json:"sqlite" yaml:"sqlite"`
	MySQL   MySQLConfig  `json:"mysql" yaml:"mysql"`
	Redis   RedisConfig  `json:"redis" yaml:"redis"`
}

// SQLiteConfig 描述嵌入式数据库文件。
type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// RedisConfig 描述 Redis 连接信息，状态存储与任务队列共用。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	Prefix           string `json:"prefix" yaml:"prefix"`
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// ConnectorsConfig 描述各平台连接器。
type ConnectorsConfig struct {
	ChatGPT OpenAIConfig    `json:"chatgpt" yaml:"chatgpt"`
	Claude  AnthropicConfig `json:"claude" yaml:"claude"`
	Ollama  OllamaConfig    `json:"ollama" yaml:"ollama"`
	Custom  CustomConfig    `json:"custom" yaml:"custom"`
}

// OpenAIConfig 定义 ChatGPT 连接器参数。
type OpenAIConfig struct {
	Enabled        *bool   `json:"enabled" yaml:"enabled"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次请求的超时时间，0 表示不限制。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// AnthropicConfig 定义 Claude 连接器参数。
type AnthropicConfig struct {
	Enabled           *bool  `json:"enabled" yaml:"enabled"`
	APIKey            string `json:"api_key" yaml:"api_key"`
	APIKeyEnv         string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL           string `json:"base_url" yaml:"base_url"`
	Model             string `json:"model" yaml:"model"`
	MaxTokens         int    `json:"max_tokens" yaml:"max_tokens"`
	CLIPath           string `json:"cli_path" yaml:"cli_path"`
	CLITimeoutSeconds int    `json:"cli_timeout_seconds" yaml:"cli_timeout_seconds"`
}

// OllamaConfig 定义本地模型连接器参数。
type OllamaConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServerURL   string  `json:"server_url" yaml:"server_url"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// CustomConfig 控制占位连接器。
type CustomConfig struct {
	Enabled *bool `json:"enabled" yaml:"enabled"`
}

// WorkflowConfig 约束工作流执行。
type WorkflowConfig struct {
	MaxWaitMillis  int `json:"max_wait_ms" yaml:"max_wait_ms"`
	MaxSteps       int `json:"max_steps" yaml:"max_steps"`
	MaxSizeBytes   int `json:"max_size_bytes" yaml:"max_size_bytes"`
	MaxNestedDepth int `json:"max_nested_depth" yaml:"max_nested_depth"`
}

// QueueConfig 描述异步工作流运行队列。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled *bool  `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// AlertingConfig 描述工作流失败告警的投递目标。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Enabled 判断可选布尔开关，未设置时返回 def。
func Enabled(flag *bool, def bool) bool {
	if flag == nil {
		return def
	}
	return *flag
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// LoadOrDefault 在配置文件不存在时返回默认配置，以便零配置启动。
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return Default(filepath.Dir(path)), nil
}

// Default 返回以 baseDir 为根目录的默认配置。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	return cfg
}

func (c *Config) applyEnv() {
	if port := strings.TrimSpace(os.Getenv("ORCHESTRATOR_PORT")); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			c.Server.Address = ":" + port
		}
	}
	if c.Auth.SecretEnv == "" {
		c.Auth.SecretEnv = "JWT_SECRET"
	}
	if c.Auth.Secret == "" {
		c.Auth.Secret = strings.TrimSpace(os.Getenv(c.Auth.SecretEnv))
	}
	if c.Connectors.ChatGPT.APIKeyEnv == "" {
		c.Connectors.ChatGPT.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Connectors.ChatGPT.APIKey == "" {
		c.Connectors.ChatGPT.APIKey = strings.TrimSpace(os.Getenv(c.Connectors.ChatGPT.APIKeyEnv))
	}
	if c.Connectors.Claude.APIKeyEnv == "" {
		c.Connectors.Claude.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.Connectors.Claude.APIKey == "" {
		c.Connectors.Claude.APIKey = strings.TrimSpace(os.Getenv(c.Connectors.Claude.APIKeyEnv))
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":3001"
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}
	if c.Server.RateLimitPerSecond <= 0 {
		// 200 次 / 15 分钟
		c.Server.RateLimitPerSecond = 200.0 / (15 * 60)
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 200
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.OutputPaths = resolvePaths(baseDir, c.Logging.OutputPaths)
	if c.Logging.AuditPath != "" {
		c.Logging.AuditPath = resolvePath(baseDir, c.Logging.AuditPath)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, ".sfs")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}

	if c.State.Backend == "" {
		c.State.Backend = "file"
	}
	if c.State.SQLite.Path == "" {
		c.State.SQLite.Path = filepath.Join(c.Runtime.DataDir, "state.db")
	} else {
		c.State.SQLite.Path = resolvePath(baseDir, c.State.SQLite.Path)
	}
	if c.State.Redis.Prefix == "" {
		c.State.Redis.Prefix = "sfs:state"
	}

	if c.Connectors.ChatGPT.Model == "" {
		c.Connectors.ChatGPT.Model = "gpt-4o"
	}
	if c.Connectors.ChatGPT.Temperature == 0 {
		c.Connectors.ChatGPT.Temperature = 0.7
	}
	if c.Connectors.ChatGPT.MaxTokens <= 0 {
		c.Connectors.ChatGPT.MaxTokens = 2048
	}
	if c.Connectors.Claude.Model == "" {
		c.Connectors.Claude.Model = "claude-sonnet-4-5-20250929"
	}
	if c.Connectors.Claude.MaxTokens <= 0 {
		c.Connectors.Claude.MaxTokens = 4096
	}
	if c.Connectors.Claude.CLIPath == "" {
		c.Connectors.Claude.CLIPath = "claude"
	}
	if c.Connectors.Claude.CLITimeoutSeconds <= 0 {
		c.Connectors.Claude.CLITimeoutSeconds = 60
	}
	if c.Connectors.Ollama.ServerURL == "" {
		c.Connectors.Ollama.ServerURL = "http://localhost:11434"
	}
	if c.Connectors.Ollama.Model == "" {
		c.Connectors.Ollama.Model = "llama3"
	}

	if c.Workflow.MaxWaitMillis <= 0 {
		c.Workflow.MaxWaitMillis = 60000
	}
	if c.Workflow.MaxSteps <= 0 {
		c.Workflow.MaxSteps = 100
	}
	if c.Workflow.MaxSizeBytes <= 0 {
		c.Workflow.MaxSizeBytes = 1024 * 1024
	}
	if c.Workflow.MaxNestedDepth <= 0 {
		c.Workflow.MaxNestedDepth = 8
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "sfs:workflow-runs"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "sfs.workflow-runs"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func resolvePaths(baseDir string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(p) {
		case "stdout", "stderr":
			out = append(out, p)
		default:
			out = append(out, resolvePath(baseDir, p))
		}
	}
	return out
}
