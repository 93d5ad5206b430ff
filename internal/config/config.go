package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 vectord 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Log         LogConfig         `json:"log" yaml:"log"`
	ResultStore ResultStoreConfig `json:"result_store" yaml:"result_store"`
	TaskQueue   TaskQueueConfig   `json:"task_queue" yaml:"task_queue"`
	LLM         LLMConfig         `json:"llm" yaml:"llm"`
	Batch       BatchConfig       `json:"batch" yaml:"batch"`
	Alerting    AlertingConfig    `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// LogConfig 控制日志输出行为。
type LogConfig struct {
	Level   string         `json:"level" yaml:"level"`
	Format  string         `json:"format" yaml:"format"`
	Outputs []string       `json:"outputs" yaml:"outputs"`
	Audit   AuditLogConfig `json:"audit" yaml:"audit"`
}

// AuditLogConfig 控制审计日志（调度流水）的落盘方式。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
}

// ResultStoreConfig 描述任务状态与结果的持久化后端。
type ResultStoreConfig struct {
	Driver string           `json:"driver" yaml:"driver"`
	DSN    string           `json:"dsn" yaml:"dsn"`
	Redis  RedisStoreConfig `json:"redis" yaml:"redis"`
}

// RedisStoreConfig 描述 Redis 结果存储的连接参数。
type RedisStoreConfig struct {
	Address    string `json:"address" yaml:"address"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	KeyPrefix  string `json:"key_prefix" yaml:"key_prefix"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// TaskQueueConfig 描述任务分发使用的消息队列。
type TaskQueueConfig struct {
	Driver   string              `json:"driver" yaml:"driver"`
	Workers  int                 `json:"workers" yaml:"workers"`
	Redis    RedisQueueConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// LLMConfig 控制大模型 provider 的选择与调用参数。
type LLMConfig struct {
	// Provider 是进程级的 provider 选择，留空时按 Testing 决定默认值。
	Provider string `json:"provider" yaml:"provider"`
	// Testing 为真时默认选择低成本 provider。
	Testing bool `json:"testing" yaml:"testing"`
	// ProvidersFile 指向可选的 providers.yaml，用于扩展 provider 表。
	ProvidersFile      string  `json:"providers_file" yaml:"providers_file"`
	HTTPTimeoutSeconds float64 `json:"http_timeout_seconds" yaml:"http_timeout_seconds"`
}

// BatchConfig 控制批量提交的有界等待。
type BatchConfig struct {
	WaitSeconds float64 `json:"wait_seconds" yaml:"wait_seconds"`
	PollSeconds float64 `json:"poll_seconds" yaml:"poll_seconds"`
}

// AlertingConfig 控制任务失败告警。
type AlertingConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// Load 解析指定路径的配置文件（按扩展名识别 JSON 或 YAML），
// 然后叠加环境变量并填充默认值。
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
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}

	cfg.ApplyEnv(os.Getenv)
	cfg.applyDefaults()
	return &cfg, nil
}

// Default 返回仅依赖环境变量的配置，便于免配置文件启动。
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyEnv(os.Getenv)
	cfg.applyDefaults()
	return cfg
}

// ApplyEnv 将部署环境的变量叠加到配置上。环境变量优先于文件内容，
// 每个键都有主名与简写两种形式，主名优先。
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := firstNonEmpty(getenv("LLM_PROVIDER"), getenv("LLM")); v != "" {
		c.LLM.Provider = v
	}
	if getenv("TESTING") == "1" {
		c.LLM.Testing = true
	}
	if v := getenv("LLM_HTTP_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			c.LLM.HTTPTimeoutSeconds = parsed
		}
	}
	if v := getenv("BATCH_WAIT_SECONDS"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			c.Batch.WaitSeconds = parsed
		}
	}
	if v := getenv("BATCH_POLL_SECONDS"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			c.Batch.PollSeconds = parsed
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.ResultStore.Driver == "" {
		c.ResultStore.Driver = "memory"
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.LLM.HTTPTimeoutSeconds <= 0 {
		c.LLM.HTTPTimeoutSeconds = 60
	}
	if c.Batch.WaitSeconds <= 0 {
		c.Batch.WaitSeconds = 180
	}
	if c.Batch.PollSeconds <= 0 {
		c.Batch.PollSeconds = 0.5
	}
}

// HTTPTimeout 返回调用 provider 的超时时间。
func (c LLMConfig) HTTPTimeout() time.Duration {
	return secondsToDuration(c.HTTPTimeoutSeconds, 60*time.Second)
}

// WaitTimeout 返回批量等待的总时长。
func (c BatchConfig) WaitTimeout() time.Duration {
	return secondsToDuration(c.WaitSeconds, 180*time.Second)
}

// PollInterval 返回批量等待期间的轮询间隔。
func (c BatchConfig) PollInterval() time.Duration {
	return secondsToDuration(c.PollSeconds, 500*time.Millisecond)
}

func secondsToDuration(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
