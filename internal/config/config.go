package config

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"mailtriage/internal/errs"
	"mailtriage/pkg/config"
)

const (
	DefaultMailboxFile = "mail_inbox.json"
	DefaultPromptsFile = "prompt_library.json"
)

// LLMConfig 模型网关配置
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// MinInterval 两次模型调用之间的最小间隔
	MinInterval time.Duration `yaml:"min_interval"`
	Attempts    int           `yaml:"attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// PipelineConfig 后台处理配置
type PipelineConfig struct {
	RescanInterval   time.Duration `yaml:"rescan_interval"`
	Pause            time.Duration `yaml:"pause"`
	QuotaBackoff     time.Duration `yaml:"quota_backoff"`
	BackoffSlice     time.Duration `yaml:"backoff_slice"`
	MaxStageFailures int           `yaml:"max_stage_failures"`
	DraftSender      string        `yaml:"draft_sender"`
	Watch            bool          `yaml:"watch"`
	WatchDebounce    time.Duration `yaml:"watch_debounce"`
}

// StorageConfig JSON 文档位置与文件锁参数
type StorageConfig struct {
	DataDir      string        `yaml:"data_dir"`
	MailboxFile  string        `yaml:"mailbox_file"`
	PromptsFile  string        `yaml:"prompts_file"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	LockInterval time.Duration `yaml:"lock_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Storage  StorageConfig       `yaml:"storage"`
	LLM      LLMConfig           `yaml:"llm"`
	Pipeline PipelineConfig      `yaml:"pipeline"`
	Log      LogConfig           `yaml:"log"`
	Redis    config.RedisConfig  `yaml:"redis"`
	MQ       config.MQConfig     `yaml:"mq"`
	Server   config.ServerConfig `yaml:"server"`
}

// Default returns the settings used when no file sets a value.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DataDir:      "Data_Storage_Vault",
			MailboxFile:  DefaultMailboxFile,
			PromptsFile:  DefaultPromptsFile,
			LockTimeout:  5 * time.Second,
			LockInterval: 50 * time.Millisecond,
		},
		LLM: LLMConfig{
			Timeout:     30 * time.Second,
			MinInterval: 500 * time.Millisecond,
			Attempts:    5,
			Backoff:     time.Second,
		},
		Pipeline: PipelineConfig{
			RescanInterval:   30 * time.Second,
			Pause:            200 * time.Millisecond,
			QuotaBackoff:     60 * time.Second,
			BackoffSlice:     2 * time.Second,
			MaxStageFailures: 5,
			Watch:            true,
			WatchDebounce:    500 * time.Millisecond,
		},
		Log:    LogConfig{Level: "info"},
		Server: config.ServerConfig{Port: "8080"},
	}
}

// Load 读取 config 目录下的分层配置，再用环境变量覆盖
func Load() (*Config, error) {
	return LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, errs.Config("load config: %v", err)
	}

	// 转换为 Config 结构，未出现的键保留默认值
	cfg := Default()
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return nil, errs.Config("marshal config: %v", err)
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		return nil, errs.Config("decode config: %v", err)
	}

	OverrideFromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// OverrideFromEnv 环境变量覆盖（优先级最高）
func OverrideFromEnv(cfg *Config) {
	config.OverrideStringFromEnv("LLM_API_KEY", &cfg.LLM.APIKey)
	config.OverrideStringFromEnv("LLM_MODEL", &cfg.LLM.Model)
	config.OverrideStringFromEnv("MAILTRIAGE_DATA_DIR", &cfg.Storage.DataDir)
	config.OverrideStringFromEnv("LOG_LEVEL", &cfg.Log.Level)
	config.OverrideSecondsFromEnv("MIN_SECONDS_BETWEEN_LLM_CALLS", &cfg.LLM.MinInterval)
	config.OverrideSecondsFromEnv("LLM_QUOTA_BACKOFF_SECONDS", &cfg.Pipeline.QuotaBackoff)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideServerFromEnv(&cfg.Server)
}

// Validate rejects settings the pipeline cannot run with. A missing API key
// is not an error here; the gateway reports it on the first call.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errs.Config("storage.data_dir is empty")
	}
	if c.Storage.MailboxFile == "" || c.Storage.PromptsFile == "" {
		return errs.Config("storage file names must be set")
	}
	if c.LLM.Attempts < 1 {
		return errs.Config("llm.attempts must be at least 1, got %d", c.LLM.Attempts)
	}
	if c.LLM.MinInterval < 0 || c.Pipeline.QuotaBackoff < 0 || c.Pipeline.Pause < 0 {
		return errs.Config("durations must not be negative")
	}
	if c.Pipeline.BackoffSlice <= 0 {
		return errs.Config("pipeline.backoff_slice must be positive")
	}
	return nil
}

// MailboxPath returns the mailbox document location.
func (c *Config) MailboxPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.MailboxFile)
}

// PromptsPath returns the prompt library location.
func (c *Config) PromptsPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.PromptsFile)
}

func (c *Config) String() string {
	return fmt.Sprintf("data_dir=%s model=%s redis=%t mq=%t port=%s",
		c.Storage.DataDir, c.LLM.Model, c.Redis.Addr != "", c.MQ.URL != "", c.Server.Port)
}
