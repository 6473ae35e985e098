package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Queue    QueueConfig    `yaml:"queue"`
	Paths    PathsConfig    `yaml:"paths"`
	Executor ExecutorConfig `yaml:"executor"`
	History  HistoryConfig  `yaml:"history"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type QueueConfig struct {
	MaxQueueSize  int           `yaml:"max_queue_size"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
}

type PathsConfig struct {
	Uploads string `yaml:"uploads"`
	Outputs string `yaml:"outputs"`
}

type ExecutorConfig struct {
	PythonBin   string `yaml:"python_bin"`
	Script      string `yaml:"script"`
	WorkDir     string `yaml:"work_dir"`
	WeightsDir  string `yaml:"weights_dir"`
	SampleSteps int    `yaml:"sample_steps"`
	Size        string `yaml:"size"`
}

type HistoryConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

type AuthConfig struct {
	// PasswordHash is a bcrypt hash of the admin password. Empty disables
	// authentication on admin routes.
	PasswordHash string `yaml:"password_hash"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			MaxQueueSize:  20,
			MaxConcurrent: 3,
			JobTimeout:    0,
		},
		Paths: PathsConfig{
			Uploads: "./data/uploads",
			Outputs: "./data/outputs",
		},
		Executor: ExecutorConfig{
			PythonBin:   "python",
			Script:      "generate_infinitetalk.py",
			WorkDir:     ".",
			WeightsDir:  "weights",
			SampleSteps: 6,
			Size:        "infinitetalk-480",
		},
		History: HistoryConfig{
			Path:      "./data/history.db",
			Retention: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()

	if v := os.Getenv("TALKGEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("TALKGEN_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxQueueSize = n
		}
	}

	if v := os.Getenv("TALKGEN_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxConcurrent = n
		}
	}

	if v := os.Getenv("TALKGEN_UPLOADS_PATH"); v != "" {
		cfg.Paths.Uploads = v
	}

	if v := os.Getenv("TALKGEN_OUTPUTS_PATH"); v != "" {
		cfg.Paths.Outputs = v
	}

	if v := os.Getenv("TALKGEN_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}

	if v := os.Getenv("TALKGEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Queue.MaxQueueSize < 1 {
		return fmt.Errorf("max queue size must be at least 1")
	}

	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent must be at least 1")
	}

	if c.Queue.JobTimeout < 0 {
		return fmt.Errorf("job timeout must be non-negative")
	}

	if c.Paths.Uploads == "" {
		return fmt.Errorf("uploads path is required")
	}

	if c.Paths.Outputs == "" {
		return fmt.Errorf("outputs path is required")
	}

	if c.Executor.PythonBin == "" {
		return fmt.Errorf("executor python binary is required")
	}

	if c.Executor.Script == "" {
		return fmt.Errorf("executor script is required")
	}

	if c.History.Path == "" {
		return fmt.Errorf("history database path is required")
	}

	if c.History.Retention < 0 {
		return fmt.Errorf("history retention must be non-negative")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
