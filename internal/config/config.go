// Package config 載入與驗證 chunk-pregen 的 YAML 設定
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath 預設設定檔路徑
const DefaultPath = "configs/default.yaml"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Pregen struct {
		MaxRadius                int           `yaml:"max_radius"`
		TaskIntervalTicks        int           `yaml:"task_interval_ticks"`
		TickDuration             time.Duration `yaml:"tick_duration"`
		MaxConcurrentCells       int           `yaml:"max_concurrent_cells"`
		MaxCellRetries           int           `yaml:"max_cell_retries"`
		ProgressBroadcastSeconds int           `yaml:"progress_broadcast_seconds"`
		ProgressLogTicks         int           `yaml:"progress_log_ticks"`
		ResumeDelay              time.Duration `yaml:"resume_delay"`
	} `yaml:"pregen"`

	Storage struct {
		JobsFile        string `yaml:"jobs_file"`
		WALFile         string `yaml:"wal_file"`
		SyncOnAppend    bool   `yaml:"sync_on_append"`
		AutosaveSeconds int    `yaml:"autosave_seconds"`
	} `yaml:"storage"`

	Mirror struct {
		Enabled         bool   `yaml:"enabled"`
		Endpoint        string `yaml:"endpoint"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		UseSSL          bool   `yaml:"use_ssl"`
		Region          string `yaml:"region"`
		Bucket          string `yaml:"bucket"`
		Object          string `yaml:"object"`
	} `yaml:"mirror"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"http"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	World struct {
		Worlds      []WorldSpec   `yaml:"worlds"`
		Workers     int           `yaml:"workers"`
		Latency     time.Duration `yaml:"latency"`
		FailureRate float64       `yaml:"failure_rate"`
	} `yaml:"world"`
}

// WorldSpec 一個模擬世界；spawn 為方塊座標
type WorldSpec struct {
	Name   string `yaml:"name"`
	SpawnX int    `yaml:"spawn_x"`
	SpawnZ int    `yaml:"spawn_z"`
}

// Default 回傳所有欄位皆為預設值的設定
func Default() *Config {
	cfg := &Config{}

	cfg.Pregen.MaxRadius = 5000
	cfg.Pregen.TaskIntervalTicks = 1
	cfg.Pregen.TickDuration = 50 * time.Millisecond
	cfg.Pregen.MaxConcurrentCells = 8
	cfg.Pregen.MaxCellRetries = 3
	cfg.Pregen.ProgressBroadcastSeconds = 30
	cfg.Pregen.ProgressLogTicks = 40
	cfg.Pregen.ResumeDelay = time.Second

	cfg.Storage.JobsFile = "data/jobs.yml"
	cfg.Storage.WALFile = "data/jobs.wal"
	cfg.Storage.SyncOnAppend = true
	cfg.Storage.AutosaveSeconds = 10

	cfg.Mirror.Object = "jobs.yml"
	cfg.Kafka.Topic = "pregen.events"

	cfg.HTTP.Addr = ":9090"
	cfg.GRPC.Addr = ":50051"

	cfg.World.Worlds = []WorldSpec{{Name: "overworld"}, {Name: "nether"}, {Name: "the_end"}}
	cfg.World.Workers = 4
	cfg.World.Latency = 5 * time.Millisecond

	return cfg
}

// Load 讀取設定檔，缺少的欄位沿用 Default()
//
// path 為空字串時直接回傳預設值。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TaskInterval 引擎 tick 的間隔
func (c *Config) TaskInterval() time.Duration {
	return time.Duration(c.Pregen.TaskIntervalTicks) * c.Pregen.TickDuration
}

// BroadcastInterval 進度廣播間隔；0 表示停用
func (c *Config) BroadcastInterval() time.Duration {
	return time.Duration(c.Pregen.ProgressBroadcastSeconds) * time.Second
}

// AutosaveInterval 自動儲存間隔；0 表示停用
func (c *Config) AutosaveInterval() time.Duration {
	return time.Duration(c.Storage.AutosaveSeconds) * time.Second
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	var errs []error
	if c.Pregen.MaxRadius < 0 {
		errs = append(errs, errors.New("pregen.max_radius must not be negative"))
	}
	if c.Pregen.TaskIntervalTicks <= 0 {
		errs = append(errs, errors.New("pregen.task_interval_ticks must be positive"))
	}
	if c.Pregen.TickDuration <= 0 {
		errs = append(errs, errors.New("pregen.tick_duration must be positive"))
	}
	if c.Pregen.MaxConcurrentCells <= 0 {
		errs = append(errs, errors.New("pregen.max_concurrent_cells must be positive"))
	}
	if c.Pregen.MaxCellRetries < 0 {
		errs = append(errs, errors.New("pregen.max_cell_retries must not be negative"))
	}
	if c.Pregen.ProgressBroadcastSeconds < 0 {
		errs = append(errs, errors.New("pregen.progress_broadcast_seconds must not be negative"))
	}
	if c.Storage.JobsFile == "" {
		errs = append(errs, errors.New("storage.jobs_file is required"))
	}
	if c.Storage.WALFile == "" {
		errs = append(errs, errors.New("storage.wal_file is required"))
	}
	if c.Storage.AutosaveSeconds < 0 {
		errs = append(errs, errors.New("storage.autosave_seconds must not be negative"))
	}
	if c.Mirror.Enabled && (c.Mirror.Endpoint == "" || c.Mirror.Bucket == "") {
		errs = append(errs, errors.New("mirror.endpoint and mirror.bucket are required when the mirror is enabled"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.World.Workers <= 0 {
		errs = append(errs, errors.New("world.workers must be positive"))
	}
	if c.World.FailureRate < 0 || c.World.FailureRate > 1 {
		errs = append(errs, errors.New("world.failure_rate must be within [0, 1]"))
	}
	seen := make(map[string]bool)
	for _, w := range c.World.Worlds {
		if w.Name == "" {
			errs = append(errs, errors.New("world.worlds: name is required"))
			continue
		}
		if seen[w.Name] {
			errs = append(errs, fmt.Errorf("world.worlds: duplicate world %q", w.Name))
		}
		seen[w.Name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
