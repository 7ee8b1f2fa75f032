// Package config holds the runtime configuration for the ETL pipeline and
// the report server. Values come from defaults, then an optional JSON config
// file, then CHATETL_* environment variables, highest last.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Database DatabaseConfig
	Pipeline PipelineConfig
	Load     LoadConfig
	Pool     PoolConfig
	Server   ServerConfig
}

type DatabaseConfig struct {
	// Path to the SQLite database file.
	Path string
}

type PipelineConfig struct {
	// ChunkSize is the number of conversations read per extraction chunk.
	ChunkSize int
	// Workers is the size of the transform worker pool.
	Workers int
	// MemoryCeilingMB aborts a phase when sampled heap use crosses it.
	// Zero disables the check.
	MemoryCeilingMB int
	// CheckpointDir holds resume markers, one file per (input, phase).
	CheckpointDir string
}

type LoadConfig struct {
	// BatchBytes is the target serialized size of one commit batch.
	BatchBytes int
	// MinBatch and MaxBatch clamp the dynamically computed batch count.
	MinBatch int
	MaxBatch int
	// MaxRetries bounds attempts per commit: a batch fails once it has
	// seen MaxRetries transient store errors.
	MaxRetries int
	// BaseDelay seeds the exponential backoff between retries.
	BaseDelay time.Duration
}

type PoolConfig struct {
	MaxConns       int
	AcquireTimeout time.Duration
	MaxAge         time.Duration
	IdleTimeout    time.Duration
}

type ServerConfig struct {
	Port int
	// Token enables bearer auth on the report API when non-empty.
	Token string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "chatetl.db"),
		},
		Pipeline: PipelineConfig{
			ChunkSize:       200,
			Workers:         4,
			MemoryCeilingMB: 1024,
			CheckpointDir:   filepath.Join(dataDir, "checkpoints"),
		},
		Load: LoadConfig{
			BatchBytes: 10 << 20,
			MinBatch:   50,
			MaxBatch:   5000,
			MaxRetries: 5,
			BaseDelay:  200 * time.Millisecond,
		},
		Pool: PoolConfig{
			MaxConns:       4,
			AcquireTimeout: 30 * time.Second,
			MaxAge:         30 * time.Minute,
			IdleTimeout:    5 * time.Minute,
		},
		Server: ServerConfig{
			Port: 4600,
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatetl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatetl"
	}
	return filepath.Join(home, ".local", "share", "chatetl")
}

// Load builds the configuration from defaults, the optional config file at
// $XDG_CONFIG_HOME/chatetl/config.json, and CHATETL_* environment variables.
func Load() (Config, error) {
	return loadWith(defaultConfigPath())
}

func defaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatetl", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "chatetl", "config.json")
}

func loadWith(configPath string) (Config, error) {
	cfg := defaults()

	if configPath != "" {
		if err := applyFile(&cfg, configPath); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileConfig is the JSON shape of the optional config file. Every field is
// optional; zero values leave the default untouched.
type fileConfig struct {
	DatabasePath    string `json:"database_path"`
	CheckpointDir   string `json:"checkpoint_dir"`
	ChunkSize       int    `json:"chunk_size"`
	Workers         int    `json:"workers"`
	MemoryCeilingMB int    `json:"memory_ceiling_mb"`
	BatchBytes      int    `json:"batch_bytes"`
	MinBatch        int    `json:"min_batch"`
	MaxBatch        int    `json:"max_batch"`
	MaxRetries      int    `json:"max_retries"`
	BaseDelayMS     int    `json:"base_delay_ms"`
	PoolMaxConns    int    `json:"pool_max_conns"`
	ServerPort      int    `json:"server_port"`
	ServerToken     string `json:"server_token"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.DatabasePath != "" {
		cfg.Database.Path = fc.DatabasePath
	}
	if fc.CheckpointDir != "" {
		cfg.Pipeline.CheckpointDir = fc.CheckpointDir
	}
	if fc.ChunkSize > 0 {
		cfg.Pipeline.ChunkSize = fc.ChunkSize
	}
	if fc.Workers > 0 {
		cfg.Pipeline.Workers = fc.Workers
	}
	if fc.MemoryCeilingMB > 0 {
		cfg.Pipeline.MemoryCeilingMB = fc.MemoryCeilingMB
	}
	if fc.BatchBytes > 0 {
		cfg.Load.BatchBytes = fc.BatchBytes
	}
	if fc.MinBatch > 0 {
		cfg.Load.MinBatch = fc.MinBatch
	}
	if fc.MaxBatch > 0 {
		cfg.Load.MaxBatch = fc.MaxBatch
	}
	if fc.MaxRetries > 0 {
		cfg.Load.MaxRetries = fc.MaxRetries
	}
	if fc.BaseDelayMS > 0 {
		cfg.Load.BaseDelay = time.Duration(fc.BaseDelayMS) * time.Millisecond
	}
	if fc.PoolMaxConns > 0 {
		cfg.Pool.MaxConns = fc.PoolMaxConns
	}
	if fc.ServerPort > 0 {
		cfg.Server.Port = fc.ServerPort
	}
	if fc.ServerToken != "" {
		cfg.Server.Token = fc.ServerToken
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CHATETL_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CHATETL_CHECKPOINT_DIR"); v != "" {
		cfg.Pipeline.CheckpointDir = v
	}
	if v := os.Getenv("CHATETL_SERVER_TOKEN"); v != "" {
		cfg.Server.Token = v
	}

	for _, override := range []struct {
		env    string
		target *int
	}{
		{"CHATETL_CHUNK_SIZE", &cfg.Pipeline.ChunkSize},
		{"CHATETL_WORKERS", &cfg.Pipeline.Workers},
		{"CHATETL_MEMORY_CEILING_MB", &cfg.Pipeline.MemoryCeilingMB},
		{"CHATETL_BATCH_BYTES", &cfg.Load.BatchBytes},
		{"CHATETL_MIN_BATCH", &cfg.Load.MinBatch},
		{"CHATETL_MAX_BATCH", &cfg.Load.MaxBatch},
		{"CHATETL_MAX_RETRIES", &cfg.Load.MaxRetries},
		{"CHATETL_POOL_MAX_CONNS", &cfg.Pool.MaxConns},
		{"CHATETL_SERVER_PORT", &cfg.Server.Port},
	} {
		v := os.Getenv(override.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", override.env, v)
		}
		*override.target = n
	}
	return nil
}

func (c Config) validate() error {
	if c.Pipeline.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1, got %d", c.Pipeline.ChunkSize)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Load.MinBatch < 1 || c.Load.MaxBatch < c.Load.MinBatch {
		return fmt.Errorf("batch bounds invalid: min=%d max=%d", c.Load.MinBatch, c.Load.MaxBatch)
	}
	if c.Load.BatchBytes < 1 {
		return fmt.Errorf("batch byte budget must be positive, got %d", c.Load.BatchBytes)
	}
	if c.Load.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.Load.MaxRetries)
	}
	if c.Pool.MaxConns < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.Pool.MaxConns)
	}
	return nil
}
