package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := loadWith("")
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Pipeline.ChunkSize != 200 {
		t.Errorf("ChunkSize = %d, want 200", cfg.Pipeline.ChunkSize)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Pipeline.Workers)
	}
	if cfg.Load.MinBatch != 50 || cfg.Load.MaxBatch != 5000 {
		t.Errorf("batch bounds = %d/%d, want 50/5000", cfg.Load.MinBatch, cfg.Load.MaxBatch)
	}
	if cfg.Load.BaseDelay != 200*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 200ms", cfg.Load.BaseDelay)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Database.Path == "" || cfg.Pipeline.CheckpointDir == "" {
		t.Error("default paths not set")
	}
}

func TestConfigFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"database_path": "/tmp/custom.db",
		"chunk_size": 500,
		"max_retries": 9,
		"base_delay_ms": 50,
		"server_token": "secret"
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(path)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Database.Path != "/tmp/custom.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Pipeline.ChunkSize != 500 {
		t.Errorf("ChunkSize = %d, want 500", cfg.Pipeline.ChunkSize)
	}
	if cfg.Load.MaxRetries != 9 {
		t.Errorf("MaxRetries = %d, want 9", cfg.Load.MaxRetries)
	}
	if cfg.Load.BaseDelay != 50*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 50ms", cfg.Load.BaseDelay)
	}
	if cfg.Server.Token != "secret" {
		t.Errorf("Token = %q", cfg.Server.Token)
	}
	// Untouched fields keep defaults.
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("Workers = %d, want default 4", cfg.Pipeline.Workers)
	}
}

func TestMissingConfigFileIsFine(t *testing.T) {
	if _, err := loadWith(filepath.Join(t.TempDir(), "nope.json")); err != nil {
		t.Errorf("missing config file should not error, got %v", err)
	}
}

func TestInvalidConfigFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadWith(path); err == nil {
		t.Error("expected error for malformed config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATETL_DB_PATH", "/tmp/env.db")
	t.Setenv("CHATETL_WORKERS", "8")
	t.Setenv("CHATETL_MAX_BATCH", "9000")
	t.Setenv("CHATETL_SERVER_PORT", "9999")

	cfg, err := loadWith("")
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Pipeline.Workers)
	}
	if cfg.Load.MaxBatch != 9000 {
		t.Errorf("MaxBatch = %d, want 9000", cfg.Load.MaxBatch)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("CHATETL_WORKERS", "many")
	if _, err := loadWith(""); err == nil {
		t.Error("expected error for non-numeric env override")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.Pipeline.ChunkSize = 0 }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"max below min batch", func(c *Config) { c.Load.MaxBatch = c.Load.MinBatch - 1 }},
		{"zero batch bytes", func(c *Config) { c.Load.BatchBytes = 0 }},
		{"negative retries", func(c *Config) { c.Load.MaxRetries = -1 }},
		{"zero pool", func(c *Config) { c.Pool.MaxConns = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(&cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := defaults().validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}
