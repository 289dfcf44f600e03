package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Resolver.Local.Retention != 720*time.Hour {
		t.Errorf("Expected 30-day retention default, got %v", cfg.Resolver.Local.Retention)
	}
	if cfg.Resolver.Queue.MaxConcurrent != 4 {
		t.Errorf("Expected max_concurrent 4, got %d", cfg.Resolver.Queue.MaxConcurrent)
	}
	if cfg.Resolver.Queue.DispatchInterval != 500*time.Millisecond {
		t.Errorf("Expected 500ms dispatch interval, got %v", cfg.Resolver.Queue.DispatchInterval)
	}
	if cfg.Store.Backend != "badger" {
		t.Errorf("Expected badger backend default, got %s", cfg.Store.Backend)
	}
	if cfg.CacheServer.CacheTTL != 168*time.Hour {
		t.Errorf("Expected 7-day cache TTL, got %v", cfg.CacheServer.CacheTTL)
	}
	if cfg.Observability.Logging.Level != "info" || cfg.Observability.Logging.Format != "json" {
		t.Errorf("Unexpected logging defaults: %+v", cfg.Observability.Logging)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
resolver:
  remote:
    base_url: http://cache.internal:9000
    memo_ttl: 30m
  queue:
    max_concurrent: 8
store:
  backend: dynamodb
  dynamodb:
    table: locations
    region: eu-west-1
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Resolver.Remote.BaseURL != "http://cache.internal:9000" {
		t.Errorf("Unexpected base URL %s", cfg.Resolver.Remote.BaseURL)
	}
	if cfg.Resolver.Remote.MemoTTL != 30*time.Minute {
		t.Errorf("Expected 30m memo TTL, got %v", cfg.Resolver.Remote.MemoTTL)
	}
	if cfg.Resolver.Queue.MaxConcurrent != 8 {
		t.Errorf("Expected max_concurrent 8, got %d", cfg.Resolver.Queue.MaxConcurrent)
	}
	if cfg.Store.Backend != "dynamodb" || cfg.Store.DynamoDB.Table != "locations" {
		t.Errorf("Unexpected store config: %+v", cfg.Store)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WHEREFROM_REDIS_ADDRESS", "redis.internal:6380")

	cfg, err := Load(writeConfigFile(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Redis.Address != "redis.internal:6380" {
		t.Errorf("Expected env override, got %s", cfg.Redis.Address)
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	_, err := Load(writeConfigFile(t, `
store:
  backend: cassandra
`))
	if err == nil {
		t.Fatal("Expected error for unknown store backend")
	}
}

func TestLoad_RejectsDynamoWithoutTable(t *testing.T) {
	_, err := Load(writeConfigFile(t, `
store:
  backend: dynamodb
  dynamodb:
    table: ""
`))
	if err == nil {
		t.Fatal("Expected error for missing dynamodb table")
	}
}

func TestLoad_RejectsBadLogLevel(t *testing.T) {
	_, err := Load(writeConfigFile(t, `
observability:
  logging:
    level: loud
`))
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}
}

func TestLoad_AlertsRequireTopic(t *testing.T) {
	_, err := Load(writeConfigFile(t, `
alerts:
  enabled: true
`))
	if err == nil {
		t.Fatal("Expected error for alerts without a topic ARN")
	}
}
