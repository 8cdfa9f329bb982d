package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
api:
  port: 9090
bus:
  type: memory
  queue_size: 128
  retention: 10m
collab:
  default_timeout: 3s
pools:
  defaults:
    max_connections: 5
    acquire_timeout: 2s
  destinations:
    billing-api:
      base_url: http://billing:8080
      max_connections: 20
      qps: 50
breaker:
  failure_threshold: 7
rate_limits:
  defaults:
    per_minute: 30
    per_hour: 500
  endpoints:
    business/lookup:
      per_minute: 90
knowledge:
  type: memory
  dimension: 16
  partitions:
    - name: business
      attributes: [category, owner]
session:
  ttl: 15m
domains:
  - name: business
    partition: business
  - name: technical
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "memory", cfg.Bus.Type)
	assert.Equal(t, 128, cfg.Bus.QueueSize)
	assert.Equal(t, "3s", cfg.Collab.DefaultTimeout)
	assert.Equal(t, 5, cfg.Pools.Defaults.MaxConnections)
	assert.Equal(t, "http://billing:8080", cfg.Pools.Destinations["billing-api"].BaseURL)
	assert.Equal(t, 50.0, cfg.Pools.Destinations["billing-api"].QPS)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30, cfg.RateLimits.Defaults.PerMinute)
	assert.Equal(t, 90, cfg.RateLimits.Endpoints["business/lookup"].PerMinute)
	assert.Equal(t, 16, cfg.Knowledge.Dimension)
	require.Len(t, cfg.Knowledge.Partitions, 1)
	assert.Equal(t, []string{"category", "owner"}, cfg.Knowledge.Partitions[0].Attributes)
	assert.Equal(t, "15m", cfg.Session.TTL)
	require.Len(t, cfg.Domains, 2)
	assert.Equal(t, "business", cfg.Domains[0].Partition)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigExpandsEnvPlaceholders(t *testing.T) {
	t.Setenv("TEST_KNOWLEDGE_DSN", "postgres://router:secret@db:5432/router")
	path := writeConfig(t, `
knowledge:
  type: postgres
  dsn: ${TEST_KNOWLEDGE_DSN}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://router:secret@db:5432/router", cfg.Knowledge.DSN)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"未知 bus 类型", "bus:\n  type: kafka\n"},
		{"redis bus 缺地址", "bus:\n  type: redis\n"},
		{"postgres knowledge 缺 dsn", "knowledge:\n  type: postgres\n"},
		{"postgres session 缺 dsn", "session:\n  type: postgres\n"},
		{"重复 domain", "domains:\n  - name: business\n  - name: business\n"},
		{"空 domain 名", "domains:\n  - partition: x\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
