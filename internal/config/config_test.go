package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleMCPConfig = `
server:
  host: 127.0.0.1
  port: "9090"
database:
  driver: sqlite
  dsn: /tmp/floatchat-test.db
history:
  window: 12
analytics:
  kind: mcp
  timeout: 45s
  mcp:
    transport: stdio
    command: ./mock-engine
    args: ["--flag"]
    env:
      FOO: bar
  qc:
    source: fixed
    fixed: 0.5
prediction:
  command: /usr/bin/python3
  args: ["core/predictions/prediction.py"]
  timeout: 2m
  env:
    PG_DSN: postgres://argo
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(body); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()
	return tmp.Name()
}

// TestLoad_MCP verifies that Load correctly unmarshals an MCP-backed analytics configuration.
func TestLoad_MCP(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleMCPConfig))

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	require.Equal(t, 12, cfg.History.Window)
	require.Equal(t, EngineMCP, cfg.Analytics.Kind)
	require.Equal(t, 45*time.Second, cfg.Analytics.Timeout)
	require.Equal(t, MCPTransportStdio, cfg.Analytics.MCP.Transport)
	require.Equal(t, "./mock-engine", cfg.Analytics.MCP.Command)
	require.Equal(t, []string{"--flag"}, cfg.Analytics.MCP.Args)
	// viper lower-cases map keys
	require.Equal(t, "bar", cfg.Analytics.MCP.Env["foo"])
	require.Equal(t, QCFixed, cfg.Analytics.QC.Source)
	require.InDelta(t, 0.5, cfg.Analytics.QC.Fixed, 1e-9)
	require.Equal(t, 2*time.Minute, cfg.Prediction.Timeout)
	require.Equal(t, "postgres://argo", cfg.Prediction.Env["pg_dsn"])
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "log:\n  level: debug\n"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, EngineHTTP, cfg.Analytics.Kind)
	require.Equal(t, 180*time.Second, cfg.Analytics.Timeout)
	require.Equal(t, "/query", cfg.Analytics.Path)
	require.Equal(t, QCFromEngine, cfg.Analytics.QC.Source)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 2000, cfg.Prediction.ExcerptLimit)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "server:\n  port: \"8081\"\n"))
	t.Setenv("FLOATCHAT_SERVER_PORT", "7000")
	t.Setenv("FLOATCHAT_ANALYTICS_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.Analytics.Timeout)
}

func TestLoad_RejectsUnknownEngine(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "analytics:\n  kind: carrier-pigeon\n"))

	_, err := Load()
	require.ErrorContains(t, err, "analytics.kind")
}
