package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	History    HistoryConfig    `mapstructure:"history"`
	Analytics  AnalyticsConfig  `mapstructure:"analytics"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Prediction PredictionConfig `mapstructure:"prediction"`
	LLM        LLMConfig        `mapstructure:"llm"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the conversation store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

// HistoryConfig bounds the context sent to the analytics engine. Window 0 means unbounded.
type HistoryConfig struct {
	Window int `mapstructure:"window"`
}

type EngineKind string

const (
	EngineHTTP EngineKind = "http"
	EngineMCP  EngineKind = "mcp"
)

type MCPTransport string

const (
	MCPTransportStreamableHTTP MCPTransport = "streamable_http"
	MCPTransportSSE            MCPTransport = "sse"
	MCPTransportStdio          MCPTransport = "stdio"
)

// AnalyticsConfig holds the analytics engine configuration
type AnalyticsConfig struct {
	Kind    EngineKind        `mapstructure:"kind"`
	BaseURL string            `mapstructure:"base_url"`
	Path    string            `mapstructure:"path"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
	MCP     MCPConfig         `mapstructure:"mcp"`
	QC      QCConfig          `mapstructure:"qc"`
}

// MCPConfig describes how to reach an MCP server exposing the query tool.
type MCPConfig struct {
	Transport MCPTransport      `mapstructure:"transport"`
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       map[string]string `mapstructure:"env"`
	Tool      string            `mapstructure:"tool"`
}

type QCSource string

const (
	QCFromEngine QCSource = "engine"
	QCFixed      QCSource = "fixed"
	QCNone       QCSource = "none"
)

// QCConfig makes the provenance of the quality score explicit.
type QCConfig struct {
	Source QCSource `mapstructure:"source"`
	Fixed  float64  `mapstructure:"fixed"`
}

// StreamConfig holds token pacing settings.
type StreamConfig struct {
	TokenDelay time.Duration `mapstructure:"token_delay"`
}

// PredictionConfig describes how the external predictor is launched.
type PredictionConfig struct {
	Command        string            `mapstructure:"command"`
	Args           []string          `mapstructure:"args"`
	WorkDir        string            `mapstructure:"workdir"`
	Env            map[string]string `mapstructure:"env"`
	InheritEnv     []string          `mapstructure:"inherit_env"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	MaxOutputBytes int64             `mapstructure:"max_output_bytes"`
	ExcerptLimit   int               `mapstructure:"excerpt_limit"`
}

// LLMConfig holds the OpenAI-compatible endpoint used for conversation titles.
type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "floatchat.db")
	v.SetDefault("history.window", 0)
	v.SetDefault("analytics.kind", string(EngineHTTP))
	v.SetDefault("analytics.base_url", "http://localhost:7500")
	v.SetDefault("analytics.path", "/query")
	v.SetDefault("analytics.timeout", 180*time.Second)
	v.SetDefault("analytics.mcp.transport", string(MCPTransportStreamableHTTP))
	v.SetDefault("analytics.mcp.url", "http://localhost:8000/mcp")
	v.SetDefault("analytics.mcp.tool", "query")
	v.SetDefault("analytics.qc.source", string(QCFromEngine))
	v.SetDefault("stream.token_delay", 30*time.Millisecond)
	v.SetDefault("prediction.command", "python3")
	v.SetDefault("prediction.args", []string{"predictions/prediction.py"})
	v.SetDefault("prediction.inherit_env", []string{"PATH", "HOME", "LANG"})
	v.SetDefault("prediction.timeout", 120*time.Second)
	v.SetDefault("prediction.max_output_bytes", int64(4<<20))
	v.SetDefault("prediction.excerpt_limit", 2000)
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "openai/gpt-4o-mini")
}

// Load loads the configuration from config.yaml (or $CONFIG_PATH), an optional .env file and
// FLOATCHAT_* environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	// A missing .env is the normal case in production.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FLOATCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects enum values the service cannot act on.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Analytics.Kind {
	case EngineHTTP:
	case EngineMCP:
		switch c.Analytics.MCP.Transport {
		case MCPTransportStreamableHTTP, MCPTransportSSE, MCPTransportStdio:
		default:
			return fmt.Errorf("config: unsupported analytics.mcp.transport %q", c.Analytics.MCP.Transport)
		}
	default:
		return fmt.Errorf("config: unsupported analytics.kind %q", c.Analytics.Kind)
	}
	switch c.Analytics.QC.Source {
	case QCFromEngine, QCFixed, QCNone:
	default:
		return fmt.Errorf("config: unsupported analytics.qc.source %q", c.Analytics.QC.Source)
	}
	if c.Analytics.Timeout <= 0 {
		return errors.New("config: analytics.timeout must be positive")
	}
	if c.Prediction.Timeout <= 0 {
		return errors.New("config: prediction.timeout must be positive")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}
