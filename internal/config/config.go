// Package config loads diagramd configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for diagramd.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Render   RenderConfig   `yaml:"render"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPath string `yaml:"metrics_path"`
}

type StorageConfig struct {
	// BaseDir holds the session database, render files, and run traces.
	BaseDir   string `yaml:"base_dir"`
	OutputDir string `yaml:"output_dir"`
	TempDir   string `yaml:"temp_dir"`
}

type LLMConfig struct {
	// Provider is "anthropic" or "openai" (any OpenAI-compatible endpoint).
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

type AgentConfig struct {
	MaxTurns             int     `yaml:"max_turns"`
	VisualScoreThreshold float64 `yaml:"visual_score_threshold"`
}

type RenderConfig struct {
	PdflatexPath   string        `yaml:"pdflatex_path"`
	DotPath        string        `yaml:"dot_path"`
	PythonPath     string        `yaml:"python_path"`
	PdftoppmPath   string        `yaml:"pdftoppm_path"`
	RenderTimeout  time.Duration `yaml:"render_timeout"`
	SandboxTimeout time.Duration `yaml:"sandbox_timeout"`
}

type SessionsConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxSessions int           `yaml:"max_sessions"`
	// SweepSchedule is a cron expression for the expiry sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the optional YAML config at path, then applies environment
// overrides and defaults. A missing file is not an error; env-only setups
// are common. A .env file next to the config (or in the working directory)
// is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")

	setString(&cfg.Render.PdflatexPath, "PDFLATEX_PATH")
	setString(&cfg.Render.DotPath, "DOT_PATH")
	setSeconds(&cfg.Render.RenderTimeout, "RENDER_TIMEOUT")
	setSeconds(&cfg.Render.SandboxTimeout, "SANDBOX_TIMEOUT")

	setString(&cfg.LLM.Provider, "API_PROVIDER")
	setString(&cfg.LLM.Model, "DIAGRAM_MODEL")
	setString(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	if cfg.LLM.APIKey == "" {
		if v := os.Getenv("OPENAI_API_KEY"); cfg.LLM.Provider == "openai" && v != "" {
			cfg.LLM.APIKey = v
		} else if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
	}

	setInt(&cfg.Agent.MaxTurns, "MAX_AGENT_TURNS")
	setFloat(&cfg.Agent.VisualScoreThreshold, "VISUAL_SCORE_THRESHOLD")

	setSeconds(&cfg.Sessions.TTL, "SESSION_TTL_SECONDS")
	setInt(&cfg.Sessions.MaxSessions, "MAX_SESSIONS")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Storage.BaseDir == "" {
		cfg.Storage.BaseDir = "."
	}
	if cfg.Storage.OutputDir == "" {
		cfg.Storage.OutputDir = filepath.Join(cfg.Storage.BaseDir, "output")
	}
	if cfg.Storage.TempDir == "" {
		cfg.Storage.TempDir = filepath.Join(cfg.Storage.BaseDir, "temp")
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "claude-sonnet-4-5"
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 20
	}
	if cfg.Agent.VisualScoreThreshold == 0 {
		cfg.Agent.VisualScoreThreshold = 7.0
	}
	if cfg.Render.PdflatexPath == "" {
		cfg.Render.PdflatexPath = "pdflatex"
	}
	if cfg.Render.DotPath == "" {
		cfg.Render.DotPath = "dot"
	}
	if cfg.Render.PythonPath == "" {
		cfg.Render.PythonPath = "python3"
	}
	if cfg.Render.PdftoppmPath == "" {
		cfg.Render.PdftoppmPath = "pdftoppm"
	}
	if cfg.Render.RenderTimeout == 0 {
		cfg.Render.RenderTimeout = 60 * time.Second
	}
	if cfg.Render.SandboxTimeout == 0 {
		cfg.Render.SandboxTimeout = 30 * time.Second
	}
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = time.Hour
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = 100
	}
	if cfg.Sessions.SweepSchedule == "" {
		cfg.Sessions.SweepSchedule = "@every 5m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported llm provider: %q", c.LLM.Provider)
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns)
	}
	if c.Sessions.MaxSessions < 1 {
		return fmt.Errorf("sessions.max_sessions must be positive, got %d", c.Sessions.MaxSessions)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
