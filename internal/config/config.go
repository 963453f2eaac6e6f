package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentoven/scriptrun/pkg/models"
)

// Config holds all configuration for the script runtime.
type Config struct {
	Port      int
	Version   string
	API       APIConfig
	Log       LogConfig
	Telemetry TelemetryConfig
	Engine    EngineConfig
	Cache     CacheConfig
	Events    EventsConfig
	Safety    SafetyConfig

	// Runtime is the optional runtime.yaml content (aliases, providers,
	// adapter tools, MCP servers, guard rules, prompts). Never nil after Load.
	Runtime *RuntimeFile
}

type APIConfig struct {
	Keys             []string      // empty = no authentication
	KeysFile         string        // one key per line, re-read on reload
	RunTimeout       time.Duration // bounds one synchronous POST /api/v1/runs
	HistoryRetention time.Duration
	HistoryMaxRuns   int
}

type LogConfig struct {
	Level      string
	Format     string // console | json
	File       string // empty = stderr only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Insecure     bool
	SampleRatio  float64 // 1 = every trace
}

type EngineConfig struct {
	DefaultModel        string
	MaxTurns            int
	ToolConcurrency     int
	ToolTimeout         time.Duration
	ProviderTimeout     time.Duration
	ProviderMaxAttempts int
	ProviderRPS         float64 // 0 = unlimited
	ProviderBurst       int
	MaxSubAgentDepth    int
	FilesRoot           string // base directory of script file references; empty = files disabled
}

type CacheConfig struct {
	Backend    string // memory | file | redis | mysql | postgres
	DSN        string // redis address or SQL DSN
	Path       string // snapshot file for the file backend
	Table      string
	MaxEntries int           // memory and file backends; 0 = unbounded
	TTL        time.Duration // memory and file backends; 0 = never expire
}

type EventsConfig struct {
	Sinks         []string // any of log, amqp, webhook; empty = none
	AMQPURL       string
	Exchange      string
	WebhookURL    string
	WebhookSecret string
}

type SafetyConfig struct {
	Heuristics        bool
	PII               bool // also flag emails, SSNs, card and phone numbers
	Sensitivity       string // low | medium | high
	ClassifierCommand string
	ClassifierURL     string
	ClassifierTimeout time.Duration
}

// RuntimeFile is the YAML document pointed to by SCRIPTRUN_CONFIG.
type RuntimeFile struct {
	Aliases   map[string]string `yaml:"aliases"`
	Providers []ProviderEntry   `yaml:"providers"`
	Adapters  []AdapterEntry    `yaml:"adapters"`
	Prompts   map[string]string `yaml:"prompts"`
	Guard     GuardEntry        `yaml:"guard"`

	// MCPServers is the allowlist scripts reference by id over HTTP.
	MCPServers []models.MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerMap indexes the configured MCP servers by id.
func (rt *RuntimeFile) MCPServerMap() map[string]models.MCPServerConfig {
	out := make(map[string]models.MCPServerConfig, len(rt.MCPServers))
	for _, s := range rt.MCPServers {
		out[s.ID] = s
	}
	return out
}

type ProviderEntry struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Endpoint  string `yaml:"endpoint"`
	APIKeyEnv string `yaml:"api_key_env"`
	APIKey    string `yaml:"api_key"`
}

type AdapterEntry struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Endpoint    string                 `yaml:"endpoint"`
	Parameters  map[string]interface{} `yaml:"parameters"`
	Headers     map[string]string      `yaml:"headers"`
}

type GuardEntry struct {
	BlockedWords []string    `yaml:"blocked_words"`
	Rules        []RuleEntry `yaml:"rules"`
}

type RuleEntry struct {
	Name   string `yaml:"name"`
	Expr   string `yaml:"expr"`
	Reason string `yaml:"reason"`
}

// Load reads configuration from environment variables with sensible
// defaults, then the optional runtime.yaml.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    envInt("SCRIPTRUN_PORT", 8080),
		Version: envStr("SCRIPTRUN_VERSION", "0.1.0"),
		API: APIConfig{
			Keys:             envList("SCRIPTRUN_API_KEYS", ""),
			KeysFile:         envStr("SCRIPTRUN_API_KEYS_FILE", ""),
			RunTimeout:       envDuration("SCRIPTRUN_RUN_TIMEOUT", 10*time.Minute),
			HistoryRetention: envDuration("SCRIPTRUN_HISTORY_RETENTION", 24*time.Hour),
			HistoryMaxRuns:   envInt("SCRIPTRUN_HISTORY_MAX_RUNS", 1000),
		},
		Log: LogConfig{
			Level:      envStr("SCRIPTRUN_LOG_LEVEL", "info"),
			Format:     envStr("SCRIPTRUN_LOG_FORMAT", "console"),
			File:       envStr("SCRIPTRUN_LOG_FILE", ""),
			MaxSizeMB:  envInt("SCRIPTRUN_LOG_MAX_SIZE_MB", 100),
			MaxBackups: envInt("SCRIPTRUN_LOG_MAX_BACKUPS", 5),
			MaxAgeDays: envInt("SCRIPTRUN_LOG_MAX_AGE_DAYS", 14),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "scriptrun"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_RATIO", 1),
		},
		Engine: EngineConfig{
			DefaultModel:        envStr("SCRIPTRUN_DEFAULT_MODEL", "large"),
			MaxTurns:            envInt("SCRIPTRUN_MAX_TURNS", 10),
			ToolConcurrency:     envInt("SCRIPTRUN_TOOL_CONCURRENCY", 4),
			ToolTimeout:         envDuration("SCRIPTRUN_TOOL_TIMEOUT", 60*time.Second),
			ProviderTimeout:     envDuration("SCRIPTRUN_PROVIDER_TIMEOUT", 120*time.Second),
			ProviderMaxAttempts: envInt("SCRIPTRUN_PROVIDER_MAX_ATTEMPTS", 4),
			ProviderRPS:         envFloat("SCRIPTRUN_PROVIDER_RPS", 0),
			ProviderBurst:       envInt("SCRIPTRUN_PROVIDER_BURST", 1),
			MaxSubAgentDepth:    envInt("SCRIPTRUN_MAX_SUBAGENT_DEPTH", 3),
			FilesRoot:           envStr("SCRIPTRUN_FILES_ROOT", ""),
		},
		Cache: CacheConfig{
			Backend:    envStr("SCRIPTRUN_CACHE_BACKEND", "memory"),
			DSN:        envStr("SCRIPTRUN_CACHE_DSN", ""),
			Path:       envStr("SCRIPTRUN_CACHE_PATH", ".scriptrun/cache.json"),
			Table:      envStr("SCRIPTRUN_CACHE_TABLE", "scriptrun_cache"),
			MaxEntries: envInt("SCRIPTRUN_CACHE_MAX_ENTRIES", 10000),
			TTL:        envDuration("SCRIPTRUN_CACHE_TTL", 0),
		},
		Events: EventsConfig{
			Sinks:         envList("SCRIPTRUN_EVENTS_SINKS", "log"),
			AMQPURL:       envStr("SCRIPTRUN_AMQP_URL", ""),
			Exchange:      envStr("SCRIPTRUN_AMQP_EXCHANGE", "scriptrun.events"),
			WebhookURL:    envStr("SCRIPTRUN_WEBHOOK_URL", ""),
			WebhookSecret: envStr("SCRIPTRUN_WEBHOOK_SECRET", ""),
		},
		Safety: SafetyConfig{
			Heuristics:        envBool("SCRIPTRUN_SAFETY_HEURISTICS", true),
			PII:               envBool("SCRIPTRUN_SAFETY_PII", false),
			Sensitivity:       envStr("SCRIPTRUN_SAFETY_SENSITIVITY", "medium"),
			ClassifierCommand: envStr("SCRIPTRUN_SAFETY_COMMAND", ""),
			ClassifierURL:     envStr("SCRIPTRUN_SAFETY_URL", ""),
			ClassifierTimeout: envDuration("SCRIPTRUN_SAFETY_TIMEOUT", 15*time.Second),
		},
	}

	rt, err := LoadRuntimeFile(envStr("SCRIPTRUN_CONFIG", ""))
	if err != nil {
		return nil, err
	}
	cfg.Runtime = rt

	// Reserved aliases may also come straight from the environment.
	if v := envStr("SCRIPTRUN_SMALL_MODEL", ""); v != "" {
		cfg.Runtime.Aliases["small"] = v
	}
	if v := envStr("SCRIPTRUN_LARGE_MODEL", ""); v != "" {
		cfg.Runtime.Aliases["large"] = v
	}
	return cfg, nil
}

// AllKeys returns the keys from SCRIPTRUN_API_KEYS plus those in KeysFile.
// Blank lines and lines starting with # are skipped.
func (c APIConfig) AllKeys() ([]string, error) {
	keys := append([]string(nil), c.Keys...)
	if c.KeysFile == "" {
		return keys, nil
	}
	b, err := os.ReadFile(c.KeysFile)
	if err != nil {
		return nil, fmt.Errorf("read api keys: %w", err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			keys = append(keys, line)
		}
	}
	return keys, nil
}

// LoadRuntimeFile decodes runtime.yaml. An empty path yields an empty file.
func LoadRuntimeFile(path string) (*RuntimeFile, error) {
	rt := &RuntimeFile{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, rt); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if rt.Aliases == nil {
		rt.Aliases = make(map[string]string)
	}
	if rt.Prompts == nil {
		rt.Prompts = make(map[string]string)
	}
	for i := range rt.Providers {
		rt.Providers[i].Name = strings.TrimSpace(rt.Providers[i].Name)
		if rt.Providers[i].Kind == "" {
			rt.Providers[i].Kind = rt.Providers[i].Name
		}
	}
	seen := make(map[string]bool, len(rt.MCPServers))
	for i, srv := range rt.MCPServers {
		switch {
		case srv.ID == "":
			return nil, fmt.Errorf("parse %s: mcp_servers[%d]: id is required", path, i)
		case strings.TrimSpace(srv.Command) == "":
			return nil, fmt.Errorf("parse %s: mcp server %s: command is required", path, srv.ID)
		case seen[srv.ID]:
			return nil, fmt.Errorf("parse %s: duplicate mcp server %s", path, srv.ID)
		}
		seen[srv.ID] = true
	}
	return rt, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envList splits a comma-separated value. "none" yields an empty list.
func envList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(envStr(key, fallback), ",") {
		part = strings.TrimSpace(part)
		if part != "" && part != "none" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
