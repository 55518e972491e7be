package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for ScalyClaw processes.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Worker       WorkerConfig       `yaml:"worker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Context      ContextConfig      `yaml:"context"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Queue        QueueConfig        `yaml:"queue"`
	Models       []ModelConfig      `yaml:"models"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Budget       BudgetConfig       `yaml:"budget"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Usage        UsageConfig        `yaml:"usage"`
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	Vault        VaultConfig        `yaml:"vault"`
	Skills       SkillsConfig       `yaml:"skills"`
	Memory       MemoryConfig       `yaml:"memory"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Shutdown     ShutdownConfig     `yaml:"shutdown"`
}

// NodeConfig configures the orchestrating node process.
type NodeConfig struct {
	ID        string `yaml:"id"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
	// DrainSchedule is a cron spec for draining buffered progress events.
	DrainSchedule string `yaml:"drain_schedule"`
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	ID          string   `yaml:"id"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	AuthToken   string   `yaml:"auth_token"`
	Queues      []string `yaml:"queues"`
	Concurrency int      `yaml:"concurrency"`
	// JobRoot holds per-job sandbox directories.
	JobRoot string `yaml:"job_root"`
	// Interpreters maps a code language to its interpreter binary.
	Interpreters map[string]string `yaml:"interpreters"`
}

// OrchestratorConfig bounds a single orchestrator invocation.
type OrchestratorConfig struct {
	Model          string        `yaml:"model"`
	ModelPool      []string      `yaml:"model_pool"`
	SystemPrompt   string        `yaml:"system_prompt"`
	MaxIterations  int           `yaml:"max_iterations"`
	MaxInputTokens int           `yaml:"max_input_tokens"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
}

// ContextConfig tunes the context budget manager.
type ContextConfig struct {
	HistoryLimit        int     `yaml:"history_limit"`
	CompactionThreshold float64 `yaml:"compaction_threshold"`
	CompactionKeepRatio float64 `yaml:"compaction_keep_ratio"`
	SafetyMargin        int     `yaml:"safety_margin"`
	MinToolResultChars  int     `yaml:"min_tool_result_chars"`
	MaxToolResultChars  int     `yaml:"max_tool_result_chars"`
}

// DispatchConfig controls the job dispatch layer.
type DispatchConfig struct {
	JobTimeout       time.Duration `yaml:"job_timeout"`
	FileFetchTimeout time.Duration `yaml:"file_fetch_timeout"`
	FileFetchRetries int           `yaml:"file_fetch_retries"`
}

// QueueConfig selects the shared backend for jobs, progress, registry and rate limits.
type QueueConfig struct {
	// Backend is "memory" or "postgres".
	Backend         string        `yaml:"backend"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// BudgetConfig holds hard spend limits in USD. Zero disables a limit.
type BudgetConfig struct {
	DailyLimit   float64 `yaml:"daily_limit"`
	MonthlyLimit float64 `yaml:"monthly_limit"`
	HardLimit    bool    `yaml:"hard_limit"`
}

// RateLimitConfig configures the per-channel sliding window.
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxMessages int           `yaml:"max_messages"`
	Window      time.Duration `yaml:"window"`
}

// SessionsConfig selects where conversation history is kept.
type SessionsConfig struct {
	Backend string `yaml:"backend"` // memory | sqlite
	Path    string `yaml:"path"`
}

// UsageConfig configures the usage ledger.
type UsageConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig locates the node's local workspace.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// VaultConfig lists named secrets. Values may reference the environment.
type VaultConfig struct {
	Secrets map[string]string `yaml:"secrets"`
	// EnvPrefix exposes environment variables with this prefix as secrets.
	EnvPrefix string `yaml:"env_prefix"`
}

// SkillsConfig locates skill and agent definitions.
type SkillsConfig struct {
	Dir    string `yaml:"dir"`
	Agents string `yaml:"agents_dir"`
	Watch  bool   `yaml:"watch"`
}

// MemoryConfig configures the long-term memory store used by the
// memory_store and memory_search tools.
type MemoryConfig struct {
	// Path of the SQLite database. Empty keeps memories in process memory.
	Path string `yaml:"path"`
	// EmbeddingModel enables OpenAI embeddings for recall when set.
	EmbeddingModel string `yaml:"embedding_model"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Load reads, expands and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes, expanding environment variables first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Node.Host == "" {
		cfg.Node.Host = "127.0.0.1"
	}
	if cfg.Node.Port == 0 {
		cfg.Node.Port = 8420
	}
	if cfg.Node.DrainSchedule == "" {
		cfg.Node.DrainSchedule = "@every 1m"
	}
	if cfg.Worker.Host == "" {
		cfg.Worker.Host = "127.0.0.1"
	}
	if cfg.Worker.Port == 0 {
		cfg.Worker.Port = 8421
	}
	if len(cfg.Worker.Queues) == 0 {
		cfg.Worker.Queues = []string{"tools", "agents"}
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.JobRoot == "" {
		cfg.Worker.JobRoot = filepath.Join(os.TempDir(), "scalyclaw-jobs")
	}
	if cfg.Worker.Interpreters == nil {
		cfg.Worker.Interpreters = map[string]string{
			"python":     "python3",
			"javascript": "node",
			"bash":       "bash",
		}
	}

	if cfg.Orchestrator.MaxIterations <= 0 {
		cfg.Orchestrator.MaxIterations = 25
	}
	if cfg.Orchestrator.MaxInputTokens <= 0 {
		cfg.Orchestrator.MaxInputTokens = 2_000_000
	}
	if cfg.Orchestrator.MaxTokens <= 0 {
		cfg.Orchestrator.MaxTokens = 4096
	}
	if cfg.Orchestrator.ToolTimeout <= 0 {
		cfg.Orchestrator.ToolTimeout = 2 * time.Minute
	}

	if cfg.Context.HistoryLimit <= 0 {
		cfg.Context.HistoryLimit = 50
	}
	if cfg.Context.CompactionThreshold <= 0 {
		cfg.Context.CompactionThreshold = 0.75
	}
	if cfg.Context.CompactionKeepRatio <= 0 {
		cfg.Context.CompactionKeepRatio = 0.40
	}
	if cfg.Context.SafetyMargin <= 0 {
		cfg.Context.SafetyMargin = 1024
	}
	if cfg.Context.MinToolResultChars <= 0 {
		cfg.Context.MinToolResultChars = 2000
	}
	if cfg.Context.MaxToolResultChars <= 0 {
		cfg.Context.MaxToolResultChars = 50000
	}

	if cfg.Dispatch.JobTimeout <= 0 {
		cfg.Dispatch.JobTimeout = 5 * time.Minute
	}
	if cfg.Dispatch.FileFetchTimeout <= 0 {
		cfg.Dispatch.FileFetchTimeout = 30 * time.Second
	}
	if cfg.Dispatch.FileFetchRetries <= 0 {
		cfg.Dispatch.FileFetchRetries = 3
	}

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "memory"
	}
	if cfg.Queue.MaxOpenConns == 0 {
		cfg.Queue.MaxOpenConns = 25
	}
	if cfg.Queue.MaxIdleConns == 0 {
		cfg.Queue.MaxIdleConns = 5
	}
	if cfg.Queue.ConnMaxLifetime == 0 {
		cfg.Queue.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Queue.PollInterval <= 0 {
		cfg.Queue.PollInterval = 2 * time.Second
	}

	if cfg.RateLimit.MaxMessages <= 0 {
		cfg.RateLimit.MaxMessages = 20
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = time.Minute
	}

	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "workspace"
	}
	if cfg.Vault.Secrets == nil {
		cfg.Vault.Secrets = map[string]string{}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "scalyclaw"
	}
	if cfg.Tracing.SamplingRate <= 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Shutdown.GracePeriod <= 0 {
		cfg.Shutdown.GracePeriod = 15 * time.Second
	}

	for i := range cfg.Models {
		if cfg.Models[i].ContextWindow <= 0 {
			cfg.Models[i].ContextWindow = 128000
		}
	}
	if cfg.Orchestrator.Model == "" {
		for _, m := range cfg.Models {
			if m.Enabled {
				cfg.Orchestrator.Model = m.ID
				break
			}
		}
	}
}

// Validate reports configuration combinations that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Queue.Backend) {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Queue.DSN) == "" {
			errs = append(errs, errors.New("queue.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend))
	}
	switch strings.ToLower(c.Sessions.Backend) {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Sessions.Path) == "" {
			errs = append(errs, errors.New("sessions.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.backend %q is not supported", c.Sessions.Backend))
	}
	if c.Context.CompactionKeepRatio >= c.Context.CompactionThreshold {
		errs = append(errs, errors.New("context.compaction_keep_ratio must be below compaction_threshold"))
	}
	if c.Context.MinToolResultChars > c.Context.MaxToolResultChars {
		errs = append(errs, errors.New("context.min_tool_result_chars exceeds max_tool_result_chars"))
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			errs = append(errs, errors.New("models: id is required"))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("models: duplicate id %q", m.ID))
		}
		seen[m.ID] = true
		if !isKnownProvider(m.Provider) {
			errs = append(errs, fmt.Errorf("models: %s has unknown provider %q", m.ID, m.Provider))
		}
	}
	return errors.Join(errs...)
}
