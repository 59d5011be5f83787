// Package config loads scanner settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the YAML file overlaid before the environment
const EnvConfigFile = "VERIMODEL_CONFIG"

var dotEnvFiles = []string{".env"}

// Config holds the scanner configuration
type Config struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	HTTPAddr       string `yaml:"http_addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	RulesDir     string `yaml:"rules_dir"`
	HotReload    bool   `yaml:"hot_reload"`
	DebounceMs   int    `yaml:"debounce_ms"`
	ImportPolicy string `yaml:"import_policy"`
	Workers      int    `yaml:"workers"`

	Archive    ArchiveConfig    `yaml:"archive"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Reputation ReputationConfig `yaml:"reputation"`
	NATS       NATSConfig       `yaml:"nats"`
}

// ArchiveConfig bounds container expansion
type ArchiveConfig struct {
	MaxEntries     int   `yaml:"max_entries"`
	MaxMemberBytes int64 `yaml:"max_member_bytes"`
	MaxTotalBytes  int64 `yaml:"max_total_bytes"`
	MaxDepth       int   `yaml:"max_depth"`
}

// SandboxConfig selects and bounds the dynamic analysis backend
type SandboxConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Backend          string        `yaml:"backend"`
	TraceMode        string        `yaml:"trace_mode"`
	Interpreter      string        `yaml:"interpreter"`
	StracePath       string        `yaml:"strace_path"`
	BPFObject        string        `yaml:"bpf_object"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MemoryLimitMB    int           `yaml:"memory_limit_mb"`
	WorkDir          string        `yaml:"work_dir"`
	DropPrivileges   bool          `yaml:"drop_privileges"`
	NetworkIsolation bool          `yaml:"network_isolation"`
	DockerImage      string        `yaml:"docker_image"`
	DockerRuntime    string        `yaml:"docker_runtime"`
}

// ReputationConfig enables the offline reputation source
type ReputationConfig struct {
	BlocklistPath string `yaml:"blocklist_path"`
	CacheSize     int    `yaml:"cache_size"`
}

// NATSConfig enables verdict publication when URL is set
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      "json",
		HTTPAddr:       ":8080",
		MaxUploadBytes: 1 << 30,
		DebounceMs:     1000,
		ImportPolicy:   "paired",
		Workers:        4,
		Archive: ArchiveConfig{
			MaxEntries:     2048,
			MaxMemberBytes: 64 << 20,
			MaxTotalBytes:  512 << 20,
			MaxDepth:       2,
		},
		Sandbox: SandboxConfig{
			Enabled:          false,
			Backend:          "process",
			TraceMode:        "strace",
			Interpreter:      "python3",
			StracePath:       "strace",
			Timeout:          5 * time.Second,
			MaxConcurrent:    2,
			MemoryLimitMB:    1024,
			DockerImage:      "python:3.12-slim",
			DropPrivileges:   true,
			NetworkIsolation: true,
		},
		Reputation: ReputationConfig{CacheSize: 4096},
		NATS:       NATSConfig{Subject: "verimodel.verdicts"},
	}
}

// Load reads .env if present, overlays the YAML file at path (or at
// $VERIMODEL_CONFIG when path is empty), applies environment overrides and
// validates the result
func Load(path string) (*Config, error) {
	// a missing .env is normal
	_ = godotenv.Load(dotEnvFiles...)

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("VERIMODEL_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("VERIMODEL_LOG_FORMAT", c.LogFormat)
	c.HTTPAddr = getEnv("VERIMODEL_HTTP_ADDR", c.HTTPAddr)
	c.MaxUploadBytes = getInt64Env("VERIMODEL_MAX_UPLOAD_BYTES", c.MaxUploadBytes)

	c.RulesDir = getEnv("VERIMODEL_RULES_DIR", c.RulesDir)
	c.HotReload = getBoolEnv("VERIMODEL_HOT_RELOAD", c.HotReload)
	c.DebounceMs = getIntEnv("VERIMODEL_DEBOUNCE_MS", c.DebounceMs)
	c.ImportPolicy = getEnv("VERIMODEL_IMPORT_POLICY", c.ImportPolicy)
	c.Workers = getIntEnv("VERIMODEL_WORKERS", c.Workers)

	c.Archive.MaxEntries = getIntEnv("VERIMODEL_ARCHIVE_MAX_ENTRIES", c.Archive.MaxEntries)
	c.Archive.MaxMemberBytes = getInt64Env("VERIMODEL_ARCHIVE_MAX_MEMBER_BYTES", c.Archive.MaxMemberBytes)
	c.Archive.MaxTotalBytes = getInt64Env("VERIMODEL_ARCHIVE_MAX_TOTAL_BYTES", c.Archive.MaxTotalBytes)
	c.Archive.MaxDepth = getIntEnv("VERIMODEL_ARCHIVE_MAX_DEPTH", c.Archive.MaxDepth)

	s := &c.Sandbox
	s.Enabled = getBoolEnv("VERIMODEL_SANDBOX_ENABLED", s.Enabled)
	s.Backend = getEnv("VERIMODEL_SANDBOX_BACKEND", s.Backend)
	s.TraceMode = getEnv("VERIMODEL_SANDBOX_TRACE_MODE", s.TraceMode)
	s.Interpreter = getEnv("VERIMODEL_SANDBOX_INTERPRETER", s.Interpreter)
	s.StracePath = getEnv("VERIMODEL_SANDBOX_STRACE", s.StracePath)
	s.BPFObject = getEnv("VERIMODEL_SANDBOX_BPF_OBJECT", s.BPFObject)
	s.Timeout = getDurationEnv("VERIMODEL_SANDBOX_TIMEOUT", s.Timeout)
	s.MaxConcurrent = getIntEnv("VERIMODEL_SANDBOX_MAX_CONCURRENT", s.MaxConcurrent)
	s.MemoryLimitMB = getIntEnv("VERIMODEL_SANDBOX_MEMORY_MB", s.MemoryLimitMB)
	s.WorkDir = getEnv("VERIMODEL_SANDBOX_WORK_DIR", s.WorkDir)
	s.DropPrivileges = getBoolEnv("VERIMODEL_SANDBOX_DROP_PRIVILEGES", s.DropPrivileges)
	s.NetworkIsolation = getBoolEnv("VERIMODEL_SANDBOX_NETWORK_ISOLATION", s.NetworkIsolation)
	s.DockerImage = getEnv("VERIMODEL_SANDBOX_DOCKER_IMAGE", s.DockerImage)
	s.DockerRuntime = getEnv("VERIMODEL_SANDBOX_DOCKER_RUNTIME", s.DockerRuntime)

	c.Reputation.BlocklistPath = getEnv("VERIMODEL_BLOCKLIST", c.Reputation.BlocklistPath)
	c.Reputation.CacheSize = getIntEnv("VERIMODEL_REPUTATION_CACHE_SIZE", c.Reputation.CacheSize)

	c.NATS.URL = getEnv("VERIMODEL_NATS_URL", c.NATS.URL)
	c.NATS.Subject = getEnv("VERIMODEL_NATS_SUBJECT", c.NATS.Subject)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	switch c.ImportPolicy {
	case "paired", "any_invoke":
	default:
		errs = append(errs, fmt.Errorf("import_policy must be paired or any_invoke, got %q", c.ImportPolicy))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.DebounceMs < 0 {
		errs = append(errs, errors.New("debounce_ms cannot be negative"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.Archive.MaxEntries <= 0 || c.Archive.MaxMemberBytes <= 0 || c.Archive.MaxTotalBytes <= 0 {
		errs = append(errs, errors.New("archive limits must be positive"))
	}
	if c.Archive.MaxDepth < 0 {
		errs = append(errs, errors.New("archive max_depth cannot be negative"))
	}

	s := c.Sandbox
	switch s.Backend {
	case "process", "docker":
	default:
		errs = append(errs, fmt.Errorf("sandbox.backend must be process or docker, got %q", s.Backend))
	}
	switch s.TraceMode {
	case "strace", "ebpf", "none":
	default:
		errs = append(errs, fmt.Errorf("sandbox.trace_mode must be strace, ebpf or none, got %q", s.TraceMode))
	}
	if s.Timeout <= 0 {
		errs = append(errs, errors.New("sandbox.timeout must be positive"))
	}
	if s.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("sandbox.max_concurrent must be positive"))
	}
	if s.MemoryLimitMB < 0 {
		errs = append(errs, errors.New("sandbox.memory_limit_mb cannot be negative"))
	}
	if c.Reputation.CacheSize <= 0 {
		errs = append(errs, errors.New("reputation.cache_size must be positive"))
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		errs = append(errs, errors.New("nats.subject cannot be empty when nats.url is set"))
	}
	return errors.Join(errs...)
}

// MemoryLimitBytes converts the sandbox memory ceiling
func (s SandboxConfig) MemoryLimitBytes() uint64 {
	if s.MemoryLimitMB <= 0 {
		return 0
	}
	return uint64(s.MemoryLimitMB) << 20
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getInt64Env gets an int64 environment variable with a default value
func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getBoolEnv gets a boolean environment variable with a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("750ms") or whole seconds ("5")
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
