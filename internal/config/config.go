package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the Telegram platform adapter.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// DiscordConfig configures the Discord platform adapter. The adapter itself
// is pluggable; the host only carries its wiring config.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// ChannelsConfig groups platform adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// SandboxConfig configures the agent sandbox runtime.
type SandboxConfig struct {
	// Mode selects "ephemeral" (one container per run) or "daemon"
	// (long-lived container per group).
	Mode         string `yaml:"mode"`
	Image        string `yaml:"image"`
	MemoryMB     int64  `yaml:"memory_mb"`
	NetworkMode  string `yaml:"network_mode"`
	AgentCommand string `yaml:"agent_command"`
}

// OtelConfig configures trace export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http" | "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the operator bootstrap configuration read from <home>/config.yaml.
// Runtime tunables live in config/runtime.json and may be hot-reloaded;
// everything here requires a restart.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	DefaultModel string `yaml:"default_model"`
	// DefaultTimezone is used for cron tasks without an explicit timezone.
	DefaultTimezone string `yaml:"default_timezone"`

	Channels ChannelsConfig `yaml:"channels"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Otel     OtelConfig     `yaml:"otel"`
}

// DefaultHomeDir returns ~/.dotclaw, falling back to the working directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dotclaw")
}

// Load reads <home>/config.yaml, applies env overrides and defaults.
// A missing file yields a default config so first-run works.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run; defaults below.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = homeDir

	if v := os.Getenv("DOTCLAW_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("DOTCLAW_DISCORD_TOKEN"); v != "" {
		cfg.Channels.Discord.Token = v
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "claude-sonnet"
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "UTC"
	}
	if c.Sandbox.Mode == "" {
		c.Sandbox.Mode = "ephemeral"
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "dotclaw-agent:latest"
	}
	if c.Sandbox.MemoryMB <= 0 {
		c.Sandbox.MemoryMB = 2048
	}
	if c.Sandbox.NetworkMode == "" {
		c.Sandbox.NetworkMode = "bridge"
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "dotclaw"
	}
}

// Paths resolves the on-disk layout under the home directory.
type Paths struct {
	Home string
}

func (c *Config) Paths() Paths { return Paths{Home: c.HomeDir} }

func (p Paths) ConfigDir() string          { return filepath.Join(p.Home, "config") }
func (p Paths) DataDir() string            { return filepath.Join(p.Home, "data") }
func (p Paths) GroupsDir() string          { return filepath.Join(p.Home, "groups") }
func (p Paths) RuntimeConfig() string      { return filepath.Join(p.ConfigDir(), "runtime.json") }
func (p Paths) ModelConfig() string        { return filepath.Join(p.ConfigDir(), "model.json") }
func (p Paths) ToolPolicyConfig() string   { return filepath.Join(p.ConfigDir(), "tool-policy.json") }
func (p Paths) BehaviorConfig() string     { return filepath.Join(p.ConfigDir(), "behavior.json") }
func (p Paths) MountAllowlist() string     { return filepath.Join(p.ConfigDir(), "mount-allowlist.json") }
func (p Paths) MCPConfig() string          { return filepath.Join(p.ConfigDir(), "mcp-config.json") }
func (p Paths) MessageQueueDB() string     { return filepath.Join(p.DataDir(), "message-queue.db") }
func (p Paths) MemoryDB() string           { return filepath.Join(p.DataDir(), "memory.db") }
func (p Paths) CooldownsFile() string      { return filepath.Join(p.DataDir(), "failover-cooldowns.json") }
func (p Paths) GroupsFile() string         { return filepath.Join(p.DataDir(), "registered_groups.json") }
func (p Paths) SessionsFile() string       { return filepath.Join(p.DataDir(), "sessions.json") }
func (p Paths) TaskThreadsFile() string    { return filepath.Join(p.DataDir(), "task-threads.json") }
func (p Paths) IPCDir() string             { return filepath.Join(p.DataDir(), "ipc") }
func (p Paths) IPCErrorsDir() string       { return filepath.Join(p.IPCDir(), "errors") }
func (p Paths) GroupIPCDir(group string) string { return filepath.Join(p.IPCDir(), group) }

// EnsureLayout creates the directory skeleton the host expects.
func (p Paths) EnsureLayout() error {
	dirs := []string{
		p.ConfigDir(),
		p.DataDir(),
		p.GroupsDir(),
		p.IPCDir(),
		p.IPCErrorsDir(),
		filepath.Join(p.Home, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
