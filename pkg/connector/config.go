// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/vkteams-telegram-bridge/pkg/persist"
	"github.com/aiku/vkteams-telegram-bridge/pkg/retry"
	"github.com/aiku/vkteams-telegram-bridge/pkg/vault"
)

//go:embed example-config.yaml
var ExampleConfig string

// ErrInvalidConfig is returned for configuration the bridge cannot start with.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the bridge configuration file.
type Config struct {
	VKTeams  VKTeamsConfig     `yaml:"vkteams"`
	Telegram TelegramConfig    `yaml:"telegram"`
	State    StateConfig       `yaml:"state"`
	Secret   SecretConfig      `yaml:"secret"`
	Retry    RetryConfig       `yaml:"retry"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

type VKTeamsConfig struct {
	APIURL   string `yaml:"api_url"`
	Token    string `yaml:"token"`
	PollTime int    `yaml:"poll_time"`
}

type TelegramConfig struct {
	APIURL             string `yaml:"api_url"`
	PollTimeout        int    `yaml:"poll_timeout"`
	MaxFileSize        int64  `yaml:"max_file_size"`
}

type StateConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
}

type SecretConfig struct {
	Key       string `yaml:"key"`
	Algorithm string `yaml:"algorithm"`
}

type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	PollBaseDelay time.Duration `yaml:"poll_base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Jitter        time.Duration `yaml:"jitter"`
	RateLimit     float64       `yaml:"rate_limit"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// envOverrides are the variables the bridge has always been configured
// with. Set variables win over the file.
type envOverrides struct {
	VKToken      string `env:"VK_BOT_TOKEN"`
	VKAPI        string `env:"VK_API"`
	SecretKey    string `env:"SECRET_KEY"`
	StateFile    string `env:"STATE_FILE"`
	StateBackend string `env:"STATE_BACKEND"`
	TelegramAPI  string `env:"TELEGRAM_API"`
	RedisAddr    string `env:"REDIS_ADDR"`
}

// ApplyEnv overlays environment variables onto the config.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("decoding environment: %w", err)
	}
	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&c.VKTeams.Token, env.VKToken)
	setIf(&c.VKTeams.APIURL, env.VKAPI)
	setIf(&c.Secret.Key, env.SecretKey)
	setIf(&c.State.Path, env.StateFile)
	setIf(&c.State.Backend, env.StateBackend)
	setIf(&c.Telegram.APIURL, env.TelegramAPI)
	setIf(&c.State.RedisAddr, env.RedisAddr)
	return nil
}

// PostProcess fills defaults and validates the config.
func (c *Config) PostProcess() error {
	if c.VKTeams.APIURL == "" || c.VKTeams.Token == "" {
		return fmt.Errorf("%w: vkteams.api_url and vkteams.token (VK_API, VK_BOT_TOKEN) are required", ErrInvalidConfig)
	}
	if c.VKTeams.PollTime <= 0 {
		c.VKTeams.PollTime = 30
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = 30
	}
	switch c.State.Backend {
	case "", persist.BackendFile, persist.BackendBolt:
		if c.State.Path == "" {
			return fmt.Errorf("%w: state.path is required for the %q backend", ErrInvalidConfig, c.State.Backend)
		}
	case persist.BackendRedis:
		if c.State.RedisAddr == "" {
			return fmt.Errorf("%w: state.redis_addr is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown state.backend %q", ErrInvalidConfig, c.State.Backend)
	}
	switch c.Secret.Algorithm {
	case "", vault.AlgorithmAESGCM, vault.AlgorithmXChaCha20, vault.AlgorithmAge:
	default:
		return fmt.Errorf("%w: unknown secret.algorithm %q", ErrInvalidConfig, c.Secret.Algorithm)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must not be negative", ErrInvalidConfig)
	}
	return nil
}

// BoundedPolicy is the retry policy for sends, uploads and downloads.
func (c *Config) BoundedPolicy() retry.Policy {
	p := retry.Bounded
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	c.Retry.applyDelays(&p, c.Retry.BaseDelay)
	return p
}

// PollPolicy is the never-ending retry policy for long polls.
func (c *Config) PollPolicy() retry.Policy {
	p := retry.Forever
	c.Retry.applyDelays(&p, c.Retry.PollBaseDelay)
	return p
}

func (r RetryConfig) applyDelays(p *retry.Policy, base time.Duration) {
	if base > 0 {
		p.BaseDelay = base
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	if r.Jitter > 0 {
		p.Jitter = r.Jitter
	}
}

// PersistOptions maps the state section onto persist.Options.
func (c *Config) PersistOptions() persist.Options {
	return persist.Options{
		Backend:   c.State.Backend,
		Path:      c.State.Path,
		RedisAddr: c.State.RedisAddr,
		RedisKey:  c.State.RedisKey,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "vkteams", "api_url")
	helper.Copy(up.Str, "vkteams", "token")
	helper.Copy(up.Int, "vkteams", "poll_time")

	helper.Copy(up.Str, "telegram", "api_url")
	helper.Copy(up.Int, "telegram", "poll_timeout")
	helper.Copy(up.Int, "telegram", "max_file_size")

	helper.Copy(up.Str, "state", "backend")
	helper.Copy(up.Str, "state", "path")
	helper.Copy(up.Str, "state", "redis_addr")
	helper.Copy(up.Str, "state", "redis_key")

	helper.Copy(up.Str|up.Null, "secret", "key")
	helper.Copy(up.Str, "secret", "algorithm")

	helper.Copy(up.Int, "retry", "max_attempts")
	helper.Copy(up.Str, "retry", "base_delay")
	helper.Copy(up.Str, "retry", "poll_base_delay")
	helper.Copy(up.Str, "retry", "max_delay")
	helper.Copy(up.Str, "retry", "jitter")
	helper.Copy(up.Int|up.Float, "retry", "rate_limit")

	helper.Copy(up.Map, "logging")
}

// Upgrader fills keys missing from an older config file from the example.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}

// LoadConfig reads the config at path, upgrading it in place when save is
// set, then applies environment overrides and validates. A missing file
// falls back to the example config so env-only deployments keep working.
func LoadConfig(path string, save bool) (*Config, error) {
	data := []byte(ExampleConfig)
	if _, err := os.Stat(path); err == nil {
		data, _, err = up.Do(path, save, Upgrader)
		if err != nil {
			return nil, fmt.Errorf("upgrading config: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config, applies environment overrides and
// validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
