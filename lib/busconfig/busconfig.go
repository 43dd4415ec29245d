// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package busconfig loads bus bring-up configuration from YAML.
//
// Configuration is loaded from a single file specified by:
//   - AXON_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The file is the
// single source of truth for channel topology, security posture,
// backpressure, retry, and module budgets, so a device's bus layout is
// reproducible from the file alone.
package busconfig

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/axon-embedded/axon/lib/bus"
	"github.com/axon-embedded/axon/lib/channel"
	"github.com/axon-embedded/axon/lib/queue"
	"github.com/axon-embedded/axon/lib/quota"
	"github.com/axon-embedded/axon/lib/retry"
	"github.com/axon-embedded/axon/lib/seal"
)

// Config is the full bus bring-up configuration.
type Config struct {
	// Protocol configures the wire codec.
	Protocol ProtocolConfig `yaml:"protocol"`

	// Security configures authentication and freshness checks.
	Security SecurityConfig `yaml:"security"`

	// Retry configures bus-wide resubmission of unacknowledged sends.
	Retry RetryConfig `yaml:"retry"`

	// Channels declares the channel topology in registration order.
	Channels []ChannelConfig `yaml:"channels"`

	// Budgets declares per-module resource budgets.
	Budgets []BudgetConfig `yaml:"budgets"`
}

// ProtocolConfig configures the wire codec.
type ProtocolConfig struct {
	// Version is the protocol version stamped on every message.
	// Zero selects the codec default.
	Version uint8 `yaml:"version"`

	// MaxPayloadBytes bounds payload sizes. Zero selects the codec
	// default.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
}

// SecurityConfig configures authentication and freshness checks.
type SecurityConfig struct {
	// SharedSecret seeds the per-module key schedule. In production
	// the identity subsystem injects this; config files carry it only
	// on development devices.
	SharedSecret string `yaml:"shared_secret"`

	// RequireAuth demands a valid auth tag on every routed message
	// unless a channel overrides it.
	RequireAuth bool `yaml:"require_auth"`

	// Freshness selects timestamp policing: "untrusted" (default) or
	// "required".
	Freshness string `yaml:"freshness"`

	// SkewTicks is the tolerated timestamp distance in required mode.
	SkewTicks uint64 `yaml:"skew_ticks"`
}

// RetryConfig configures bus-wide resubmission.
type RetryConfig struct {
	Enabled          bool   `yaml:"enabled"`
	MaxAttempts      int    `yaml:"max_attempts"`
	BaseBackoffTicks uint64 `yaml:"base_backoff_ticks"`
	MaxBackoffTicks  uint64 `yaml:"max_backoff_ticks"`
	JitterTicks      uint64 `yaml:"jitter_ticks"`
}

// ChannelConfig declares one channel.
type ChannelConfig struct {
	// Name identifies the channel. Required.
	Name string `yaml:"name"`

	// Capabilities lists permitted target classes: core, security,
	// modules, storage, device, ui. Empty permits all.
	Capabilities []string `yaml:"capabilities"`

	// RequireAuth overrides the bus-wide auth requirement for this
	// channel when present.
	RequireAuth *bool `yaml:"require_auth,omitempty"`

	// Subscribers lists modules wired to this channel at bring-up.
	Subscribers []string `yaml:"subscribers"`

	// Quota limits send rate on this channel. Absent means unlimited.
	Quota *QuotaConfig `yaml:"quota,omitempty"`

	// Backpressure bounds this channel's queue. Absent keeps the bus
	// default.
	Backpressure *BackpressureConfig `yaml:"backpressure,omitempty"`
}

// QuotaConfig is a per-channel send-rate limit.
type QuotaConfig struct {
	MaxMessages int    `yaml:"max_messages"`
	WindowTicks uint64 `yaml:"window_ticks"`
}

// BackpressureConfig bounds one channel's queue.
type BackpressureConfig struct {
	MaxQueue    int `yaml:"max_queue"`
	MaxInFlight int `yaml:"max_in_flight"`
	MaxBytes    int `yaml:"max_bytes"`

	// Policy selects overflow handling: drop_oldest, drop_low_priority,
	// or reject_new.
	Policy string `yaml:"policy"`
}

// BudgetConfig is one module's resource budget.
type BudgetConfig struct {
	Module          string `yaml:"module"`
	CPUBudgetMs     uint64 `yaml:"cpu_budget_ms"`
	GPUBudgetMs     uint64 `yaml:"gpu_budget_ms"`
	LatencyBudgetMs uint64 `yaml:"latency_budget_ms"`
	WindowTicks     uint64 `yaml:"window_ticks"`
}

// Load loads configuration from the AXON_CONFIG environment variable.
//
// There are no fallbacks: if AXON_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("AXON_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("AXON_CONFIG environment variable not set; " +
			"set it to the path of your axon.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a configuration document and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing bus config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Security.Freshness != "" {
		if _, err := parseFreshness(c.Security.Freshness); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Retry.Enabled && c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive when retry is enabled"))
	}

	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("channels[%d]: name is required", i))
			continue
		}
		if seen[ch.Name] {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate channel %q", i, ch.Name))
		}
		seen[ch.Name] = true
		if _, err := parseCapabilities(ch.Capabilities); err != nil {
			errs = append(errs, fmt.Errorf("channel %q: %w", ch.Name, err))
		}
		if ch.Backpressure != nil && ch.Backpressure.Policy != "" {
			if _, err := parsePolicy(ch.Backpressure.Policy); err != nil {
				errs = append(errs, fmt.Errorf("channel %q: %w", ch.Name, err))
			}
		}
		if ch.Quota != nil && ch.Quota.MaxMessages > 0 && ch.Quota.WindowTicks == 0 {
			errs = append(errs, fmt.Errorf("channel %q: quota.window_ticks is required with max_messages", ch.Name))
		}
	}

	for i, budget := range c.Budgets {
		if budget.Module == "" {
			errs = append(errs, fmt.Errorf("budgets[%d]: module is required", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Build constructs a bus from the configuration and applies the full
// bring-up sequence: security, retry, channels with their
// capabilities, quotas, backpressure and subscribers, then budgets.
func (c *Config) Build(opts bus.Options) (*bus.Bus, error) {
	opts.ProtocolVersion = c.Protocol.Version
	opts.MaxPayload = c.Protocol.MaxPayloadBytes
	b := bus.New(opts)
	if err := c.Apply(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Apply configures an existing bus from the configuration. The config
// must have passed Validate; Apply reports the first wiring error.
func (c *Config) Apply(b *bus.Bus) error {
	if c.Security.SharedSecret != "" || c.Security.RequireAuth {
		b.ConfigureSecurity([]byte(c.Security.SharedSecret), c.Security.RequireAuth)
	}
	if c.Security.Freshness != "" {
		mode, err := parseFreshness(c.Security.Freshness)
		if err != nil {
			return err
		}
		b.ConfigureTimeSkew(mode, c.Security.SkewTicks)
	}
	if c.Retry.Enabled {
		b.ConfigureRetry(retry.Policy{
			Enabled:          true,
			MaxAttempts:      c.Retry.MaxAttempts,
			BaseBackoffTicks: c.Retry.BaseBackoffTicks,
			MaxBackoffTicks:  c.Retry.MaxBackoffTicks,
			JitterTicks:      c.Retry.JitterTicks,
		})
	}

	for _, chConfig := range c.Channels {
		b.RegisterChannel(chConfig.Name)
		if len(chConfig.Capabilities) > 0 {
			mask, err := parseCapabilities(chConfig.Capabilities)
			if err != nil {
				return fmt.Errorf("channel %q: %w", chConfig.Name, err)
			}
			if err := b.SetChannelCapabilities(chConfig.Name, mask); err != nil {
				return err
			}
		}
		if chConfig.RequireAuth != nil {
			if err := b.SetChannelRequireAuth(chConfig.Name, *chConfig.RequireAuth); err != nil {
				return err
			}
		}
		if chConfig.Quota != nil {
			err := b.SetChannelQuota(chConfig.Name, channel.Quota{
				MaxMessages: chConfig.Quota.MaxMessages,
				WindowTicks: chConfig.Quota.WindowTicks,
			})
			if err != nil {
				return err
			}
		}
		if chConfig.Backpressure != nil {
			bp, err := backpressureFrom(chConfig.Backpressure)
			if err != nil {
				return fmt.Errorf("channel %q: %w", chConfig.Name, err)
			}
			if err := b.ConfigureBackpressure(chConfig.Name, bp); err != nil {
				return err
			}
		}
		for _, subscriber := range chConfig.Subscribers {
			if err := b.Subscribe(subscriber, chConfig.Name); err != nil {
				return err
			}
		}
	}

	for _, budget := range c.Budgets {
		b.SetBudget(budget.Module, quota.Budget{
			CPUBudgetMs:     budget.CPUBudgetMs,
			GPUBudgetMs:     budget.GPUBudgetMs,
			LatencyBudgetMs: budget.LatencyBudgetMs,
			WindowTicks:     budget.WindowTicks,
		})
	}
	return nil
}

// backpressureFrom converts the YAML form, leaving zero fields at
// their queue-level meanings (unlimited).
func backpressureFrom(bp *BackpressureConfig) (queue.Backpressure, error) {
	policy := queue.DropOldest
	if bp.Policy != "" {
		parsed, err := parsePolicy(bp.Policy)
		if err != nil {
			return queue.Backpressure{}, err
		}
		policy = parsed
	}
	return queue.Backpressure{
		MaxQueue:    bp.MaxQueue,
		MaxInFlight: bp.MaxInFlight,
		MaxBytes:    bp.MaxBytes,
		Policy:      policy,
	}, nil
}

func parseFreshness(value string) (seal.FreshnessMode, error) {
	switch value {
	case "untrusted":
		return seal.Untrusted, nil
	case "required":
		return seal.Required, nil
	default:
		return seal.Untrusted, fmt.Errorf("invalid freshness mode %q (want untrusted or required)", value)
	}
}

func parsePolicy(value string) (queue.DropPolicy, error) {
	switch value {
	case "drop_oldest":
		return queue.DropOldest, nil
	case "drop_low_priority":
		return queue.DropLowPriority, nil
	case "reject_new":
		return queue.RejectNew, nil
	default:
		return queue.DropOldest, fmt.Errorf("invalid backpressure policy %q (want drop_oldest, drop_low_priority, or reject_new)", value)
	}
}

func parseCapabilities(names []string) (channel.Capability, error) {
	if len(names) == 0 {
		return channel.CapAll, nil
	}
	var mask channel.Capability
	for _, name := range names {
		switch name {
		case "core":
			mask |= channel.CapCore
		case "security":
			mask |= channel.CapSecurity
		case "modules":
			mask |= channel.CapModules
		case "storage":
			mask |= channel.CapStorage
		case "device":
			mask |= channel.CapDevice
		case "ui":
			mask |= channel.CapUi
		default:
			return 0, fmt.Errorf("invalid capability %q", name)
		}
	}
	return mask, nil
}
