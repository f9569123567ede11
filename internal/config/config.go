// Package config holds the recognized configuration of §6.3, loaded from
// CLI flags (grounded on doismellburning-samoyed's pflag-based
// appserver.go) with an optional YAML overlay (grounded on the teacher's
// indirect gopkg.in/yaml.v3 dependency, promoted to direct use here).
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the subset of §6.3 this subsystem reads at Multi.init time.
// Transport-provided values (sample format, channels, rate, volume/mute)
// are supplied separately by the transport at construction time — they
// are not operator-configurable here.
type Config struct {
	// MultiEnabled gates the whole subsystem: if false, callers should
	// treat every transport PCM as if this package were absent.
	MultiEnabled bool `yaml:"multi_enabled"`

	// MaxClients bounds Multi.add_client (default 32).
	MaxClients int `yaml:"max_clients"`

	// BufferPeriods is the Ring Mix Buffer's total capacity in periods
	// (default 16).
	BufferPeriods int `yaml:"buffer_periods"`

	// MixThresholdPeriods is MIX_THRESHOLD, 2..4 periods.
	MixThresholdPeriods int `yaml:"mix_threshold_periods"`

	// ClientThresholdPeriods is CLIENT_THRESHOLD, periods a playback
	// client must locally buffer before entering Running.
	ClientThresholdPeriods int `yaml:"client_threshold_periods"`

	// DrainSettleNanos is the fixed settle delay between pipe-drained and
	// the deferred Drain reply (default 300ms).
	DrainSettleNanos int64 `yaml:"drain_settle_ns"`
}

// Default returns the configuration defaults named in §6.3.
func Default() Config {
	return Config{
		MultiEnabled:           true,
		MaxClients:             32,
		BufferPeriods:          16,
		MixThresholdPeriods:    2,
		ClientThresholdPeriods: 2,
		DrainSettleNanos:       300_000_000,
	}
}

// Validate enforces the ranges §6.3/§4.1 call out (MIX_THRESHOLD 2..4,
// positive capacities).
func (c Config) Validate() error {
	if c.MaxClients <= 0 {
		return fmt.Errorf("config: max_clients must be positive, got %d", c.MaxClients)
	}
	if c.BufferPeriods <= 0 {
		return fmt.Errorf("config: buffer_periods must be positive, got %d", c.BufferPeriods)
	}
	if c.MixThresholdPeriods < 2 || c.MixThresholdPeriods > 4 {
		return fmt.Errorf("config: mix_threshold_periods must be in [2,4], got %d", c.MixThresholdPeriods)
	}
	if c.ClientThresholdPeriods < 1 {
		return fmt.Errorf("config: client_threshold_periods must be positive, got %d", c.ClientThresholdPeriods)
	}
	if c.DrainSettleNanos <= 0 {
		return fmt.Errorf("config: drain_settle_ns must be positive, got %d", c.DrainSettleNanos)
	}
	return nil
}

// LoadFile overlays YAML-encoded fields from path onto a base config
// (typically Default()), leaving fields absent from the file untouched.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// RegisterFlags binds this Config's fields to a pflag.FlagSet, the same
// construction shape as the teacher's internal/config/config.go
// ParseFlags. Call fs.Parse afterward; defaults are taken from *c as
// passed in (typically Default()).
func RegisterFlags(fs *pflag.FlagSet, c *Config) {
	fs.BoolVar(&c.MultiEnabled, "multi-enabled", c.MultiEnabled, "enable the PCM multi-client mixer/demixer")
	fs.IntVar(&c.MaxClients, "max-clients", c.MaxClients, "maximum clients per transport PCM")
	fs.IntVar(&c.BufferPeriods, "buffer-periods", c.BufferPeriods, "Ring Mix Buffer capacity, in periods")
	fs.IntVar(&c.MixThresholdPeriods, "mix-threshold-periods", c.MixThresholdPeriods, "periods buffered before the transport is signaled to start (2-4)")
	fs.IntVar(&c.ClientThresholdPeriods, "client-threshold-periods", c.ClientThresholdPeriods, "periods a playback client buffers locally before Running")
	fs.Int64Var(&c.DrainSettleNanos, "drain-settle-ns", c.DrainSettleNanos, "settle delay between pipe-drained and the deferred Drain reply")
}
