package hypervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64, cfg.AgingRounds)
	assert.Equal(t, 0.75, cfg.RTUtilizationCap)
	assert.Equal(t, time.Millisecond, cfg.Quantum)
	assert.Equal(t, uint32(1024), cfg.DefaultWeight)
	assert.Zero(t, cfg.Cores, "zero cores follows the capabilities")
}

func TestParseConfig(t *testing.T) {
	t.Run("overrides on top of defaults", func(t *testing.T) {
		cfg, err := ParseConfig(strings.NewReader(`
cores: 2
quantum: 500us
aging_rounds: 8
large_pages: false
log_level: debug
`))
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Cores)
		assert.Equal(t, 500*time.Microsecond, cfg.Quantum)
		assert.Equal(t, 8, cfg.AgingRounds)
		assert.False(t, cfg.LargePages)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, DefaultConfig().ControlStructures, cfg.ControlStructures)
	})

	t.Run("empty input is the default", func(t *testing.T) {
		cfg, err := ParseConfig(strings.NewReader(""))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		_, err := ParseConfig(strings.NewReader("quantom: 1ms\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quantom")
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		_, err := ParseConfig(strings.NewReader("rt_utilization_cap: 1.5\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rt_utilization_cap")
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("control_structures: 32\ntimer_vector: 239\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.ControlStructures)
	assert.Equal(t, uint8(0xEF), cfg.TimerVector)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative cores", func(c *Config) { c.Cores = -1 }, "cores"},
		{"no control structures", func(c *Config) { c.ControlStructures = 0 }, "control_structures"},
		{"one table frame", func(c *Config) { c.TableFrames = 1 }, "table_frames"},
		{"zero quantum", func(c *Config) { c.Quantum = 0 }, "quantum"},
		{"zero weight", func(c *Config) { c.DefaultWeight = 0 }, "default_weight"},
		{"zero aging", func(c *Config) { c.AgingRounds = 0 }, "aging_rounds"},
		{"zero rt cap", func(c *Config) { c.RTUtilizationCap = 0 }, "rt_utilization_cap"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() accepted %+v", cfg)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.field)
			}
		})
	}
}
