package hypervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the engine tunables.
type Config struct {
	// Cores is the number of run loops. Zero uses Capabilities.Cores.
	Cores int `yaml:"cores"`
	// ControlStructures is the capacity of the control structure pool.
	ControlStructures int `yaml:"control_structures"`
	// TableFrames is the number of 4 KiB pages available to translation tables.
	TableFrames int `yaml:"table_frames"`
	// LargePages enables 2 MiB and 1 GiB leaves where the hardware allows.
	LargePages bool `yaml:"large_pages"`

	Quantum       time.Duration `yaml:"quantum"`
	DefaultWeight uint32        `yaml:"default_weight"`
	// AgingRounds is the number of scheduling rounds a Fair vCPU may wait
	// before it is served ahead of RealTime work.
	AgingRounds int `yaml:"aging_rounds"`
	// RTUtilizationCap bounds the summed budget/period of RealTime vCPUs per core.
	RTUtilizationCap float64 `yaml:"rt_utilization_cap"`
	// TimerVector is the host vector of the scheduling timer (SVM hosts).
	TimerVector uint8 `yaml:"timer_vector"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ControlStructures: 256,
		TableFrames:       1 << 16,
		LargePages:        true,
		Quantum:           time.Millisecond,
		DefaultWeight:     1024,
		AgingRounds:       64,
		RTUtilizationCap:  0.75,
		TimerVector:       0xEC,
		LogLevel:          "info",
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("hv: failed to open config %s: %w", path, err)
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig decodes a YAML configuration on top of DefaultConfig.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("hv: failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Cores < 0:
		return fmt.Errorf("hv: config: cores must not be negative (got %d)", c.Cores)
	case c.ControlStructures <= 0:
		return fmt.Errorf("hv: config: control_structures must be positive (got %d)", c.ControlStructures)
	case c.TableFrames < 2:
		return fmt.Errorf("hv: config: table_frames must be at least 2 (got %d)", c.TableFrames)
	case c.Quantum <= 0:
		return fmt.Errorf("hv: config: quantum must be positive (got %v)", c.Quantum)
	case c.DefaultWeight == 0:
		return fmt.Errorf("hv: config: default_weight must be positive")
	case c.AgingRounds <= 0:
		return fmt.Errorf("hv: config: aging_rounds must be positive (got %d)", c.AgingRounds)
	case c.RTUtilizationCap <= 0 || c.RTUtilizationCap > 1:
		return fmt.Errorf("hv: config: rt_utilization_cap must be in (0, 1] (got %v)", c.RTUtilizationCap)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("hv: config: %w", err)
	}
	return nil
}
