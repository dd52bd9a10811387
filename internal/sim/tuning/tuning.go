package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz    int `yaml:"tick_rate_hz"`
	TickQuantumMs int `yaml:"tick_quantum_ms"`
	DayTicks      int `yaml:"day_ticks"`

	Workers           int `yaml:"workers"`
	DispatchTimeoutMs int `yaml:"dispatch_timeout_ms"`

	RebalanceEveryTicks int     `yaml:"rebalance_every_ticks"`
	RebalanceTolerance  float64 `yaml:"rebalance_tolerance"`

	CheckpointEveryTicks int `yaml:"checkpoint_every_ticks"`
	CheckpointKeep       int `yaml:"checkpoint_keep"`

	Breaker Breaker `yaml:"breaker"`
	Pacing  Pacing  `yaml:"pacing"`
}

type Breaker struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxFailures   int `yaml:"max_failures"`
}

type Pacing struct {
	LagThreshold      int `yaml:"lag_threshold"`
	RecoveryThreshold int `yaml:"recovery_threshold"`
	StepMs            int `yaml:"step_ms"`
	MaxFactor         int `yaml:"max_factor"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:      "1.0",
		TickRateHz:           5,
		TickQuantumMs:        60_000,
		DayTicks:             6000,
		Workers:              4,
		DispatchTimeoutMs:    1500,
		RebalanceEveryTicks:  50,
		RebalanceTolerance:   0.25,
		CheckpointEveryTicks: 300,
		CheckpointKeep:       5,
		Breaker: Breaker{
			WindowSeconds: 60,
			MaxFailures:   3,
		},
		Pacing: Pacing{
			LagThreshold:      5,
			RecoveryThreshold: 10,
			StepMs:            50,
			MaxFactor:         4,
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values with defaults so partial files work.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.TickRateHz == 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.TickQuantumMs == 0 {
		t.TickQuantumMs = d.TickQuantumMs
	}
	if t.DayTicks == 0 {
		t.DayTicks = d.DayTicks
	}
	if t.Workers == 0 {
		t.Workers = d.Workers
	}
	if t.DispatchTimeoutMs == 0 {
		t.DispatchTimeoutMs = d.DispatchTimeoutMs
	}
	if t.RebalanceEveryTicks == 0 {
		t.RebalanceEveryTicks = d.RebalanceEveryTicks
	}
	if t.RebalanceTolerance == 0 {
		t.RebalanceTolerance = d.RebalanceTolerance
	}
	if t.CheckpointEveryTicks == 0 {
		t.CheckpointEveryTicks = d.CheckpointEveryTicks
	}
	if t.CheckpointKeep == 0 {
		t.CheckpointKeep = d.CheckpointKeep
	}
	if t.Breaker.WindowSeconds == 0 {
		t.Breaker.WindowSeconds = d.Breaker.WindowSeconds
	}
	if t.Breaker.MaxFailures == 0 {
		t.Breaker.MaxFailures = d.Breaker.MaxFailures
	}
	if t.Pacing.LagThreshold == 0 {
		t.Pacing.LagThreshold = d.Pacing.LagThreshold
	}
	if t.Pacing.RecoveryThreshold == 0 {
		t.Pacing.RecoveryThreshold = d.Pacing.RecoveryThreshold
	}
	if t.Pacing.StepMs == 0 {
		t.Pacing.StepMs = d.Pacing.StepMs
	}
	if t.Pacing.MaxFactor == 0 {
		t.Pacing.MaxFactor = d.Pacing.MaxFactor
	}
}

func (t Tuning) Validate() error {
	if t.TickRateHz < 1 {
		return fmt.Errorf("tick_rate_hz must be >= 1")
	}
	if t.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if t.DispatchTimeoutMs < 1 {
		return fmt.Errorf("dispatch_timeout_ms must be >= 1")
	}
	if t.RebalanceTolerance < 0 {
		return fmt.Errorf("rebalance_tolerance must be >= 0")
	}
	if t.Breaker.MaxFailures < 1 {
		return fmt.Errorf("breaker.max_failures must be >= 1")
	}
	if t.Pacing.LagThreshold < 1 || t.Pacing.RecoveryThreshold < 1 {
		return fmt.Errorf("pacing thresholds must be >= 1")
	}
	if t.Pacing.MaxFactor < 1 {
		return fmt.Errorf("pacing.max_factor must be >= 1")
	}
	return nil
}
