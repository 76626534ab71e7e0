/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config reads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/xilinx-cns/clockd/internal/discipline"
	"github.com/xilinx-cns/clockd/servo"
)

// SyncInstance is one configured master/slave clock pair.
type SyncInstance struct {
	Name             string        `yaml:"name"`
	MasterClock      string        `yaml:"master_clock"`
	SlaveClock       string        `yaml:"slave_clock"`
	SyncIntervalLog2 float64       `yaml:"sync_interval_log2"`
	PIKp             float64       `yaml:"pid_kp"`
	PIKi             float64       `yaml:"pid_ki"`
	ConvergenceThreshold float64   `yaml:"convergence_threshold_ns"`
	ConvergenceExpression string  `yaml:"convergence_expression"`
	ControlModes     []string      `yaml:"control_modes"`
	EpochGuard       string        `yaml:"epoch_guard"`
	StepThreshold    time.Duration `yaml:"step_threshold"`
	SustainedFailurePeriod time.Duration `yaml:"sustained_failure_period"`
	FIRMaxDepth      int           `yaml:"fir_max_depth"`
}

// PHCClock names one PHC device the daemon should register as a
// disciplinable clock alongside the implicit system clock.
type PHCClock struct {
	Name   string `yaml:"name"`
	Device string `yaml:"device"`
}

// Config is the top-level daemon configuration, per the "Environment /
// configuration consumed" surface: state directory path, run directory,
// file ownership, rt-stats ring size, hotplug detection mode, metrics
// socket path and OpenMetrics options, plus the list of configured sync
// instances.
type Config struct {
	StateDir       string `yaml:"state_dir"`
	RunDir         string `yaml:"run_dir"`
	User           string `yaml:"user"`
	Group          string `yaml:"group"`
	UID            int    `yaml:"uid"`
	GID            int    `yaml:"gid"`

	RTStatsRingSize int    `yaml:"rt_stats_ring_size"`
	HotplugDetection string `yaml:"hotplug_detection"` // "initial-scan" or "manual"

	MetricsSocketPath string `yaml:"metrics_socket_path"`
	MetricsMaxConns   int    `yaml:"metrics_max_conns"`
	AlarmStateset     bool   `yaml:"alarm_stateset"`
	ServoTimes        bool   `yaml:"servo_times"`

	AssumeOnePHCPerNIC bool `yaml:"assume_one_phc_per_nic"`

	SyncInterval time.Duration `yaml:"sync_interval"`

	PHCClocks []PHCClock `yaml:"phc_clocks"`

	SyncInstances []SyncInstance `yaml:"sync_instances"`
}

// defaults mirrors the zero-value fallbacks used throughout the corpus's
// config loaders: a loader applies sane defaults before unmarshalling so
// an absent YAML key doesn't zero out a field that needs a non-zero
// default.
func defaults() Config {
	return Config{
		StateDir:          "/var/lib/clockd",
		RunDir:            "/var/run/clockd",
		RTStatsRingSize:   64,
		HotplugDetection:  "initial-scan",
		MetricsSocketPath: "/var/run/clockd/metrics.sock",
		MetricsMaxConns:   16,
		SyncInterval:      time.Second,
	}
}

// ReadConfig reads and strictly unmarshals the YAML file at path,
// applying defaults first so unset keys don't zero out required
// fields, then validates the result.
func ReadConfig(path string) (*Config, error) {
	c := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.EvalAndValidate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// EvalAndValidate checks the loaded config for obviously-bad values.
func (c *Config) EvalAndValidate() error {
	if c.StateDir == "" {
		return fmt.Errorf("bad config: 'state_dir' must not be empty")
	}
	if c.RunDir == "" {
		return fmt.Errorf("bad config: 'run_dir' must not be empty")
	}
	if c.RTStatsRingSize <= 0 {
		return fmt.Errorf("bad config: 'rt_stats_ring_size' must be >0")
	}
	if c.HotplugDetection != "initial-scan" && c.HotplugDetection != "manual" {
		return fmt.Errorf("bad config: 'hotplug_detection' must be 'initial-scan' or 'manual'")
	}
	if c.MetricsSocketPath == "" {
		return fmt.Errorf("bad config: 'metrics_socket_path' must not be empty")
	}
	if c.MetricsMaxConns <= 0 || c.MetricsMaxConns > 64 {
		return fmt.Errorf("bad config: 'metrics_max_conns' must be between 1 and 64")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("bad config: 'sync_interval' must be >0")
	}
	for i, p := range c.PHCClocks {
		if p.Name == "" || p.Device == "" {
			return fmt.Errorf("bad config: phc_clocks[%d]: 'name' and 'device' must both be set", i)
		}
	}
	for i := range c.SyncInstances {
		if err := c.SyncInstances[i].validate(); err != nil {
			return fmt.Errorf("bad config: sync instance %d: %w", i, err)
		}
	}
	return nil
}

func (s *SyncInstance) validate() error {
	if s.Name == "" {
		return fmt.Errorf("'name' must not be empty")
	}
	if s.MasterClock == "" || s.SlaveClock == "" {
		return fmt.Errorf("'master_clock' and 'slave_clock' must both be set")
	}
	if s.SyncIntervalLog2 < -10 || s.SyncIntervalLog2 > 10 {
		return fmt.Errorf("'sync_interval_log2' out of sane range")
	}
	return nil
}

// controlModeNames maps the YAML string vocabulary to discipline bits.
var controlModeNames = map[string]discipline.ControlMode{
	"slew-only":         discipline.SlewOnly,
	"slew-and-step":     discipline.SlewAndStep,
	"step-at-startup":   discipline.StepAtStartup,
	"step-on-first-lock": discipline.StepOnFirstLock,
	"step-forward-only": discipline.StepForwardOnly,
}

var epochGuardNames = map[string]discipline.EpochGuardMode{
	"alarm-only":    discipline.EpochAlarmOnly,
	"prevent-sync":  discipline.EpochPreventSync,
	"correct-clock": discipline.EpochCorrectClock,
}

// DisciplineConfig translates this instance's YAML fields into a
// discipline.Config, ready to be handed to discipline.New alongside the
// resolved clock handles.
func (s *SyncInstance) DisciplineConfig() (discipline.Config, error) {
	var modes discipline.ControlMode
	for _, name := range s.ControlModes {
		bit, ok := controlModeNames[name]
		if !ok {
			return discipline.Config{}, fmt.Errorf("config: unknown control mode %q", name)
		}
		modes |= bit
	}

	guard := discipline.EpochAlarmOnly
	if s.EpochGuard != "" {
		g, ok := epochGuardNames[s.EpochGuard]
		if !ok {
			return discipline.Config{}, fmt.Errorf("config: unknown epoch guard mode %q", s.EpochGuard)
		}
		guard = g
	}

	cfg := discipline.Config{
		ControlModes:           modes,
		EpochGuard:             guard,
		StepThreshold:          s.StepThreshold,
		SustainedFailurePeriod: s.SustainedFailurePeriod,
		ConvergenceThreshold:   s.ConvergenceThreshold,
		ConvergenceExpression:  s.ConvergenceExpression,
		SyncIntervalLog2:       s.SyncIntervalLog2,
		FIRMaxDepth:            s.FIRMaxDepth,
	}
	if s.PIKp != 0 || s.PIKi != 0 {
		pidCfg := servo.DefaultPiServoCfg()
		pidCfg.PiKp = s.PIKp
		pidCfg.PiKi = s.PIKi
		cfg.PIDConfig = pidCfg
	}
	// MaxFreqAdjustPPB is left zero here: the engine fills it in from the
	// bound slave clock's own hardware limit once clocks are resolved.
	return cfg, nil
}
