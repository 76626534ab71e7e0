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

// Package discipline is the servo control loop (C4): FIR-filtered delta
// into a PID filter, step/slew policy, epoch-guard, and the
// sustained-failure alarm state machine, driving a clockreg.Registry's
// compare/adjust_time/adjust_frequency operations.
package discipline

import (
	"time"

	"github.com/Knetic/govaluate"
	log "github.com/sirupsen/logrus"

	"github.com/xilinx-cns/clockd/internal/clockreg"
	"github.com/xilinx-cns/clockd/internal/errs"
	"github.com/xilinx-cns/clockd/internal/rtstats"
	"github.com/xilinx-cns/clockd/internal/statefiles"
	"github.com/xilinx-cns/clockd/servo"
)

// ControlMode bits; several may be set at once, per the spec's "step if
// any of (...)" decision tree.
type ControlMode uint8

// Control mode bits.
const (
	SlewOnly ControlMode = 0
	SlewAndStep ControlMode = 1 << iota
	StepAtStartup
	StepOnFirstLock
	StepForwardOnly
)

// EpochGuardMode governs the response to a reference time near the
// epoch or apparently wrapped.
type EpochGuardMode int

// Epoch-guard modes.
const (
	EpochAlarmOnly EpochGuardMode = iota
	EpochPreventSync
	EpochCorrectClock
)

// FailureState is the sustained-failure alarm state machine's state.
type FailureState int

// Failure states.
const (
	FailureOK FailureState = iota
	FailureFailed
	FailureAlarmed
)

// Alarm bits, surfaced via state files and OpenMetrics.
const (
	AlarmClockNearEpoch uint32 = 1 << iota
	AlarmClockCtrlFailure
	AlarmSustainedSyncFailure
)

// epoch-guard bounds from the spec: "t < 1e16 ns or t > 0xFFFC0000 * 1e9
// ns".
const (
	epochLowNS  = int64(1e16)
	epochHighNS = int64(0xFFFC0000) * int64(1e9)
)

// Config configures one Discipline instance (one master/slave pair).
type Config struct {
	ControlModes           ControlMode
	EpochGuard             EpochGuardMode
	StepThreshold          time.Duration
	SustainedFailurePeriod time.Duration
	ConvergenceThreshold   float64 // ns; 0 means "use default"
	SyncIntervalLog2       float64
	MaxFreqAdjustPPB       float64
	PIDConfig              *servo.PiServoCfg
	FIRMaxDepth            int

	// ConvergenceExpression, when set, replaces the numeric
	// ConvergenceThreshold comparison with a govaluate boolean
	// expression over offset_ns, freq_ppb, p_term and i_term, for
	// sites whose convergence criterion isn't a flat offset bound
	// (e.g. also bounding the frequency adjustment). An invalid
	// expression is logged and ignored in favour of the numeric
	// threshold.
	ConvergenceExpression string
}

const defaultConvergenceThresholdNS = 1000.0

// Discipline drives one slave clock toward one master clock.
type Discipline struct {
	cfg     Config
	clocks  *clockreg.Registry
	master  *clockreg.Clock
	slave   *clockreg.Clock
	ring    *rtstats.Ring
	instance string

	fir *servo.FirFilter
	pid *servo.PiServo

	active                bool
	steppedAfterLRCLocked bool
	synchronized          bool
	alarmBits             uint32

	failureState FailureState
	failureSince time.Time

	convergenceCount int
	lastPTerm        float64
	lastITerm        float64

	convergenceExpr *govaluate.EvaluableExpression
}

// New builds a Discipline for one (master, slave) pair.
func New(cfg Config, clocks *clockreg.Registry, master, slave *clockreg.Clock, ring *rtstats.Ring, instance string) *Discipline {
	if cfg.ConvergenceThreshold == 0 {
		cfg.ConvergenceThreshold = defaultConvergenceThresholdNS
	}
	pidCfg := cfg.PIDConfig
	if pidCfg == nil {
		pidCfg = servo.DefaultPiServoCfg()
	}
	base := servo.DefaultServoConfig()
	base.FirstStepThreshold = int64(cfg.StepThreshold)
	pi := servo.NewPiServo(base, pidCfg, slave.FreqCorrectionPPB)
	pi.SetMaxFreq(cfg.MaxFreqAdjustPPB)

	depth := servo.Stiffness(pow2(cfg.SyncIntervalLog2), cfg.FIRMaxDepth)
	var convExpr *govaluate.EvaluableExpression
	if cfg.ConvergenceExpression != "" {
		expr, err := govaluate.NewEvaluableExpression(cfg.ConvergenceExpression)
		if err != nil {
			log.WithError(err).WithField("instance", instance).Warn("discipline: invalid convergence_expression, using numeric threshold")
		} else {
			convExpr = expr
		}
	}
	return &Discipline{
		cfg:             cfg,
		clocks:          clocks,
		master:          master,
		slave:           slave,
		ring:            ring,
		instance:        instance,
		fir:             servo.NewFirFilter(depth),
		pid:             pi,
		convergenceExpr: convExpr,
	}
}

func pow2(x float64) float64 {
	result := 1.0
	if x >= 0 {
		for i := 0; i < int(x); i++ {
			result *= 2
		}
		return result
	}
	for i := 0; i < int(-x); i++ {
		result /= 2
	}
	return result
}

// shouldStep evaluates step vs slew per the decision tree in §4.4.
func (d *Discipline) shouldStep(deltaNS int64) bool {
	modes := d.cfg.ControlModes
	wantsStep := modes&SlewAndStep != 0 ||
		(modes&StepAtStartup != 0 && !d.active) ||
		(modes&StepOnFirstLock != 0 && d.master.HasBeenLockedByReference && !d.steppedAfterLRCLocked) ||
		(modes&StepForwardOnly != 0 && deltaNS < 0)
	if !wantsStep {
		return false
	}
	threshold := d.cfg.StepThreshold.Nanoseconds()
	if threshold == 0 {
		return true
	}
	if deltaNS < 0 {
		deltaNS = -deltaNS
	}
	return deltaNS >= threshold
}

// Synchronise executes the six-step Synchronise() contract for one sync
// interval.
func (d *Discipline) Synchronise(now time.Time) error {
	delta, err := d.clocks.Compare(d.master, d.slave)
	if err != nil {
		d.onFailure(now)
		return err
	}

	masterTime, err := d.clocks.GetTime(d.master)
	if err != nil {
		d.onFailure(now)
		return err
	}
	if guardErr := d.checkEpoch(masterTime); guardErr != nil {
		return guardErr
	}

	deltaNS := delta.Nanoseconds()

	if d.shouldStep(deltaNS) {
		if err := d.clocks.AdjustTime(d.slave, -delta); err != nil {
			d.onFailure(now)
			return err
		}
		d.fir.Reset()
		d.active = true
		if d.master.HasBeenLockedByReference {
			d.steppedAfterLRCLocked = true
		}
		d.onSuccess(now)
		d.emit(now, deltaNS, 0, true)
		return nil
	}

	mean := d.fir.Sample(deltaNS)
	ppb, _ := d.pid.Sample(mean, uint64(now.UnixNano()))
	freqAdjust := clampPPB(ppb, d.cfg.MaxFreqAdjustPPB)
	// PiServo does not expose its internally-scaled kp/ki terms, so the
	// state file's p-term/i-term are approximated from the configured
	// (pre-scaling) gain against this sample.
	if d.cfg.PIDConfig != nil {
		d.lastPTerm = d.cfg.PIDConfig.PiKp * float64(mean)
		d.lastITerm = freqAdjust - d.lastPTerm
	}
	if err := d.clocks.AdjustFrequency(d.slave, freqAdjust); err != nil {
		d.onFailure(now)
		return err
	}

	d.slave.Stats.Record(float64(mean))
	d.trackConvergence(mean, freqAdjust)
	d.onSuccess(now)
	d.emit(now, deltaNS, freqAdjust, false)
	return nil
}

func clampPPB(v, max float64) float64 {
	if max <= 0 {
		return v
	}
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}

func (d *Discipline) checkEpoch(masterTime time.Time) error {
	ns := masterTime.UnixNano()
	if ns >= epochLowNS && ns <= epochHighNS {
		return nil
	}
	d.alarmBits |= AlarmClockNearEpoch
	switch d.cfg.EpochGuard {
	case EpochAlarmOnly:
		log.WithField("instance", d.instance).Warn("discipline: master time near epoch or wrapped")
		return nil
	case EpochPreventSync:
		log.WithField("instance", d.instance).Warn("discipline: epoch guard preventing sync")
		return errs.New(errs.KindAgain, "discipline: epoch guard prevented sync")
	case EpochCorrectClock:
		log.WithField("instance", d.instance).Error("discipline: epoch guard forcing correction to system time")
		sys, err := d.clocks.System()
		if err != nil {
			log.WithField("instance", d.instance).WithError(err).Error("discipline: epoch guard has no system clock to correct from")
			return errs.New(errs.KindAgain, "discipline: epoch guard corrected clock")
		}
		_ = d.clocks.SetTime(d.master, sys, 0, false)
		return errs.New(errs.KindAgain, "discipline: epoch guard corrected clock")
	}
	return nil
}

func (d *Discipline) onFailure(now time.Time) {
	d.alarmBits |= AlarmClockCtrlFailure
	if d.failureState == FailureOK {
		d.failureState = FailureFailed
		d.failureSince = now
		return
	}
	if d.failureState == FailureFailed && now.Sub(d.failureSince) >= d.cfg.SustainedFailurePeriod {
		d.failureState = FailureAlarmed
		d.alarmBits |= AlarmSustainedSyncFailure
		log.WithField("instance", d.instance).Error("discipline: sustained sync failure")
	}
}

func (d *Discipline) onSuccess(now time.Time) {
	d.alarmBits &^= AlarmClockCtrlFailure | AlarmSustainedSyncFailure
	d.failureState = FailureOK
}

func (d *Discipline) trackConvergence(meanNS int64, freqAdjustPPB float64) {
	absMeanNS := meanNS
	if absMeanNS < 0 {
		absMeanNS = -absMeanNS
	}
	if d.withinConvergenceBound(absMeanNS, freqAdjustPPB) {
		d.convergenceCount++
		if d.convergenceCount >= 10 {
			d.synchronized = true
		}
	} else {
		d.convergenceCount = 0
		d.synchronized = false
	}
}

func (d *Discipline) withinConvergenceBound(absMeanNS int64, freqAdjustPPB float64) bool {
	if d.convergenceExpr == nil {
		return float64(absMeanNS) <= d.cfg.ConvergenceThreshold
	}
	result, err := d.convergenceExpr.Evaluate(map[string]interface{}{
		"offset_ns": float64(absMeanNS),
		"freq_ppb":  freqAdjustPPB,
		"p_term":    d.lastPTerm,
		"i_term":    d.lastITerm,
	})
	if err != nil {
		log.WithError(err).WithField("instance", d.instance).Warn("discipline: convergence_expression evaluation failed, treating as not converged")
		return false
	}
	ok, _ := result.(bool)
	return ok
}

func (d *Discipline) emit(now time.Time, offsetNS int64, freqAdjustPPB float64, stepped bool) {
	if d.ring == nil {
		return
	}
	d.ring.Push(rtstats.Entry{
		Instance:      d.instance,
		MasterClockID: d.master.ID.String(),
		SlaveClockID:  d.slave.ID.String(),
		Disciplining:  d.slave.Discipline,
		InSync:        d.synchronized,
		AlarmBits:     d.alarmBits,
		Present:       rtstats.PresentOffset | rtstats.PresentFreqAdjust,
		OffsetNS:      offsetNS,
		FreqAdjustPPB: freqAdjustPPB,
		LogTimeUnixNano: now.UnixNano(),
	})
}

// SaveState writes the slave's state file on every call, whether or not
// the last Synchronise succeeded (its alarms line carries any failure),
// and, when synchronized, also persists the frequency correction.
func (d *Discipline) SaveState(dir *statefiles.Dir) error {
	alarms := alarmNames(d.alarmBits)
	if err := d.clocks.SaveState(dir, d.slave, d.master, alarms, 0, d.slave.FreqCorrectionPPB, d.synchronized, d.lastPTerm, d.lastITerm, "clock_adjtime"); err != nil {
		return err
	}
	if d.synchronized {
		return d.clocks.SaveFreqCorrection(dir, d.slave)
	}
	return nil
}

func alarmNames(bits uint32) []string {
	var names []string
	if bits&AlarmClockNearEpoch != 0 {
		names = append(names, "CLOCK_NEAR_EPOCH")
	}
	if bits&AlarmClockCtrlFailure != 0 {
		names = append(names, "CLOCK_CTRL_FAILURE")
	}
	if bits&AlarmSustainedSyncFailure != 0 {
		names = append(names, "SUSTAINED_SYNC_FAILURE")
	}
	return names
}

// Active reports whether the slave has been stepped at least once;
// slewing alone does not set it.
func (d *Discipline) Active() bool { return d.active }

// SteppedAfterLockRef reports whether step-on-first-lock has fired.
func (d *Discipline) SteppedAfterLockRef() bool { return d.steppedAfterLRCLocked }

// Synchronized reports whether the convergence tracker currently
// considers the slave in sync.
func (d *Discipline) Synchronized() bool { return d.synchronized }

// FailureStateValue returns the current sustained-failure state.
func (d *Discipline) FailureStateValue() FailureState { return d.failureState }

// AlarmBits returns the current alarm bitset.
func (d *Discipline) AlarmBits() uint32 { return d.alarmBits }
