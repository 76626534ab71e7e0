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

// Package clockreg is the clock registry (C3): the canonical record per
// disciplinable clock, clock/interface binding, deduplication,
// frequency-correction persistence, PPS and leap-second dispatch.
package clockreg

import (
	"time"

	"github.com/eclesh/welford"

	"github.com/xilinx-cns/clockd/internal/errs"
	"github.com/xilinx-cns/clockd/internal/eui64"
	"github.com/xilinx-cns/clockd/internal/hwlock"
	"github.com/xilinx-cns/clockd/internal/iface"
)

// Kind distinguishes a system clock from a PHC-backed clock.
type Kind int

// Clock kinds.
const (
	KindSystem Kind = iota
	KindPHC
)

// AdjustMethod is the preferred mechanism a clock's driver uses to
// absorb a frequency correction.
type AdjustMethod int

// Adjust methods.
const (
	PreferTickAdj AdjustMethod = iota
	PreferFreqAdj
)

// PPSMethod names how PPS events are sourced for a clock, if at all.
type PPSMethod int

// PPS methods.
const (
	PPSNone PPSMethod = iota
	PPSKernel
	PPSExternal
)

// LeapKind is the pending leap-second action.
type LeapKind int

// Leap kinds.
const (
	LeapNone LeapKind = iota
	LeapInsert // +61
	LeapDelete // -59
)

// LongTermStats accumulates a clock's current-period offset
// distribution via Welford's online algorithm, avoiding the need to
// retain every sample.
type LongTermStats struct {
	offset         *welford.Stats
	EpochAlarm     bool
	ClusteringAlarm bool
}

// NewLongTermStats returns a fresh accumulator.
func NewLongTermStats() *LongTermStats { return &LongTermStats{offset: welford.New()} }

// Record an offset sample (nanoseconds) into the current period.
func (s *LongTermStats) Record(offsetNS float64) { s.offset.Add(offsetNS) }

// Mean returns the current period's offset mean.
func (s *LongTermStats) Mean() float64 { return s.offset.Mean() }

// Stddev returns the current period's offset standard deviation.
func (s *LongTermStats) Stddev() float64 { return s.offset.Stddev() }

// Reset starts a new accumulation period.
func (s *LongTermStats) Reset() { s.offset = welford.New() }

// Clock is the canonical record for one disciplinable timekeeper.
type Clock struct {
	ID    eui64.ID
	Kind  Kind
	Name  string // short name, e.g. "system", "phc0"

	StratumPPB        float64
	MaxFreqAdjustPPB  float64
	AdjustMethod      AdjustMethod
	PPSMethod         PPSMethod

	FreqCorrectionPPB float64 // persistent, last-known-good
	InitialCorrectionDone bool

	Writable  bool
	ReadOnly  bool
	Discipline bool
	Observe    bool
	blockedRefs int
	HasBeenLockedByReference bool

	// BoundInterface is the primary interface for phc-kind clocks; nil
	// for the system clock.
	BoundInterface *iface.Record
	PHCIndex       int32

	Stats *LongTermStats

	// deleted marks a clock collapsed into another during
	// deduplication; it is kept, not removed, so handles already held
	// by callers degrade gracefully rather than dangling.
	deleted   bool
	duplicateOf *Clock
}

// LongName combines the short name with the bound interface name(s), as
// the spec's "long name" attribute.
func (c *Clock) LongName() string {
	if c.BoundInterface != nil && c.BoundInterface.Name != "" {
		return c.Name + "@" + c.BoundInterface.Name
	}
	return c.Name
}

// IsWritable reports whether the clock currently accepts adjustments:
// discipline enabled, not read-only, and no outstanding block.
func (c *Clock) IsWritable() bool {
	return c.Discipline && !c.ReadOnly && c.blockedRefs == 0 && !c.deleted
}

// IsActive reports whether the clock is a live, non-deduplicated record.
func (c *Clock) IsActive() bool { return !c.deleted }

// Reader abstracts the OS-facing side of a clock: read/adjust/step,
// implemented against clock_adjtime for the system clock and against a
// PHC character device for phc clocks. Exercised directly by
// clock/clock.go and phc/adjtime.go, kept from the teacher.
type Reader interface {
	// GetTime returns the clock's current wall time.
	GetTime() (time.Time, error)
	// GetFrequency returns the current frequency offset in PPB and the
	// underlying clock_adjtime state code.
	GetFrequency() (ppb float64, state int, err error)
	// AdjustFrequency sets the clock's frequency offset in PPB.
	AdjustFrequency(ppb float64) error
	// Step steps the clock's time by the given signed duration.
	Step(delta time.Duration) error
	// MaxFreqPPB returns the maximum frequency adjustment the clock
	// hardware supports.
	MaxFreqPPB() (float64, error)
}

// Registry is the clock registry (C3).
type Registry struct {
	lock *hwlock.Lock

	byID   map[eui64.ID]*Clock
	byName map[string]*Clock
	all    []*Clock

	readers map[eui64.ID]Reader

	stateDir      string
	interpolation Interpolator
}

// Interpolator resolves the §4.3 state-filename tokens (%H %I %P %Cd
// %Ct %R) into concrete file names.
type Interpolator func(template string, clock *Clock) string

// StateDir returns the state directory path the registry was built
// with, so a caller can build a statefiles.Dir without having to keep
// its own copy of the configured path around.
func (r *Registry) StateDir() string { return r.stateDir }

// New builds an empty clock registry. lock must be the same
// hardware-state lock shared with the interface registry.
func New(lock *hwlock.Lock, stateDir string, interp Interpolator) *Registry {
	return &Registry{
		lock:          lock,
		byID:          map[eui64.ID]*Clock{},
		byName:        map[string]*Clock{},
		readers:       map[eui64.ID]Reader{},
		stateDir:      stateDir,
		interpolation: interp,
	}
}

// Register adds a newly-discovered clock with its OS reader. Called at
// startup for the system clock and for each configured PHC clock.
func (r *Registry) Register(c *Clock, reader Reader) {
	release := r.lock.Acquire()
	defer release()
	if c.Stats == nil {
		c.Stats = NewLongTermStats()
	}
	r.byID[c.ID] = c
	r.byName[c.Name] = c
	r.all = append(r.all, c)
	r.readers[c.ID] = reader
}

// FindByName looks up a live clock by its short name.
func (r *Registry) FindByName(name string) (*Clock, error) {
	release := r.lock.Acquire()
	defer release()
	c, ok := r.byName[name]
	if !ok || c.deleted {
		return nil, errs.New(errs.KindNotFound, "clockreg: no such clock "+name)
	}
	return resolveDup(c), nil
}

// FindByID looks up a clock by its EUI-64 hardware id.
func (r *Registry) FindByID(id eui64.ID) (*Clock, error) {
	release := r.lock.Acquire()
	defer release()
	c, ok := r.byID[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "clockreg: no such clock id")
	}
	return resolveDup(c), nil
}

// System returns the singular system clock.
func (r *Registry) System() (*Clock, error) { return r.FindByName("system") }

func resolveDup(c *Clock) *Clock {
	cur := c
	for i := 0; i < 1+64 && cur.duplicateOf != nil; i++ {
		cur = cur.duplicateOf
	}
	return cur
}

// All returns the live, mutable *Clock handles currently registered,
// for callers (the leap-second scheduler) that need to act on the
// actual clocks rather than a point-in-time value copy.
func (r *Registry) All() []*Clock {
	release := r.lock.Acquire()
	defer release()
	out := make([]*Clock, 0, len(r.all))
	for _, c := range r.all {
		if !c.deleted {
			out = append(out, c)
		}
	}
	return out
}

// ActiveSnapshot returns a point-in-time copy of every live clock.
func (r *Registry) ActiveSnapshot() []Clock {
	release := r.lock.Acquire()
	defer release()
	out := make([]Clock, 0, len(r.all))
	for _, c := range r.all {
		if !c.deleted {
			out = append(out, *c)
		}
	}
	return out
}

func (r *Registry) reader(c *Clock) (Reader, error) {
	rd, ok := r.readers[c.ID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "clockreg: no OS reader bound for clock")
	}
	return rd, nil
}

// GetTime returns c's current wall time.
func (r *Registry) GetTime(c *Clock) (time.Time, error) {
	release := r.lock.Acquire()
	defer release()
	rd, err := r.reader(c)
	if err != nil {
		return time.Time{}, err
	}
	t, err := rd.GetTime()
	if err != nil {
		return time.Time{}, errs.Wrap(errs.KindIO, "clockreg: get_time", err)
	}
	return t, nil
}

// GetFrequency returns c's current frequency offset in PPB and the
// clock_adjtime state.
func (r *Registry) GetFrequency(c *Clock) (ppb float64, state int, err error) {
	release := r.lock.Acquire()
	defer release()
	rd, err := r.reader(c)
	if err != nil {
		return 0, 0, err
	}
	ppb, state, err = rd.GetFrequency()
	if err != nil {
		return 0, 0, errs.Wrap(errs.KindIO, "clockreg: get_frequency", err)
	}
	return ppb, state, nil
}

// AdjustFrequency sets c's frequency offset, subject to its writability
// and max-adjustment invariants.
func (r *Registry) AdjustFrequency(c *Clock, ppb float64) error {
	release := r.lock.Acquire()
	defer release()
	if !c.IsWritable() {
		return errs.New(errs.KindInvalidArgument, "clockreg: clock not writable")
	}
	if ppb > c.MaxFreqAdjustPPB || ppb < -c.MaxFreqAdjustPPB {
		return errs.New(errs.KindRange, "clockreg: frequency adjustment outside allowed window")
	}
	rd, err := r.reader(c)
	if err != nil {
		return err
	}
	if err := rd.AdjustFrequency(ppb); err != nil {
		return errs.Wrap(errs.KindIO, "clockreg: adjust_frequency", err)
	}
	c.FreqCorrectionPPB = ppb
	return nil
}

// AdjustTime steps c's clock by offset (positive moves it forward).
func (r *Registry) AdjustTime(c *Clock, offset time.Duration) error {
	release := r.lock.Acquire()
	defer release()
	if !c.IsWritable() {
		return errs.New(errs.KindInvalidArgument, "clockreg: clock not writable")
	}
	rd, err := r.reader(c)
	if err != nil {
		return err
	}
	if err := rd.Step(offset); err != nil {
		return errs.Wrap(errs.KindIO, "clockreg: adjust_time", err)
	}
	return nil
}

// Compare returns the time delta (c1 - c2) between two clocks' current
// wall time readings.
func (r *Registry) Compare(c1, c2 *Clock) (time.Duration, error) {
	t1, err := r.GetTime(c1)
	if err != nil {
		return 0, err
	}
	t2, err := r.GetTime(c2)
	if err != nil {
		return 0, err
	}
	return t1.Sub(t2), nil
}

// SetTime computes the delta between to and from and applies it to to,
// guarding against the double-adjust race of a compare-then-set client:
// the whole read-compute-apply sequence runs under the hardware-state
// lock. isInitialCorrection, once applied, is latched so a restart-aware
// caller (via InitialCorrectionDone) does not repeat it.
func (r *Registry) SetTime(to, from *Clock, threshold time.Duration, isInitialCorrection bool) error {
	release := r.lock.Acquire()
	defer release()
	if isInitialCorrection && to.InitialCorrectionDone {
		return nil
	}
	rdTo, err := r.reader(to)
	if err != nil {
		return err
	}
	rdFrom, err := r.reader(from)
	if err != nil {
		return err
	}
	tTo, err := rdTo.GetTime()
	if err != nil {
		return errs.Wrap(errs.KindIO, "clockreg: set_time read to", err)
	}
	tFrom, err := rdFrom.GetTime()
	if err != nil {
		return errs.Wrap(errs.KindIO, "clockreg: set_time read from", err)
	}
	delta := tFrom.Sub(tTo)
	if threshold > 0 && delta < threshold && delta > -threshold {
		return nil
	}
	if !to.IsWritable() {
		return errs.New(errs.KindInvalidArgument, "clockreg: set_time target not writable")
	}
	if err := rdTo.Step(delta); err != nil {
		return errs.Wrap(errs.KindIO, "clockreg: set_time step", err)
	}
	if isInitialCorrection {
		to.InitialCorrectionDone = true
	}
	return nil
}

// SetBlocked increments or decrements the clock's block ref-count; a
// nonzero count suppresses writes.
func (r *Registry) SetBlocked(c *Clock, blocked bool) {
	release := r.lock.Acquire()
	defer release()
	if blocked {
		c.blockedRefs++
	} else if c.blockedRefs > 0 {
		c.blockedRefs--
	}
}

// IsWritable reports c's current writability.
func (r *Registry) IsWritable(c *Clock) bool {
	release := r.lock.Acquire()
	defer release()
	return c.IsWritable()
}

// IsActive reports whether c is a live, non-deduplicated record.
func (r *Registry) IsActive(c *Clock) bool {
	release := r.lock.Acquire()
	defer release()
	return c.IsActive()
}

// LeapScheduler is implemented by a Reader whose clock supports kernel
// leap-second scheduling (clock_adjtime AdjStatus/AdjTAI); clocks whose
// Reader does not implement it must be driven via LeapSecondNow instead.
type LeapScheduler interface {
	ArmLeapSecond(kind LeapKind) error
}

// ScheduleLeapSecond arms the pending leap-second action for c. Callers
// with kernel leap-second scheduling support should prefer this; those
// without fall back to LeapSecondNow at the commanded instant.
func (r *Registry) ScheduleLeapSecond(c *Clock, kind LeapKind) error {
	release := r.lock.Acquire()
	defer release()
	rd, err := r.reader(c)
	if err != nil {
		return err
	}
	scheduler, ok := rd.(LeapScheduler)
	if !ok {
		return errs.New(errs.KindInvalidArgument, "clockreg: clock has no kernel leap-second scheduling")
	}
	if err := scheduler.ArmLeapSecond(kind); err != nil {
		return errs.Wrap(errs.KindIO, "clockreg: schedule_leap_second", err)
	}
	return nil
}

// LeapSecondNow steps the clock by the leap kind's signed one-second
// offset, for clocks without kernel leap-second scheduling.
func (r *Registry) LeapSecondNow(c *Clock, kind LeapKind) error {
	var step time.Duration
	switch kind {
	case LeapInsert:
		step = -time.Second
	case LeapDelete:
		step = time.Second
	default:
		return nil
	}
	release := r.lock.Acquire()
	defer release()
	rd, err := r.reader(c)
	if err != nil {
		return err
	}
	if err := rd.Step(step); err != nil {
		return errs.Wrap(errs.KindIO, "clockreg: leap_second_now", err)
	}
	return nil
}

// Deduplicate coalesces clocks that resolve to the same underlying PHC
// index after interface dedup, leaving exactly one writable record and
// turning the rest into observers that resolve through duplicateOf.
func (r *Registry) Deduplicate() {
	release := r.lock.Acquire()
	defer release()
	seen := map[int32]*Clock{}
	for _, c := range r.all {
		if c.deleted || c.Kind != KindPHC || c.PHCIndex < 0 {
			continue
		}
		if primary, ok := seen[c.PHCIndex]; ok {
			if primary != c {
				c.duplicateOf = primary
				c.Discipline = false
				c.Observe = true
			}
			continue
		}
		seen[c.PHCIndex] = c
	}
}

// RescanInterfaces re-binds clocks to interface records after an
// interface registry rescan (e.g. following hotplug), marking clocks
// whose bound interface disappeared as inactive and re-running
// deduplication.
func (r *Registry) RescanInterfaces(snapshot []iface.Record) {
	release := r.lock.Acquire()
	defer release()
	byNIC := map[uint64]*iface.Record{}
	for i := range snapshot {
		rec := snapshot[i]
		if !rec.Deleted {
			byNIC[rec.NICID] = &rec
		}
	}
	for _, c := range r.all {
		if c.Kind != KindPHC || c.BoundInterface == nil {
			continue
		}
		if live, ok := byNIC[c.BoundInterface.NICID]; ok {
			c.BoundInterface = live
			c.PHCIndex = live.PHCIndex
			c.deleted = false
		} else {
			c.deleted = true
		}
	}
	release()
	r.Deduplicate()
}
