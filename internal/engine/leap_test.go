package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilinx-cns/clockd/internal/clockreg"
	"github.com/xilinx-cns/clockd/internal/hwlock"
	"github.com/xilinx-cns/clockd/leapsectz"
)

type stepOnlyReader struct {
	steps []time.Duration
}

func (r *stepOnlyReader) GetTime() (time.Time, error)         { return time.Time{}, nil }
func (r *stepOnlyReader) GetFrequency() (float64, int, error) { return 0, 0, nil }
func (r *stepOnlyReader) AdjustFrequency(ppb float64) error   { return nil }
func (r *stepOnlyReader) Step(d time.Duration) error          { r.steps = append(r.steps, d); return nil }
func (r *stepOnlyReader) MaxFreqPPB() (float64, error)        { return 500000, nil }

func TestLeapSchedulerStepsClockOnceEventPasses(t *testing.T) {
	reg := clockreg.New(hwlock.New(), t.TempDir(), nil)
	c := &clockreg.Clock{Name: "system", Kind: clockreg.KindSystem, MaxFreqAdjustPPB: 500000, Writable: true, Discipline: true}
	sr := &stepOnlyReader{}
	reg.Register(c, sr)

	eventTime := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
	// Tleap-Nleap+1 == eventTime.Unix(): pick Nleap=1 (insert) and
	// derive Tleap accordingly, mirroring leapsectz.LeapSecond.Time().
	l := leapsectz.LeapSecond{Tleap: uint64(eventTime.Unix()), Nleap: 1}
	require.True(t, l.Time().Equal(eventTime))

	ls := &leapScheduler{
		pending: []leapsectz.LeapSecond{l},
		armed:   map[time.Time]bool{},
		applied: map[time.Time]bool{},
	}

	ls.check(eventTime.Add(-time.Hour), reg, reg.All())
	assert.Empty(t, sr.steps, "not yet due a full window ahead, nothing should step")

	ls.check(eventTime.Add(time.Second), reg, reg.All())
	require.Len(t, sr.steps, 1)
	assert.Equal(t, -time.Second, sr.steps[0])

	// A repeat tick past the same event must not step again.
	ls.check(eventTime.Add(2*time.Second), reg, reg.All())
	assert.Len(t, sr.steps, 1)
}

func TestLeapSchedulerArmsWithinLookaheadWindow(t *testing.T) {
	reg := clockreg.New(hwlock.New(), t.TempDir(), nil)
	c := &clockreg.Clock{Name: "phc0", Kind: clockreg.KindPHC, MaxFreqAdjustPPB: 500000, Writable: true, Discipline: true}
	sr := &armableReader{}
	reg.Register(c, sr)

	eventTime := time.Now().Add(2 * time.Hour)
	l := leapsectz.LeapSecond{Tleap: uint64(eventTime.Unix()), Nleap: 1}

	ls := &leapScheduler{
		pending: []leapsectz.LeapSecond{l},
		armed:   map[time.Time]bool{},
		applied: map[time.Time]bool{},
	}
	ls.check(time.Now(), reg, reg.All())
	assert.Equal(t, 1, sr.armedCount)
	assert.Equal(t, clockreg.LeapInsert, sr.lastKind)
}

type armableReader struct {
	armedCount int
	lastKind   clockreg.LeapKind
}

func (r *armableReader) GetTime() (time.Time, error)         { return time.Time{}, nil }
func (r *armableReader) GetFrequency() (float64, int, error) { return 0, 0, nil }
func (r *armableReader) AdjustFrequency(ppb float64) error   { return nil }
func (r *armableReader) Step(d time.Duration) error          { return nil }
func (r *armableReader) MaxFreqPPB() (float64, error)        { return 500000, nil }
func (r *armableReader) ArmLeapSecond(kind clockreg.LeapKind) error {
	r.armedCount++
	r.lastKind = kind
	return nil
}
