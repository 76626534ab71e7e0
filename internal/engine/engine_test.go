package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilinx-cns/clockd/internal/clockreg"
	"github.com/xilinx-cns/clockd/internal/config"
	"github.com/xilinx-cns/clockd/internal/eui64"
)

type fakeReader struct {
	now time.Time
}

func (f *fakeReader) GetTime() (time.Time, error)              { return f.now, nil }
func (f *fakeReader) GetFrequency() (float64, int, error)      { return 0, 0, nil }
func (f *fakeReader) AdjustFrequency(ppb float64) error        { return nil }
func (f *fakeReader) Step(delta time.Duration) error           { return nil }
func (f *fakeReader) MaxFreqPPB() (float64, error)             { return 500000, nil }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{
		StateDir:          t.TempDir(),
		RunDir:            t.TempDir(),
		RTStatsRingSize:   8,
		HotplugDetection:  "manual",
		MetricsSocketPath: "/unused",
		MetricsMaxConns:   4,
		SyncInstances: []config.SyncInstance{
			{Name: "sync0", MasterClock: "phc0", SlaveClock: "system", ControlModes: []string{"slew-only"}},
		},
	}
	e, err := New(cfg)
	require.NoError(t, err)

	master := &clockreg.Clock{ID: eui64.ID(1), Kind: clockreg.KindPHC, Name: "phc0", Discipline: true, HasBeenLockedByReference: true}
	slave := &clockreg.Clock{ID: eui64.ID(2), Kind: clockreg.KindSystem, Name: "system", Discipline: true, Writable: true, MaxFreqAdjustPPB: 500000}
	e.Clocks().Register(master, &fakeReader{now: time.Unix(1700000000, 0)})
	e.Clocks().Register(slave, &fakeReader{now: time.Unix(1700000000, 0)})

	require.NoError(t, e.BuildInstances())
	return e
}

func TestBuildInstancesResolvesConfiguredClocks(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, []string{"sync0"}, e.instanceNames())
}

func TestRenderMetricsIncludesServoInfo(t *testing.T) {
	e := newTestEngine(t)
	body, contentType, _, err := e.Render("/metrics", 1)
	require.NoError(t, err)
	assert.Contains(t, contentType, "openmetrics")
	assert.Contains(t, string(body), "clockd_servo_info")
	assert.Contains(t, string(body), "sync0")
}

func TestRenderRTStatsConsumesPerSessionCursor(t *testing.T) {
	e := newTestEngine(t)
	e.tick(time.Unix(1700000001, 0))

	body1, _, _, err := e.Render("/rt-stats.jsonl", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body1), "\n"))

	body2, _, _, err := e.Render("/rt-stats.jsonl", 5)
	require.NoError(t, err)
	assert.Empty(t, string(body2))

	e.SessionClosed(5)
	body3, _, _, err := e.Render("/rt-stats.jsonl", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body3), "\n"))
}

func TestRenderUnknownResourceErrors(t *testing.T) {
	e := newTestEngine(t)
	_, _, _, err := e.Render("/nope", 1)
	assert.Error(t, err)
}

func TestRenderRTStatsHonorsPeekPathPrefix(t *testing.T) {
	e := newTestEngine(t)
	e.tick(time.Unix(1700000002, 0))

	body1, _, _, err := e.Render("/peek/rt-stats.jsonl", 9)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body1), "\n"))

	body2, _, _, err := e.Render("/peek/rt-stats.jsonl", 9)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body2), "\n"))
}

func TestRenderPeekMetricsSameAsMetrics(t *testing.T) {
	e := newTestEngine(t)
	body, contentType, _, err := e.Render("/peek/metrics", 1)
	require.NoError(t, err)
	assert.Contains(t, contentType, "openmetrics")
	assert.Contains(t, string(body), "clockd_servo_info")
}
