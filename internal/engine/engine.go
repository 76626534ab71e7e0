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

// Package engine wires the interface registry, clock registry, one
// Discipline per configured sync instance, the rt-stats ring and the
// metrics endpoint into a single running daemon. It is the composition
// root the rest of the core stays free of: clockreg/discipline import
// nothing from metrics, and metrics imports nothing from either.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xilinx-cns/clockd/internal/clockreg"
	"github.com/xilinx-cns/clockd/internal/config"
	"github.com/xilinx-cns/clockd/internal/discipline"
	"github.com/xilinx-cns/clockd/internal/hwlock"
	"github.com/xilinx-cns/clockd/internal/iface"
	"github.com/xilinx-cns/clockd/internal/metrics"
	"github.com/xilinx-cns/clockd/internal/netlinkwatch"
	"github.com/xilinx-cns/clockd/internal/rtstats"
	"github.com/xilinx-cns/clockd/internal/statefiles"
)

// syncInstance pairs a running Discipline with the parsed config it was
// built from, for metrics rendering.
type syncInstance struct {
	name string
	disc *discipline.Discipline
	cfg  config.SyncInstance
}

// Engine is the composed, runnable daemon.
type Engine struct {
	cfg      *config.Config
	lock     *hwlock.Lock
	ifaceReg *iface.Registry
	clockReg *clockreg.Registry
	ring     *rtstats.Ring
	state    *statefiles.Dir
	hostname string

	instances  []*syncInstance
	instanceByName map[string]*syncInstance

	metricsSrv *metrics.Server

	cursorsMu sync.Mutex
	cursors   map[int]*rtstats.Cursor

	leap *leapScheduler
}

// New composes an Engine from a loaded configuration. Clocks named in
// cfg.SyncInstances must be registered by the caller (cmd/clockd's
// startup sequence) via Clocks().Register before BuildInstances is
// called.
func New(cfg *config.Config) (*Engine, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := hwlock.New()
	fs := &iface.OSSysFS{}
	caps := &iface.EthtoolAndSysfsDiscoverer{FS: fs}
	e := &Engine{
		cfg:      cfg,
		lock:     lock,
		ifaceReg: iface.New(iface.Config{AssumeOnePHCPerNIC: cfg.AssumeOnePHCPerNIC}, lock, fs, caps),
		ring:     rtstats.NewRing(cfg.RTStatsRingSize),
		hostname: hostname,
		instanceByName: map[string]*syncInstance{},
		cursors:  map[int]*rtstats.Cursor{},
		leap:     newLeapScheduler(),
	}
	interp := func(template string, c *clockreg.Clock) string {
		kind := "system"
		if c.Kind == clockreg.KindPHC {
			kind = "phc"
		}
		return statefiles.Interpolate(template, hostname, hostname, os.Getpid(), c.Name, kind, cfg.RunDir)
	}
	e.clockReg = clockreg.New(lock, cfg.StateDir, interp)
	e.state = statefiles.New(e.clockReg.StateDir())
	// The notifier runs with the hardware-state lock held, so the rescan
	// (which takes that lock itself) runs once the lock is free.
	e.ifaceReg.SetRescanNotifier(func() {
		go func() {
			e.clockReg.RescanInterfaces(e.ifaceReg.AllSnapshot())
		}()
	})
	return e, nil
}

// Interfaces exposes the interface registry for startup discovery and
// the netlink watcher.
func (e *Engine) Interfaces() *iface.Registry { return e.ifaceReg }

// Clocks exposes the clock registry for startup clock registration.
func (e *Engine) Clocks() *clockreg.Registry { return e.clockReg }

// BuildInstances constructs one Discipline per configured sync instance
// once all referenced clocks have been registered.
func (e *Engine) BuildInstances() error {
	for _, sc := range e.cfg.SyncInstances {
		master, err := e.clockReg.FindByName(sc.MasterClock)
		if err != nil {
			return fmt.Errorf("engine: sync instance %q: master clock: %w", sc.Name, err)
		}
		slave, err := e.clockReg.FindByName(sc.SlaveClock)
		if err != nil {
			return fmt.Errorf("engine: sync instance %q: slave clock: %w", sc.Name, err)
		}
		discCfg, err := sc.DisciplineConfig()
		if err != nil {
			return fmt.Errorf("engine: sync instance %q: %w", sc.Name, err)
		}
		discCfg.MaxFreqAdjustPPB = slave.MaxFreqAdjustPPB
		d := discipline.New(discCfg, e.clockReg, master, slave, e.ring, sc.Name)
		si := &syncInstance{name: sc.Name, disc: d, cfg: sc}
		e.instances = append(e.instances, si)
		e.instanceByName[sc.Name] = si
	}
	return nil
}

// StartMetrics creates and starts the metrics endpoint; the caller
// drives its event loop from Run.
func (e *Engine) StartMetrics(uid, gid int, productVersion string) error {
	srv := metrics.NewServer(e.cfg.MetricsSocketPath, uid, gid, e.cfg.MetricsMaxConns, e, productVersion)
	if err := srv.Start(); err != nil {
		return err
	}
	e.metricsSrv = srv
	return nil
}

// Run drives the servo loop and the metrics event loop until ctx is
// cancelled. syncInterval is the tick period for every configured
// instance; an instance's own SyncIntervalLog2 shapes its filters but
// does not change how often it is ticked, matching how the corpus runs
// one servo thread per sync group.
func (e *Engine) Run(ctx context.Context, syncInterval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	if e.metricsSrv != nil {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					e.metricsSrv.Close()
					return gctx.Err()
				default:
				}
				if _, err := e.metricsSrv.Poll(200); err != nil {
					log.WithError(err).Error("engine: metrics poll failed")
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case now := <-ticker.C:
				e.tick(now)
			}
		}
	})

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (e *Engine) tick(now time.Time) {
	e.leap.check(now, e.clockReg, e.clockReg.All())
	for _, si := range e.instances {
		if err := si.disc.Synchronise(now); err != nil {
			log.WithFields(log.Fields{"instance": si.name}).WithError(err).Debug("engine: synchronise failed")
		}
		if err := si.disc.SaveState(e.state); err != nil {
			log.WithFields(log.Fields{"instance": si.name}).WithError(err).Warn("engine: save state failed")
		}
	}
}

// NetlinkWatcher builds a hotplug watcher over the real rtnetlink
// multicast socket, feeding this engine's interface registry.
func (e *Engine) NetlinkWatcher() (*netlinkwatch.Watcher, error) {
	src, err := netlinkwatch.DialRTNL()
	if err != nil {
		return nil, err
	}
	return netlinkwatch.NewWatcher(src, e.ifaceReg), nil
}

// Render implements metrics.ResourceTable. A "/peek/" prefix on any of
// the resources below requests the same body without consuming rt-stats
// entries from the ring, per the resource table's "/peek/<above>" row;
// /metrics itself only reads the most recent entry and consumes
// nothing, so /peek/metrics renders identically to /metrics.
func (e *Engine) Render(target string, session int) ([]byte, string, uint64, error) {
	path, _ := splitTarget(target)
	peek := false
	if rest, ok := strings.CutPrefix(path, "/peek/"); ok {
		peek = true
		path = "/" + rest
	}
	switch path {
	case "/metrics":
		return e.renderOpenMetrics(), "application/openmetrics-text; version=1.0.0; charset=utf-8", e.ring.LostSamples(), nil
	case "/rt-stats.jsonl":
		return e.renderRTStats(session, peek, "application/x-ndjson", metrics.RenderNDJSON)
	case "/rt-stats.json-seq":
		return e.renderRTStats(session, peek, "application/json-seq", metrics.RenderJSONSeq)
	case "/rt-stats.txt":
		return e.renderRTStats(session, peek, "text/plain", func(entries []rtstats.Entry) (string, error) {
			return metrics.RenderText(entries, nil), nil
		})
	default:
		return nil, "", 0, fmt.Errorf("engine: no such resource %q", path)
	}
}

// SessionClosed implements metrics.ResourceTable.
func (e *Engine) SessionClosed(session int) {
	e.cursorsMu.Lock()
	defer e.cursorsMu.Unlock()
	delete(e.cursors, session)
}

func splitTarget(target string) (path string, query string) {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}

func (e *Engine) cursorFor(session int) *rtstats.Cursor {
	e.cursorsMu.Lock()
	defer e.cursorsMu.Unlock()
	c, ok := e.cursors[session]
	if !ok {
		c = rtstats.NewCursor()
		e.cursors[session] = c
	}
	return c
}

func (e *Engine) renderRTStats(session int, peek bool, contentType string, render func([]rtstats.Entry) (string, error)) ([]byte, string, uint64, error) {
	cursor := e.cursorFor(session)
	entries := e.ring.Snapshot(cursor, peek)
	out, err := render(entries)
	if err != nil {
		return nil, "", 0, err
	}
	return []byte(out), contentType, e.ring.LostSamples(), nil
}

func (e *Engine) renderOpenMetrics() []byte {
	var b strings.Builder
	servos := make([]metrics.ServoInfo, 0, len(e.instances))
	latest := map[string]rtstats.Entry{}
	for _, si := range e.instances {
		servos = append(servos, metrics.ServoInfo{Instance: si.name, Clock: si.cfg.SlaveClock})
		if entry, ok := e.ring.MostRecent(); ok && entry.Instance == si.name {
			latest[si.name] = entry
		}
	}
	opts := metrics.ExpositionOptions{AlarmStateset: e.cfg.AlarmStateset, ServoTimes: e.cfg.ServoTimes}
	metrics.WriteOpenMetrics(&b, opts, servos, latest, nil, e.ring.LostSamples())
	return []byte(b.String())
}

// Cleanup removes stale state-file artifacts left by a previous run.
func (e *Engine) Cleanup(singletons []string) error {
	return e.state.Cleanup(singletons)
}

// instanceNames lists configured sync instance names, for the status
// table and for tests.
func (e *Engine) instanceNames() []string {
	names := make([]string, 0, len(e.instances))
	for _, si := range e.instances {
		names = append(names, si.name)
	}
	return names
}
