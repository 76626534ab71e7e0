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

package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xilinx-cns/clockd/internal/clockreg"
	"github.com/xilinx-cns/clockd/internal/config"
	"github.com/xilinx-cns/clockd/internal/engine"
	"github.com/xilinx-cns/clockd/internal/eui64"
	"github.com/xilinx-cns/clockd/internal/statefiles"
)

var runConfigPath string

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "/etc/clockd.yaml", "path to clockd's YAML config")
	RootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the clock discipline daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		return runEngine(runConfigPath)
	},
}

func runEngine(configPath string) error {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return fmt.Errorf("run: loading config: %w", err)
	}

	e, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("run: composing engine: %w", err)
	}

	registerClocks(e, cfg)

	if cfg.HotplugDetection == "initial-scan" {
		initialInterfaceScan(e)
	}

	if err := e.BuildInstances(); err != nil {
		return fmt.Errorf("run: building sync instances: %w", err)
	}

	if err := e.Cleanup(nil); err != nil {
		log.WithError(err).Warn("run: state directory cleanup failed")
	}

	if err := e.StartMetrics(cfg.UID, cfg.GID, version); err != nil {
		return fmt.Errorf("run: starting metrics endpoint: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := e.NetlinkWatcher()
	if err != nil {
		log.WithError(err).Warn("run: netlink watcher unavailable, hotplug detection disabled")
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil && err != context.Canceled {
				log.WithError(err).Error("run: netlink watcher stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.WithField("signal", s).Info("run: received shutdown signal")
		cancel()
	}()

	if supported, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("run: sd_notify READY failed")
	} else if !supported {
		log.Debug("run: sd_notify not supported (NOTIFY_SOCKET unset)")
	}

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdogLoop(ctx, interval/2)
	}

	return e.Run(ctx, cfg.SyncInterval)
}

func watchdogLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.WithError(err).Warn("run: sd_notify WATCHDOG failed")
			}
		}
	}
}

// registerClocks registers the always-present system clock and any
// configured PHC devices before sync instances (which reference them
// by name) are built.
func registerClocks(e *engine.Engine, cfg *config.Config) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	dir := statefiles.New(e.Clocks().StateDir())

	system := &clockreg.Clock{
		ID:         eui64.Synthetic(hostname + "-system"),
		Kind:       clockreg.KindSystem,
		Name:       "system",
		Writable:   true,
		Discipline: true,
	}
	if err := e.Clocks().LoadInitialCorrectionDone(dir, system); err != nil {
		log.WithField("clock", system.Name).WithError(err).Debug("run: could not read back initial-correction-done")
	}
	e.Clocks().Register(system, clockreg.SystemClockReader{})

	for _, p := range cfg.PHCClocks {
		reader := clockreg.NewPHCReader(p.Device)
		c := &clockreg.Clock{
			ID:         eui64.Synthetic(p.Device),
			Kind:       clockreg.KindPHC,
			Name:       p.Name,
			Writable:   true,
			Discipline: true,
		}
		if maxPPB, err := reader.MaxFreqPPB(); err == nil {
			c.MaxFreqAdjustPPB = maxPPB
		}
		if err := e.Clocks().LoadInitialCorrectionDone(dir, c); err != nil {
			log.WithField("clock", c.Name).WithError(err).Debug("run: could not read back initial-correction-done")
		}
		e.Clocks().Register(c, reader)
	}
}

// initialInterfaceScan feeds every currently-present network interface
// into the registry via the same HotplugInsert path the netlink
// watcher uses for live events, giving "initial-scan" mode a complete
// starting population without needing a bulk-listing method on the
// interface registry itself.
func initialInterfaceScan(e *engine.Engine) {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.WithError(err).Warn("run: initial interface scan failed")
		return
	}
	for _, ifi := range ifaces {
		if err := e.Interfaces().HotplugInsert(ifi.Index, ifi.Name); err != nil {
			log.WithFields(log.Fields{"interface": ifi.Name}).WithError(err).Debug("run: initial scan insert failed")
		}
	}
}
