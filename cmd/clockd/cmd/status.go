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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/host"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xilinx-cns/clockd/internal/config"
)

var statusConfigPath string
var statusRaw bool

func init() {
	statusCmd.Flags().StringVarP(&statusConfigPath, "config", "c", "/etc/clockd.yaml", "path to clockd's YAML config, used to find the metrics socket")
	statusCmd.Flags().BoolVar(&statusRaw, "raw", false, "dump decoded rt-stats records instead of rendering a table")
	RootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the daemon's current sync state",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		return printStatus(statusConfigPath)
	},
}

// statusEntry mirrors the ndjson record emitted on /rt-stats.jsonl,
// exactly the on-wire field set (internal/metrics keeps the richer
// rtstats.Entry internal to the daemon process).
type statusEntry struct {
	Instance        string  `json:"instance"`
	OffsetNS        int64   `json:"offset_ns"`
	FreqAdjustPPB   float64 `json:"freq_adjust_ppb"`
	InSync          bool    `json:"in_sync"`
	AlarmBits       uint32  `json:"alarm_bits"`
	LogTimeUnixNano int64   `json:"log_time_unix_nano"`
}

func dialUnixClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func fetchEntries(client *http.Client) ([]statusEntry, error) {
	resp, err := client.Get("http://unix/peek/rt-stats.jsonl")
	if err != nil {
		return nil, fmt.Errorf("status: dialing metrics socket: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: metrics endpoint returned %s", resp.Status)
	}
	var entries []statusEntry
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var e statusEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("status: decoding rt-stats record: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func printStatus(configPath string) error {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return fmt.Errorf("status: loading config: %w", err)
	}

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))

	if info, err := host.Info(); err == nil {
		fmt.Fprintf(os.Stdout, "%s (%s), up %s\n", info.Hostname, info.Platform, time.Duration(info.Uptime)*time.Second)
	} else {
		log.WithError(err).Debug("status: host.Info unavailable")
	}

	client := dialUnixClient(cfg.MetricsSocketPath)
	entries, err := fetchEntries(client)
	if err != nil {
		return err
	}

	if statusRaw {
		for _, e := range entries {
			spew.Dump(e)
		}
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"instance", "offset(ns)", "freq(ppb)", "in-sync", "alarms", "age"})
	now := time.Now()
	for _, e := range entries {
		inSync := fmt.Sprintf("%t", e.InSync)
		alarms := fmt.Sprintf("%#x", e.AlarmBits)
		age := now.Sub(time.Unix(0, e.LogTimeUnixNano)).Round(time.Second)
		row := []string{
			e.Instance,
			fmt.Sprintf("%d", e.OffsetNS),
			fmt.Sprintf("%.1f", e.FreqAdjustPPB),
			inSync,
			alarms,
			age.String(),
		}
		if isTTY && e.AlarmBits != 0 {
			for i, cell := range row {
				row[i] = color.RedString(cell)
			}
		}
		table.Append(row)
	}
	table.Render()
	return nil
}
