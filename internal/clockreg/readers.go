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

package clockreg

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xilinx-cns/clockd/clock"
	"github.com/xilinx-cns/clockd/phc"
)

// SystemClockReader reads/adjusts CLOCK_REALTIME via clock_adjtime, as
// clock/clock.go already wraps it.
type SystemClockReader struct{}

func (SystemClockReader) GetTime() (time.Time, error) { return time.Now(), nil }

func (SystemClockReader) GetFrequency() (float64, int, error) {
	return clock.FrequencyPPB(unix.CLOCK_REALTIME)
}

func (SystemClockReader) AdjustFrequency(ppb float64) error {
	_, err := clock.AdjFreqPPB(unix.CLOCK_REALTIME, ppb)
	return err
}

func (SystemClockReader) Step(delta time.Duration) error {
	_, err := clock.Step(unix.CLOCK_REALTIME, delta)
	return err
}

func (SystemClockReader) MaxFreqPPB() (float64, error) {
	ppb, _, err := clock.MaxFreqPPB(unix.CLOCK_REALTIME)
	return ppb, err
}

// ArmLeapSecond sets the kernel leap-second pending state for
// CLOCK_REALTIME.
func (SystemClockReader) ArmLeapSecond(kind LeapKind) error {
	tx := &unix.Timex{Modes: clock.AdjStatus}
	switch kind {
	case LeapInsert:
		tx.Status |= unix.STA_INS
	case LeapDelete:
		tx.Status |= unix.STA_DEL
	default:
		tx.Status &^= unix.STA_INS | unix.STA_DEL
	}
	_, err := clock.Adjtime(unix.CLOCK_REALTIME, tx)
	return err
}

// PHCReader reads/adjusts a PHC character device opened at construction
// time; device is something like "/dev/ptp0".
type PHCReader struct {
	device string
}

// NewPHCReader opens a PHC reader for the given /dev/ptpN path. The
// underlying device file is opened lazily per-call, matching
// phc.Time's own open-use-close idiom, so the reader itself holds no
// file descriptor between calls.
func NewPHCReader(device string) *PHCReader { return &PHCReader{device: device} }

func (r *PHCReader) open() (*phc.Device, *os.File, error) {
	f, err := os.Open(r.device)
	if err != nil {
		return nil, nil, err
	}
	return phc.FromFile(f), f, nil
}

func (r *PHCReader) GetTime() (time.Time, error) {
	dev, f, err := r.open()
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()
	return dev.Time()
}

func (r *PHCReader) GetFrequency() (float64, int, error) {
	dev, f, err := r.open()
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	return clock.FrequencyPPB(dev.ClockID())
}

func (r *PHCReader) AdjustFrequency(ppb float64) error {
	return phc.ClockAdjFreq(r.device, ppb)
}

func (r *PHCReader) Step(delta time.Duration) error {
	return phc.ClockStep(r.device, delta)
}

func (r *PHCReader) MaxFreqPPB() (float64, error) {
	dev, f, err := r.open()
	if err != nil {
		return 0, err
	}
	defer f.Close()
	ppb, _, err := clock.MaxFreqPPB(dev.ClockID())
	return ppb, err
}
