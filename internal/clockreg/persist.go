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
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xilinx-cns/clockd/internal/errs"
	"github.com/xilinx-cns/clockd/internal/statefiles"
)

// SaveFreqCorrection persists c's current frequency correction to
// freq-correction-<name>, printed with enough decimal digits for a
// float64 round trip (strconv's shortest-roundtrip formatter already
// guarantees this).
func (r *Registry) SaveFreqCorrection(dir *statefiles.Dir, c *Clock) error {
	release := r.lock.Acquire()
	defer release()
	name := r.stateFileName("freq-correction-%Cd", c)
	data := []byte(strconv.FormatFloat(c.FreqCorrectionPPB, 'g', -1, 64) + "\n")
	return dir.WriteAtomic(name, data)
}

// stateFileName expands a state-file name template for c through the
// registry's interpolation function when one is configured, falling
// back to the bare template otherwise (the common case in tests, where
// no %-tokens are used).
func (r *Registry) stateFileName(template string, c *Clock) string {
	if r.interpolation == nil {
		return strings.ReplaceAll(template, "%Cd", c.Name)
	}
	return r.interpolation(template, c)
}

// LoadFreqCorrection reads c's persisted frequency correction, if any.
// Absence of the file is reported as errs.KindNoData, matching the
// spec's "no-data" error kind for "no persisted freq-correction yet".
func (r *Registry) LoadFreqCorrection(dir *statefiles.Dir, c *Clock) (float64, error) {
	release := r.lock.Acquire()
	defer release()
	name := r.stateFileName("freq-correction-%Cd", c)
	data, err := dir.ReadFinal(name)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errs.New(errs.KindNoData, "clockreg: no persisted frequency correction for "+c.Name)
		}
		return 0, errs.Wrap(errs.KindIO, "clockreg: reading freq-correction", err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, "clockreg: parsing freq-correction", err)
	}
	c.FreqCorrectionPPB = v
	return v, nil
}

// GetFreqCorrection returns the last-known frequency correction held in
// memory, without touching disk.
func (r *Registry) GetFreqCorrection(c *Clock) float64 {
	release := r.lock.Acquire()
	defer release()
	return c.FreqCorrectionPPB
}

// LoadInitialCorrectionDone reads c's own state-<name> file, if any is
// left over from a previous run, and sets c.InitialCorrectionDone when
// it finds the "initial-correction-done: true" line SaveState writes.
// Absence of the file, or of the line within it, leaves the flag at its
// zero value (false) rather than erroring: a missing state file means
// this is either a first run or a clean startup after Cleanup ran,
// both of which should still perform the initial correction.
func (r *Registry) LoadInitialCorrectionDone(dir *statefiles.Dir, c *Clock) error {
	release := r.lock.Acquire()
	defer release()
	name := r.stateFileName("state-%Cd", c)
	data, err := dir.ReadFinal(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindIO, "clockreg: reading state for initial-correction-done", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "initial-correction-done: true" {
			c.InitialCorrectionDone = true
			break
		}
	}
	return nil
}

// SaveState writes state-<slave> with the attributes the servo's
// save-state step requires: clock identity, alarms, reference clock,
// offset, frequency adjustment, sync status, PID terms, and the
// diff-method used for compare().
func (r *Registry) SaveState(dir *statefiles.Dir, slave, reference *Clock, alarms []string, offsetFromRef float64, freqAdjustPPB float64, inSync bool, pTerm, iTerm float64, diffMethod string) error {
	release := r.lock.Acquire()
	defer release()
	var b strings.Builder
	fmt.Fprintf(&b, "clock-name: %s\n", slave.Name)
	fmt.Fprintf(&b, "clock-id: %s\n", slave.ID)
	fmt.Fprintf(&b, "state: local-slave\n")
	fmt.Fprintf(&b, "alarms: %s\n", strings.Join(alarms, ", "))
	fmt.Fprintf(&b, "reference-clock-name: %s\n", reference.Name)
	fmt.Fprintf(&b, "reference-clock-id: %s\n", reference.ID)
	fmt.Fprintf(&b, "offset-from-reference: %g\n", offsetFromRef)
	fmt.Fprintf(&b, "freq-adjustment-ppb: %g\n", freqAdjustPPB)
	fmt.Fprintf(&b, "in-sync: %t\n", inSync)
	fmt.Fprintf(&b, "p-term: %g\n", pTerm)
	fmt.Fprintf(&b, "i-term: %g\n", iTerm)
	fmt.Fprintf(&b, "diff-method: %s\n", diffMethod)
	if slave.InitialCorrectionDone {
		fmt.Fprintf(&b, "initial-correction-done: true\n")
	}
	return dir.WriteAtomic(r.stateFileName("state-%Cd", slave), []byte(b.String()))
}
