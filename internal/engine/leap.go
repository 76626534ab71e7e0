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

package engine

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xilinx-cns/clockd/internal/clockreg"
	"github.com/xilinx-cns/clockd/leapsectz"
)

// leapScheduler tracks the next scheduled leap second against the
// system timezone database's right/UTC leap table and arms or applies
// it on every configured discipline-bound clock once. Clocks that
// implement clockreg.LeapScheduler are armed a tickAheadWindow before
// the event (kernel-handled, matching the ADJ_SETOFFSET-free path);
// the rest are stepped at the moment the tick after the event fires.
type leapScheduler struct {
	pending []leapsectz.LeapSecond
	armed   map[time.Time]bool
	applied map[time.Time]bool
}

// tickAheadWindow is how far in advance a kernel-schedulable clock has
// its leap second armed, mirroring the lead time ntpd/chrony conventionally
// give the kernel before an announced leap.
const tickAheadWindow = 12 * time.Hour

func newLeapScheduler() *leapScheduler {
	ls := &leapScheduler{
		armed:   map[time.Time]bool{},
		applied: map[time.Time]bool{},
	}
	leaps, err := leapsectz.Parse()
	if err != nil {
		log.WithError(err).Debug("engine: leap second table unavailable, leap handling disabled")
		return ls
	}
	now := time.Now()
	for _, l := range leaps {
		if l.Time().After(now) {
			ls.pending = append(ls.pending, l)
		}
	}
	return ls
}

// check runs once per tick against every registered clock capable of
// being disciplined, arming or stepping a leap second that's now due.
func (ls *leapScheduler) check(now time.Time, reg *clockreg.Registry, clocks []*clockreg.Clock) {
	for _, l := range ls.pending {
		eventTime := l.Time()
		kind := clockreg.LeapInsert
		if l.Nleap < 0 {
			kind = clockreg.LeapDelete
		}

		if !ls.armed[eventTime] && now.Before(eventTime) && eventTime.Sub(now) <= tickAheadWindow {
			for _, c := range clocks {
				if !c.Discipline || !c.IsWritable() {
					continue
				}
				if err := reg.ScheduleLeapSecond(c, kind); err != nil {
					log.WithFields(log.Fields{"clock": c.Name}).Debug("engine: clock has no kernel leap scheduling, will step at the event instead")
					continue
				}
				log.WithFields(log.Fields{"clock": c.Name, "at": eventTime}).Info("engine: armed upcoming leap second")
			}
			ls.armed[eventTime] = true
		}

		if !ls.applied[eventTime] && !now.Before(eventTime) {
			for _, c := range clocks {
				if !c.Discipline || !c.IsWritable() {
					continue
				}
				if err := reg.LeapSecondNow(c, kind); err != nil {
					log.WithFields(log.Fields{"clock": c.Name}).WithError(err).Warn("engine: leap second step failed")
				}
			}
			ls.applied[eventTime] = true
		}
	}
}
