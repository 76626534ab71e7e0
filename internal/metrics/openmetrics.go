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

package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/xilinx-cns/clockd/internal/rtstats"
)

// ExpositionOptions gates optional OpenMetrics families.
type ExpositionOptions struct {
	AlarmStateset bool
	ServoTimes    bool
}

// ServoInfo is the single-valued info metric the spec requires per
// servo instance.
type ServoInfo struct {
	Instance        string
	Clock           string
	Desc            string
	Source          string
	Master          string
	ActiveInterface string
	Bond            string
}

// WriteOpenMetrics renders the /metrics exposition: the most recent
// rt-stats entry as an instantaneous "_snapshot" series (no timestamp),
// the history entries, the servo info metric, and the global lost_rt
// counter. Each history entry that carries an offset sets the
// clockd_offset gauge of its instance; no timestamp is attached, so only
// the last such entry per instance appears in the output.
//
// Metric families are built with a throwaway prometheus.Registry per
// call and serialized through expfmt's OpenMetrics encoder, the same
// machinery promhttp.HandlerFor(..., EnableOpenMetrics: true) uses
// internally; this repo can't hand the registry straight to promhttp
// because the transport below is the corpus's own hand-rolled epoll
// socket server, not net/http, so the encoder is driven directly and
// its bytes are folded into the connection's response body.
func WriteOpenMetrics(w *strings.Builder, opts ExpositionOptions, servos []ServoInfo, latest map[string]rtstats.Entry, history []rtstats.Entry, lostRt uint64) {
	reg := prometheus.NewRegistry()

	servoInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clockd_servo_info",
		Help: "Static description of a configured servo instance.",
	}, []string{"sync", "clock", "desc", "source", "master", "active_intf", "bond"})
	reg.MustRegister(servoInfo)
	for _, s := range servos {
		servoInfo.WithLabelValues(s.Instance, s.Clock, s.Desc, s.Source, s.Master, s.ActiveInterface, s.Bond).Set(1)
	}

	offsetSnapshot := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clockd_offset_snapshot",
		Help: "Most recent offset-from-reference sample, nanoseconds.",
	}, []string{"sync"})
	reg.MustRegister(offsetSnapshot)
	for instance, e := range latest {
		if e.Present&rtstats.PresentOffset == 0 {
			continue
		}
		offsetSnapshot.WithLabelValues(instance).Set(float64(e.OffsetNS))
	}

	offset := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clockd_offset",
		Help: "Historical offset-from-reference samples, nanoseconds.",
	}, []string{"sync"})
	reg.MustRegister(offset)
	for _, e := range history {
		if e.Present&rtstats.PresentOffset == 0 {
			continue
		}
		offset.WithLabelValues(e.Instance).Set(float64(e.OffsetNS))
	}

	freqAdjust := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clockd_freq_adjust",
		Help: "Current frequency adjustment applied to the slave clock, parts per billion.",
	}, []string{"sync"})
	reg.MustRegister(freqAdjust)
	for instance, e := range latest {
		if e.Present&rtstats.PresentFreqAdjust == 0 {
			continue
		}
		freqAdjust.WithLabelValues(instance).Set(e.FreqAdjustPPB)
	}

	if opts.AlarmStateset {
		alarm := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clockd_alarm",
			Help: "Current alarm bitset for each servo instance.",
		}, []string{"sync", "alarm"})
		reg.MustRegister(alarm)
		for instance, e := range latest {
			alarm.WithLabelValues(instance, "set").Set(float64(boolToInt(e.AlarmBits != 0)))
		}
	}

	if opts.ServoTimes {
		mTime := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clockd_m_time",
			Help: "Master clock time at last sample, nanoseconds since epoch.",
		}, []string{"sync"})
		reg.MustRegister(mTime)
		for instance, e := range latest {
			if e.Present&rtstats.PresentMasterTime == 0 {
				continue
			}
			mTime.WithLabelValues(instance).Set(float64(e.MasterTimeNS))
		}

		sTime := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clockd_s_time",
			Help: "Slave clock time at last sample, nanoseconds since epoch.",
		}, []string{"sync"})
		reg.MustRegister(sTime)
		for instance, e := range latest {
			if e.Present&rtstats.PresentSlaveTime == 0 {
				continue
			}
			sTime.WithLabelValues(instance).Set(float64(e.SlaveTimeNS))
		}
	}

	// Counter base name omits the _total suffix: the OpenMetrics
	// encoder appends it, per convention (see prometheus/client_golang's
	// own examples and the OpenMetrics spec's counter naming rule).
	lostRtCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clockd_lost_rt",
		Help: "Count of rt-stats samples dropped because the ring was full.",
	})
	reg.MustRegister(lostRtCounter)
	lostRtCounter.Add(float64(lostRt))

	families, err := reg.Gather()
	if err != nil {
		// Gather only fails on inconsistent label cardinality across a
		// collector's own series, which the fixed label lists above
		// can't produce.
		return
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeOpenMetrics))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		closer.Close()
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
