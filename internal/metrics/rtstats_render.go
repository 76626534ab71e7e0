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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xilinx-cns/clockd/internal/rtstats"
)

// recordUnitSeparator is RFC 7464's RS (0x1E) that prefixes every
// json-seq record.
const recordUnitSeparator = "\x1e"

type jsonEntry struct {
	Instance      string  `json:"instance"`
	OffsetNS      int64   `json:"offset_ns,omitempty"`
	FreqAdjustPPB float64 `json:"freq_adjust_ppb,omitempty"`
	InSync        bool    `json:"in_sync"`
	AlarmBits     uint32  `json:"alarm_bits,omitempty"`
	LogTimeUnixNano int64 `json:"log_time_unix_nano"`
}

func toJSONEntry(e rtstats.Entry) jsonEntry {
	return jsonEntry{
		Instance:        e.Instance,
		OffsetNS:        e.OffsetNS,
		FreqAdjustPPB:   e.FreqAdjustPPB,
		InSync:          e.InSync,
		AlarmBits:       e.AlarmBits,
		LogTimeUnixNano: e.LogTimeUnixNano,
	}
}

// RenderNDJSON renders entries as application/x-ndjson: one JSON object
// per line.
func RenderNDJSON(entries []rtstats.Entry) (string, error) {
	var b strings.Builder
	for _, e := range entries {
		data, err := json.Marshal(toJSONEntry(e))
		if err != nil {
			return "", err
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// RenderJSONSeq renders entries as RFC 7464 application/json-seq.
func RenderJSONSeq(entries []rtstats.Entry) (string, error) {
	var b strings.Builder
	for _, e := range entries {
		data, err := json.Marshal(toJSONEntry(e))
		if err != nil {
			return "", err
		}
		b.WriteString(recordUnitSeparator)
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// RenderText renders entries as the classic text/plain stats format,
// passing each alarmed entry's line through highlight when highlight is
// non-nil (supplied by a TTY-aware caller; nil leaves every line
// uncolored).
func RenderText(entries []rtstats.Entry, highlight func(s string) string) string {
	var b strings.Builder
	for _, e := range entries {
		line := fmt.Sprintf("%s offset=%dns freq=%.1fppb in-sync=%t alarms=%#x\n",
			e.Instance, e.OffsetNS, e.FreqAdjustPPB, e.InSync, e.AlarmBits)
		if e.AlarmBits != 0 && highlight != nil {
			line = highlight(line)
		}
		b.WriteString(line)
	}
	return b.String()
}
