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

package servo

import (
	"container/ring"
	"math"
)

// FirFilter is a simple moving-average pre-filter applied to raw offset
// samples before they reach a PiServo. Its depth is driven by the
// current sync interval: the shorter the interval, the more samples are
// averaged, so the effective noise bandwidth stays roughly constant as
// the sampling rate changes.
//
// This mirrors the ring-buffer idiom PiServoFilter uses for its spike
// detector, but runs ahead of the PI stage rather than behind it.
type FirFilter struct {
	samples *ring.Ring
	count   int
	cap     int
	sum     float64
}

// NewFirFilter builds an empty filter with the given maximum depth.
func NewFirFilter(depth int) *FirFilter {
	if depth < 1 {
		depth = 1
	}
	return &FirFilter{samples: ring.New(depth), cap: depth}
}

// Stiffness returns the FIR depth the servo should use for a given sync
// interval in seconds, following DefaultServoConfig's convention: depth
// is clamp(2^-log2(syncInterval), 1, maxDepth), i.e. it doubles every
// time the interval halves.
func Stiffness(syncIntervalSeconds float64, maxDepth int) int {
	if syncIntervalSeconds <= 0 {
		return 1
	}
	depth := int(math.Round(1.0 / syncIntervalSeconds))
	if depth < 1 {
		depth = 1
	}
	if depth > maxDepth {
		depth = maxDepth
	}
	return depth
}

// Resize changes the filter depth, discarding any buffered samples; the
// caller does this whenever the sync interval (and therefore the
// target stiffness) changes.
func (f *FirFilter) Resize(depth int) {
	if depth < 1 {
		depth = 1
	}
	f.samples = ring.New(depth)
	f.cap = depth
	f.count = 0
	f.sum = 0
}

// Sample pushes a new raw offset (nanoseconds) into the filter and
// returns the current moving average. Once the ring is full, the
// oldest sample is evicted before the new one is pushed.
func (f *FirFilter) Sample(offsetNS int64) int64 {
	if f.count == f.cap {
		if v, ok := f.samples.Value.(float64); ok {
			f.sum -= v
		}
	} else {
		f.count++
	}
	f.samples.Value = float64(offsetNS)
	f.samples = f.samples.Next()
	f.sum += float64(offsetNS)
	return int64(math.Round(f.sum / float64(f.count)))
}

// Reset discards all buffered samples.
func (f *FirFilter) Reset() {
	f.samples = ring.New(f.cap)
	f.count = 0
	f.sum = 0
}

// Full reports whether the filter has accumulated a full window of
// samples yet.
func (f *FirFilter) Full() bool { return f.count == f.cap }
