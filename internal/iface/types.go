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

// Package iface is the interface registry (C2): the canonical record per
// physical NIC port, survival of renames and hotplug through an
// aliasing "canonical" chain, and the NIC-id allocation that lets the
// clock registry recognise the same physical timekeeper across
// reinsertions.
package iface

import (
	"net"

	"github.com/xilinx-cns/clockd/internal/eui64"
	"github.com/xilinx-cns/clockd/internal/vendordb"
)

// TSCaps is the timestamping capability bitset.
type TSCaps uint8

// Timestamping capability bits.
const (
	TSCapSW TSCaps = 1 << iota
	TSCapHW
)

func (c TSCaps) String() string {
	switch {
	case c&TSCapHW != 0 && c&TSCapSW != 0:
		return "sw+hw"
	case c&TSCapHW != 0:
		return "hw"
	case c&TSCapSW != 0:
		return "sw"
	default:
		return "none"
	}
}

// Record is the canonical state for one physical NIC port. Its address
// is the row identity the store layer preserves across deletes of
// neighbouring rows.
type Record struct {
	Ifindex  int
	Name     string
	MAC      net.HardwareAddr
	PCIVendor, PCIDevice uint16
	PCIBusInfo           string
	Driver, Firmware     string
	Class                vendordb.Class
	TSCaps               TSCaps
	PHCIndex             int32 // -1 when the port has no PHC
	SupportsPHC          bool
	PrivateIoctl         bool
	NICID                uint64

	// Deleted marks a record removed by hotplug; it is kept around (not
	// freed) so canonical/alias resolution and NIC-id recovery keep
	// working for the NIC's eventual reinsertion.
	Deleted bool

	// canonical is non-nil when this record is an alias: a rename
	// collided with a deleted record of the new name, and lookups by
	// that name should resolve through to the live record instead.
	canonical *Record

	// BoundClockID is set by the clock registry when it binds a
	// disciplinable clock to this interface; eui64.ID's zero value
	// means unbound.
	BoundClockID eui64.ID
}
