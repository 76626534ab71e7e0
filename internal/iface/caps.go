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

package iface

import (
	"net"

	"github.com/xilinx-cns/clockd/phc"
)

// Capabilities is what capability discovery produces for one NIC.
type Capabilities struct {
	TSCaps       TSCaps
	PHCIndex     int32
	SupportsPHC  bool
	PrivateIoctl bool
	MAC          net.HardwareAddr
}

// CapsDiscoverer runs the ordered capability-discovery fallbacks: (a)
// kernel ethtool timestamping query, (b) vendor-private ioctl, (c)
// sysfs PTP-caps file. Absence of all three degrades the interface to
// software-only timestamping.
type CapsDiscoverer interface {
	Discover(name string) Capabilities
}

// PrivateIoctlProbe is the vendor-private ioctl fallback (b); it is a
// narrow hook rather than a full reimplementation of any one vendor's
// legacy protocol, since the wire format is driver-specific and out of
// scope for the discipline core. The zero value always reports
// unsupported, which is a safe, documented default.
type PrivateIoctlProbe func(name string) (Capabilities, bool)

// EthtoolAndSysfsDiscoverer is the default CapsDiscoverer: it tries the
// kernel ethtool query first (grounded on phc.IfaceInfo), then the
// configured vendor-private probe, then the sysfs PTP-caps file.
type EthtoolAndSysfsDiscoverer struct {
	FS      SysFS
	Private PrivateIoctlProbe
}

// Discover implements CapsDiscoverer.
func (d *EthtoolAndSysfsDiscoverer) Discover(name string) Capabilities {
	if info, err := phc.IfaceInfo(name); err == nil {
		caps := Capabilities{PHCIndex: info.PHCIndex, SupportsPHC: info.PHCIndex >= 0}
		if info.SOtimestamping != 0 {
			caps.TSCaps |= TSCapSW
		}
		if caps.SupportsPHC {
			caps.TSCaps |= TSCapHW
		}
		if iface, err := net.InterfaceByName(name); err == nil {
			caps.MAC = iface.HardwareAddr
		}
		return caps
	}

	if d.Private != nil {
		if caps, ok := d.Private(name); ok {
			return caps
		}
	}

	if d.FS != nil {
		if caps, ok := d.FS.PTPCapsFile(name); ok {
			return Capabilities{TSCaps: caps, PHCIndex: -1}
		}
	}

	// All three fallbacks failed: degrade to software-only timestamping.
	return Capabilities{TSCaps: TSCapSW, PHCIndex: -1}
}
