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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// arphrdEther is ARPHRD_ETHER from linux/if_arp.h.
const arphrdEther = 1

// SysFS abstracts the sysfs reads the suitability filter and capability
// discovery fallback need, so tests can substitute a fake tree instead
// of depending on a live /sys.
type SysFS interface {
	// Type returns /sys/class/net/<name>/type, or an error if absent.
	Type(name string) (int, error)
	IsWireless(name string) bool
	IsBridge(name string) bool
	IsBond(name string) bool
	IsTap(name string) bool
	IsVLAN(name string) bool
	IsVirtual(name string) bool
	PCIInfo(name string) (vendor, device uint16, busInfo string, err error)
	DriverInfo(name string) (driver, firmware string, err error)
	// PTPCapsFile is fallback (c): a sysfs file enumerating PHC
	// capabilities when neither ethtool nor the vendor-private ioctl
	// answered. An empty result means software-only timestamping.
	PTPCapsFile(name string) (TSCaps, bool)
}

// OSSysFS is the real /sys/class/net implementation.
type OSSysFS struct {
	Root string // defaults to /sys when empty
}

func (s *OSSysFS) root() string {
	if s.Root != "" {
		return s.Root
	}
	return "/sys"
}

func (s *OSSysFS) netPath(name string, parts ...string) string {
	return filepath.Join(append([]string{s.root(), "class", "net", name}, parts...)...)
}

func (s *OSSysFS) Type(name string) (int, error) {
	data, err := os.ReadFile(s.netPath(name, "type"))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (s *OSSysFS) exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (s *OSSysFS) IsWireless(name string) bool { return s.exists(s.netPath(name, "wireless")) || s.exists(s.netPath(name, "phy80211")) }
func (s *OSSysFS) IsBridge(name string) bool   { return s.exists(s.netPath(name, "bridge")) }
func (s *OSSysFS) IsBond(name string) bool     { return s.exists(s.netPath(name, "bonding")) }
func (s *OSSysFS) IsTap(name string) bool      { return s.exists(s.netPath(name, "tun_flags")) }
func (s *OSSysFS) IsVLAN(name string) bool {
	return s.exists(filepath.Join(s.root(), "..", "proc", "net", "vlan", name))
}
func (s *OSSysFS) IsVirtual(name string) bool {
	return s.exists(filepath.Join(s.root(), "devices", "virtual", "net", name))
}

func (s *OSSysFS) PCIInfo(name string) (vendor, device uint16, busInfo string, err error) {
	v, err := os.ReadFile(s.netPath(name, "device", "vendor"))
	if err != nil {
		return 0, 0, "", err
	}
	d, err := os.ReadFile(s.netPath(name, "device", "device"))
	if err != nil {
		return 0, 0, "", err
	}
	vi, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(string(v), "0x")), 16, 16)
	if err != nil {
		return 0, 0, "", err
	}
	di, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(string(d), "0x")), 16, 16)
	if err != nil {
		return 0, 0, "", err
	}
	link, _ := os.Readlink(s.netPath(name, "device"))
	return uint16(vi), uint16(di), filepath.Base(link), nil
}

func (s *OSSysFS) DriverInfo(name string) (driver, firmware string, err error) {
	link, err := os.Readlink(s.netPath(name, "device", "driver"))
	if err != nil {
		return "", "", err
	}
	fw, _ := os.ReadFile(s.netPath(name, "device", "fw_version"))
	return filepath.Base(link), strings.TrimSpace(string(fw)), nil
}

func (s *OSSysFS) PTPCapsFile(name string) (TSCaps, bool) {
	data, err := os.ReadFile(s.netPath(name, "device", "ptp_caps"))
	if err != nil {
		return 0, false
	}
	if strings.Contains(string(data), "hw") {
		return TSCapHW | TSCapSW, true
	}
	return 0, false
}

// excluded reports whether a NIC must be rejected by the suitability
// filter: not Ethernet, or one of the excluded aggregate/virtual types.
func excluded(fs SysFS, name string) (bool, error) {
	t, err := fs.Type(name)
	if err != nil {
		return false, fmt.Errorf("iface: reading type of %s: %w", name, err)
	}
	if t != arphrdEther {
		return true, nil
	}
	return fs.IsWireless(name) || fs.IsBridge(name) || fs.IsBond(name) ||
		fs.IsTap(name) || fs.IsVLAN(name) || fs.IsVirtual(name), nil
}
