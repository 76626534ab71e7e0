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
	"strings"

	"github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/xilinx-cns/clockd/internal/errs"
	"github.com/xilinx-cns/clockd/internal/hwlock"
	"github.com/xilinx-cns/clockd/internal/vendordb"
)

// Config configures the interface registry.
type Config struct {
	AssumeOnePHCPerNIC bool
	VendorDB           *vendordb.DB
}

// RescanNotifier is called at the end of every hotplug mutation, while
// the hardware-state lock is still held, so the clock
// registry can re-run its deduplication pass; it is supplied by the
// engine at wiring time to avoid a package import cycle between iface
// and clockreg.
type RescanNotifier func()

// Registry is the interface registry (C2).
type Registry struct {
	cfg   Config
	lock  *hwlock.Lock
	fs    SysFS
	caps  CapsDiscoverer
	onMut RescanNotifier

	// resolveOSName returns the name the kernel currently reports for an
	// ifindex; overridable in tests. Used by the destructive-ioctl
	// rename-check wrapper.
	resolveOSName func(ifindex int) (string, error)

	byName  map[string]*Record
	byIndex map[int]*Record
	all     []*Record
	nextNIC uint64
}

// New creates an interface registry. lock is the hardware-state lock
// shared with the clock registry.
func New(cfg Config, lock *hwlock.Lock, fs SysFS, caps CapsDiscoverer) *Registry {
	if cfg.VendorDB == nil {
		cfg.VendorDB = vendordb.Default()
	}
	return &Registry{
		cfg:     cfg,
		lock:    lock,
		fs:      fs,
		caps:    caps,
		byName:  map[string]*Record{},
		byIndex: map[int]*Record{},
		resolveOSName: func(ifindex int) (string, error) {
			ifi, err := net.InterfaceByIndex(ifindex)
			if err != nil {
				return "", err
			}
			return ifi.Name, nil
		},
	}
}

// SetRescanNotifier installs the callback invoked after hotplug
// mutations.
func (r *Registry) SetRescanNotifier(fn RescanNotifier) { r.onMut = fn }

// Shutdown releases registry resources. Records are only freed here;
// during normal operation deleted records are retained for alias/NIC-id
// recovery.
func (r *Registry) Shutdown() {
	release := r.lock.Acquire()
	defer release()
	r.byName = map[string]*Record{}
	r.byIndex = map[int]*Record{}
	r.all = nil
}

// resolveLocked chases canonical pointers to the live record, bounded to
// avoid ever spinning on a malformed chain (the append-only invariant in
// §5 guarantees termination, but a bounded loop costs nothing and keeps
// a bug from becoming a hang).
func resolveLocked(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	cur := rec
	for i := 0; i < 1+64; i++ {
		if cur.canonical == nil {
			return cur
		}
		cur = cur.canonical
	}
	log.WithField("name", rec.Name).Error("iface: canonical chain did not terminate, returning best effort")
	return cur
}

// Handle is a canonical, live-or-deleted reference obtained while
// holding the hardware-state lock. Callers must call Release exactly
// once.
type Handle struct {
	rec     *Record
	release func()
}

// Release unlocks the hardware-state lock acquired when this handle was
// obtained.
func (h *Handle) Release() {
	if h.release != nil {
		h.release()
	}
}

// Record exposes the resolved record, or nil when the lookup found
// none. A deleted record is returned as is and keeps its Name.
func (h *Handle) Record() *Record { return h.rec }

func (r *Registry) handleFor(rec *Record) *Handle {
	release := r.lock.Acquire()
	if rec == nil {
		return &Handle{rec: nil, release: release}
	}
	return &Handle{rec: resolveLocked(rec), release: release}
}

// FindByName resolves the canonical, live record currently known by
// name. The caller must Release the returned handle.
func (r *Registry) FindByName(name string) *Handle {
	release := r.lock.Acquire()
	rec, ok := r.byName[name]
	if !ok {
		return &Handle{rec: nil, release: release}
	}
	resolved := resolveLocked(rec)
	return &Handle{rec: resolved, release: release}
}

// FindByIndex resolves the canonical record for an OS ifindex.
func (r *Registry) FindByIndex(ifindex int) *Handle {
	release := r.lock.Acquire()
	rec, ok := r.byIndex[ifindex]
	if !ok {
		return &Handle{rec: nil, release: release}
	}
	return &Handle{rec: resolveLocked(rec), release: release}
}

// FirstByNIC returns the first live record allocated to a given NIC-id.
func (r *Registry) FirstByNIC(nicID uint64) *Handle {
	release := r.lock.Acquire()
	for _, rec := range r.all {
		if !rec.Deleted && rec.NICID == nicID {
			return &Handle{rec: rec, release: release}
		}
	}
	return &Handle{rec: nil, release: release}
}

// AllSnapshot returns a point-in-time copy of every record, live or
// deleted.
func (r *Registry) AllSnapshot() []Record {
	release := r.lock.Acquire()
	defer release()
	out := make([]Record, 0, len(r.all))
	for _, rec := range r.all {
		out = append(out, *rec)
	}
	return out
}

// ActivePTPSnapshot returns a point-in-time copy of every live,
// PTP-capable (hardware timestamping) record.
func (r *Registry) ActivePTPSnapshot() []Record {
	release := r.lock.Acquire()
	defer release()
	out := make([]Record, 0)
	for _, rec := range r.all {
		if !rec.Deleted && rec.TSCaps&TSCapHW != 0 {
			out = append(out, *rec)
		}
	}
	return out
}

// busFunctionPrefix strips the PCI function digit from a bus-info string
// like "0000:03:00.1", returning "0000:03:00".
func busFunctionPrefix(busInfo string) string {
	if i := strings.LastIndex(busInfo, "."); i != -1 {
		return busInfo[:i]
	}
	return busInfo
}

// allocateNICID implements the four-rule NIC-id allocation order from
// §4.2. caps is the freshly-discovered capability set for the record
// being inserted; pci is its bus-info (may be empty).
func (r *Registry) allocateNICID(caps Capabilities, pciBusInfo string) uint64 {
	// Rule 1: a live interface with the same PHC index is the same NIC.
	if caps.SupportsPHC {
		for _, rec := range r.all {
			if !rec.Deleted && rec.SupportsPHC && rec.PHCIndex == caps.PHCIndex {
				return rec.NICID
			}
		}
	}
	// Rule 2: a deleted interface with the same permanent MAC and a
	// prior PHC index is the same NIC reappearing.
	if len(caps.MAC) > 0 {
		for _, rec := range r.all {
			if rec.Deleted && rec.SupportsPHC && sameMAC(rec.MAC, caps.MAC) {
				return rec.NICID
			}
		}
	}
	// Rule 3: opted-in "assume one PHC per NIC" by PCI bus prefix.
	if r.cfg.AssumeOnePHCPerNIC && pciBusInfo != "" {
		prefix := busFunctionPrefix(pciBusInfo)
		for _, rec := range r.all {
			if !rec.Deleted && busFunctionPrefix(rec.PCIBusInfo) == prefix {
				return rec.NICID
			}
		}
	}
	// Rule 4: fresh allocation.
	r.nextNIC++
	return r.nextNIC
}

func sameMAC(a, b net.HardwareAddr) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return a.String() == b.String()
}

// logFirmwareChange compares old and new firmware version strings from
// a capability refresh and logs a downgrade, which otherwise wouldn't
// stand out among the routine insert/rename churn. Either string
// failing to parse as a version is silently ignored: not every NIC's
// firmware field is dotted-numeric.
func logFirmwareChange(name, oldFW, newFW string) {
	if oldFW == "" || newFW == "" || oldFW == newFW {
		return
	}
	oldV, err := version.NewVersion(oldFW)
	if err != nil {
		return
	}
	newV, err := version.NewVersion(newFW)
	if err != nil {
		return
	}
	if newV.LessThan(oldV) {
		log.WithFields(log.Fields{"interface": name, "from": oldFW, "to": newFW}).Warn("iface: firmware downgrade detected")
	}
}

func (r *Registry) discoverAndFill(rec *Record, name string) {
	caps := r.caps.Discover(name)
	rec.TSCaps = caps.TSCaps
	rec.PHCIndex = caps.PHCIndex
	rec.SupportsPHC = caps.SupportsPHC
	rec.PrivateIoctl = caps.PrivateIoctl
	if len(caps.MAC) > 0 {
		rec.MAC = caps.MAC
	}
	if vendor, device, busInfo, err := r.fs.PCIInfo(name); err == nil {
		rec.PCIVendor, rec.PCIDevice, rec.PCIBusInfo = vendor, device, busInfo
	}
	if driver, fw, err := r.fs.DriverInfo(name); err == nil {
		logFirmwareChange(name, rec.Firmware, fw)
		rec.Driver, rec.Firmware = driver, fw
	}
	if rec.SupportsPHC || rec.TSCaps&TSCapHW != 0 {
		if rec.Class == vendordb.ClassOther {
			rec.Class = r.cfg.VendorDB.Classify(rec.PCIVendor)
		}
	} else {
		rec.Class = r.cfg.VendorDB.Classify(rec.PCIVendor)
	}
}

// HotplugInsert handles an insert event for ifindex/name, per the four
// cases in §4.2.
func (r *Registry) HotplugInsert(ifindex int, name string) error {
	release := r.lock.Acquire()
	defer release()

	if existing, ok := r.byIndex[ifindex]; ok {
		live := resolveLocked(existing)
		if live.Name == name {
			// Same ifindex, same name: refresh capabilities only.
			r.discoverAndFill(live, name)
			r.notifyLocked()
			return nil
		}
		// Rename: the name changed under a stable ifindex.
		oldName := live.Name
		if deleted, ok := r.byName[name]; ok && resolveLocked(deleted) == deleted && deleted.Deleted {
			deleted.canonical = live
		}
		delete(r.byName, oldName)
		live.Name = name
		r.discoverAndFill(live, name)
		r.byName[name] = live
		r.notifyLocked()
		return nil
	}

	// New ifindex.
	if existingByName, ok := r.byName[name]; ok {
		live := resolveLocked(existingByName)
		if !live.Deleted {
			// Two live interfaces can't share a name: a tiny race, not a
			// protocol violation we should paper over.
			return errs.New(errs.KindInvalidArgument, "iface: insert collides with live record of same name")
		}
	}

	excl, err := excluded(r.fs, name)
	if err != nil {
		// Can't determine suitability (interface already gone, sysfs
		// race): still record it, marked deleted, so lookups degrade
		// gracefully instead of erroring.
		excl = true
	}

	rec := &Record{Ifindex: ifindex, Name: name, PHCIndex: -1}
	if !excl {
		r.discoverAndFill(rec, name)
	} else {
		rec.Deleted = true
	}
	rec.NICID = r.allocateNICID(Capabilities{SupportsPHC: rec.SupportsPHC, PHCIndex: rec.PHCIndex, MAC: rec.MAC}, rec.PCIBusInfo)

	if deleted, ok := r.byName[name]; ok {
		resolveLocked(deleted).canonical = rec
	}
	r.byName[name] = rec
	r.byIndex[ifindex] = rec
	r.all = append(r.all, rec)
	r.notifyLocked()
	return nil
}

// HotplugRemove marks the identified record deleted, clears its clock
// binding, and schedules a clock-registry rescan.
func (r *Registry) HotplugRemove(ifindex *int, name *string) error {
	release := r.lock.Acquire()
	defer release()

	var rec *Record
	if ifindex != nil {
		if found, ok := r.byIndex[*ifindex]; ok {
			rec = resolveLocked(found)
		}
	} else if name != nil {
		if found, ok := r.byName[*name]; ok {
			rec = resolveLocked(found)
		}
	}
	if rec == nil {
		return errs.New(errs.KindNotFound, "iface: remove target not found")
	}
	rec.Deleted = true
	rec.BoundClockID = 0
	r.notifyLocked()
	return nil
}

func (r *Registry) notifyLocked() {
	if r.onMut != nil {
		r.onMut()
	}
}

// renameCheck is the pre/post guard around a destructive ioctl: if the
// kernel now reports a different name for rec's ifindex than the
// registry believes, the race is signalled as errs.KindAgain rather than
// risking the ioctl landing on the wrong NIC.
func (r *Registry) renameCheck(rec *Record) error {
	current, err := r.resolveOSName(rec.Ifindex)
	if err != nil {
		return errs.Wrap(errs.KindNotFound, "iface: ifindex vanished", err)
	}
	if current != rec.Name {
		log.WithFields(log.Fields{"ifindex": rec.Ifindex, "expected": rec.Name, "actual": current}).
			Error("iface: rename race detected around destructive ioctl")
		return errs.New(errs.KindAgain, "iface: interface was renamed out from under us")
	}
	return nil
}

// Ioctl runs fn against rec, guarded by a pre- and post-call rename
// check.
func (r *Registry) Ioctl(h *Handle, fn func(rec *Record) error) error {
	rec := h.Record()
	if rec == nil {
		return errs.New(errs.KindNotFound, "iface: ioctl on nil handle")
	}
	if err := r.renameCheck(rec); err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return r.renameCheck(rec)
}

// SupportsPTP reports whether the record has hardware timestamping.
func SupportsPTP(rec *Record) bool { return rec != nil && rec.TSCaps&TSCapHW != 0 }

// SupportsPPS reports whether the record's PHC exposes a PPS callback;
// the discipline core treats "has a PHC at all" as the precondition,
// leaving the precise per-pin PPS capability to the phc package.
func SupportsPPS(rec *Record) bool { return rec != nil && rec.SupportsPHC }

// RxTSCaps returns the raw timestamping capability bitset.
func RxTSCaps(rec *Record) TSCaps {
	if rec == nil {
		return 0
	}
	return rec.TSCaps
}

// PTPCaps reports the resolved vendor class used for interface ranking.
func PTPCaps(rec *Record) vendordb.Class {
	if rec == nil {
		return vendordb.ClassOther
	}
	return rec.Class
}
