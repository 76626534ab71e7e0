package iface

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilinx-cns/clockd/internal/hwlock"
	"github.com/xilinx-cns/clockd/internal/vendordb"
)

// fakeSysFS is an in-memory SysFS for tests: every name not explicitly
// listed as excluded is treated as a suitable Ethernet NIC.
type fakeSysFS struct {
	excludedNames map[string]bool
}

func (f *fakeSysFS) Type(name string) (int, error) {
	if f.excludedNames["type:"+name] {
		return 0, nil
	}
	return arphrdEther, nil
}
func (f *fakeSysFS) IsWireless(name string) bool { return f.excludedNames["wireless:"+name] }
func (f *fakeSysFS) IsBridge(name string) bool   { return f.excludedNames["bridge:"+name] }
func (f *fakeSysFS) IsBond(name string) bool     { return f.excludedNames["bond:"+name] }
func (f *fakeSysFS) IsTap(name string) bool      { return f.excludedNames["tap:"+name] }
func (f *fakeSysFS) IsVLAN(name string) bool     { return f.excludedNames["vlan:"+name] }
func (f *fakeSysFS) IsVirtual(name string) bool  { return f.excludedNames["virtual:"+name] }
func (f *fakeSysFS) PCIInfo(name string) (uint16, uint16, string, error) {
	return 0x10ee, 0x1234, "0000:03:00.0", nil
}
func (f *fakeSysFS) DriverInfo(name string) (string, string, error) { return "sfc", "1.0", nil }
func (f *fakeSysFS) PTPCapsFile(name string) (TSCaps, bool)         { return 0, false }

// fakeCaps assigns deterministic PHC indices/MACs by name via a lookup
// table, defaulting to software-only.
type fakeCaps struct {
	byName map[string]Capabilities
}

func (f *fakeCaps) Discover(name string) Capabilities {
	if c, ok := f.byName[name]; ok {
		return c
	}
	return Capabilities{TSCaps: TSCapSW, PHCIndex: -1}
}

func mac(s string) net.HardwareAddr {
	m, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func newTestRegistry(caps *fakeCaps) *Registry {
	return New(Config{}, hwlock.New(), &fakeSysFS{excludedNames: map[string]bool{}}, caps)
}

func TestHotplugInsertAssignsNICIDAndCaps(t *testing.T) {
	caps := &fakeCaps{byName: map[string]Capabilities{
		"eth0": {TSCaps: TSCapHW | TSCapSW, PHCIndex: 0, SupportsPHC: true, MAC: mac("00:11:22:33:44:55")},
	}}
	reg := newTestRegistry(caps)

	require.NoError(t, reg.HotplugInsert(2, "eth0"))

	h := reg.FindByName("eth0")
	defer h.Release()
	require.NotNil(t, h.Record())
	assert.Equal(t, int32(0), h.Record().PHCIndex)
	assert.EqualValues(t, 1, h.Record().NICID)
	assert.True(t, SupportsPTP(h.Record()))
}

func TestNICIDStableAcrossRemoveAndReinsert(t *testing.T) {
	caps := &fakeCaps{byName: map[string]Capabilities{
		"eth0": {TSCaps: TSCapHW, PHCIndex: 0, SupportsPHC: true, MAC: mac("aa:bb:cc:dd:ee:ff")},
	}}
	reg := newTestRegistry(caps)
	require.NoError(t, reg.HotplugInsert(5, "eth0"))

	h := reg.FindByName("eth0")
	firstID := h.Record().NICID
	h.Release()

	require.NoError(t, reg.HotplugRemove(intPtr(5), nil))

	// Same MAC, new ifindex (simulating module reload), same PHC index
	// reported again.
	require.NoError(t, reg.HotplugInsert(9, "eth0"))
	h2 := reg.FindByName("eth0")
	defer h2.Release()
	assert.Equal(t, firstID, h2.Record().NICID)
}

func TestRenameAliasesDeletedRecordAtNewName(t *testing.T) {
	caps := &fakeCaps{byName: map[string]Capabilities{
		"eth0": {TSCaps: TSCapSW, PHCIndex: -1},
		"eth1": {TSCaps: TSCapSW, PHCIndex: -1},
	}}
	reg := newTestRegistry(caps)

	require.NoError(t, reg.HotplugInsert(3, "eth0"))
	require.NoError(t, reg.HotplugInsert(7, "eth1"))
	require.NoError(t, reg.HotplugRemove(nil, strPtr("eth1")))

	// ifindex 3 (eth0) is renamed to eth1, colliding with the deleted
	// record: the deleted eth1 record should alias to the renamed live
	// one rather than a new, disconnected record being created.
	require.NoError(t, reg.HotplugInsert(3, "eth1"))

	h := reg.FindByName("eth1")
	defer h.Release()
	require.NotNil(t, h.Record())
	assert.False(t, h.Record().Deleted)
	assert.Equal(t, 3, h.Record().Ifindex)
}

func TestInsertRejectsLiveNameCollision(t *testing.T) {
	caps := &fakeCaps{byName: map[string]Capabilities{}}
	reg := newTestRegistry(caps)

	require.NoError(t, reg.HotplugInsert(1, "eth1"))
	err := reg.HotplugInsert(2, "eth1")
	assert.Error(t, err)

	h := reg.FindByName("eth1")
	defer h.Release()
	assert.Equal(t, 1, h.Record().Ifindex)
}

func TestCanonicalChainResolvesThroughMultipleAliases(t *testing.T) {
	caps := &fakeCaps{byName: map[string]Capabilities{}}
	reg := newTestRegistry(caps)

	require.NoError(t, reg.HotplugInsert(1, "eth0"))
	require.NoError(t, reg.HotplugRemove(intPtr(1), nil))
	require.NoError(t, reg.HotplugInsert(2, "eth0"))
	require.NoError(t, reg.HotplugRemove(intPtr(2), nil))
	require.NoError(t, reg.HotplugInsert(3, "eth0"))

	h := reg.FindByName("eth0")
	defer h.Release()
	require.NotNil(t, h.Record())
	assert.False(t, h.Record().Deleted)
	assert.Equal(t, 3, h.Record().Ifindex)
}

func TestSuitabilityFilterMarksExcludedInterfacesDeleted(t *testing.T) {
	fs := &fakeSysFS{excludedNames: map[string]bool{"bridge:br0": true}}
	reg := New(Config{}, hwlock.New(), fs, &fakeCaps{byName: map[string]Capabilities{}})

	require.NoError(t, reg.HotplugInsert(1, "br0"))
	h := reg.FindByName("br0")
	defer h.Release()
	require.NotNil(t, h.Record())
	assert.True(t, h.Record().Deleted)
}

func TestActivePTPSnapshotByClassFiltersAndSorts(t *testing.T) {
	caps := &fakeCaps{byName: map[string]Capabilities{
		"eth1": {TSCaps: TSCapHW, PHCIndex: 0, SupportsPHC: true, MAC: mac("00:11:22:33:44:01")},
		"eth0": {TSCaps: TSCapHW, PHCIndex: 1, SupportsPHC: true, MAC: mac("00:11:22:33:44:00")},
		"lo0":  {TSCaps: TSCapSW, MAC: mac("00:11:22:33:44:02")},
	}}
	reg := newTestRegistry(caps)
	require.NoError(t, reg.HotplugInsert(2, "eth1"))
	require.NoError(t, reg.HotplugInsert(1, "eth0"))
	require.NoError(t, reg.HotplugInsert(3, "lo0"))

	recs, err := reg.ActivePTPSnapshotByClass(vendordb.ClassPreferredVendor)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "eth0", recs[0].Name)
	assert.Equal(t, "eth1", recs[1].Name)
}

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }
