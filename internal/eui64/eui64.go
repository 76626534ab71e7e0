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

// Package eui64 derives the stable 8-byte clock identities the clock
// registry uses as its primary key, either from a NIC's MAC address or
// synthetically for the system clock.
package eui64

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cespare/xxhash"
)

// ID is a stable 64-bit hardware identifier.
type ID uint64

// String renders the id grouped the way network tooling prints EUI-64s.
func (id ID) String() string {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return fmt.Sprintf("%02x%02x%02x.%02x%02x.%02x%02x%02x",
		b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7])
}

// FromMAC expands an EUI-48 (or passes through an EUI-64) hardware
// address into a clock ID, using the standard FF:FE insertion.
func FromMAC(mac net.HardwareAddr) (ID, error) {
	var b [8]byte
	switch len(mac) {
	case 6:
		b[0], b[1], b[2] = mac[0], mac[1], mac[2]
		b[3], b[4] = 0xFF, 0xFE
		b[5], b[6], b[7] = mac[3], mac[4], mac[5]
	case 8:
		copy(b[:], mac)
	default:
		return 0, fmt.Errorf("eui64: unsupported hardware address length %d", len(mac))
	}
	return ID(binary.BigEndian.Uint64(b[:])), nil
}

// Synthetic derives a deterministic pseudo clock-id for entities with no
// hardware address of their own (the system clock). It is stable across
// restarts as long as seed (typically the hostname) does not change.
func Synthetic(seed string) ID {
	sum := xxhash.Sum64String("clockd-system-clock:" + seed)
	// Mark the locally-administered bit (bit 1 of the first octet) so a
	// synthetic id can never collide with a real burned-in MAC-derived one.
	first := byte(sum>>56) | 0x02
	return ID(uint64(first)<<56 | (sum & 0x00FFFFFFFFFFFFFF))
}

// Fingerprint hashes together facts that identify the same physical NIC
// across renames/reinsertion (permanent MAC, resolved PHC index) for
// O(1) dedup comparison instead of a deep struct compare.
func Fingerprint(mac net.HardwareAddr, phcIndex int32) uint64 {
	h := xxhash.New()
	_, _ = h.Write(mac)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(phcIndex))
	_, _ = h.Write(idx[:])
	return h.Sum64()
}
