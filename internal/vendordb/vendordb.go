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

// Package vendordb classifies a NIC's PCI vendor/device id as a
// preferred-vendor, other PTP-capable, or plain interface. It reads an
// optional operator-provided INI database and falls back to a small
// built-in table of well-known PTP-capable vendors when the file is
// absent, so the interface registry always has a classification to use.
package vendordb

import (
	"fmt"

	"github.com/go-ini/ini"
)

// Class is the suitability class assigned to a NIC.
type Class int

// Classes an interface can be assigned.
const (
	ClassOther Class = iota
	ClassPTPCapableOther
	ClassPreferredVendor
)

func (c Class) String() string {
	switch c {
	case ClassPreferredVendor:
		return "preferred-vendor"
	case ClassPTPCapableOther:
		return "ptp-capable-other"
	default:
		return "other"
	}
}

// builtin lists PCI vendor ids known to ship PHC-capable NICs, keyed by
// vendor id alone (device-id granularity is left to an operator's INI
// override, loaded via Load).
var builtin = map[uint16]Class{
	0x10ee: ClassPreferredVendor,  // Xilinx
	0x1924: ClassPreferredVendor,  // Solarflare/AMD
	0x8086: ClassPTPCapableOther,  // Intel
	0x14e4: ClassPTPCapableOther,  // Broadcom
	0x15b3: ClassPTPCapableOther,  // Mellanox/NVIDIA
}

// DB is a loaded (or default) vendor classification table.
type DB struct {
	byVendor map[uint16]Class
}

// Default returns the built-in classification table.
func Default() *DB {
	cp := make(map[uint16]Class, len(builtin))
	for k, v := range builtin {
		cp[k] = v
	}
	return &DB{byVendor: cp}
}

// Load reads an INI file of the form:
//
//	[preferred-vendor]
//	10ee = Xilinx
//
//	[ptp-capable-other]
//	8086 = Intel
//
// merging it over the built-in table; section names are matched
// case-insensitively against the Class values above.
func Load(path string) (*DB, error) {
	db := Default()
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("vendordb: loading %s: %w", path, err)
	}
	for _, sec := range f.Sections() {
		var class Class
		switch sec.Name() {
		case "preferred-vendor":
			class = ClassPreferredVendor
		case "ptp-capable-other":
			class = ClassPTPCapableOther
		default:
			continue
		}
		for _, key := range sec.Keys() {
			var vendor uint16
			if _, err := fmt.Sscanf(key.Name(), "%x", &vendor); err != nil {
				continue
			}
			db.byVendor[vendor] = class
		}
	}
	return db, nil
}

// Classify returns the class assigned to a PCI vendor id, defaulting to
// ClassOther for anything not listed.
func (db *DB) Classify(vendor uint16) Class {
	if c, ok := db.byVendor[vendor]; ok {
		return c
	}
	return ClassOther
}
