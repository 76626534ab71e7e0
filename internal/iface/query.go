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
	"github.com/xilinx-cns/clockd/internal/store"
	"github.com/xilinx-cns/clockd/internal/vendordb"
)

// recordSchema describes Record's queryable columns for the relational
// store layer: equality filters on deleted/capability/class/ifindex, plus
// an ifindex sort order for stable, deterministic listings.
var recordSchema = store.Schema[Record]{
	Name: "interfaces",
	Fields: []store.Field[Record]{
		{
			Name:   "deleted",
			Search: func(rec *Record, val any) bool { return rec.Deleted == val.(bool) },
		},
		{
			Name: "hw_timestamping",
			Search: func(rec *Record, val any) bool {
				return (rec.TSCaps&TSCapHW != 0) == val.(bool)
			},
		},
		{
			Name:   "class",
			Search: func(rec *Record, val any) bool { return rec.Class == val.(vendordb.Class) },
		},
		{
			Name:   "ifindex",
			Search: func(rec *Record, val any) bool { return rec.Ifindex == val.(int) },
			Less:   func(a, b *Record) bool { return a.Ifindex < b.Ifindex },
		},
	},
}

// snapshotTable loads a point-in-time store.Table over recs, for
// callers that want a filtered/sorted view rather than a linear scan.
// Built fresh per call: the registry's own byName/byIndex maps remain
// the live, lock-protected source of truth; this is a derived query
// surface over a snapshot, the same relationship ActivePTPSnapshot and
// AllSnapshot already have to r.all.
func snapshotTable(recs []Record) *store.Table[Record] {
	t := store.New(recordSchema, store.BackendLinkedList)
	for _, rec := range recs {
		t.Insert(rec)
	}
	return t
}

// ActivePTPSnapshotByClass returns every live, hardware-timestamping
// record belonging to the given vendor class, sorted by ifindex. It
// queries a fresh snapshot table rather than scanning r.all directly,
// exercising the same filter/sort engine the clock registry's
// dedup/rename bookkeeping was designed to share. It orders through
// ForEach rather than Query: the table is a disposable per-call
// snapshot, but Query's contract refuses orderBy unconditionally on
// any table, since its Refs type makes no ownership promise a caller
// could rely on to tell a safe table apart from an unsafe one.
func (r *Registry) ActivePTPSnapshotByClass(class vendordb.Class) ([]Record, error) {
	t := snapshotTable(r.AllSnapshot())
	var out []Record
	err := t.ForEach([]store.Filter{
		{Field: "deleted", Value: false},
		{Field: "hw_timestamping", Value: true},
		{Field: "class", Value: class},
	}, []string{"ifindex"}, func(ref store.Ref[Record]) bool {
		out = append(out, ref.Value)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
