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

// Package store is a small in-process relational store: fixed-schema
// tables with multi-key equality filters, multi-key sort, and O(1)
// insert/delete. It backs the interface and clock registries; it is not
// a general-purpose database.
package store

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Field describes one queryable/sortable column of a table's schema.
type Field[T any] struct {
	Name string
	// Search reports whether rec's value for this field equals val.
	Search func(rec *T, val any) bool
	// Less orders two records by this field. Nil if the field is not sortable.
	Less func(a, b *T) bool
}

// Schema is the fixed set of named, comparable fields for a Table[T].
type Schema[T any] struct {
	Name   string
	Fields []Field[T]
}

func (s Schema[T]) field(name string) (Field[T], error) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, nil
		}
	}
	return Field[T]{}, fmt.Errorf("store: table %q has no field %q", s.Name, name)
}

// Filter is one (field, value) equality constraint.
type Filter struct {
	Field string
	Value any
}

// Backend selects the storage strategy for a Table.
type Backend int

const (
	// BackendLinkedList is used when iteration order is irrelevant and
	// deletes are rare.
	BackendLinkedList Backend = iota
	// BackendArray is used where random access by opaque index and
	// dense storage matter; it recycles freed slots via a LIFO free-list.
	BackendArray
)

// Row is one stored record. Its address is the record's identity: it
// survives deletes of other rows and is never moved.
type Row[T any] struct {
	Value   T
	deleted bool
	// array backend bookkeeping
	nextFree int
}

// Ref is an opaque, stable reference to a stored record.
type Ref[T any] = *Row[T]

// Table is a fixed-schema collection of T, queryable by Filter list and
// an optional ordered sort-field list.
type Table[T any] struct {
	schema  Schema[T]
	backend Backend

	// BackendLinkedList storage
	list []*Row[T]

	// BackendArray storage
	arr         []*Row[T]
	freeHead    int // -1 when empty
	highWater   int
	count       int
	capacity    int
}

// New creates an empty table with the given schema and backend.
func New[T any](schema Schema[T], backend Backend) *Table[T] {
	t := &Table[T]{schema: schema, backend: backend, freeHead: -1}
	if backend == BackendArray {
		t.capacity = 16
		t.arr = make([]*Row[T], 0, t.capacity)
	}
	return t
}

// Insert copies rec into the table and returns a stable reference to it.
func (t *Table[T]) Insert(rec T) Ref[T] {
	row := &Row[T]{Value: rec}
	switch t.backend {
	case BackendArray:
		if t.freeHead != -1 {
			idx := t.freeHead
			t.freeHead = t.arr[idx].nextFree
			t.arr[idx] = row
		} else {
			if len(t.arr) == cap(t.arr) {
				grown := make([]*Row[T], len(t.arr), max(1, cap(t.arr)*2))
				copy(grown, t.arr)
				t.arr = grown
				t.capacity = cap(t.arr)
			}
			t.arr = append(t.arr, row)
			if len(t.arr) > t.highWater {
				t.highWater = len(t.arr)
			}
		}
		t.count++
	default:
		t.list = append(t.list, row)
	}
	return row
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// matches reports whether row satisfies every filter.
func (t *Table[T]) matches(row *Row[T], filters []Filter) (bool, error) {
	for _, f := range filters {
		field, err := t.schema.field(f.Field)
		if err != nil {
			return false, err
		}
		if !field.Search(&row.Value, f.Value) {
			return false, nil
		}
	}
	return true, nil
}

// ForEach visits every live row satisfying filters, in sort order if
// orderBy is non-empty, otherwise in arbitrary (backend) order. Visiting
// stops early if fn returns false.
func (t *Table[T]) ForEach(filters []Filter, orderBy []string, fn func(Ref[T]) bool) error {
	rows, err := t.matchingRows(filters)
	if err != nil {
		return err
	}
	if len(orderBy) > 0 {
		if err := t.sortRows(rows, orderBy); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if !fn(r) {
			break
		}
	}
	return nil
}

func (t *Table[T]) liveRows() []*Row[T] {
	var src []*Row[T]
	if t.backend == BackendArray {
		src = t.arr
	} else {
		src = t.list
	}
	out := make([]*Row[T], 0, len(src))
	for _, r := range src {
		if r != nil && !r.deleted {
			out = append(out, r)
		}
	}
	return out
}

func (t *Table[T]) matchingRows(filters []Filter) ([]*Row[T], error) {
	live := t.liveRows()
	out := make([]*Row[T], 0, len(live))
	for _, r := range live {
		ok, err := t.matches(r, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *Table[T]) sortRows(rows []*Row[T], orderBy []string) error {
	fields := make([]Field[T], 0, len(orderBy))
	for _, name := range orderBy {
		f, err := t.schema.field(name)
		if err != nil {
			return err
		}
		if f.Less == nil {
			return fmt.Errorf("store: field %q is not sortable", name)
		}
		fields = append(fields, f)
	}
	slices.SortStableFunc(rows, func(a, b *Row[T]) bool {
		for _, f := range fields {
			if f.Less(&a.Value, &b.Value) {
				return true
			}
			if f.Less(&b.Value, &a.Value) {
				return false
			}
		}
		return false
	})
	return nil
}

// Find returns the first row matching filters, or nil if none match.
func (t *Table[T]) Find(filters ...Filter) (Ref[T], error) {
	var found Ref[T]
	err := t.ForEach(filters, nil, func(r Ref[T]) bool {
		found = r
		return false
	})
	return found, err
}

// Count returns the number of live rows matching filters.
func (t *Table[T]) Count(filters ...Filter) (int, error) {
	rows, err := t.matchingRows(filters)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// QueryResult is an owned snapshot of matching references. Holding it
// alive does not pin the underlying rows in memory beyond normal GC
// rules; freeing it never invalidates the rows themselves.
type QueryResult[T any] struct {
	Refs []Ref[T]
}

// Query runs a two-pass count-then-fill query, returning a snapshot of
// live references matching filters. The returned Refs are the table's
// own live row pointers, not owned copies, so Query rejects an orderBy
// request outright rather than silently honoring or ignoring it: the
// caller asked for an ordering contract this result type can't make a
// stable promise about. Callers that need a sorted view should use
// ForEach instead, which applies orderBy to a result it owns for the
// duration of the callback.
func (t *Table[T]) Query(filters []Filter, orderBy []string) (QueryResult[T], error) {
	if len(orderBy) > 0 {
		return QueryResult[T]{}, fmt.Errorf("store: table %q: Query does not support orderBy on a refs result, use ForEach", t.schema.Name)
	}
	rows, err := t.matchingRows(filters)
	if err != nil {
		return QueryResult[T]{}, err
	}
	return QueryResult[T]{Refs: rows}, nil
}

// Delete removes every row matching filters. Surviving rows keep their
// identity (address) and, for the array backend, their index.
func (t *Table[T]) Delete(filters ...Filter) (int, error) {
	n := 0
	switch t.backend {
	case BackendArray:
		for idx, r := range t.arr {
			if r == nil || r.deleted {
				continue
			}
			ok, err := t.matches(r, filters)
			if err != nil {
				return n, err
			}
			if !ok {
				continue
			}
			r.deleted = true
			r.nextFree = t.freeHead
			t.freeHead = idx
			t.count--
			n++
		}
		// shrink high-water mark when the tail is now all free/nil
		for t.highWater > 0 {
			last := t.arr[t.highWater-1]
			if last != nil && !last.deleted {
				break
			}
			t.highWater--
		}
	default:
		kept := t.list[:0]
		for _, r := range t.list {
			ok, err := t.matches(r, filters)
			if err != nil {
				return n, err
			}
			if ok {
				n++
				continue
			}
			kept = append(kept, r)
		}
		t.list = kept
	}
	return n, nil
}

// Len returns the number of live rows, regardless of filters.
func (t *Table[T]) Len() int {
	if t.backend == BackendArray {
		return t.count
	}
	return len(t.list)
}

// HighWaterMark returns the largest index ever populated in the array
// backend that is still in use by a live or pending-reuse slot.
func (t *Table[T]) HighWaterMark() int {
	if t.backend != BackendArray {
		return len(t.list)
	}
	return t.highWater
}

// Capacity returns the current allocated capacity of the array backend.
func (t *Table[T]) Capacity() int {
	if t.backend != BackendArray {
		return len(t.list)
	}
	return t.capacity
}
