// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package counter is the shared transactional counter store that every
// admission decision in the pipeline runs through. A row is a string key plus
// a flat attribute map; the store's one non-trivial promise is that Update
// applies all of its mutations atomically if and only if all of its
// conditions hold against the current row, creating the row when absent.
//
// Admission correctness rests entirely on that conditional update: callers
// never read-then-write a counter. Rows carry an optional "ttl" attribute
// (epoch seconds) after which they are treated as absent.
package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrConditionFailed is returned by Update when at least one condition did
// not hold. The row is untouched. Callers treat this as the capacity-full
// signal, not as a fault.
var ErrConditionFailed = errors.New("counter: condition failed")

// ErrNotFound is returned by Get for absent (or expired) rows.
var ErrNotFound = errors.New("counter: row not found")

// Row is a stored record. Attribute values are strings; numeric fields are
// decimal-encoded int64s and timestamps are RFC3339.
type Row struct {
	Key   string
	Attrs map[string]string
}

// Int64 reads a numeric attribute, returning 0 when missing or malformed.
func (r Row) Int64(field string) int64 {
	v, ok := r.Attrs[field]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Has reports whether the attribute is present.
func (r Row) Has(field string) bool {
	_, ok := r.Attrs[field]
	return ok
}

// Bool reads a boolean attribute ("true"/"false"), defaulting to false.
func (r Row) Bool(field string) bool {
	return r.Attrs[field] == "true"
}

// Time reads an RFC3339 attribute.
func (r Row) Time(field string) (time.Time, bool) {
	v, ok := r.Attrs[field]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Expired reports whether the row's ttl attribute has passed.
func (r Row) Expired(now time.Time) bool {
	v, ok := r.Attrs[FieldTTL]
	if !ok {
		return false
	}
	at, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	return at <= now.Unix()
}

func (r Row) clone() Row {
	cp := Row{Key: r.Key, Attrs: make(map[string]string, len(r.Attrs))}
	for k, v := range r.Attrs {
		cp.Attrs[k] = v
	}
	return cp
}

type opKind int

const (
	opSet opKind = iota
	opAdd
	opAddFloor
)

// Op is a single field mutation inside an Update. Build them with Set, Add
// and AddFloor.
type Op struct {
	kind   opKind
	field  string
	str    string
	num    int64
	floor  int64
	isNum  bool
	isBool bool
}

// Set overwrites a field. Accepted value types: string, bool, int, int64,
// time.Time (stored as RFC3339). Anything else is stored via fmt.Sprint.
func Set(field string, value any) Op {
	op := Op{kind: opSet, field: field}
	switch v := value.(type) {
	case string:
		op.str = v
	case bool:
		op.str, op.isBool = strconv.FormatBool(v), true
	case int:
		op.num, op.isNum = int64(v), true
	case int64:
		op.num, op.isNum = v, true
	case time.Time:
		op.str = v.UTC().Format(time.RFC3339)
	default:
		op.str = fmt.Sprint(v)
	}
	return op
}

// Add increments a numeric field by delta, treating a missing field as 0.
func Add(field string, delta int64) Op {
	return Op{kind: opAdd, field: field, num: delta, isNum: true}
}

// AddFloor increments like Add but clamps the result at floor. It is how
// releases decrement in_flight without ever driving it negative.
func AddFloor(field string, delta, floor int64) Op {
	return Op{kind: opAddFloor, field: field, num: delta, floor: floor, isNum: true}
}

type condKind int

const (
	condAbsent condKind = iota
	condPresent
	condLess
	condAny
)

// Cond is a precondition evaluated against the row as it exists before the
// update. The conds passed to Update are ANDed; AnyOf provides the one OR
// shape admission needs.
type Cond struct {
	kind  condKind
	field string
	bound int64
	any   []Cond
}

// Absent holds when the row or the field does not exist.
func Absent(field string) Cond {
	return Cond{kind: condAbsent, field: field}
}

// Present holds when the field exists. Guards updates that must not create
// the row as a side effect, such as marking a tracking row released.
func Present(field string) Cond {
	return Cond{kind: condPresent, field: field}
}

// LessThan holds when the field exists, parses as an integer and is < bound.
// A missing field does NOT satisfy LessThan; pair it with Absent via AnyOf.
func LessThan(field string, bound int64) Cond {
	return Cond{kind: condLess, field: field, bound: bound}
}

// AnyOf holds when at least one inner condition holds. Inner conditions must
// not themselves be AnyOf.
func AnyOf(conds ...Cond) Cond {
	return Cond{kind: condAny, any: conds}
}

// Store is the transactional counter store. Implementations: memory (tests
// and the sim), redis (Lua-scripted updates) and dynamo (conditional
// UpdateItem).
type Store interface {
	// Get returns the row, or ErrNotFound when absent or past its ttl.
	Get(ctx context.Context, key string) (Row, error)

	// Update atomically applies ops iff all conds hold, creating the row
	// when absent, and returns the row as written. A failed condition
	// returns ErrConditionFailed and leaves the row untouched.
	Update(ctx context.Context, key string, ops []Op, conds []Cond) (Row, error)

	// Delete removes the row. Deleting an absent row is not an error.
	Delete(ctx context.Context, key string) error

	// Scan visits live rows whose key starts with prefix. Returning false
	// from fn stops the scan.
	Scan(ctx context.Context, prefix string, fn func(Row) bool) error
}

// evalConds checks conds against a row's attributes. attrs is nil for an
// absent row. Shared by the memory store and the dynamo floor fallback.
func evalConds(attrs map[string]string, conds []Cond) bool {
	for _, c := range conds {
		if !evalCond(attrs, c) {
			return false
		}
	}
	return true
}

func evalCond(attrs map[string]string, c Cond) bool {
	switch c.kind {
	case condAbsent:
		if attrs == nil {
			return true
		}
		_, ok := attrs[c.field]
		return !ok
	case condPresent:
		if attrs == nil {
			return false
		}
		_, ok := attrs[c.field]
		return ok
	case condLess:
		if attrs == nil {
			return false
		}
		v, ok := attrs[c.field]
		if !ok {
			return false
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return false
		}
		return n < c.bound
	case condAny:
		for _, inner := range c.any {
			if evalCond(attrs, inner) {
				return true
			}
		}
		return false
	}
	return false
}

// applyOps mutates attrs in place. Used by the memory store and to compute
// the expected post-image elsewhere.
func applyOps(attrs map[string]string, ops []Op) {
	for _, op := range ops {
		switch op.kind {
		case opSet:
			if op.isNum {
				attrs[op.field] = strconv.FormatInt(op.num, 10)
			} else {
				attrs[op.field] = op.str
			}
		case opAdd, opAddFloor:
			cur := int64(0)
			if v, ok := attrs[op.field]; ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					cur = n
				}
			}
			next := cur + op.num
			if op.kind == opAddFloor && next < op.floor {
				next = op.floor
			}
			attrs[op.field] = strconv.FormatInt(next, 10)
		}
	}
}
