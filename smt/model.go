package smt

import (
	"sort"
	"strings"

	"github.com/holiman/uint256"
)

// ArrayValue is a finite description of an array: a default word plus
// enumerated exceptions keyed by the hex form of the index.
type ArrayValue struct {
	Default *uint256.Int
	Elems   map[string]*uint256.Int
}

func NewArrayValue(def *uint256.Int) *ArrayValue {
	return &ArrayValue{
		Default: def.Clone(),
		Elems:   make(map[string]*uint256.Int),
	}
}

func (a *ArrayValue) Get(key *uint256.Int) *uint256.Int {
	if v, ok := a.Elems[key.Hex()]; ok {
		return v
	}
	return a.Default
}

func (a *ArrayValue) Set(key, val *uint256.Int) *ArrayValue {
	out := NewArrayValue(a.Default)
	for k, v := range a.Elems {
		out.Elems[k] = v
	}
	out.Elems[key.Hex()] = val.Clone()
	return out
}

func (a *ArrayValue) Equal(b *ArrayValue) bool {
	if !a.Default.Eq(b.Default) {
		return false
	}
	keys := make(map[string]bool)
	for k := range a.Elems {
		keys[k] = true
	}
	for k := range b.Elems {
		keys[k] = true
	}
	for k := range keys {
		av, aok := a.Elems[k]
		if !aok {
			av = a.Default
		}
		bv, bok := b.Elems[k]
		if !bok {
			bv = b.Default
		}
		if !av.Eq(bv) {
			return false
		}
	}
	return true
}

// Value is a concrete assignment for one sort.
type Value struct {
	Sort Sort
	Bool bool
	Bv   *uint256.Int
	Arr  *ArrayValue
}

func BoolValue(b bool) Value { return Value{Sort: SortBool, Bool: b} }

func BvValue(v *uint256.Int) Value { return Value{Sort: SortBv, Bv: v.Clone()} }

func ArrValue(a *ArrayValue) Value { return Value{Sort: SortArray, Arr: a} }

func (v Value) Equal(o Value) bool {
	if v.Sort != o.Sort {
		return false
	}
	switch v.Sort {
	case SortBool:
		return v.Bool == o.Bool
	case SortBv:
		return v.Bv.Eq(o.Bv)
	case SortArray:
		return v.Arr.Equal(o.Arr)
	}
	return false
}

func (v Value) String() string {
	switch v.Sort {
	case SortBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case SortBv:
		return v.Bv.Hex()
	case SortArray:
		keys := make([]string, 0, len(v.Arr.Elems))
		for k := range v.Arr.Elems {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("[default=" + v.Arr.Default.Hex())
		for _, k := range keys {
			b.WriteString(" " + k + "=" + v.Arr.Elems[k].Hex())
		}
		b.WriteString("]")
		return b.String()
	}
	return "?"
}

// Model is a variable assignment returned by a Sat check.
type Model map[string]Value
