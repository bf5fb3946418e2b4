package smt

import (
	"strings"

	"github.com/holiman/uint256"
)

type Sort int

const (
	SortBool Sort = iota + 1
	// SortBv is a 256-bit machine word.
	SortBv
	// SortArray maps 256-bit words to 256-bit words.
	SortArray
)

func (s Sort) String() string {
	switch s {
	case SortBool:
		return "Bool"
	case SortBv:
		return "Bv256"
	case SortArray:
		return "Array"
	}
	return "?"
}

type Kind int

const (
	KindBoolConst Kind = iota + 1
	KindBvConst
	KindVar
	KindNot
	KindAnd
	KindOr
	KindImplies
	KindIff
	KindIte
	KindEq
	KindAdd
	KindSub
	KindMul
	KindULt
	KindULe
	KindSelect
	KindStore
)

// Term is an immutable formula node. Terms are shared freely between
// snapshots and split nodes; nothing may mutate one after construction.
type Term struct {
	Kind Kind
	Sort Sort
	Name string       // KindVar
	Bv   *uint256.Int // KindBvConst
	Bool bool         // KindBoolConst
	Args []*Term
}

var (
	trueTerm  = &Term{Kind: KindBoolConst, Sort: SortBool, Bool: true}
	falseTerm = &Term{Kind: KindBoolConst, Sort: SortBool, Bool: false}
)

func True() *Term  { return trueTerm }
func False() *Term { return falseTerm }

func BoolConst(b bool) *Term {
	if b {
		return trueTerm
	}
	return falseTerm
}

func BvConst(v *uint256.Int) *Term {
	return &Term{Kind: KindBvConst, Sort: SortBv, Bv: v.Clone()}
}

func BvConst64(v uint64) *Term {
	return BvConst(uint256.NewInt(v))
}

func Var(name string, sort Sort) *Term {
	return &Term{Kind: KindVar, Sort: sort, Name: name}
}

func BoolVar(name string) *Term  { return Var(name, SortBool) }
func BvVar(name string) *Term    { return Var(name, SortBv) }
func ArrayVar(name string) *Term { return Var(name, SortArray) }

func Not(a *Term) *Term {
	return &Term{Kind: KindNot, Sort: SortBool, Args: []*Term{a}}
}

func And(args ...*Term) *Term {
	flat := make([]*Term, 0, len(args))
	for _, a := range args {
		if a == nil || a == trueTerm {
			continue
		}
		flat = append(flat, a)
	}
	switch len(flat) {
	case 0:
		return trueTerm
	case 1:
		return flat[0]
	}
	return &Term{Kind: KindAnd, Sort: SortBool, Args: flat}
}

func Or(args ...*Term) *Term {
	flat := make([]*Term, 0, len(args))
	for _, a := range args {
		if a == nil || a == falseTerm {
			continue
		}
		flat = append(flat, a)
	}
	switch len(flat) {
	case 0:
		return falseTerm
	case 1:
		return flat[0]
	}
	return &Term{Kind: KindOr, Sort: SortBool, Args: flat}
}

func Implies(a, b *Term) *Term {
	return &Term{Kind: KindImplies, Sort: SortBool, Args: []*Term{a, b}}
}

func Iff(a, b *Term) *Term {
	return &Term{Kind: KindIff, Sort: SortBool, Args: []*Term{a, b}}
}

func Ite(cond, then, els *Term) *Term {
	return &Term{Kind: KindIte, Sort: then.Sort, Args: []*Term{cond, then, els}}
}

func Eq(a, b *Term) *Term {
	return &Term{Kind: KindEq, Sort: SortBool, Args: []*Term{a, b}}
}

func Neq(a, b *Term) *Term { return Not(Eq(a, b)) }

func Add(a, b *Term) *Term {
	return &Term{Kind: KindAdd, Sort: SortBv, Args: []*Term{a, b}}
}

func Sub(a, b *Term) *Term {
	return &Term{Kind: KindSub, Sort: SortBv, Args: []*Term{a, b}}
}

func Mul(a, b *Term) *Term {
	return &Term{Kind: KindMul, Sort: SortBv, Args: []*Term{a, b}}
}

// ULt is unsigned less-than on 256-bit words.
func ULt(a, b *Term) *Term {
	return &Term{Kind: KindULt, Sort: SortBool, Args: []*Term{a, b}}
}

func ULe(a, b *Term) *Term {
	return &Term{Kind: KindULe, Sort: SortBool, Args: []*Term{a, b}}
}

func Select(arr, key *Term) *Term {
	return &Term{Kind: KindSelect, Sort: SortBv, Args: []*Term{arr, key}}
}

func Store(arr, key, val *Term) *Term {
	return &Term{Kind: KindStore, Sort: SortArray, Args: []*Term{arr, key, val}}
}

// FreeVars collects every variable occurring in t into vars, keyed by name.
func FreeVars(t *Term, vars map[string]Sort) {
	if t == nil {
		return
	}
	if t.Kind == KindVar {
		vars[t.Name] = t.Sort
		return
	}
	for _, a := range t.Args {
		FreeVars(a, vars)
	}
}

// Constants collects every bitvector constant occurring in t.
func Constants(t *Term, out map[string]*uint256.Int) {
	if t == nil {
		return
	}
	if t.Kind == KindBvConst {
		out[t.Bv.Hex()] = t.Bv
		return
	}
	for _, a := range t.Args {
		Constants(a, out)
	}
}

func (t *Term) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t *Term) write(b *strings.Builder) {
	switch t.Kind {
	case KindBoolConst:
		if t.Bool {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case KindBvConst:
		b.WriteString(t.Bv.Hex())
	case KindVar:
		b.WriteString(t.Name)
	default:
		b.WriteString("(")
		b.WriteString(kindNames[t.Kind])
		for _, a := range t.Args {
			b.WriteString(" ")
			a.write(b)
		}
		b.WriteString(")")
	}
}

var kindNames = map[Kind]string{
	KindNot:     "not",
	KindAnd:     "and",
	KindOr:      "or",
	KindImplies: "=>",
	KindIff:     "<=>",
	KindIte:     "ite",
	KindEq:      "=",
	KindAdd:     "bvadd",
	KindSub:     "bvsub",
	KindMul:     "bvmul",
	KindULt:     "bvult",
	KindULe:     "bvule",
	KindSelect:  "select",
	KindStore:   "store",
}

// Equal is structural term equality.
func (t *Term) Equal(o *Term) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil {
		return false
	}
	if t.Kind != o.Kind || t.Sort != o.Sort || t.Name != o.Name ||
		t.Bool != o.Bool || len(t.Args) != len(o.Args) {
		return false
	}
	if (t.Bv == nil) != (o.Bv == nil) {
		return false
	}
	if t.Bv != nil && !t.Bv.Eq(o.Bv) {
		return false
	}
	for i := range t.Args {
		if !t.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

// Subst replaces every occurrence of the named variable in t with repl,
// sharing unchanged subterms.
func Subst(t *Term, name string, repl *Term) *Term {
	if t == nil {
		return nil
	}
	if t.Kind == KindVar && t.Name == name {
		return repl
	}
	if len(t.Args) == 0 {
		return t
	}
	args := make([]*Term, len(t.Args))
	changed := false
	for i, a := range t.Args {
		args[i] = Subst(a, name, repl)
		if args[i] != a {
			changed = true
		}
	}
	if !changed {
		return t
	}
	out := *t
	out.Args = args
	return &out
}

// SubstAll applies Subst for every entry of the substitution map.
func SubstAll(t *Term, subst map[string]*Term) *Term {
	for name, repl := range subst {
		t = Subst(t, name, repl)
	}
	return t
}

// Rename rewrites variable names in t per the given map, preserving sorts.
func Rename(t *Term, names map[string]string) *Term {
	if t == nil || len(names) == 0 {
		return t
	}
	if t.Kind == KindVar {
		if n, ok := names[t.Name]; ok {
			return Var(n, t.Sort)
		}
		return t
	}
	if len(t.Args) == 0 {
		return t
	}
	args := make([]*Term, len(t.Args))
	changed := false
	for i, a := range t.Args {
		args[i] = Rename(a, names)
		if args[i] != a {
			changed = true
		}
	}
	if !changed {
		return t
	}
	out := *t
	out.Args = args
	return &out
}
