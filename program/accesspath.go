package program

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"go-prover/smt"
)

type StepKind int

const (
	StepField StepKind = iota + 1
	StepIndex
	StepKey
	StepOffset
)

// Step is one element of an access-path chain below the base field.
type Step struct {
	Kind   StepKind
	Field  string       // StepField
	Index  *uint256.Int // StepIndex, StepOffset
	Key    *smt.Term    // StepKey; nil in a hook pattern means "any key"
	KeyVar string       // hook patterns: variable bound to the matched key
}

// AccessPath names one storage location: a base field on a contract plus a
// chain of steps. Resolution turns it into a canonical slot term; aliasing
// is decided on the resolved form, never on the syntax.
type AccessPath struct {
	Contract common.Address
	Base     string
	Steps    []Step

	slot      *smt.Term
	canonical string
	// preKey is the table base the final mapping key is added to, nil when
	// the path has no key step. Wildcard matching compares it.
	preKey   *uint256.Int
	resolved bool
}

func NewAccessPath(contract common.Address, base string, steps ...Step) *AccessPath {
	return &AccessPath{Contract: contract, Base: base, Steps: steps}
}

// Layout maps a contract's base field names to their storage slots. It is
// supplied by the compiler front end through the symbol table.
type Layout map[string]*uint256.Int

func slotHash(slot *uint256.Int) *uint256.Int {
	buf := slot.Bytes32()
	out := new(uint256.Int)
	out.SetBytes(crypto.Keccak256(buf[:]))
	return out
}

const wildcardKeyName = "$key"

// Resolve computes the canonical slot for the path under the given layout.
// Every derived table (mapping or dynamic array) lives at the keccak of its
// base slot; an entry is that hash plus the key or index word, so a concrete
// key and a symbolic key that evaluate equal address the same slot.
//
// An unknown base field or a step the layout cannot place is an analysis
// failure; the caller decides how far the failure propagates.
func (p *AccessPath) Resolve(layout Layout) error {
	if p.resolved {
		return nil
	}
	base, ok := layout[p.Base]
	if !ok {
		return errors.Errorf("storage layout of %s has no field %q", p.Contract.Hex(), p.Base)
	}

	slot := base.Clone()
	var term *smt.Term // set once the slot depends on a symbolic key

	for _, st := range p.Steps {
		if term != nil {
			return errors.Errorf("step below a symbolic key in %s is not analyzable", p.Base)
		}
		switch st.Kind {
		case StepOffset:
			slot.Add(slot, st.Index)
		case StepField:
			return errors.Errorf("unresolved struct field %q in %s", st.Field, p.Base)
		case StepIndex:
			slot = slotHash(slot)
			slot.Add(slot, st.Index)
		case StepKey:
			tbl := slotHash(slot)
			p.preKey = tbl
			switch {
			case st.Key == nil:
				term = smt.Add(smt.BvConst(tbl), smt.BvVar(wildcardKeyName))
			case st.Key.Kind == smt.KindBvConst:
				slot = new(uint256.Int).Add(tbl, st.Key.Bv)
			default:
				term = smt.Add(smt.BvConst(tbl), st.Key)
			}
		default:
			return errors.Errorf("unknown access-path step kind %d", st.Kind)
		}
	}

	if term == nil {
		term = smt.BvConst(slot)
	}
	p.slot = term
	p.canonical = p.Contract.Hex() + ":" + term.String()
	p.resolved = true
	return nil
}

// Slot returns the resolved slot term. Resolve must have succeeded.
func (p *AccessPath) Slot() *smt.Term {
	if !p.resolved {
		panic("program: Slot on unresolved access path")
	}
	return p.slot
}

// SlotWithKey instantiates a wildcard-key path with a concrete key term.
func (p *AccessPath) SlotWithKey(key *smt.Term) *smt.Term {
	return smt.Subst(p.Slot(), wildcardKeyName, key)
}

// Canonical is the resolved identity of the path; two paths alias iff their
// canonical forms are equal.
func (p *AccessPath) Canonical() string {
	if !p.resolved {
		panic("program: Canonical on unresolved access path")
	}
	return p.canonical
}

// Wildcard reports whether the path leaves its final mapping key open.
func (p *AccessPath) Wildcard() bool {
	for _, st := range p.Steps {
		if st.Kind == StepKey && st.Key == nil {
			return true
		}
	}
	return false
}

// WildcardVar returns the binder name of the open key, if any.
func (p *AccessPath) WildcardVar() string {
	for _, st := range p.Steps {
		if st.Kind == StepKey && st.Key == nil {
			return st.KeyVar
		}
	}
	return ""
}

// Aliases reports whether two resolved paths address the same slot. This is
// semantic equality on the resolved form: syntactically different paths
// that derive the same slot alias, syntactically equal paths on distinct
// contracts do not.
func Aliases(a, b *AccessPath) bool {
	return a.Contract == b.Contract && a.Canonical() == b.Canonical()
}

// Matches reports whether the hook pattern path covers a concrete
// instruction path, and returns the key term an open pattern key binds.
// A non-wildcard pattern covers exactly its aliases; a wildcard pattern
// covers every entry of the same resolved table.
func (p *AccessPath) Matches(instr *AccessPath) (*smt.Term, bool) {
	if !p.Wildcard() {
		return nil, Aliases(p, instr)
	}
	if p.Contract != instr.Contract || instr.preKey == nil || !p.preKey.Eq(instr.preKey) {
		return nil, false
	}
	for j := len(instr.Steps) - 1; j >= 0; j-- {
		if instr.Steps[j].Kind == StepKey && instr.Steps[j].Key != nil {
			return instr.Steps[j].Key, true
		}
	}
	return nil, false
}

func (p *AccessPath) String() string {
	var b strings.Builder
	b.WriteString(p.Base)
	for _, st := range p.Steps {
		switch st.Kind {
		case StepOffset:
			fmt.Fprintf(&b, "+%s", st.Index.Dec())
		case StepIndex:
			fmt.Fprintf(&b, "[%s]", st.Index.Dec())
		case StepKey:
			if st.Key == nil {
				fmt.Fprintf(&b, "[KEY %s]", st.KeyVar)
			} else {
				fmt.Fprintf(&b, "[%s]", st.Key.String())
			}
		case StepField:
			fmt.Fprintf(&b, ".%s", st.Field)
		}
	}
	return b.String()
}
