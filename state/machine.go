package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"go-prover/program"
	"go-prover/smt"
	"go-prover/spec"
)

// Fresh hands out unique variable names within one encoding. Every split
// node encodes with its own Machine but shares no Fresh across goroutines;
// no locking is needed.
type Fresh struct {
	n int
}

func NewFresh() *Fresh { return &Fresh{} }

func (f *Fresh) Name(hint string) string {
	f.n++
	return fmt.Sprintf("%s!%d", hint, f.n)
}

func (f *Fresh) Bv(hint string) *smt.Term    { return smt.BvVar(f.Name(hint)) }
func (f *Fresh) Bool(hint string) *smt.Term  { return smt.BoolVar(f.Name(hint)) }
func (f *Fresh) Array(hint string) *smt.Term { return smt.ArrayVar(f.Name(hint)) }

func (f *Fresh) ofSort(hint string, sort smt.Sort) *smt.Term {
	return smt.Var(f.Name(hint), sort)
}

// Machine is the symbolic machine state threaded through encoding: one
// storage array per contract, the native balance array, and every declared
// ghost. It is an explicit versioned object, never ambient state; Copy is
// cheap because all terms are immutable and shared.
type Machine struct {
	Storage  map[common.Address]*smt.Term
	Balances *smt.Term
	Ghosts   map[string]*smt.Term

	// Constraints is the accumulated path condition, including ghost
	// axioms for every incarnation created so far.
	Constraints []*smt.Term

	decls map[string]*spec.GhostDecl
	fresh *Fresh
}

// NewMachine builds the rule-start state: every contract's storage, all
// balances, and every ghost receive unconstrained values, subject to the
// declared axioms and init-state axioms.
func NewMachine(st *program.SymbolTable, ghosts []*spec.GhostDecl, fresh *Fresh) *Machine {
	m := &Machine{
		Storage:  make(map[common.Address]*smt.Term),
		Balances: fresh.Array("balances"),
		Ghosts:   make(map[string]*smt.Term),
		decls:    make(map[string]*spec.GhostDecl, len(ghosts)),
		fresh:    fresh,
	}
	for _, c := range st.Contracts() {
		m.Storage[c.Address] = fresh.Array("storage!" + c.Name)
	}
	for _, g := range ghosts {
		m.decls[g.Name] = g
		v := fresh.ofSort("ghost!"+g.Name, g.ValueSort())
		m.Ghosts[g.Name] = v
		m.Constraints = append(m.Constraints, g.InstantiateAxioms(v)...)
		if init := g.InstantiateInit(v); init != nil {
			m.Constraints = append(m.Constraints, init)
		}
	}
	return m
}

// Copy forks the machine for one branch of exploration. Terms are shared;
// the maps and the constraint list are not.
func (m *Machine) Copy() *Machine {
	out := &Machine{
		Storage:     make(map[common.Address]*smt.Term, len(m.Storage)),
		Balances:    m.Balances,
		Ghosts:      make(map[string]*smt.Term, len(m.Ghosts)),
		Constraints: append([]*smt.Term(nil), m.Constraints...),
		decls:       m.decls,
		fresh:       m.fresh,
	}
	for k, v := range m.Storage {
		out.Storage[k] = v
	}
	for k, v := range m.Ghosts {
		out.Ghosts[k] = v
	}
	return out
}

func (m *Machine) Assume(c *smt.Term) {
	m.Constraints = append(m.Constraints, c)
}

func (m *Machine) Fresh() *Fresh { return m.fresh }

func (m *Machine) Decl(name string) (*spec.GhostDecl, bool) {
	d, ok := m.decls[name]
	return d, ok
}

// SloadSlot reads one storage slot of a contract.
func (m *Machine) SloadSlot(c common.Address, slot *smt.Term) (*smt.Term, error) {
	arr, ok := m.Storage[c]
	if !ok {
		return nil, errors.Errorf("no storage for contract %s", c.Hex())
	}
	return smt.Select(arr, slot), nil
}

// SstoreSlot writes one storage slot of a contract.
func (m *Machine) SstoreSlot(c common.Address, slot, value *smt.Term) error {
	arr, ok := m.Storage[c]
	if !ok {
		return errors.Errorf("no storage for contract %s", c.Hex())
	}
	m.Storage[c] = smt.Store(arr, slot, value)
	return nil
}

// Sload reads the slot the resolved path addresses.
func (m *Machine) Sload(p *program.AccessPath) (*smt.Term, error) {
	return m.SloadSlot(p.Contract, p.Slot())
}

// Sstore writes the slot the resolved path addresses.
func (m *Machine) Sstore(p *program.AccessPath, value *smt.Term) error {
	return m.SstoreSlot(p.Contract, p.Slot(), value)
}

// GhostLoad reads a ghost cell, or one entry of a mapping ghost.
func (m *Machine) GhostLoad(name string, key *smt.Term) (*smt.Term, error) {
	d, ok := m.decls[name]
	if !ok {
		return nil, errors.Errorf("undeclared ghost %q", name)
	}
	cur := m.Ghosts[name]
	if d.Mapping {
		if key == nil {
			return nil, errors.Errorf("mapping ghost %q read without a key", name)
		}
		return smt.Select(cur, key), nil
	}
	if key != nil {
		return nil, errors.Errorf("scalar ghost %q read with a key", name)
	}
	return cur, nil
}

// GhostStore writes a ghost cell, or one entry of a mapping ghost.
func (m *Machine) GhostStore(name string, key, value *smt.Term) error {
	d, ok := m.decls[name]
	if !ok {
		return errors.Errorf("undeclared ghost %q", name)
	}
	if d.Mapping {
		if key == nil {
			return errors.Errorf("mapping ghost %q written without a key", name)
		}
		m.Ghosts[name] = smt.Store(m.Ghosts[name], key, value)
		return nil
	}
	if key != nil {
		return errors.Errorf("scalar ghost %q written with a key", name)
	}
	m.Ghosts[name] = value
	return nil
}

// HavocAll models an unresolved external call: storage of every contract
// not in untouched, all balances, and every non-persistent ghost receive
// unconstrained values. Persistent ghosts keep their terms; hooks never
// fire on the havoc itself.
func (m *Machine) HavocAll(untouched map[common.Address]bool) {
	for addr := range m.Storage {
		if untouched[addr] {
			continue
		}
		m.Storage[addr] = m.fresh.Array("havoc!storage")
	}
	m.Balances = m.fresh.Array("havoc!balances")
	for name, d := range m.decls {
		if d.Persistent {
			continue
		}
		m.havocGhost(name, d)
	}
}

func (m *Machine) havocGhost(name string, d *spec.GhostDecl) *smt.Term {
	v := m.fresh.ofSort("havoc!"+name, d.ValueSort())
	m.Ghosts[name] = v
	m.Constraints = append(m.Constraints, d.InstantiateAxioms(v)...)
	return v
}

// HavocGhost gives the named ghost an unconstrained value. An explicit,
// targeted havoc reaches persistent ghosts too.
func (m *Machine) HavocGhost(name string) (*smt.Term, error) {
	d, ok := m.decls[name]
	if !ok {
		return nil, errors.Errorf("undeclared ghost %q", name)
	}
	return m.havocGhost(name, d), nil
}

// HavocPath gives one storage slot an unconstrained value.
func (m *Machine) HavocPath(p *program.AccessPath) (*smt.Term, error) {
	v := m.fresh.Bv("havoc!" + p.Base)
	if err := m.Sstore(p, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Transfer narrows a havocing call to a plain value movement.
func (m *Machine) Transfer(from, to, amount *smt.Term) {
	b := m.Balances
	b = smt.Store(b, from, smt.Sub(smt.Select(b, from), amount))
	b = smt.Store(b, to, smt.Add(smt.Select(b, to), amount))
	m.Balances = b
}
