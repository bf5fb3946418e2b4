package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"go-prover/program"
	"go-prover/smt"
)

// Snapshot is one point-in-time view of the whole machine: contract
// storage, native balances, and all ghost state. Taking one is cheap; the
// underlying terms are immutable.
type Snapshot struct {
	Storage  map[common.Address]*smt.Term
	Balances *smt.Term
	Ghosts   map[string]*smt.Term
}

func (m *Machine) Snapshot() *Snapshot {
	s := &Snapshot{
		Storage:  make(map[common.Address]*smt.Term, len(m.Storage)),
		Balances: m.Balances,
		Ghosts:   make(map[string]*smt.Term, len(m.Ghosts)),
	}
	for k, v := range m.Storage {
		s.Storage[k] = v
	}
	for k, v := range m.Ghosts {
		s.Ghosts[k] = v
	}
	return s
}

// Restore rolls the machine back to the snapshot: storage, balances, and
// ordinary ghosts. Persistent ghosts are never rolled back and keep their
// current values.
func (m *Machine) Restore(s *Snapshot) {
	for k, v := range s.Storage {
		m.Storage[k] = v
	}
	m.Balances = s.Balances
	for k, v := range s.Ghosts {
		if d, ok := m.decls[k]; ok && d.Persistent {
			continue
		}
		m.Ghosts[k] = v
	}
}

// Compare builds the equality predicate between two snapshots. Both sides
// must carry the same basis; a scoped basis on one side with a different
// or absent basis on the other is a usage error, never a silent default.
func Compare(a, b *Snapshot, basisA, basisB *program.Basis) (*smt.Term, error) {
	if !basisA.Same(basisB) {
		return nil, errors.New("storage comparison mixes different bases")
	}
	basis := basisA
	if basis == nil {
		basis = &program.Basis{Kind: program.BasisAll}
	}

	switch basis.Kind {
	case program.BasisAll:
		var parts []*smt.Term
		for _, addr := range sortedAddrs(a.Storage) {
			bv, ok := b.Storage[addr]
			if !ok {
				return nil, errors.Errorf("snapshots disagree on known contracts: %s", addr.Hex())
			}
			parts = append(parts, smt.Eq(a.Storage[addr], bv))
		}
		parts = append(parts, smt.Eq(a.Balances, b.Balances))
		for _, name := range sortedNames(a.Ghosts) {
			gv, ok := b.Ghosts[name]
			if !ok {
				return nil, errors.Errorf("snapshots disagree on declared ghosts: %s", name)
			}
			parts = append(parts, smt.Eq(a.Ghosts[name], gv))
		}
		return smt.And(parts...), nil
	case program.BasisContract:
		av, aok := a.Storage[basis.Contract]
		bv, bok := b.Storage[basis.Contract]
		if !aok || !bok {
			return nil, errors.Errorf("no storage for contract %s", basis.Contract.Hex())
		}
		return smt.Eq(av, bv), nil
	case program.BasisBalances:
		return smt.Eq(a.Balances, b.Balances), nil
	case program.BasisGhost:
		av, aok := a.Ghosts[basis.Ghost]
		bv, bok := b.Ghosts[basis.Ghost]
		if !aok || !bok {
			return nil, errors.Errorf("no ghost %q in snapshot", basis.Ghost)
		}
		return smt.Eq(av, bv), nil
	}
	return nil, errors.Errorf("unknown comparison basis %d", basis.Kind)
}

func sortedAddrs(m map[common.Address]*smt.Term) []common.Address {
	out := make([]common.Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func sortedNames(m map[string]*smt.Term) []string {
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
