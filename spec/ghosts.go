package spec

import (
	"go-prover/smt"
)

// GhostDecl declares one named piece of verification-time state. Ordinary
// ghosts are rolled back on revert and receive an unconstrained value on
// any full havoc; persistent ghosts survive both and change only through
// explicit writes.
type GhostDecl struct {
	Name       string
	Sort       smt.Sort // scalar sort; mappings use SortArray
	Mapping    bool
	Persistent bool

	// Init constrains the ghost's value in the initial state, phrased over
	// a variable named after the ghost.
	Init *smt.Term
	// Axioms constrain every incarnation of the ghost, havoced ones
	// included.
	Axioms []*smt.Term
}

// ValueSort is the sort of the ghost's symbolic value cell.
func (g *GhostDecl) ValueSort() smt.Sort {
	if g.Mapping {
		return smt.SortArray
	}
	return g.Sort
}

// InstantiateAxioms rewrites the declaration's axioms onto a concrete
// incarnation term.
func (g *GhostDecl) InstantiateAxioms(value *smt.Term) []*smt.Term {
	if len(g.Axioms) == 0 {
		return nil
	}
	out := make([]*smt.Term, len(g.Axioms))
	for i, ax := range g.Axioms {
		out[i] = smt.Subst(ax, g.Name, value)
	}
	return out
}

// InstantiateInit rewrites the init-state axiom onto an incarnation term.
func (g *GhostDecl) InstantiateInit(value *smt.Term) *smt.Term {
	if g.Init == nil {
		return nil
	}
	return smt.Subst(g.Init, g.Name, value)
}

// ValidateGhosts rejects duplicate declarations.
func ValidateGhosts(ghosts []*GhostDecl) error {
	seen := make(map[string]bool)
	for _, g := range ghosts {
		if seen[g.Name] {
			return &ConfigError{Unit: g.Name, Reason: "ghost declared twice"}
		}
		seen[g.Name] = true
	}
	return nil
}
