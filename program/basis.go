package program

import "github.com/ethereum/go-ethereum/common"

type BasisKind int

const (
	BasisAll BasisKind = iota + 1
	BasisContract
	BasisBalances
	BasisGhost
)

// Basis scopes a state comparison to one component: one contract's
// storage, native balances only, or one ghost. A nil *Basis means the
// full state.
type Basis struct {
	Kind     BasisKind
	Contract common.Address
	Ghost    string
}

func ContractBasis(addr common.Address) *Basis {
	return &Basis{Kind: BasisContract, Contract: addr}
}

func BalancesBasis() *Basis { return &Basis{Kind: BasisBalances} }

func GhostBasis(name string) *Basis { return &Basis{Kind: BasisGhost, Ghost: name} }

// Same reports whether two bases agree; nil only matches nil.
func (b *Basis) Same(o *Basis) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.Kind == o.Kind && b.Contract == o.Contract && b.Ghost == o.Ghost
}
