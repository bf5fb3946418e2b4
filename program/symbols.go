package program

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"go-prover/smt"
)

// Method is a compiled contract method. The body assigns its return value,
// if any, to the Out variable before reaching a Stop node.
type Method struct {
	Signature  string
	Visibility string
	Params     []string
	Body       *CFG
	Out        string
	OutSort    smt.Sort
	HasReturn  bool
}

// Contract is one deployed instance known to the verification run.
type Contract struct {
	Name    string
	Address common.Address
	Layout  Layout
	Methods map[string]*Method
}

func (c *Contract) Method(sig string) (*Method, bool) {
	m, ok := c.Methods[sig]
	return m, ok
}

// SymbolTable maps contract names and addresses to instances. Built by the
// compiler front end; read-only here.
type SymbolTable struct {
	contracts []*Contract
	byName    map[string]*Contract
	byAddr    map[common.Address]*Contract
}

func NewSymbolTable(contracts ...*Contract) *SymbolTable {
	st := &SymbolTable{
		contracts: contracts,
		byName:    make(map[string]*Contract, len(contracts)),
		byAddr:    make(map[common.Address]*Contract, len(contracts)),
	}
	for _, c := range contracts {
		st.byName[c.Name] = c
		st.byAddr[c.Address] = c
	}
	return st
}

func (st *SymbolTable) Contracts() []*Contract { return st.contracts }

func (st *SymbolTable) ByName(name string) (*Contract, bool) {
	c, ok := st.byName[name]
	return c, ok
}

func (st *SymbolTable) ByAddress(addr common.Address) (*Contract, bool) {
	c, ok := st.byAddr[addr]
	return c, ok
}

// Implementations returns every contract implementing the given method
// signature, ordered by address for deterministic dispatch arms.
func (st *SymbolTable) Implementations(sig string) []*Contract {
	var out []*Contract
	for _, c := range st.contracts {
		if _, ok := c.Methods[sig]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}
