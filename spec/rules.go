package spec

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"go-prover/program"
	"go-prover/smt"
)

// ParametricSignature marks a call site a parametric rule instantiates:
// the runner replaces it with every candidate method in turn.
const ParametricSignature = "*"

// Rule is one already-typed rule body. Assert goals and satisfy goals may
// both appear, but are checked in separate queries.
type Rule struct {
	Name string
	Body *program.CFG
	// Parametric rules contain a call on ParametricSignature and produce
	// one verdict per candidate method.
	Parametric bool
}

// Instance is one concrete instantiation of a rule.
type Instance struct {
	Name string
	Body *program.CFG
}

// Instantiate expands a parametric rule over every externally visible
// method in the symbol table; a non-parametric rule yields itself.
func (r *Rule) Instantiate(st *program.SymbolTable) []*Instance {
	if !r.Parametric {
		return []*Instance{{Name: r.Name, Body: r.Body}}
	}
	var out []*Instance
	for _, c := range st.Contracts() {
		for _, sig := range sortedSignatures(c) {
			m := c.Methods[sig]
			if m.Visibility == "internal" || m.Visibility == "private" {
				continue
			}
			out = append(out, &Instance{
				Name: r.Name + "(" + c.Name + "." + sig + ")",
				Body: bindParametricCall(r.Body, c.Address, sig, m.Visibility),
			})
		}
	}
	return out
}

func sortedSignatures(c *program.Contract) []string {
	sigs := make([]string, 0, len(c.Methods))
	for sig := range c.Methods {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	return sigs
}

func bindParametricCall(g *program.CFG, recv common.Address, sig, vis string) *program.CFG {
	out := g.Copy()
	for _, n := range out.Nodes {
		for i, ins := range n.Instrs {
			if ins.Op != program.OpCall || ins.Call == nil || ins.Call.Signature != ParametricSignature {
				continue
			}
			bound := ins.Copy()
			addr := recv
			bound.Call.Receiver = &addr
			bound.Call.Signature = sig
			bound.Call.Visibility = vis
			n.Instrs[i] = bound
		}
	}
	return out
}

// Invariant is a one-state property preserved by every method: assuming it
// before an arbitrary call, it must hold again afterwards.
type Invariant struct {
	Name string
	// Setup loads whatever storage and ghost state Cond mentions into
	// plain variables.
	Setup []*program.Instruction
	Cond  *smt.Term
}

// ToRule compiles the invariant into the standard parametric
// require/call/assert shape.
func (inv *Invariant) ToRule() *Rule {
	g := program.NewCFG()

	pre := append(copyInstrs(inv.Setup),
		&program.Instruction{Op: program.OpRequire, Expr: inv.Cond},
		&program.Instruction{
			Op:   program.OpCall,
			Call: &program.CallSite{Signature: ParametricSignature},
		},
	)

	condVars := make(map[string]smt.Sort)
	smt.FreeVars(inv.Cond, condVars)

	rename := make(map[string]*smt.Term)
	var post []*program.Instruction
	for _, ins := range inv.Setup {
		primed := ins.Copy()
		if primed.Dst != "" {
			fresh := primed.Dst + "!post"
			sort, ok := condVars[primed.Dst]
			if !ok {
				sort = smt.SortBv
			}
			rename[primed.Dst] = smt.Var(fresh, sort)
			primed.Dst = fresh
		}
		post = append(post, primed)
	}
	post = append(post, &program.Instruction{
		Op:    program.OpAssert,
		Expr:  smt.SubstAll(inv.Cond, rename),
		Label: inv.Name,
	})

	n := g.AddNode(append(pre, post...)...)
	g.Entry = n.ID
	return &Rule{Name: inv.Name, Body: g, Parametric: true}
}

func copyInstrs(instrs []*program.Instruction) []*program.Instruction {
	out := make([]*program.Instruction, len(instrs))
	for i, ins := range instrs {
		out[i] = ins.Copy()
	}
	return out
}

