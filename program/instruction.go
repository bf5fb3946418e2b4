package program

import (
	"github.com/ethereum/go-ethereum/common"

	"go-prover/smt"
)

type Opcode int

const (
	OpAssign Opcode = iota + 1
	OpSload
	OpSstore
	OpGhostLoad
	OpGhostStore
	OpRequire
	OpAssert
	OpSatisfy
	OpHavoc
	OpSnapshot
	// OpCompare binds Dst to the equality predicate between two recorded
	// snapshots (or the current state), under matching bases.
	OpCompare
	OpRevert
	OpStop
	// OpCall is an unresolved call site. Instrumentation replaces it with
	// one of the resolved call opcodes below.
	OpCall
	OpCallExec
	OpCallAlways
	OpCallNondet
	OpCallHavoc
)

var opcodeNames = map[Opcode]string{
	OpAssign:     "ASSIGN",
	OpSload:      "SLOAD",
	OpSstore:     "SSTORE",
	OpGhostLoad:  "GLOAD",
	OpGhostStore: "GSTORE",
	OpRequire:    "REQUIRE",
	OpAssert:     "ASSERT",
	OpSatisfy:    "SATISFY",
	OpHavoc:      "HAVOC",
	OpSnapshot:   "SNAPSHOT",
	OpCompare:    "CMPSTATE",
	OpRevert:     "REVERT",
	OpStop:       "STOP",
	OpCall:       "CALL",
	OpCallExec:   "CALL.EXEC",
	OpCallAlways: "CALL.ALWAYS",
	OpCallNondet: "CALL.NONDET",
	OpCallHavoc:  "CALL.HAVOC",
}

func (op Opcode) String() string {
	if n, ok := opcodeNames[op]; ok {
		return n
	}
	return "INVALID"
}

// CallSite describes a call instruction before and after resolution.
type CallSite struct {
	// Receiver is the statically resolved receiver contract, nil when the
	// callee could be any implementing contract.
	Receiver   *common.Address
	Signature  string
	Visibility string
	// Args are the actual parameters, positionally matching the callee's
	// declared parameter names.
	Args []*smt.Term
	// WithRevert keeps the reverting branch of the call alive instead of
	// pruning it.
	WithRevert bool
	// AtState names a snapshot variable; the call executes against that
	// restored state.
	AtState string
}

func (c *CallSite) Copy() *CallSite {
	out := *c
	out.Args = append([]*smt.Term(nil), c.Args...)
	return &out
}

// HavocSpec is the target of an explicit havoc statement: exactly one of
// Ghost or Path is set. Pred optionally relates the prior value (OldVar)
// to the havoced value (NewVar).
type HavocSpec struct {
	Ghost  string
	Path   *AccessPath
	OldVar string
	NewVar string
	Pred   *smt.Term
}

// Instruction is one step of a straight-line sequence. Instructions are
// never mutated once a graph is built; rewrites produce fresh ones.
type Instruction struct {
	Op    Opcode
	Dst   string    // OpAssign, OpSload, OpGhostLoad, OpSnapshot, call returns
	Expr  *smt.Term // value / condition operand
	Path  *AccessPath
	Ghost string
	Key   *smt.Term // mapping ghost key
	Call  *CallSite
	Havoc *HavocSpec
	Label string // goal name for OpAssert / OpSatisfy

	// OpCompare: the snapshot variables to compare ("" is the current
	// state) and the comparison bases, which must agree on both sides.
	CmpA, CmpB     string
	BasisA, BasisB *Basis

	// Target is the single execution candidate of an OpCallExec produced
	// by summary resolution or dispatch arm expansion.
	Target *common.Address
	// RetSort is the return sort a summary declared or expects the
	// substituted value to be converted to at this site.
	RetSort smt.Sort
	// Transfer narrows an OpCallHavoc to a plain value transfer.
	Transfer bool
	// Hooked marks instructions inserted by a hook expansion; they are
	// never matched against hook patterns again.
	Hooked bool
}

func (ins *Instruction) Copy() *Instruction {
	out := *ins
	if ins.Call != nil {
		out.Call = ins.Call.Copy()
	}
	return &out
}
