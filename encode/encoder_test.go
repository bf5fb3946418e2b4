package encode

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-prover/config"
	"go-prover/instrument"
	"go-prover/program"
	"go-prover/smt"
	"go-prover/smt/finite"
	"go-prover/spec"
)

var counterAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")

func counterPath() *program.AccessPath {
	return program.NewAccessPath(counterAddr, "counter")
}

// counterContract has bump() incrementing the counter and spike() writing
// then reverting.
func counterContract() *program.Contract {
	bump := program.NewCFG()
	n := bump.AddNode(
		&program.Instruction{Op: program.OpSload, Dst: "c", Path: counterPath()},
		&program.Instruction{Op: program.OpSstore, Path: counterPath(), Expr: smt.Add(smt.BvVar("c"), smt.BvConst64(1))},
		&program.Instruction{Op: program.OpStop},
	)
	bump.Entry = n.ID

	spike := program.NewCFG()
	n = spike.AddNode(
		&program.Instruction{Op: program.OpSstore, Path: counterPath(), Expr: smt.BvConst64(9)},
		&program.Instruction{Op: program.OpRevert},
	)
	spike.Entry = n.ID

	return &program.Contract{
		Name:    "Counter",
		Address: counterAddr,
		Layout:  program.Layout{"counter": uint256.NewInt(0)},
		Methods: map[string]*program.Method{
			"bump()":  {Signature: "bump()", Visibility: "external", Body: bump},
			"spike()": {Signature: "spike()", Visibility: "external", Body: spike},
		},
	}
}

type fixture struct {
	symbols *program.SymbolTable
	ghosts  []*spec.GhostDecl
	hooks   []*spec.HookBinding
	cfg     *config.Config
}

func newFixture() *fixture {
	return &fixture{
		symbols: program.NewSymbolTable(counterContract()),
		cfg:     config.Default(),
	}
}

func (f *fixture) encode(t *testing.T, rule *program.CFG, goal GoalKind, label string) *Query {
	t.Helper()
	q, err := f.encodeErr(rule, goal, label)
	require.NoError(t, err)
	return q
}

func (f *fixture) encodeErr(rule *program.CFG, goal GoalKind, label string) (*Query, error) {
	prog, err := instrument.Instrument(rule, f.hooks, spec.NewSummaries(), f.symbols, instrument.Options{}, zap.NewNop())
	if err != nil {
		return nil, err
	}
	e := &Encoder{
		Symbols: f.symbols,
		Ghosts:  f.ghosts,
		Prog:    prog,
		Sums:    spec.NewSummaries(),
		Cfg:     f.cfg,
	}
	return e.Encode(prog.Graph, goal, label)
}

func solve(t *testing.T, f *smt.Term) (smt.CheckResult, smt.Model) {
	t.Helper()
	res, model, err := finite.New().Check(context.Background(), []*smt.Term{f}, 5*time.Second)
	require.NoError(t, err)
	return res, model
}

func node(instrs ...*program.Instruction) *program.CFG {
	g := program.NewCFG()
	n := g.AddNode(instrs...)
	g.Entry = n.ID
	return g
}

func callSiteAt(sig string, withRevert bool) *program.Instruction {
	return &program.Instruction{Op: program.OpCall, Call: &program.CallSite{
		Receiver:   &counterAddr,
		Signature:  sig,
		WithRevert: withRevert,
	}}
}

func TestAssertHoldsAfterStore(t *testing.T) {
	f := newFixture()
	rule := node(
		&program.Instruction{Op: program.OpSstore, Path: counterPath(), Expr: smt.BvConst64(5)},
		&program.Instruction{Op: program.OpSload, Dst: "x", Path: counterPath()},
		&program.Instruction{Op: program.OpAssert, Expr: smt.Eq(smt.BvVar("x"), smt.BvConst64(5)), Label: "written value read back"},
	)
	q := f.encode(t, rule, GoalAssert, "")

	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Unsat, res)
	assert.Equal(t, OutcomeVerified, q.Interpret(res))
}

func TestAssertViolatedWithTrace(t *testing.T) {
	f := newFixture()
	rule := node(
		&program.Instruction{Op: program.OpSload, Dst: "x", Path: counterPath()},
		&program.Instruction{Op: program.OpAssert, Expr: smt.Eq(smt.BvVar("x"), smt.BvConst64(5)), Label: "counter is five"},
	)
	q := f.encode(t, rule, GoalAssert, "")

	res, model := solve(t, q.Formula)
	require.Equal(t, smt.Sat, res)
	assert.Equal(t, OutcomeViolated, q.Interpret(res))

	tr, err := q.Extract(model)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "counter is five", tr.Label)
	assert.NotEmpty(t, tr.Steps)
}

func TestSatisfyFindsWitness(t *testing.T) {
	f := newFixture()
	rule := node(
		&program.Instruction{Op: program.OpSload, Dst: "x", Path: counterPath()},
		&program.Instruction{Op: program.OpSatisfy, Expr: smt.Eq(smt.BvVar("x"), smt.BvConst64(1)), Label: "one is reachable"},
	)
	require.Equal(t, []string{"one is reachable"}, SatisfyLabels(rule))

	q := f.encode(t, rule, GoalSatisfy, "one is reachable")
	res, _ := solve(t, q.Formula)
	require.Equal(t, smt.Sat, res)
	assert.Equal(t, OutcomeVerified, q.Interpret(res))
}

func TestSatisfyImpossibleIsViolated(t *testing.T) {
	f := newFixture()
	rule := node(
		&program.Instruction{Op: program.OpSload, Dst: "x", Path: counterPath()},
		&program.Instruction{Op: program.OpRequire, Expr: smt.Eq(smt.BvVar("x"), smt.BvConst64(2))},
		&program.Instruction{Op: program.OpSatisfy, Expr: smt.Eq(smt.BvVar("x"), smt.BvConst64(3)), Label: "three after two"},
	)
	q := f.encode(t, rule, GoalSatisfy, "three after two")
	res, _ := solve(t, q.Formula)
	require.Equal(t, smt.Unsat, res)
	assert.Equal(t, OutcomeViolated, q.Interpret(res))
}

func TestUnreachableGoalIsVacuous(t *testing.T) {
	f := newFixture()
	rule := node(
		&program.Instruction{Op: program.OpRequire, Expr: smt.False()},
		&program.Instruction{Op: program.OpSload, Dst: "x", Path: counterPath()},
		&program.Instruction{Op: program.OpAssert, Expr: smt.Eq(smt.BvVar("x"), smt.BvVar("x")), Label: "anything"},
	)
	q := f.encode(t, rule, GoalAssert, "")

	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Unsat, res)
	reach, _ := solve(t, q.Vacuity)
	assert.True(t, q.Vacuous(reach))
}

func TestCalleeExecution(t *testing.T) {
	f := newFixture()
	rule := node(
		&program.Instruction{Op: program.OpSload, Dst: "pre", Path: counterPath()},
		callSiteAt("bump()", false),
		&program.Instruction{Op: program.OpSload, Dst: "post", Path: counterPath()},
		&program.Instruction{Op: program.OpAssert, Expr: smt.Eq(smt.BvVar("post"), smt.Add(smt.BvVar("pre"), smt.BvConst64(1))), Label: "bump adds one"},
	)
	q := f.encode(t, rule, GoalAssert, "")
	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Unsat, res)
}

func TestRevertWithoutMarkerPrunesThePath(t *testing.T) {
	f := newFixture()
	rule := node(
		callSiteAt("spike()", false),
		&program.Instruction{Op: program.OpAssert, Expr: smt.False(), Label: "after a certain revert"},
	)
	q := f.encode(t, rule, GoalAssert, "")
	assert.Zero(t, q.GoalCount())
}

func TestRevertRollsBackAndBindsLastReverted(t *testing.T) {
	f := newFixture()
	rule := node(
		&program.Instruction{Op: program.OpSload, Dst: "pre", Path: counterPath()},
		callSiteAt("spike()", true),
		&program.Instruction{Op: program.OpSload, Dst: "post", Path: counterPath()},
		&program.Instruction{
			Op: program.OpAssert,
			Expr: smt.And(
				smt.BoolVar("lastReverted"),
				smt.Eq(smt.BvVar("post"), smt.BvVar("pre")),
			),
			Label: "revert rolled the write back",
		},
	)
	q := f.encode(t, rule, GoalAssert, "")
	require.Equal(t, 1, q.GoalCount())

	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Unsat, res)
}

func TestCompletedCallClearsLastReverted(t *testing.T) {
	f := newFixture()
	rule := node(
		callSiteAt("bump()", true),
		&program.Instruction{Op: program.OpAssert, Expr: smt.Not(smt.BoolVar("lastReverted")), Label: "bump does not revert"},
	)
	q := f.encode(t, rule, GoalAssert, "")
	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Unsat, res)
}

func TestHavocCallSparesPersistentGhost(t *testing.T) {
	f := newFixture()
	f.ghosts = []*spec.GhostDecl{
		{Name: "sticky", Sort: smt.SortBv, Persistent: true},
		{Name: "vol", Sort: smt.SortBv},
	}
	unknown := &program.Instruction{Op: program.OpCall, Call: &program.CallSite{Signature: "ext()"}}

	rule := node(
		&program.Instruction{Op: program.OpGhostStore, Ghost: "sticky", Expr: smt.BvConst64(1)},
		unknown,
		&program.Instruction{Op: program.OpGhostLoad, Dst: "s", Ghost: "sticky"},
		&program.Instruction{Op: program.OpAssert, Expr: smt.Eq(smt.BvVar("s"), smt.BvConst64(1)), Label: "persistent ghost survives havoc"},
	)
	q := f.encode(t, rule, GoalAssert, "")
	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Unsat, res)
}

func TestHavocCallFreesOrdinaryGhost(t *testing.T) {
	f := newFixture()
	f.ghosts = []*spec.GhostDecl{{Name: "vol", Sort: smt.SortBv}}

	rule := node(
		&program.Instruction{Op: program.OpGhostStore, Ghost: "vol", Expr: smt.BvConst64(1)},
		&program.Instruction{Op: program.OpCall, Call: &program.CallSite{Signature: "ext()"}},
		&program.Instruction{Op: program.OpGhostLoad, Dst: "v", Ghost: "vol"},
		&program.Instruction{Op: program.OpSatisfy, Expr: smt.Eq(smt.BvVar("v"), smt.BvConst64(2)), Label: "any value after havoc"},
	)
	q := f.encode(t, rule, GoalSatisfy, "any value after havoc")
	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Sat, res)
}

func TestLoopBoundViolation(t *testing.T) {
	f := newFixture()
	f.cfg.LoopBound = 1

	g := program.NewCFG()
	head := g.AddNode(&program.Instruction{Op: program.OpAssign, Dst: "i", Expr: smt.BvConst64(0)})
	loop := g.AddNode()
	g.AddEdge(head.ID, loop.ID, nil)
	g.AddEdge(loop.ID, loop.ID, nil)
	g.Entry = head.ID

	q := f.encode(t, g, GoalAssert, "")
	require.NotZero(t, q.GoalCount())
	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Sat, res, "the overrun is reported")

	f.cfg.OptimisticLoop = true
	q = f.encode(t, g, GoalAssert, "")
	assert.Zero(t, q.GoalCount(), "optimistic mode assumes the bound away")
}

func TestSnapshotCompare(t *testing.T) {
	f := newFixture()
	basis := program.ContractBasis(counterAddr)
	rule := node(
		&program.Instruction{Op: program.OpSnapshot, Dst: "s0"},
		&program.Instruction{Op: program.OpSstore, Path: counterPath(), Expr: smt.BvConst64(5)},
		&program.Instruction{Op: program.OpCompare, Dst: "same", CmpA: "s0", CmpB: "s0", BasisA: basis, BasisB: basis},
		&program.Instruction{Op: program.OpAssert, Expr: smt.BoolVar("same"), Label: "a snapshot equals itself"},
	)
	q := f.encode(t, rule, GoalAssert, "")
	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Unsat, res)
}

func TestCallAtSnapshotUndoesEarlierCall(t *testing.T) {
	// storage init = snapshot; call_A(); call_B() at init: the state after
	// the restored call must be independent of call_A's mutations, the
	// ordinary ghost written by its hook included
	f := newFixture()
	f.ghosts = []*spec.GhostDecl{{
		Name: "writes",
		Sort: smt.SortBv,
		Init: smt.Eq(smt.BvVar("writes"), smt.BvConst64(0)),
	}}
	f.hooks = []*spec.HookBinding{{
		Name: "onCounterWrite",
		Kind: spec.HookSstore,
		Path: counterPath(),
		Body: []*program.Instruction{
			{Op: program.OpGhostLoad, Dst: "n", Ghost: "writes"},
			{Op: program.OpGhostStore, Ghost: "writes", Expr: smt.Add(smt.BvVar("n"), smt.BvConst64(1))},
		},
	}}

	independent := smt.And(
		smt.Eq(smt.BvVar("post"), smt.Add(smt.BvVar("pre"), smt.BvConst64(1))),
		smt.Eq(smt.BvVar("w"), smt.BvConst64(1)),
	)
	build := func(second *program.Instruction) *program.CFG {
		return node(
			&program.Instruction{Op: program.OpSload, Dst: "pre", Path: counterPath()},
			&program.Instruction{Op: program.OpSnapshot, Dst: "init"},
			callSiteAt("bump()", false),
			second,
			&program.Instruction{Op: program.OpSload, Dst: "post", Path: counterPath()},
			&program.Instruction{Op: program.OpGhostLoad, Dst: "w", Ghost: "writes"},
			&program.Instruction{Op: program.OpAssert, Expr: independent, Label: "only the restored call is visible"},
		)
	}

	atInit := &program.Instruction{Op: program.OpCall, Call: &program.CallSite{
		Receiver:  &counterAddr,
		Signature: "bump()",
		AtState:   "init",
	}}
	q := f.encode(t, build(atInit), GoalAssert, "")
	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Unsat, res)
	assert.Equal(t, OutcomeVerified, q.Interpret(res))

	// without the restore the second call stacks on the first
	q = f.encode(t, build(callSiteAt("bump()", false)), GoalAssert, "")
	res, _ = solve(t, q.Formula)
	assert.Equal(t, smt.Sat, res)
}

func TestCompareBasisMismatchFailsEncoding(t *testing.T) {
	f := newFixture()
	rule := node(
		&program.Instruction{Op: program.OpSnapshot, Dst: "s0"},
		&program.Instruction{Op: program.OpCompare, Dst: "same", CmpA: "s0", BasisA: program.ContractBasis(counterAddr)},
	)
	_, err := f.encodeErr(rule, GoalAssert, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mixes different bases")
}

func TestTwoStateHavocPredicate(t *testing.T) {
	f := newFixture()
	f.ghosts = []*spec.GhostDecl{{Name: "tick", Sort: smt.SortBv}}
	rule := node(
		&program.Instruction{Op: program.OpGhostStore, Ghost: "tick", Expr: smt.BvConst64(1)},
		&program.Instruction{Op: program.OpHavoc, Havoc: &program.HavocSpec{
			Ghost:  "tick",
			OldVar: "before",
			NewVar: "after",
			Pred:   smt.ULe(smt.BvVar("before"), smt.BvVar("after")),
		}},
		&program.Instruction{Op: program.OpGhostLoad, Dst: "v", Ghost: "tick"},
		&program.Instruction{Op: program.OpAssert, Expr: smt.ULe(smt.BvConst64(1), smt.BvVar("v")), Label: "havoc respects its relation"},
	)
	q := f.encode(t, rule, GoalAssert, "")
	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Unsat, res)
}

func TestBranchesContributeSeparateGoalPaths(t *testing.T) {
	f := newFixture()
	g := program.NewCFG()
	entry := g.AddNode()
	left := g.AddNode(&program.Instruction{Op: program.OpAssign, Dst: "y", Expr: smt.BvConst64(1)})
	right := g.AddNode(&program.Instruction{Op: program.OpAssign, Dst: "y", Expr: smt.BvConst64(2)})
	join := g.AddNode(&program.Instruction{
		Op: program.OpAssert, Expr: smt.ULe(smt.BvVar("y"), smt.BvConst64(2)), Label: "y stays small",
	})
	g.AddEdge(entry.ID, left.ID, smt.BoolVar("take"))
	g.AddEdge(entry.ID, right.ID, smt.Not(smt.BoolVar("take")))
	g.AddEdge(left.ID, join.ID, nil)
	g.AddEdge(right.ID, join.ID, nil)
	g.Entry = entry.ID

	q := f.encode(t, g, GoalAssert, "")
	assert.Equal(t, 2, q.GoalCount())
	res, _ := solve(t, q.Formula)
	assert.Equal(t, smt.Unsat, res)
}

