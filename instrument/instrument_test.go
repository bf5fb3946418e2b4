package instrument

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-prover/program"
	"go-prover/smt"
	"go-prover/spec"
)

var (
	bankAddr  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	otherAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func bankTable() *program.SymbolTable {
	layout := program.Layout{
		"balances":    uint256.NewInt(0),
		"totalSupply": uint256.NewInt(1),
	}
	noop := func() *program.CFG {
		g := program.NewCFG()
		n := g.AddNode(&program.Instruction{Op: program.OpStop})
		g.Entry = n.ID
		return g
	}
	return program.NewSymbolTable(
		&program.Contract{
			Name:    "Bank",
			Address: bankAddr,
			Layout:  layout,
			Methods: map[string]*program.Method{
				"poke()": {Signature: "poke()", Visibility: "external", Body: noop()},
			},
		},
		&program.Contract{
			Name:    "Mirror",
			Address: otherAddr,
			Layout:  layout,
			Methods: map[string]*program.Method{
				"poke()": {Signature: "poke()", Visibility: "external", Body: noop()},
			},
		},
	)
}

func balances(key *smt.Term) *program.AccessPath {
	return program.NewAccessPath(bankAddr, "balances", program.Step{Kind: program.StepKey, Key: key})
}

func singleNode(instrs ...*program.Instruction) *program.CFG {
	g := program.NewCFG()
	n := g.AddNode(instrs...)
	g.Entry = n.ID
	return g
}

func run(t *testing.T, rule *program.CFG, hooks []*spec.HookBinding, opts Options) *Instrumented {
	t.Helper()
	out, err := Instrument(rule, hooks, spec.NewSummaries(), bankTable(), opts, zap.NewNop())
	require.NoError(t, err)
	return out
}

func opcodes(g *program.CFG, node int) []program.Opcode {
	ops := make([]program.Opcode, 0, len(g.Nodes[node].Instrs))
	for _, ins := range g.Nodes[node].Instrs {
		ops = append(ops, ins.Op)
	}
	return ops
}

func storeHook(body ...*program.Instruction) *spec.HookBinding {
	return &spec.HookBinding{
		Name:     "onBalanceWrite",
		Kind:     spec.HookSstore,
		Path:     program.NewAccessPath(bankAddr, "balances", program.Step{Kind: program.StepKey, KeyVar: "who"}),
		ValueVar: "v",
		OldVar:   "prev",
		Body:     body,
	}
}

func TestStoreHookExpansion(t *testing.T) {
	hook := storeHook(
		&program.Instruction{Op: program.OpGhostStore, Ghost: "delta", Expr: smt.Sub(smt.BvVar("v"), smt.BvVar("prev"))},
	)
	rule := singleNode(&program.Instruction{
		Op:   program.OpSstore,
		Path: balances(smt.BvConst64(5)),
		Expr: smt.BvConst64(9),
	})

	out := run(t, rule, []*spec.HookBinding{hook}, Options{})
	instrs := out.Graph.Nodes[out.Graph.Entry].Instrs

	// pre-load of the overwritten value, the store itself, the bound
	// variables, then the hook body
	require.Empty(t, cmp.Diff([]program.Opcode{
		program.OpSload,
		program.OpSstore,
		program.OpAssign,
		program.OpAssign,
		program.OpAssign,
		program.OpGhostStore,
	}, opcodes(out.Graph, out.Graph.Entry)))

	preload := instrs[0]
	assert.True(t, preload.Hooked)
	assert.True(t, program.Aliases(preload.Path, instrs[1].Path))

	ghostWrite := instrs[5]
	assert.True(t, ghostWrite.Hooked)
	// v and prev were renamed to their per-expansion bindings
	vars := make(map[string]smt.Sort)
	smt.FreeVars(ghostWrite.Expr, vars)
	assert.NotContains(t, vars, "v")
	assert.NotContains(t, vars, "prev")
}

func TestWildcardBindsTheMatchedKey(t *testing.T) {
	hook := storeHook(
		&program.Instruction{Op: program.OpGhostStore, Ghost: "touched", Key: smt.BvVar("who"), Expr: smt.BvConst64(1)},
	)
	rule := singleNode(&program.Instruction{
		Op:   program.OpSstore,
		Path: balances(smt.BvVar("user")),
		Expr: smt.BvConst64(1),
	})

	out := run(t, rule, []*spec.HookBinding{hook}, Options{})
	instrs := out.Graph.Nodes[out.Graph.Entry].Instrs
	ghostWrite := instrs[len(instrs)-1]
	require.Equal(t, program.OpGhostStore, ghostWrite.Op)

	// the key binder was freshened; resolve it through the binding chain
	vars := make(map[string]smt.Sort)
	smt.FreeVars(ghostWrite.Key, vars)
	require.Len(t, vars, 1)
	found := false
	for name := range vars {
		for _, ins := range instrs {
			if ins.Op == program.OpAssign && ins.Dst == name {
				found = true
				assert.True(t, ins.Expr.Equal(smt.BvVar("user")))
			}
		}
	}
	assert.True(t, found, "the matched key is bound before the hook body")
}

func TestHookBodyIsNotRematched(t *testing.T) {
	// the hook body itself stores to a matching location; expansion must
	// not recurse into a second firing
	hook := storeHook(
		&program.Instruction{Op: program.OpSstore, Path: balances(smt.BvConst64(7)), Expr: smt.BvConst64(0)},
	)
	rule := singleNode(&program.Instruction{
		Op:   program.OpSstore,
		Path: balances(smt.BvConst64(5)),
		Expr: smt.BvConst64(9),
	})

	out := run(t, rule, []*spec.HookBinding{hook}, Options{})

	stores, hookedStores := 0, 0
	for _, ins := range out.Graph.Nodes[out.Graph.Entry].Instrs {
		if ins.Op == program.OpSstore {
			stores++
			if ins.Hooked {
				hookedStores++
			}
		}
	}
	assert.Equal(t, 2, stores)
	assert.Equal(t, 1, hookedStores)
}

func TestOpcodeHookFiresAfterFineGrainedHook(t *testing.T) {
	// the opcode-level hook runs at the same instruction, after any
	// fine-grained match; declaring it first must not change that
	every := &spec.HookBinding{
		Name:     "onAnyStore",
		Kind:     spec.HookOpcode,
		Opcode:   program.OpSstore,
		ValueVar: "v",
		Body: []*program.Instruction{
			{Op: program.OpGhostStore, Ghost: "all", Expr: smt.BvVar("v")},
		},
	}
	fine := storeHook(
		&program.Instruction{Op: program.OpGhostStore, Ghost: "fine", Expr: smt.BvVar("v")},
	)
	rule := singleNode(&program.Instruction{
		Op:   program.OpSstore,
		Path: balances(smt.BvConst64(5)),
		Expr: smt.BvConst64(9),
	})

	out := run(t, rule, []*spec.HookBinding{every, fine}, Options{})

	var ghosts []string
	for _, ins := range out.Graph.Nodes[out.Graph.Entry].Instrs {
		if ins.Op == program.OpGhostStore {
			ghosts = append(ghosts, ins.Ghost)
		}
	}
	require.Empty(t, cmp.Diff([]string{"fine", "all"}, ghosts))
}

func TestHookGuardExtendsThroughCalls(t *testing.T) {
	// a call made from a hook body executes a hook-exempt variant of the
	// callee, so its stores cannot fire the hook again
	bump := singleNode(
		&program.Instruction{Op: program.OpSstore, Path: program.NewAccessPath(bankAddr, "totalSupply"), Expr: smt.BvConst64(1)},
		&program.Instruction{Op: program.OpStop},
	)
	table := program.NewSymbolTable(&program.Contract{
		Name:    "Bank",
		Address: bankAddr,
		Layout:  program.Layout{"totalSupply": uint256.NewInt(1)},
		Methods: map[string]*program.Method{
			"bumpSupply()": {Signature: "bumpSupply()", Visibility: "external", Body: bump},
		},
	})
	hook := &spec.HookBinding{
		Name: "onSupplyWrite",
		Kind: spec.HookSstore,
		Path: program.NewAccessPath(bankAddr, "totalSupply"),
		Body: []*program.Instruction{
			{Op: program.OpGhostStore, Ghost: "writes", Expr: smt.BvConst64(1)},
			{Op: program.OpCall, Call: &program.CallSite{Receiver: &bankAddr, Signature: "bumpSupply()"}},
		},
	}
	rule := singleNode(&program.Instruction{
		Op:   program.OpSstore,
		Path: program.NewAccessPath(bankAddr, "totalSupply"),
		Expr: smt.BvConst64(9),
	})

	out, err := Instrument(rule, []*spec.HookBinding{hook}, spec.NewSummaries(), table, Options{}, zap.NewNop())
	require.NoError(t, err)

	instrs := out.Graph.Nodes[out.Graph.Entry].Instrs
	require.Empty(t, cmp.Diff([]program.Opcode{
		program.OpSstore,
		program.OpGhostStore,
		program.OpCallExec,
	}, opcodes(out.Graph, out.Graph.Entry)))
	assert.True(t, instrs[2].Hooked)

	exempt, ok := out.Methods[HookedMethodKey(bankAddr, "bumpSupply()")]
	require.True(t, ok)
	require.Empty(t, cmp.Diff([]program.Opcode{
		program.OpSstore,
		program.OpStop,
	}, opcodes(exempt, exempt.Entry)))
	assert.True(t, exempt.Nodes[exempt.Entry].Instrs[0].Hooked)

	// the normal variant was never needed
	_, ok = out.Methods[MethodKey(bankAddr, "bumpSupply()")]
	assert.False(t, ok)
}

func TestLoadHookObservesTheLoadedValue(t *testing.T) {
	hook := &spec.HookBinding{
		Name:     "onSupplyRead",
		Kind:     spec.HookSload,
		Path:     program.NewAccessPath(bankAddr, "totalSupply"),
		ValueVar: "v",
		Body: []*program.Instruction{
			{Op: program.OpGhostStore, Ghost: "seen", Expr: smt.BvVar("v")},
		},
	}
	rule := singleNode(&program.Instruction{
		Op:   program.OpSload,
		Dst:  "supply",
		Path: program.NewAccessPath(bankAddr, "totalSupply"),
	})

	out := run(t, rule, []*spec.HookBinding{hook}, Options{})
	instrs := out.Graph.Nodes[out.Graph.Entry].Instrs
	require.Empty(t, cmp.Diff([]program.Opcode{
		program.OpSload,
		program.OpAssign,
		program.OpGhostStore,
	}, opcodes(out.Graph, out.Graph.Entry)))
	assert.True(t, instrs[1].Expr.Equal(smt.BvVar("supply")))
}

func TestUnresolvableHookIsSkippedNotFatal(t *testing.T) {
	hook := &spec.HookBinding{
		Name: "ghostOfAField",
		Kind: spec.HookSstore,
		Path: program.NewAccessPath(bankAddr, "noSuchField"),
	}
	rule := singleNode(&program.Instruction{
		Op:   program.OpSstore,
		Path: balances(smt.BvConst64(1)),
		Expr: smt.BvConst64(1),
	})

	out := run(t, rule, []*spec.HookBinding{hook}, Options{})
	require.Len(t, out.Skipped, 1)
	assert.Equal(t, "ghostOfAField", out.Skipped[0].Hook)
	// the store went through uninstrumented
	assert.Equal(t, []program.Opcode{program.OpSstore}, opcodes(out.Graph, out.Graph.Entry))
}

func TestConflictingHooksAreFatal(t *testing.T) {
	a := &spec.HookBinding{Name: "a", Kind: spec.HookSstore, Path: program.NewAccessPath(bankAddr, "totalSupply")}
	b := &spec.HookBinding{Name: "b", Kind: spec.HookSstore, Path: program.NewAccessPath(bankAddr, "totalSupply")}
	rule := singleNode(&program.Instruction{Op: program.OpStop})

	_, err := Instrument(rule, []*spec.HookBinding{a, b}, spec.NewSummaries(), bankTable(), Options{}, zap.NewNop())
	require.Error(t, err)
	var cfgErr *spec.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestKnownReceiverBecomesExec(t *testing.T) {
	rule := singleNode(&program.Instruction{
		Op:   program.OpCall,
		Call: &program.CallSite{Receiver: &bankAddr, Signature: "poke()"},
	})
	out := run(t, rule, nil, Options{})

	instrs := out.Graph.Nodes[out.Graph.Entry].Instrs
	require.Len(t, instrs, 1)
	assert.Equal(t, program.OpCallExec, instrs[0].Op)
	require.NotNil(t, instrs[0].Target)
	assert.Equal(t, bankAddr, *instrs[0].Target)
	assert.Contains(t, out.Methods, MethodKey(bankAddr, "poke()"))
}

func TestAutoDispatchSplitsTheGraph(t *testing.T) {
	rule := singleNode(&program.Instruction{
		Op:   program.OpCall,
		Call: &program.CallSite{Signature: "poke()"},
	})
	out := run(t, rule, nil, Options{AutoDispatch: true})

	bps := out.Graph.BranchPoints()
	require.Len(t, bps, 1)
	arms := out.Graph.Succs(bps[0])
	require.Len(t, arms, 2)

	for _, edge := range arms {
		require.NotNil(t, edge.Cond, "dispatch arms are guarded")
		armInstrs := out.Graph.Nodes[edge.To].Instrs
		require.Len(t, armInstrs, 1)
		assert.Equal(t, program.OpCallExec, armInstrs[0].Op)
	}
	assert.Contains(t, out.Methods, MethodKey(bankAddr, "poke()"))
	assert.Contains(t, out.Methods, MethodKey(otherAddr, "poke()"))
}

func TestUnknownCalleeFallsBackToHavoc(t *testing.T) {
	call := func() *program.CFG {
		return singleNode(&program.Instruction{
			Op:   program.OpCall,
			Call: &program.CallSite{Signature: "mystery()"},
		})
	}

	out := run(t, call(), nil, Options{})
	instrs := out.Graph.Nodes[out.Graph.Entry].Instrs
	require.Equal(t, program.OpCallHavoc, instrs[0].Op)
	assert.False(t, instrs[0].Transfer)

	out = run(t, call(), nil, Options{OptimisticFallback: true})
	instrs = out.Graph.Nodes[out.Graph.Entry].Instrs
	require.Equal(t, program.OpCallHavoc, instrs[0].Op)
	assert.True(t, instrs[0].Transfer)
}
