// Package encode turns one (split) annotated graph into a solver query and
// maps the solver's answer back to a verdict. The encoder enumerates the
// graph's paths symbolically: every branch forks an independent copy of
// the machine state, every goal site contributes one disjunct to the
// query. Loops and summary recursion are bounded here, with a boundary
// assertion by default and a boundary assumption when configured
// optimistic.
package encode

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"go-prover/config"
	"go-prover/instrument"
	"go-prover/program"
	"go-prover/smt"
	"go-prover/spec"
	"go-prover/state"
)

type GoalKind int

const (
	// GoalAssert queries the negation of every assert condition: Sat
	// means a violation.
	GoalAssert GoalKind = iota + 1
	// GoalSatisfy queries one satisfy condition directly: Sat means a
	// witness exists.
	GoalSatisfy
)

// Encoder encodes split graphs of one rule instance. It is read-only
// after construction and safe to share across solver workers.
type Encoder struct {
	Symbols *program.SymbolTable
	Ghosts  []*spec.GhostDecl
	Prog    *instrument.Instrumented
	Sums    *spec.Summaries
	Cfg     *config.Config
}

// lastRevertedVar is bound after every @withrevert call.
const lastRevertedVar = "lastReverted"

type goalPath struct {
	label  string
	cond   *smt.Term
	reach  *smt.Term // path condition without the goal predicate
	events []Step
}

// Step is one executed instruction on a recorded path.
type Step struct {
	Node  int
	Ins   *program.Instruction
	Value *smt.Term
}

// Query is one solver-ready problem: a disjunction over goal paths.
// Assert goals and satisfy goals are never combined in one query.
type Query struct {
	Goal    GoalKind
	Formula *smt.Term
	// Vacuity is the disjunction of reach conditions: unsatisfiable means
	// no goal site is reachable at all.
	Vacuity *smt.Term
	goals   []goalPath
}

// SatisfyLabels lists the satisfy goals of a graph, one query each.
func SatisfyLabels(g *program.CFG) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range g.NodeIDs() {
		for _, ins := range g.Nodes[id].Instrs {
			if ins.Op == program.OpSatisfy && !seen[ins.Label] {
				seen[ins.Label] = true
				out = append(out, ins.Label)
			}
		}
	}
	return out
}

// Encode explores g and builds the query for the given goal kind; for
// GoalSatisfy, label picks which satisfy statement is queried.
func (e *Encoder) Encode(g *program.CFG, goal GoalKind, label string) (*Query, error) {
	w := &walker{
		enc:   e,
		goal:  goal,
		label: label,
		query: &Query{Goal: goal},
	}
	fresh := state.NewFresh()
	ps := &pathState{
		g:      g,
		node:   g.Entry,
		m:      state.NewMachine(e.Symbols, e.Ghosts, fresh),
		env:    make(map[string]*smt.Term),
		snaps:  make(map[string]*state.Snapshot),
		depth:  make(map[string]int),
		visits: make(map[visitKey]int),
	}
	ps.visits[visitKey{g, g.Entry}] = 1
	if err := w.run(ps); err != nil {
		return nil, err
	}

	conds := make([]*smt.Term, len(w.query.goals))
	reach := make([]*smt.Term, len(w.query.goals))
	for i, gp := range w.query.goals {
		conds[i] = gp.cond
		reach[i] = gp.reach
	}
	w.query.Formula = smt.Or(conds...)
	w.query.Vacuity = smt.Or(reach...)
	return w.query, nil
}

type visitKey struct {
	g    *program.CFG
	node int
}

// frame is one suspended caller awaiting a callee's completion.
type frame struct {
	g      *program.CFG
	node   int
	idx    int
	env    map[string]*smt.Term
	snaps  map[string]*state.Snapshot
	call   *program.CallSite
	target common.Address
	dst    string
	out    string
	hasRet bool
	// preCall is the rollback point for a revert out of this call.
	preCall *state.Snapshot
}

// pathState is the whole execution state of one path: position, machine,
// bindings, suspended callers, recursion counters, and the trace so far.
type pathState struct {
	g      *program.CFG
	node   int
	idx    int
	m      *state.Machine
	env    map[string]*smt.Term
	snaps  map[string]*state.Snapshot
	depth  map[string]int
	visits map[visitKey]int
	stack  []frame
	events []Step
	// pending holds goals recorded inside the active rule-level call;
	// they commit when the call completes without reverting.
	pending []goalPath
}

func (ps *pathState) clone() *pathState {
	out := &pathState{
		g:       ps.g,
		node:    ps.node,
		idx:     ps.idx,
		m:       ps.m.Copy(),
		env:     copyTerms(ps.env),
		snaps:   copySnaps(ps.snaps),
		depth:   copyInts(ps.depth),
		visits:  make(map[visitKey]int, len(ps.visits)),
		stack:   make([]frame, len(ps.stack)),
		events:  append([]Step(nil), ps.events...),
		pending: append([]goalPath(nil), ps.pending...),
	}
	for k, v := range ps.visits {
		out.visits[k] = v
	}
	for i, f := range ps.stack {
		f.env = copyTerms(f.env)
		f.snaps = copySnaps(f.snaps)
		out.stack[i] = f
	}
	return out
}

func copyTerms(m map[string]*smt.Term) map[string]*smt.Term {
	out := make(map[string]*smt.Term, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySnaps(m map[string]*state.Snapshot) map[string]*state.Snapshot {
	out := make(map[string]*state.Snapshot, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyInts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type walker struct {
	enc   *Encoder
	goal  GoalKind
	label string
	query *Query
}

func (w *walker) eval(ps *pathState, t *smt.Term) *smt.Term {
	return smt.SubstAll(t, ps.env)
}

func (w *walker) record(ps *pathState, ins *program.Instruction, val *smt.Term) {
	ps.events = append(ps.events, Step{Node: ps.node, Ins: ins, Value: val})
}

// goalAt snapshots a goal at the current point. Rule-level goals commit
// immediately; goals inside called code stay pending until the call
// completes without reverting.
func (w *walker) goalAt(ps *pathState, label string, pred *smt.Term) {
	gp := goalPath{
		label:  label,
		cond:   smt.And(append(append([]*smt.Term(nil), ps.m.Constraints...), pred)...),
		reach:  smt.And(ps.m.Constraints...),
		events: append([]Step(nil), ps.events...),
	}
	if len(ps.stack) == 0 {
		w.query.goals = append(w.query.goals, gp)
		return
	}
	ps.pending = append(ps.pending, gp)
}

func (w *walker) commitPending(ps *pathState) {
	w.query.goals = append(w.query.goals, ps.pending...)
	ps.pending = nil
}

// run drives one path to completion. Branches fork cloned path states;
// the function returns once every descendant path has ended.
func (w *walker) run(ps *pathState) error {
	for {
		node, ok := ps.g.Nodes[ps.node]
		if !ok {
			return errors.Errorf("graph has no node %d", ps.node)
		}
		if ps.idx < len(node.Instrs) {
			ins := node.Instrs[ps.idx]
			ps.idx++
			done, err := w.instr(ps, ins)
			if err != nil || done {
				return err
			}
			continue
		}

		succs := ps.g.Succs(ps.node)
		if len(succs) == 0 {
			return w.popOrEnd(ps, nil)
		}

		for _, edge := range succs {
			branch := ps.clone()
			key := visitKey{branch.g, edge.To}
			branch.visits[key]++
			if branch.visits[key] > w.enc.Cfg.LoopBound+1 {
				// dynamic unrolling bound reached
				w.loopBoundary(branch)
				continue
			}
			if edge.Cond != nil {
				branch.m.Assume(w.eval(branch, edge.Cond))
			}
			branch.node = edge.To
			branch.idx = 0
			if err := w.run(branch); err != nil {
				return err
			}
		}
		return nil
	}
}

// loopBoundary handles a path exceeding the loop bound: assert the bound
// by default (an overrun is a reported violation), assume it away when
// configured optimistic.
func (w *walker) loopBoundary(ps *pathState) {
	if w.enc.Cfg.OptimisticLoop || w.goal != GoalAssert {
		return
	}
	w.goalAt(ps, "loop unrolling bound exceeded", smt.True())
	w.commitPending(ps)
}

// popOrEnd resumes the suspended caller, or finishes the path when the
// call stack is empty. ret overrides the callee's return binding.
func (w *walker) popOrEnd(ps *pathState, ret *smt.Term) error {
	if len(ps.stack) == 0 {
		w.commitPending(ps)
		return nil
	}
	f := ps.stack[len(ps.stack)-1]
	ps.stack = ps.stack[:len(ps.stack)-1]

	if ret == nil && f.hasRet {
		ret = ps.env[f.out]
	}

	ps.g = f.g
	ps.node = f.node
	ps.idx = f.idx
	ps.env = f.env
	ps.snaps = f.snaps
	if f.dst != "" {
		if ret == nil {
			ret = ps.m.Fresh().Bv("ret!" + f.call.Signature)
		}
		ps.env[f.dst] = ret
	}
	if f.call.WithRevert {
		ps.env[lastRevertedVar] = smt.False()
	}
	ps.depth[instrument.MethodKey(f.target, f.call.Signature)]--
	if len(ps.stack) == 0 {
		w.commitPending(ps)
	}
	return w.run(ps)
}

// revert unwinds the whole call chain to the rule-level call boundary:
// state rolls back to the pre-call snapshot (persistent ghosts exempt),
// and the path survives only across a @withrevert boundary. Goals pending
// inside the reverted call are dropped unless reverts are checked.
func (w *walker) revert(ps *pathState) error {
	if w.enc.Cfg.CheckReverts {
		w.commitPending(ps)
	} else {
		ps.pending = nil
	}
	if len(ps.stack) == 0 {
		// a rule-level revert prunes the path, like a failed require
		return nil
	}
	root := ps.stack[0]
	ps.stack = nil
	ps.m.Restore(root.preCall)
	if !root.call.WithRevert {
		return nil
	}
	ps.g = root.g
	ps.node = root.node
	ps.idx = root.idx
	ps.env = root.env
	ps.snaps = root.snaps
	ps.env[lastRevertedVar] = smt.True()
	if root.dst != "" {
		ps.env[root.dst] = ps.m.Fresh().Bv("ret!" + root.call.Signature)
	}
	ps.depth = make(map[string]int)
	return w.run(ps)
}

// instr interprets one instruction. The bool result reports that the path
// (or this branch of it) has fully ended.
func (w *walker) instr(ps *pathState, ins *program.Instruction) (bool, error) {
	switch ins.Op {
	case program.OpAssign:
		v := w.eval(ps, ins.Expr)
		ps.env[ins.Dst] = v
		w.record(ps, ins, v)

	case program.OpSload:
		slot := w.eval(ps, ins.Path.Slot())
		v, err := ps.m.SloadSlot(ins.Path.Contract, slot)
		if err != nil {
			return false, err
		}
		ps.env[ins.Dst] = v
		w.record(ps, ins, v)

	case program.OpSstore:
		slot := w.eval(ps, ins.Path.Slot())
		v := w.eval(ps, ins.Expr)
		if err := ps.m.SstoreSlot(ins.Path.Contract, slot, v); err != nil {
			return false, err
		}
		w.record(ps, ins, v)

	case program.OpGhostLoad:
		v, err := ps.m.GhostLoad(ins.Ghost, w.evalKey(ps, ins.Key))
		if err != nil {
			return false, err
		}
		ps.env[ins.Dst] = v
		w.record(ps, ins, v)

	case program.OpGhostStore:
		v := w.eval(ps, ins.Expr)
		if err := ps.m.GhostStore(ins.Ghost, w.evalKey(ps, ins.Key), v); err != nil {
			return false, err
		}
		w.record(ps, ins, v)

	case program.OpRequire:
		c := w.eval(ps, ins.Expr)
		ps.m.Assume(c)
		w.record(ps, ins, c)

	case program.OpAssert:
		c := w.eval(ps, ins.Expr)
		w.record(ps, ins, c)
		if w.goal == GoalAssert {
			w.goalAt(ps, ins.Label, smt.Not(c))
		}
		// downstream execution assumes earlier asserts held
		ps.m.Assume(c)

	case program.OpSatisfy:
		c := w.eval(ps, ins.Expr)
		w.record(ps, ins, c)
		if w.goal == GoalSatisfy && ins.Label == w.label {
			w.goalAt(ps, ins.Label, c)
		}

	case program.OpSnapshot:
		ps.snaps[ins.Dst] = ps.m.Snapshot()
		w.record(ps, ins, nil)

	case program.OpCompare:
		a, err := w.snapshotArg(ps, ins.CmpA)
		if err != nil {
			return false, err
		}
		b, err := w.snapshotArg(ps, ins.CmpB)
		if err != nil {
			return false, err
		}
		eq, err := state.Compare(a, b, ins.BasisA, ins.BasisB)
		if err != nil {
			return false, errors.Wrapf(err, "state comparison %q", ins.Dst)
		}
		ps.env[ins.Dst] = eq
		w.record(ps, ins, eq)

	case program.OpHavoc:
		return false, w.havoc(ps, ins)

	case program.OpRevert:
		w.record(ps, ins, nil)
		return true, w.revert(ps)

	case program.OpStop:
		w.record(ps, ins, nil)
		return true, w.popOrEnd(ps, nil)

	case program.OpCallExec, program.OpCallAlways, program.OpCallNondet, program.OpCallHavoc:
		return w.call(ps, ins)

	case program.OpCall:
		return false, errors.Errorf("unresolved call %s reached the encoder", ins.Call.Signature)

	default:
		return false, errors.Errorf("cannot encode opcode %s", ins.Op)
	}
	return false, nil
}

// convert coerces a summarized value onto the sort the call site expects.
func convert(v *smt.Term, want smt.Sort) *smt.Term {
	if v == nil || want == 0 || v.Sort == want {
		return v
	}
	switch {
	case v.Sort == smt.SortBool && want == smt.SortBv:
		return smt.Ite(v, smt.BvConst64(1), smt.BvConst64(0))
	case v.Sort == smt.SortBv && want == smt.SortBool:
		return smt.Neq(v, smt.BvConst64(0))
	}
	return v
}

func freshOf(f *state.Fresh, hint string, sort smt.Sort) *smt.Term {
	if sort == smt.SortBool {
		return f.Bool(hint)
	}
	return f.Bv(hint)
}

func (w *walker) evalKey(ps *pathState, key *smt.Term) *smt.Term {
	if key == nil {
		return nil
	}
	return w.eval(ps, key)
}

func (w *walker) snapshotArg(ps *pathState, name string) (*state.Snapshot, error) {
	if name == "" {
		return ps.m.Snapshot(), nil
	}
	s, ok := ps.snaps[name]
	if !ok {
		return nil, errors.Errorf("no snapshot named %q", name)
	}
	return s, nil
}

// havoc applies an explicit, targeted havoc with its optional two-state
// predicate. Hooks never fire here: havocing is not a concrete storage
// instruction.
func (w *walker) havoc(ps *pathState, ins *program.Instruction) error {
	h := ins.Havoc
	var old, fresh *smt.Term
	var err error
	switch {
	case h.Ghost != "":
		old, err = ps.m.GhostLoad(h.Ghost, nil)
		if err != nil {
			return err
		}
		fresh, err = ps.m.HavocGhost(h.Ghost)
		if err != nil {
			return err
		}
	case h.Path != nil:
		slot := w.eval(ps, h.Path.Slot())
		old, err = ps.m.SloadSlot(h.Path.Contract, slot)
		if err != nil {
			return err
		}
		fresh = ps.m.Fresh().Bv("havoc!" + h.Path.Base)
		if err := ps.m.SstoreSlot(h.Path.Contract, slot, fresh); err != nil {
			return err
		}
	default:
		return errors.New("havoc statement names no target")
	}

	if h.Pred != nil {
		pred := w.eval(ps, h.Pred)
		pred = smt.Subst(pred, h.OldVar, old)
		pred = smt.Subst(pred, h.NewVar, fresh)
		ps.m.Assume(pred)
	}
	w.record(ps, ins, fresh)
	return nil
}

// call applies a resolved call effect.
func (w *walker) call(ps *pathState, ins *program.Instruction) (bool, error) {
	if ins.Call.AtState != "" {
		s, ok := ps.snaps[ins.Call.AtState]
		if !ok {
			return false, errors.Errorf("call at unknown snapshot %q", ins.Call.AtState)
		}
		ps.m.Restore(s)
	}

	switch ins.Op {
	case program.OpCallAlways:
		v := convert(w.eval(ps, ins.Expr), ins.RetSort)
		if ins.Dst != "" {
			ps.env[ins.Dst] = v
		}
		w.record(ps, ins, v)
		return false, nil

	case program.OpCallNondet:
		v := freshOf(ps.m.Fresh(), "nondet!"+ins.Call.Signature, ins.RetSort)
		if ins.Dst != "" {
			ps.env[ins.Dst] = v
		}
		w.record(ps, ins, v)
		return false, nil

	case program.OpCallHavoc:
		if ins.Transfer {
			// narrowed to a plain value transfer
			f := ps.m.Fresh()
			ps.m.Transfer(f.Bv("xfer!from"), f.Bv("xfer!to"), f.Bv("xfer!amount"))
		} else {
			ps.m.HavocAll(nil)
		}
		if ins.Dst != "" {
			ps.env[ins.Dst] = freshOf(ps.m.Fresh(), "ret!"+ins.Call.Signature, ins.RetSort)
		}
		w.record(ps, ins, nil)
		return false, nil
	}

	// OpCallExec: run the instrumented callee body
	target := *ins.Target
	key := instrument.MethodKey(target, ins.Call.Signature)
	ps.depth[key]++
	if ps.depth[key] > w.enc.Sums.RecursionLimit {
		ps.depth[key]--
		if w.enc.Sums.OptimisticRecursion {
			return true, nil // assume the bound; prunes this path
		}
		if w.goal == GoalAssert {
			w.goalAt(ps, "summary recursion limit exceeded", smt.True())
			w.commitPending(ps)
		}
		return true, nil
	}

	c, ok := w.enc.Symbols.ByAddress(target)
	if !ok {
		return false, errors.Errorf("call target %s not in symbol table", target.Hex())
	}
	m, ok := c.Method(ins.Call.Signature)
	if !ok {
		return false, errors.Errorf("contract %s has no method %s", c.Name, ins.Call.Signature)
	}
	bodyKey := key
	if ins.Hooked {
		bodyKey = instrument.HookedMethodKey(target, ins.Call.Signature)
	}
	body, ok := w.enc.Prog.Methods[bodyKey]
	if !ok {
		return false, errors.Errorf("method %s was not instrumented", bodyKey)
	}
	if len(ins.Call.Args) != len(m.Params) {
		return false, errors.Errorf("call to %s passes %d args, method takes %d",
			ins.Call.Signature, len(ins.Call.Args), len(m.Params))
	}

	calleeEnv := make(map[string]*smt.Term, len(m.Params))
	for i, p := range m.Params {
		calleeEnv[p] = w.eval(ps, ins.Call.Args[i])
	}

	w.record(ps, ins, nil)
	ps.stack = append(ps.stack, frame{
		g:       ps.g,
		node:    ps.node,
		idx:     ps.idx,
		env:     ps.env,
		snaps:   ps.snaps,
		call:    ins.Call,
		target:  target,
		dst:     ins.Dst,
		out:     m.Out,
		hasRet:  m.HasReturn,
		preCall: ps.m.Snapshot(),
	})
	ps.g = body
	ps.node = body.Entry
	ps.idx = 0
	ps.env = calleeEnv
	ps.snaps = make(map[string]*state.Snapshot)
	ps.visits[visitKey{body, body.Entry}]++
	return true, w.run(ps)
}
