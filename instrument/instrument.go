// Package instrument rewrites a rule's control-flow graph so that hook
// bodies run inline after matching instructions and call sites carry their
// resolved summary effect. The rewrite is a single-threaded compile-time
// pass; everything it produces is immutable afterwards, so split nodes and
// solver workers share it freely.
package instrument

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-prover/program"
	"go-prover/smt"
	"go-prover/spec"
)

type Options struct {
	AutoDispatch       bool
	OptimisticFallback bool
}

// Instrumented is the annotated program: the rewritten rule graph plus
// every instrumented method body the encoder may execute.
type Instrumented struct {
	Graph   *program.CFG
	Methods map[string]*program.CFG
	// Skipped lists hooks whose access path could not be resolved. They
	// are localized analysis failures, not run-wide errors.
	Skipped []*spec.AnalysisError
}

// MethodKey identifies an instrumented method body.
func MethodKey(addr common.Address, sig string) string {
	return addr.Hex() + ":" + sig
}

// HookedMethodKey identifies the hook-exempt variant of a method body,
// executed when the call site sits inside a hook expansion. Storage
// operations in this variant never match hooks, so the non-reentrancy
// guard extends through calls the hook body makes.
func HookedMethodKey(addr common.Address, sig string) string {
	return MethodKey(addr, sig) + "!hooked"
}

// AddressWord is the 256-bit word form of a contract address, used in
// dispatch arm constraints.
func AddressWord(addr common.Address) *uint256.Int {
	return new(uint256.Int).SetBytes(addr.Bytes())
}

// Instrument annotates the rule body. Hooks with unresolvable paths are
// skipped and reported in Skipped; declaration conflicts and summary
// ambiguities return an error before any solving happens.
func Instrument(rule *program.CFG, hooks []*spec.HookBinding, sums *spec.Summaries, st *program.SymbolTable, opts Options, log *zap.Logger) (*Instrumented, error) {
	e := &engine{
		sums:    sums,
		st:      st,
		opts:    opts,
		log:     log,
		methods: make(map[string]*program.CFG),
		visited: make(map[string]bool),
	}

	var skipped []*spec.AnalysisError
	for _, h := range hooks {
		if h.Kind == spec.HookOpcode {
			e.hooks = append(e.hooks, h)
			continue
		}
		layout, err := e.layoutFor(h.Path.Contract)
		if err == nil {
			err = h.Path.Resolve(layout)
		}
		if err != nil {
			ae := &spec.AnalysisError{Hook: h.Name, Err: err}
			skipped = append(skipped, ae)
			log.Warn("skipping hook: access path did not resolve",
				zap.String("hook", h.Name),
				zap.String("path", h.Path.String()),
				zap.Error(err))
			continue
		}
		e.hooks = append(e.hooks, h)
	}
	if err := spec.ValidateHooks(e.hooks); err != nil {
		return nil, err
	}

	graph, err := e.rewriteGraph(rule, false)
	if err != nil {
		return nil, err
	}
	return &Instrumented{Graph: graph, Methods: e.methods, Skipped: skipped}, nil
}

type engine struct {
	hooks []*spec.HookBinding
	sums  *spec.Summaries
	st    *program.SymbolTable
	opts  Options
	log   *zap.Logger

	methods map[string]*program.CFG
	visited map[string]bool
	serial  int
}

func (e *engine) layoutFor(addr common.Address) (program.Layout, error) {
	c, ok := e.st.ByAddress(addr)
	if !ok {
		return nil, errors.Errorf("unknown contract %s", addr.Hex())
	}
	return c.Layout, nil
}

func (e *engine) freshName(hint string) string {
	e.serial++
	return fmt.Sprintf("%s#%d", hint, e.serial)
}

// ensureMethod instruments a callee body once per variant. Recursive call
// chains are broken here; the encoder bounds them dynamically.
func (e *engine) ensureMethod(c *program.Contract, sig string, inHook bool) error {
	key := MethodKey(c.Address, sig)
	if inHook {
		key = HookedMethodKey(c.Address, sig)
	}
	if e.visited[key] {
		return nil
	}
	e.visited[key] = true
	m, ok := c.Method(sig)
	if !ok {
		return errors.Errorf("contract %s has no method %s", c.Name, sig)
	}
	g, err := e.rewriteGraph(m.Body, inHook)
	if err != nil {
		return err
	}
	e.methods[key] = g
	return nil
}

func (e *engine) rewriteGraph(src *program.CFG, inHook bool) (*program.CFG, error) {
	r := &rewriter{engine: e, out: program.NewCFG()}
	first := make(map[int]int, len(src.Nodes))
	last := make(map[int]int, len(src.Nodes))

	for _, id := range src.NodeIDs() {
		n := src.Nodes[id]
		entry := r.out.AddNode()
		r.cur = entry
		first[id] = entry.ID
		for _, ins := range n.Instrs {
			if err := r.instr(ins, inHook); err != nil {
				return nil, err
			}
		}
		last[id] = r.cur.ID
	}
	for _, edge := range src.Edges {
		r.out.AddEdge(last[edge.From], first[edge.To], edge.Cond)
	}
	r.out.Entry = first[src.Entry]
	return r.out, nil
}

type rewriter struct {
	*engine
	out *program.CFG
	cur *program.Node
}

func (r *rewriter) emit(ins *program.Instruction) {
	r.cur.Instrs = append(r.cur.Instrs, ins)
}

func (r *rewriter) instr(ins *program.Instruction, inHook bool) error {
	switch ins.Op {
	case program.OpSload, program.OpSstore:
		return r.storageOp(ins, inHook)
	case program.OpCall:
		return r.callOp(ins, inHook)
	case program.OpHavoc:
		if ins.Havoc != nil && ins.Havoc.Path != nil {
			if err := r.resolvePath(ins.Havoc.Path); err != nil {
				return err
			}
		}
		r.emit(markHooked(ins, inHook))
		return nil
	default:
		r.emit(markHooked(ins, inHook))
		return nil
	}
}

func markHooked(ins *program.Instruction, inHook bool) *program.Instruction {
	if !inHook || ins.Hooked {
		return ins
	}
	out := ins.Copy()
	out.Hooked = true
	return out
}

func (r *rewriter) resolvePath(p *program.AccessPath) error {
	layout, err := r.layoutFor(p.Contract)
	if err != nil {
		return err
	}
	// the front end promises resolvable instruction paths; failure here is
	// a malformed program model, not a skippable hook
	return errors.Wrap(p.Resolve(layout), "instruction access path")
}

func (r *rewriter) storageOp(ins *program.Instruction, inHook bool) error {
	if err := r.resolvePath(ins.Path); err != nil {
		return err
	}
	if inHook {
		// hook bodies are exempt from matching: the guard is scoped to the
		// expansion, downstream siblings still match normally
		r.emit(markHooked(ins, true))
		return nil
	}

	wantKind := spec.HookSload
	if ins.Op == program.OpSstore {
		wantKind = spec.HookSstore
	}

	type match struct {
		hook *spec.HookBinding
		key  *smt.Term
	}
	var matches []match
	for _, h := range r.hooks {
		if h.Kind != wantKind || h.Path == nil {
			continue
		}
		if key, ok := h.Path.Matches(ins.Path); ok {
			matches = append(matches, match{h, key})
		}
	}
	// the opcode-level hook applies at the same instruction regardless of
	// any fine-grained match
	for _, h := range r.hooks {
		if h.Kind == spec.HookOpcode && h.Opcode == ins.Op {
			matches = append(matches, match{h, nil})
		}
	}

	if len(matches) == 0 {
		r.emit(ins)
		return nil
	}

	var observed, old *smt.Term
	if ins.Op == program.OpSstore {
		needOld := false
		for _, m := range matches {
			if m.hook.OldVar != "" {
				needOld = true
			}
		}
		if needOld {
			oldName := r.freshName("old")
			r.emit(&program.Instruction{Op: program.OpSload, Dst: oldName, Path: ins.Path, Hooked: true})
			old = smt.BvVar(oldName)
		}
		r.emit(ins)
		observed = ins.Expr
	} else {
		r.emit(ins)
		observed = smt.BvVar(ins.Dst)
	}

	for _, m := range matches {
		if err := r.expand(m.hook, observed, old, m.key); err != nil {
			return err
		}
	}
	return nil
}

// expand inlines one hook body with its bound variables substituted by the
// observed values. All names are freshened per expansion so repeated
// matches stay independent.
func (r *rewriter) expand(h *spec.HookBinding, observed, old, key *smt.Term) error {
	names := make(map[string]string)
	bind := func(name string, value *smt.Term) {
		if name == "" || value == nil {
			return
		}
		fresh := r.freshName(name)
		names[name] = fresh
		r.emit(&program.Instruction{Op: program.OpAssign, Dst: fresh, Expr: value, Hooked: true})
	}
	bind(h.ValueVar, observed)
	bind(h.OldVar, old)
	if h.Path != nil {
		bind(h.Path.WildcardVar(), key)
	}
	for _, body := range h.Body {
		if body.Dst != "" {
			if _, ok := names[body.Dst]; !ok {
				names[body.Dst] = r.freshName(body.Dst)
			}
		}
	}

	for _, body := range h.Body {
		if err := r.instr(renameInstr(body, names), true); err != nil {
			return err
		}
	}
	return nil
}

func renameInstr(ins *program.Instruction, names map[string]string) *program.Instruction {
	out := ins.Copy()
	if n, ok := names[out.Dst]; ok {
		out.Dst = n
	}
	out.Expr = smt.Rename(out.Expr, names)
	out.Key = smt.Rename(out.Key, names)
	if out.Call != nil {
		for i, a := range out.Call.Args {
			out.Call.Args[i] = smt.Rename(a, names)
		}
	}
	if out.Havoc != nil {
		h := *out.Havoc
		h.Pred = smt.Rename(h.Pred, names)
		if n, ok := names[h.OldVar]; ok {
			h.OldVar = n
		}
		if n, ok := names[h.NewVar]; ok {
			h.NewVar = n
		}
		out.Havoc = &h
	}
	return out
}

func (r *rewriter) callOp(ins *program.Instruction, inHook bool) error {
	res, err := r.sums.Resolve(ins.Call, r.st, r.opts.AutoDispatch)
	if err != nil {
		return err
	}

	emitResolved := func(op program.Opcode, target *common.Address, expr *smt.Term, transfer bool) {
		out := ins.Copy()
		out.Op = op
		out.Target = target
		out.Expr = expr
		out.Transfer = transfer
		out.Hooked = inHook
		if res.Entry != nil {
			out.RetSort = res.Entry.ReturnSort
			if out.RetSort == 0 {
				out.RetSort = res.Entry.Expect
			}
		}
		r.emit(out)
	}

	switch res.Effect {
	case spec.EffectAlways:
		emitResolved(program.OpCallAlways, nil, res.Entry.Value, false)
	case spec.EffectNondet:
		emitResolved(program.OpCallNondet, nil, nil, false)
	case spec.EffectHavoc:
		emitResolved(program.OpCallHavoc, nil, nil, res.FullHavoc && r.opts.OptimisticFallback)
	case spec.EffectExec:
		if len(res.Targets) == 1 {
			c := res.Targets[0]
			if err := r.ensureMethod(c, ins.Call.Signature, inHook); err != nil {
				return err
			}
			addr := c.Address
			emitResolved(program.OpCallExec, &addr, nil, false)
			return nil
		}
		return r.dispatch(ins, res.Targets, inHook)
	case spec.EffectDispatch:
		return r.dispatch(ins, res.Targets, inHook)
	default:
		return errors.Errorf("unknown summary effect %v", res.Effect)
	}
	return nil
}

// dispatch turns runtime polymorphism into a finite case split: one arm
// per candidate, guarded by equality between the dispatched address and
// the candidate's address.
func (r *rewriter) dispatch(ins *program.Instruction, targets []*program.Contract, inHook bool) error {
	addrVar := smt.BvVar(r.freshName("dispatch!" + ins.Call.Signature))
	prefix := r.cur
	cont := r.out.AddNode()

	for _, c := range targets {
		if err := r.ensureMethod(c, ins.Call.Signature, inHook); err != nil {
			return err
		}
		exec := ins.Copy()
		exec.Op = program.OpCallExec
		addr := c.Address
		exec.Target = &addr
		exec.Hooked = inHook
		arm := r.out.AddNode(exec)
		r.out.AddEdge(prefix.ID, arm.ID, smt.Eq(addrVar, smt.BvConst(AddressWord(c.Address))))
		r.out.AddEdge(arm.ID, cont.ID, nil)
	}

	r.cur = cont
	return nil
}
