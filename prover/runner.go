// Package prover drives whole verification jobs: validation,
// instrumentation, query encoding, split search, and verdict reporting.
package prover

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-prover/config"
	"go-prover/encode"
	"go-prover/instrument"
	"go-prover/program"
	"go-prover/smt"
	"go-prover/spec"
	"go-prover/split"
)

// Job bundles everything one verification run needs.
type Job struct {
	Symbols    *program.SymbolTable
	Ghosts     []*spec.GhostDecl
	Hooks      []*spec.HookBinding
	Summaries  *spec.Summaries
	Rules      []*spec.Rule
	Invariants []*spec.Invariant
}

// Verdict is the outcome of one query of one rule instance.
type Verdict struct {
	Rule    string
	Goal    string
	Outcome encode.Outcome
	Trace   *encode.Trace
	// SkipReason is set when the rule was not checked at all.
	SkipReason string
	Elapsed    time.Duration
}

// Runner executes jobs. Solver must be safe for concurrent use.
type Runner struct {
	Cfg    *config.Config
	Solver smt.Solver
	Log    *zap.Logger
}

// Run validates and checks every rule of the job. Rules run
// concurrently up to MaxParallelRules; declaration-level conflicts abort
// the run before any solving.
func (r *Runner) Run(ctx context.Context, job *Job) (*Report, error) {
	if err := spec.ValidateGhosts(job.Ghosts); err != nil {
		return nil, err
	}
	if err := job.Summaries.Validate(); err != nil {
		return nil, err
	}
	if r.Cfg.SummaryRecursionLimit > 0 {
		job.Summaries.RecursionLimit = r.Cfg.SummaryRecursionLimit
	}
	if r.Cfg.OptimisticSummaryRecursion {
		job.Summaries.OptimisticRecursion = true
	}

	rules := append([]*spec.Rule(nil), job.Rules...)
	for _, inv := range job.Invariants {
		rules = append(rules, inv.ToRule())
	}
	var instances []*spec.Instance
	for _, rule := range rules {
		instances = append(instances, rule.Instantiate(job.Symbols)...)
	}

	// Instrumentation resolves access paths in place in the shared hook
	// and method tables, so it runs single-threaded here; the concurrent
	// checking phase below only ever reads them.
	rep := &Report{}
	var tasks []*checkTask
	for _, inst := range instances {
		log := r.Log.With(zap.String("rule", inst.Name))
		prog, err := instrument.Instrument(inst.Body, job.Hooks, job.Summaries, job.Symbols, instrument.Options{
			AutoDispatch:       r.Cfg.AutoDispatch,
			OptimisticFallback: r.Cfg.OptimisticFallback,
		}, log)
		if err != nil {
			return nil, err
		}
		rep.addSkippedHooks(prog.Skipped)
		tasks = append(tasks, &checkTask{
			inst:   inst,
			prog:   prog,
			reason: skipReason(inst, prog.Skipped, job.Hooks),
			log:    log,
		})
	}

	var mu sync.Mutex
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(r.Cfg.MaxParallelRules)
	for _, t := range tasks {
		t := t
		grp.Go(func() error {
			vs, err := r.checkTask(gctx, job, t)
			if err != nil {
				return err
			}
			mu.Lock()
			rep.Verdicts = append(rep.Verdicts, vs...)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(rep.Verdicts, func(i, j int) bool {
		if rep.Verdicts[i].Rule != rep.Verdicts[j].Rule {
			return rep.Verdicts[i].Rule < rep.Verdicts[j].Rule
		}
		return rep.Verdicts[i].Goal < rep.Verdicts[j].Goal
	})
	return rep, nil
}

// checkTask is one instrumented rule instance awaiting its solver work.
type checkTask struct {
	inst   *spec.Instance
	prog   *instrument.Instrumented
	reason string
	log    *zap.Logger
}

func (r *Runner) checkTask(ctx context.Context, job *Job, t *checkTask) ([]Verdict, error) {
	start := time.Now()

	if t.reason != "" {
		t.log.Warn("skipping rule", zap.String("reason", t.reason))
		return []Verdict{{
			Rule:       t.inst.Name,
			Goal:       "assert",
			SkipReason: t.reason,
			Elapsed:    time.Since(start),
		}}, nil
	}

	enc := &encode.Encoder{
		Symbols: job.Symbols,
		Ghosts:  job.Ghosts,
		Prog:    t.prog,
		Sums:    job.Summaries,
		Cfg:     r.Cfg,
	}

	var out []Verdict
	v, err := r.checkGoal(ctx, enc, t.prog.Graph, encode.GoalAssert, "")
	if err != nil {
		return nil, err
	}
	v.Rule = t.inst.Name
	v.Goal = "assert"
	out = append(out, v)

	for _, label := range encode.SatisfyLabels(t.prog.Graph) {
		v, err := r.checkGoal(ctx, enc, t.prog.Graph, encode.GoalSatisfy, label)
		if err != nil {
			return nil, err
		}
		v.Rule = t.inst.Name
		v.Goal = "satisfy " + label
		out = append(out, v)
	}

	for i := range out {
		out[i].Elapsed = time.Since(start)
		t.log.Info("verdict",
			zap.String("goal", out[i].Goal),
			zap.Stringer("outcome", out[i].Outcome))
	}
	return out, nil
}

func (r *Runner) checkGoal(ctx context.Context, enc *encode.Encoder, g *program.CFG, goal encode.GoalKind, label string) (Verdict, error) {
	full, err := enc.Encode(g, goal, label)
	if err != nil {
		return Verdict{}, err
	}
	if full.GoalCount() == 0 {
		return Verdict{Outcome: encode.OutcomeVacuous}, nil
	}

	searcher := &split.Searcher{
		Cfg: r.Cfg,
		Log: r.Log,
		Check: func(ctx context.Context, sub *program.CFG, timeout time.Duration) (smt.CheckResult, smt.Model, error) {
			q, err := enc.Encode(sub, goal, label)
			if err != nil {
				return smt.Unknown, nil, err
			}
			if q.GoalCount() == 0 {
				return smt.Unsat, nil, nil
			}
			return r.Solver.Check(ctx, []*smt.Term{q.Formula}, timeout)
		},
	}
	res, err := searcher.Run(ctx, g)
	if err != nil {
		return Verdict{}, err
	}

	v := Verdict{Outcome: full.Interpret(res.Res)}
	switch res.Res {
	case smt.Sat:
		tr, err := full.Extract(res.Model)
		if err != nil {
			return Verdict{}, err
		}
		v.Trace = tr
	case smt.Unsat:
		// an Unsat assert query proves nothing if no goal was reachable
		reach, _, err := r.Solver.Check(ctx, []*smt.Term{full.Vacuity}, r.Cfg.SolverTimeout())
		if err != nil {
			return Verdict{}, err
		}
		if full.Vacuous(reach) {
			v.Outcome = encode.OutcomeVacuous
		}
	}
	return v, nil
}

// skipReason reports why an instance cannot be checked soundly: it reads
// a ghost that only a skipped hook writes.
func skipReason(inst *spec.Instance, skipped []*spec.AnalysisError, hooks []*spec.HookBinding) string {
	if len(skipped) == 0 {
		return ""
	}
	byName := make(map[string]*spec.HookBinding, len(hooks))
	for _, h := range hooks {
		byName[h.Name] = h
	}
	tainted := make(map[string]string)
	for _, ae := range skipped {
		h, ok := byName[ae.Hook]
		if !ok {
			continue
		}
		for g := range h.GhostsWritten() {
			tainted[g] = ae.Hook
		}
	}
	if len(tainted) == 0 {
		return ""
	}
	for _, id := range inst.Body.NodeIDs() {
		for _, ins := range inst.Body.Nodes[id].Instrs {
			if ins.Op != program.OpGhostLoad {
				continue
			}
			if hook, ok := tainted[ins.Ghost]; ok {
				return "reads ghost " + ins.Ghost + " written only by skipped hook " + hook
			}
		}
	}
	return ""
}
