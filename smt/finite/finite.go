// Package finite is a bounded-domain backend for smt.Solver, used by the
// test suite in place of an external SMT process. It enumerates candidate
// assignments for every free variable: booleans over {false, true},
// bitvectors over the constants mentioned in the formula plus a few small
// words, arrays over constant arrays built from the same word candidates.
//
// Within that domain the backend is exact; outside it, a formula whose only
// witnesses use unmentioned words can be misreported as unsat. Tests are
// written so every relevant witness is in the enumerated domain.
package finite

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"go-prover/smt"
)

type Solver struct {
	// MaxAssignments caps enumeration; past it the check answers Unknown.
	MaxAssignments int
}

func New() *Solver {
	return &Solver{MaxAssignments: 1 << 22}
}

func (s *Solver) Check(ctx context.Context, assertions []*smt.Term, timeout time.Duration) (smt.CheckResult, smt.Model, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	formula := smt.And(assertions...)
	vars := make(map[string]smt.Sort)
	smt.FreeVars(formula, vars)
	consts := make(map[string]*uint256.Int)
	smt.Constants(formula, consts)

	words := wordCandidates(consts)

	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}

	e := &enumerator{
		solver:  s,
		formula: formula,
		vars:    vars,
		names:   names,
		words:   words,
		model:   make(smt.Model, len(vars)),
		ctx:     ctx,
	}
	res, err := e.run(0)
	if err != nil {
		return smt.Unknown, nil, err
	}
	if res == smt.Sat {
		out := make(smt.Model, len(e.model))
		for k, v := range e.model {
			out[k] = v
		}
		return smt.Sat, out, nil
	}
	return res, nil, nil
}

func wordCandidates(consts map[string]*uint256.Int) []*uint256.Int {
	words := []*uint256.Int{uint256.NewInt(0), uint256.NewInt(1), uint256.NewInt(2)}
	for _, c := range consts {
		dup := false
		for _, w := range words {
			if w.Eq(c) {
				dup = true
				break
			}
		}
		if !dup {
			words = append(words, c.Clone())
		}
	}
	return words
}

type enumerator struct {
	solver  *Solver
	formula *smt.Term
	vars    map[string]smt.Sort
	names   []string
	words   []*uint256.Int
	model   smt.Model
	ctx     context.Context
	tried   int
}

func (e *enumerator) run(i int) (smt.CheckResult, error) {
	if e.ctx.Err() != nil {
		return smt.Unknown, nil
	}
	if i == len(e.names) {
		e.tried++
		if e.tried > e.solver.MaxAssignments {
			return smt.Unknown, nil
		}
		ok, err := smt.EvalBool(e.formula, e.model)
		if err != nil {
			return smt.Unknown, err
		}
		if ok {
			return smt.Sat, nil
		}
		return smt.Unsat, nil
	}

	name := e.names[i]
	sawUnknown := false
	try := func(v smt.Value) (smt.CheckResult, error) {
		e.model[name] = v
		res, err := e.run(i + 1)
		if err != nil || res == smt.Sat {
			return res, err
		}
		if res == smt.Unknown {
			sawUnknown = true
		}
		return smt.Unsat, nil
	}

	switch e.vars[name] {
	case smt.SortBool:
		for _, b := range []bool{false, true} {
			if res, err := try(smt.BoolValue(b)); err != nil || res == smt.Sat {
				return res, err
			}
		}
	case smt.SortBv:
		for _, w := range e.words {
			if res, err := try(smt.BvValue(w)); err != nil || res == smt.Sat {
				return res, err
			}
		}
	case smt.SortArray:
		for _, w := range e.words {
			if res, err := try(smt.ArrValue(smt.NewArrayValue(w))); err != nil || res == smt.Sat {
				return res, err
			}
		}
	}
	delete(e.model, name)
	if sawUnknown {
		return smt.Unknown, nil
	}
	return smt.Unsat, nil
}
