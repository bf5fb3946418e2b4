package encode

import (
	"fmt"
	"strings"

	"go-prover/smt"
)

// Outcome is the verdict of one rule query after solving.
type Outcome int

const (
	OutcomeViolated Outcome = iota + 1
	OutcomeVerified
	OutcomeTimeout
	OutcomeVacuous
)

var outcomeNames = map[Outcome]string{
	OutcomeViolated: "Violated",
	OutcomeVerified: "Verified",
	OutcomeTimeout:  "Timeout",
	OutcomeVacuous:  "Inconclusive (vacuous)",
}

func (o Outcome) String() string {
	if n, ok := outcomeNames[o]; ok {
		return n
	}
	return "Unknown"
}

// Interpret maps a solver result onto a verdict. The polarity flips with
// the goal kind: a model of an assert query is a counterexample, a model
// of a satisfy query is the demanded witness.
func (q *Query) Interpret(res smt.CheckResult) Outcome {
	switch res {
	case smt.Sat:
		if q.Goal == GoalSatisfy {
			return OutcomeVerified
		}
		return OutcomeViolated
	case smt.Unsat:
		if q.Goal == GoalSatisfy {
			return OutcomeViolated
		}
		return OutcomeVerified
	default:
		return OutcomeTimeout
	}
}

// Vacuous reports whether no goal site was reachable at all under the
// model-free check of the reach disjunction. A rule can only be declared
// vacuous from an Unsat verdict, so this takes the vacuity formula's own
// solver result.
func (q *Query) Vacuous(reach smt.CheckResult) bool {
	return reach == smt.Unsat
}

// Trace is an executed-path witness extracted from a model.
type Trace struct {
	Label string
	Steps []TraceStep
}

type TraceStep struct {
	Node int
	Text string
}

// Extract finds the goal path the model satisfies and evaluates every
// recorded step under it. The model may come from a split sub-query and
// leave variables of other paths unbound, so disjuncts that fail to
// evaluate are passed over. A model that satisfies none of the goal
// disjuncts yields no trace.
func (q *Query) Extract(model smt.Model) (*Trace, error) {
	for _, gp := range q.goals {
		hit, err := smt.EvalBool(gp.cond, model)
		if err != nil || !hit {
			continue
		}
		tr := &Trace{Label: gp.label}
		for _, st := range gp.events {
			tr.Steps = append(tr.Steps, TraceStep{
				Node: st.Node,
				Text: renderStep(st, model),
			})
		}
		return tr, nil
	}
	return nil, nil
}

func renderStep(st Step, model smt.Model) string {
	var b strings.Builder
	b.WriteString(st.Ins.Op.String())
	if st.Ins.Dst != "" {
		fmt.Fprintf(&b, " %s", st.Ins.Dst)
	}
	if st.Ins.Ghost != "" {
		fmt.Fprintf(&b, " ghost=%s", st.Ins.Ghost)
	}
	if st.Ins.Path != nil {
		fmt.Fprintf(&b, " path=%s", st.Ins.Path.Canonical())
	}
	if st.Ins.Call != nil {
		fmt.Fprintf(&b, " call=%s", st.Ins.Call.Signature)
	}
	if st.Ins.Label != "" {
		fmt.Fprintf(&b, " %q", st.Ins.Label)
	}
	if st.Value != nil {
		if v, err := smt.Eval(st.Value, model); err == nil {
			fmt.Fprintf(&b, " = %s", v)
		}
	}
	return b.String()
}

// GoalCount reports how many goal paths the query carries. A query with
// zero goals is trivially Unsat and its rule vacuous.
func (q *Query) GoalCount() int { return len(q.goals) }
