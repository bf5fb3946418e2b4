package prover

import (
	"fmt"
	"io"
	"time"

	"go-prover/encode"
	"go-prover/spec"
)

const timeUnit = time.Millisecond

// Report collects the verdicts of one run.
type Report struct {
	Verdicts     []Verdict
	SkippedHooks []*spec.AnalysisError
}

func (r *Report) addSkippedHooks(skipped []*spec.AnalysisError) {
	for _, ae := range skipped {
		dup := false
		for _, have := range r.SkippedHooks {
			if have.Hook == ae.Hook {
				dup = true
				break
			}
		}
		if !dup {
			r.SkippedHooks = append(r.SkippedHooks, ae)
		}
	}
}

// Violations counts outright rule violations.
func (r *Report) Violations() int {
	n := 0
	for _, v := range r.Verdicts {
		if v.Outcome == encode.OutcomeViolated {
			n++
		}
	}
	return n
}

// Render writes the human-readable run summary.
func (r *Report) Render(w io.Writer) error {
	for _, ae := range r.SkippedHooks {
		if _, err := fmt.Fprintf(w, "hook %s skipped: %v\n", ae.Hook, ae.Err); err != nil {
			return err
		}
	}
	for _, v := range r.Verdicts {
		var err error
		switch {
		case v.SkipReason != "":
			_, err = fmt.Fprintf(w, "%-40s %-18s skipped: %s\n", v.Rule, v.Goal, v.SkipReason)
		default:
			_, err = fmt.Fprintf(w, "%-40s %-18s %-22s %s\n", v.Rule, v.Goal, v.Outcome, v.Elapsed.Round(timeUnit))
		}
		if err != nil {
			return err
		}
		if v.Trace != nil {
			if _, err := fmt.Fprintf(w, "  trace (%s):\n", v.Trace.Label); err != nil {
				return err
			}
			for _, st := range v.Trace.Steps {
				if _, err := fmt.Fprintf(w, "    [%d] %s\n", st.Node, st.Text); err != nil {
					return err
				}
			}
		}
	}
	_, err := fmt.Fprintf(w, "%d rule(s) checked, %d violation(s)\n", len(r.Verdicts), r.Violations())
	return err
}
