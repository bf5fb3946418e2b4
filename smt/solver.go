package smt

import (
	"context"
	"time"
)

type CheckResult int

const (
	Unknown CheckResult = iota
	Sat
	Unsat
)

func (r CheckResult) String() string {
	switch r {
	case Sat:
		return "sat"
	case Unsat:
		return "unsat"
	}
	return "unknown"
}

// Solver is the boundary to the underlying constraint solver. The engine
// assumes nothing beyond this contract: assert a conjunction, check it
// within a budget, and read back a model on Sat.
//
// Check must honor ctx cancellation and the timeout; either expiring maps
// to Unknown, never to an error. Implementations must be safe for
// concurrent use: the splitter issues sibling checks from independent
// goroutines.
type Solver interface {
	Check(ctx context.Context, assertions []*Term, timeout time.Duration) (CheckResult, Model, error)
}
