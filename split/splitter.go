// Package split decomposes a hard query into easier sub-queries along
// control flow. A node that times out is replaced by one child per
// branch of its first open branch point, each child committed to one
// arm. Sat anywhere wins immediately; Unsat holds for the whole problem
// only when every leaf is Unsat.
package split

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"go-prover/config"
	"go-prover/program"
	"go-prover/smt"
)

// Node is one sub-problem of the split tree.
type Node struct {
	Graph *program.CFG
	Depth int
	// Choice describes the committed branch arms, outermost first.
	Choice []string
}

// Split expands a node at its first open branch point: one child per
// outgoing edge, with the other edges removed and the dangling region
// pruned. A node with no branch point left cannot split.
func (n *Node) Split() []*Node {
	bps := n.Graph.BranchPoints()
	if len(bps) == 0 {
		return nil
	}
	sort.Ints(bps)
	at := bps[0]

	arms := len(n.Graph.Succs(at))
	children := make([]*Node, 0, arms)
	for i := 0; i < arms; i++ {
		g := n.Graph.Copy()
		keep := make([]*program.Edge, 0, len(g.Edges))
		arm := 0
		for _, e := range g.Edges {
			if e.From == at {
				chosen := arm == i
				arm++
				if !chosen {
					continue
				}
			}
			keep = append(keep, e)
		}
		g.Edges = keep
		g.PruneUnreachable()
		children = append(children, &Node{
			Graph:  g,
			Depth:  n.Depth + 1,
			Choice: append(append([]string(nil), n.Choice...), fmt.Sprintf("node %d arm %d", at, i)),
		})
	}
	return children
}

// Leaf reports whether the node may not split further.
func (n *Node) Leaf(maxDepth int) bool {
	return n.Depth >= maxDepth || len(n.Graph.BranchPoints()) == 0
}

// CheckFunc solves the query of one sub-graph under a timeout.
type CheckFunc func(ctx context.Context, g *program.CFG, timeout time.Duration) (smt.CheckResult, smt.Model, error)

// Result is the aggregate over the whole split tree.
type Result struct {
	Res   smt.CheckResult
	Model smt.Model
	// TimedOut counts leaves abandoned on timeout; any nonzero count
	// downgrades Unsat to Unknown.
	TimedOut int
	Nodes    int
}

// Searcher runs the split search with bounded solver parallelism.
type Searcher struct {
	Cfg   *config.Config
	Check CheckFunc
	Log   *zap.Logger
}

// Run searches the split tree rooted at g. It returns Sat with a model
// as soon as any sub-problem is satisfiable, Unsat when every leaf is
// unsatisfiable, and Unknown otherwise.
func (s *Searcher) Run(ctx context.Context, g *program.CFG) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Cfg.GlobalTimeout())
	defer cancel()

	grp, gctx := errgroup.WithContext(ctx)
	st := &search{
		s:    s,
		sem:  semaphore.NewWeighted(int64(s.Cfg.MaxParallelSolvers)),
		grp:  grp,
		ctx:  gctx,
		stop: cancel,
	}

	grp.Go(func() error {
		return st.visit(&Node{Graph: g})
	})
	err := grp.Wait()

	res := &Result{
		TimedOut: int(st.timeouts.Load()),
		Nodes:    int(st.nodes.Load()),
	}
	if m := st.model.Load(); m != nil {
		res.Res = smt.Sat
		res.Model = *m
		return res, nil
	}
	if err != nil && ctx.Err() == nil {
		return nil, err
	}
	if res.TimedOut > 0 || ctx.Err() != nil {
		res.Res = smt.Unknown
		return res, nil
	}
	res.Res = smt.Unsat
	return res, nil
}

type search struct {
	s        *Searcher
	sem      *semaphore.Weighted
	grp      *errgroup.Group
	ctx      context.Context
	stop     context.CancelFunc
	model    atomic.Pointer[smt.Model]
	timeouts atomic.Int64
	nodes    atomic.Int64
}

func (st *search) visit(n *Node) error {
	if st.model.Load() != nil || st.ctx.Err() != nil {
		return nil
	}
	st.nodes.Add(1)

	leaf := n.Leaf(st.s.Cfg.MaxSplitDepth)
	timeout := st.s.Cfg.SolverTimeout()
	if leaf {
		timeout = st.s.Cfg.LeafTimeout()
	}

	if err := st.sem.Acquire(st.ctx, 1); err != nil {
		return nil // search cancelled while waiting for a solver slot
	}
	res, model, err := st.s.Check(st.ctx, n.Graph, timeout)
	st.sem.Release(1)
	if err != nil {
		return err
	}

	switch res {
	case smt.Sat:
		m := model
		if st.model.CompareAndSwap(nil, &m) {
			st.s.Log.Debug("split search hit",
				zap.Int("depth", n.Depth),
				zap.Strings("choice", n.Choice))
			st.stop()
		}
		return nil

	case smt.Unsat:
		return nil
	}

	// Unknown: split deeper or record the abandoned leaf.
	if leaf {
		st.timeouts.Add(1)
		st.s.Log.Debug("leaf timed out",
			zap.Int("depth", n.Depth),
			zap.Strings("choice", n.Choice))
		if !st.s.Cfg.ContinueAfterLeafTimeout {
			st.stop()
		}
		return nil
	}
	for _, child := range n.Split() {
		child := child
		st.grp.Go(func() error {
			return st.visit(child)
		})
	}
	return nil
}
