package program

import (
	"sort"

	"go-prover/smt"
)

// Node is a straight-line instruction sequence.
type Node struct {
	ID     int
	Instrs []*Instruction
}

// Edge is a possible control transfer. Cond constrains the transfer; nil
// means unconditional.
type Edge struct {
	From int
	To   int
	Cond *smt.Term
}

// CFG is a control-flow graph owned by one verification run. It is
// immutable once built; rewrites (instrumentation, splitting) produce a
// fresh graph via Copy so sub-problems stay independent.
type CFG struct {
	Entry  int
	Nodes  map[int]*Node
	Edges  []*Edge
	nextID int
}

func NewCFG() *CFG {
	return &CFG{Nodes: make(map[int]*Node)}
}

func (g *CFG) AddNode(instrs ...*Instruction) *Node {
	n := &Node{ID: g.nextID, Instrs: instrs}
	g.nextID++
	g.Nodes[n.ID] = n
	return n
}

func (g *CFG) AddEdge(from, to int, cond *smt.Term) {
	g.Edges = append(g.Edges, &Edge{From: from, To: to, Cond: cond})
}

// Succs returns the out-edges of a node in insertion order.
func (g *CFG) Succs(id int) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Copy duplicates the node and edge structure. Instructions are shared:
// they are immutable after construction.
func (g *CFG) Copy() *CFG {
	out := &CFG{
		Entry:  g.Entry,
		Nodes:  make(map[int]*Node, len(g.Nodes)),
		Edges:  make([]*Edge, len(g.Edges)),
		nextID: g.nextID,
	}
	for id, n := range g.Nodes {
		instrs := make([]*Instruction, len(n.Instrs))
		copy(instrs, n.Instrs)
		out.Nodes[id] = &Node{ID: id, Instrs: instrs}
	}
	for i, e := range g.Edges {
		c := *e
		out.Edges[i] = &c
	}
	return out
}

// PruneUnreachable removes nodes and edges no longer reachable from the
// entry node.
func (g *CFG) PruneUnreachable() {
	reach := map[int]bool{g.Entry: true}
	work := []int{g.Entry}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		for _, e := range g.Succs(id) {
			if !reach[e.To] {
				reach[e.To] = true
				work = append(work, e.To)
			}
		}
	}
	for id := range g.Nodes {
		if !reach[id] {
			delete(g.Nodes, id)
		}
	}
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if reach[e.From] && reach[e.To] {
			kept = append(kept, e)
		}
	}
	g.Edges = kept
}

// BranchPoints lists node IDs with two or more successors, in ascending
// order. The splitter picks its split point from this list.
func (g *CFG) BranchPoints() []int {
	counts := make(map[int]int)
	for _, e := range g.Edges {
		counts[e.From]++
	}
	var out []int
	for id, c := range counts {
		if c >= 2 {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// NodeIDs returns all node IDs in ascending order.
func (g *CFG) NodeIDs() []int {
	out := make([]int, 0, len(g.Nodes))
	for id := range g.Nodes {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
