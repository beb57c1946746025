package crosschain

import (
	"fmt"

	"gonum.org/v1/gonum/graph/encoding"

	"github.com/fortressi/crosschain/dag"
)

// FlowGraph is the dependency graph of a flow's movements. Every step
// depends on the one before it, since a step's funds are where the previous
// step left them.
type FlowGraph struct {
	graph *dag.Graph
	steps map[int64]int
}

// NewFlowGraph builds the graph of moves.
func NewFlowGraph(name string, moves []*AssetMovement) *FlowGraph {
	g := dag.New(name)
	_ = g.SetAttribute(encoding.Attribute{Key: "rankdir", Value: "LR"})
	_ = g.SetNodeDefault(encoding.Attribute{Key: "shape", Value: "box"})

	fg := &FlowGraph{graph: g, steps: make(map[int64]int, len(moves))}
	var prev *dag.Node
	for i, m := range moves {
		step := i + 1
		n := g.AddNode(fmt.Sprintf("step%d", step), encoding.Attribute{
			Key:   "label",
			Value: fmt.Sprintf(`"%d: %s\n%s -> %s\n%s"`, step, m.How, m.Src.Ref(), m.Dest.Ref(), m.Amount),
		})
		fg.steps[n.ID()] = step
		if prev != nil {
			g.Connect(prev, n)
		}
		prev = n
	}
	return fg
}

// Order returns the 1-based step numbers in execution order.
func (f *FlowGraph) Order() ([]int, error) {
	nodes, err := f.graph.Order()
	if err != nil {
		return nil, err
	}
	order := make([]int, len(nodes))
	for i, n := range nodes {
		order[i] = f.steps[n.ID()]
	}
	return order, nil
}

// DOT renders the graph in Graphviz format.
func (f *FlowGraph) DOT() (string, error) {
	return f.graph.ExportToDot()
}
