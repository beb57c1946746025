// Package dag is a directed graph with DOT attributes, used to describe the
// order in which flow steps run.
package dag

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	name                string
	graphAttrs          encoding.Attributes
	nodeAttrs, edgeAttr encoding.Attributes
}

func New(name string) *Graph {
	return &Graph{DirectedGraph: simple.NewDirectedGraph(), name: name}
}

// DOTID implements dot.Graph.
func (g *Graph) DOTID() string { return g.name }

// AddNode adds a node named dotID with the given attributes.
func (g *Graph) AddNode(dotID string, attrs ...encoding.Attribute) *Node {
	n := &Node{Node: g.DirectedGraph.NewNode(), dotID: dotID}
	for _, attr := range attrs {
		_ = n.SetAttribute(attr)
	}
	g.DirectedGraph.AddNode(n)
	return n
}

// Connect adds an edge from -> to.
func (g *Graph) Connect(from, to *Node, attrs ...encoding.Attribute) {
	e := &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
	for _, attr := range attrs {
		_ = e.SetAttribute(attr)
	}
	g.SetEdge(e)
}

// DOTAttributers implements dot.Attributers.
func (g *Graph) DOTAttributers() (graph, node, edge encoding.Attributer) {
	return &g.graphAttrs, &g.nodeAttrs, &g.edgeAttr
}

// SetAttribute sets a graph level attribute.
func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.graphAttrs.SetAttribute(attr)
}

// SetNodeDefault sets an attribute applied to every node.
func (g *Graph) SetNodeDefault(attr encoding.Attribute) error {
	return g.nodeAttrs.SetAttribute(attr)
}

// Order returns the nodes in dependency order, breaking ties by insertion
// order so that the result is deterministic.
func (g *Graph) Order() ([]*Node, error) {
	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("topological sort failed (cycle detected?): %w", err)
	}
	out := make([]*Node, len(sorted))
	for i, n := range sorted {
		out[i] = n.(*Node)
	}
	return out, nil
}

type Node struct {
	graph.Node
	dotID string
	attrs encoding.Attributes
}

// DOTID implements dot.Node.
func (n *Node) DOTID() string { return n.dotID }

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// Attribute returns the value of key, if set.
func (n *Node) Attribute(key string) (string, bool) {
	for _, attr := range n.attrs {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot() (string, error) {
	data, err := dot.Marshal(g, g.name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export DAG to DOT format: %v", err)
	}
	return string(data), nil
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
