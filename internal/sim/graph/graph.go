// Package graph holds the shared world model and the immutable
// snapshots handed to workers. The model is mutated only by the
// orchestrator between ticks; workers only ever see snapshots.
package graph

import (
	"fmt"
	"sort"
)

// Node is one addressable location of the world model. Zone and
// Subzone drive the locality sort used by the partitioner; Attrs carry
// numeric world state (capacity, resource levels). Ext is an optional
// opaque extension payload attached by domain code.
type Node struct {
	ID      string             `json:"id"`
	Zone    string             `json:"zone,omitempty"`
	Subzone string             `json:"subzone,omitempty"`
	Attrs   map[string]float64 `json:"attrs,omitempty"`
	Ext     any                `json:"ext,omitempty"`
}

// Edge is a directed link between two locations.
type Edge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight,omitempty"`
}

// Model is the authoritative mutable world graph. Not safe for
// concurrent use; the tick loop is its only writer and reader.
type Model struct {
	nodes map[string]*Node
	edges []Edge

	// dirty is set on any structural change and cleared when the
	// orchestrator rebuilds the snapshot.
	dirty bool
}

func NewModel() *Model {
	return &Model{nodes: map[string]*Node{}}
}

func (m *Model) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("graph: empty node id")
	}
	if _, ok := m.nodes[n.ID]; ok {
		return fmt.Errorf("graph: duplicate node %s", n.ID)
	}
	cp := n
	cp.Attrs = copyAttrs(n.Attrs)
	m.nodes[n.ID] = &cp
	m.dirty = true
	return nil
}

func (m *Model) RemoveNode(id string) {
	if _, ok := m.nodes[id]; !ok {
		return
	}
	delete(m.nodes, id)
	kept := m.edges[:0]
	for _, e := range m.edges {
		if e.From != id && e.To != id {
			kept = append(kept, e)
		}
	}
	m.edges = kept
	m.dirty = true
}

func (m *Model) AddEdge(e Edge) error {
	if m.nodes[e.From] == nil || m.nodes[e.To] == nil {
		return fmt.Errorf("graph: edge %s->%s references unknown node", e.From, e.To)
	}
	m.edges = append(m.edges, e)
	m.dirty = true
	return nil
}

// SetAttr mutates a node attribute in place. Attribute changes are
// structural for snapshot purposes: workers must not observe them
// through a stale version.
func (m *Model) SetAttr(id, key string, v float64) error {
	n := m.nodes[id]
	if n == nil {
		return fmt.Errorf("graph: unknown node %s", id)
	}
	if n.Attrs == nil {
		n.Attrs = map[string]float64{}
	}
	n.Attrs[key] = v
	m.dirty = true
	return nil
}

func (m *Model) Node(id string) (Node, bool) {
	n := m.nodes[id]
	if n == nil {
		return Node{}, false
	}
	return *n, true
}

func (m *Model) Len() int { return len(m.nodes) }

// NodeIDs returns node ids in deterministic order.
func (m *Model) NodeIDs() []string {
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dirty reports whether the model changed since the last snapshot build.
func (m *Model) Dirty() bool { return m.dirty }

// Export returns the model's nodes (deterministic order) and edges for
// persistence. The returned values share no structure with the model.
func (m *Model) Export() ([]Node, []Edge) {
	nodes := make([]Node, 0, len(m.nodes))
	for _, id := range m.NodeIDs() {
		n := *m.nodes[id]
		n.Attrs = copyAttrs(n.Attrs)
		nodes = append(nodes, n)
	}
	edges := make([]Edge, len(m.edges))
	copy(edges, m.edges)
	return nodes, edges
}

// FromParts rebuilds a model from exported nodes and edges.
func FromParts(nodes []Node, edges []Edge) (*Model, error) {
	m := NewModel()
	for _, n := range nodes {
		if err := m.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, e := range edges {
		if err := m.AddEdge(e); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func copyAttrs(src map[string]float64) map[string]float64 {
	if src == nil {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
