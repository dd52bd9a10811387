package graph

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
)

// Snapshot is an immutable, versioned copy of the model. It is the
// only state read concurrently by workers: shared, read-only, lifetime
// until replaced. Never mutate one after handoff.
type Snapshot struct {
	Version uint64
	Nodes   map[string]Node
	Edges   []Edge
}

func (s *Snapshot) Node(id string) (Node, bool) {
	n, ok := s.Nodes[id]
	return n, ok
}

func (s *Snapshot) HasLocation(id string) bool {
	_, ok := s.Nodes[id]
	return ok
}

func (s *Snapshot) Len() int { return len(s.Nodes) }

// NodeIDs returns location ids in deterministic order.
func (s *Snapshot) NodeIDs() []string {
	ids := make([]string, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Builder stamps monotonically increasing versions onto snapshots.
// One builder per simulation run.
type Builder struct {
	version uint64
}

func NewBuilder() *Builder { return &Builder{} }

// Build deep-copies the model into a new snapshot and clears the
// model's dirty flag. Nodes carrying an opaque Ext payload fall back
// to a gob round trip, since a field-by-field copy cannot know the
// payload's internals; any payload the fallback cannot encode fails
// the build rather than silently sharing structure.
func (b *Builder) Build(m *Model) (*Snapshot, error) {
	b.version++
	s := &Snapshot{
		Version: b.version,
		Nodes:   make(map[string]Node, len(m.nodes)),
	}
	for id, n := range m.nodes {
		cp := *n
		cp.Attrs = copyAttrs(n.Attrs)
		if n.Ext != nil {
			ext, err := gobRoundTrip(n.Ext)
			if err != nil {
				return nil, fmt.Errorf("snapshot node %s: %w", id, err)
			}
			cp.Ext = ext
		}
		s.Nodes[id] = cp
	}
	if len(m.edges) > 0 {
		s.Edges = make([]Edge, len(m.edges))
		copy(s.Edges, m.edges)
	}
	m.dirty = false
	return s, nil
}

func gobRoundTrip(v any) (any, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("deep copy: %w", err)
	}
	var out any
	if err := gob.NewDecoder(&buf).Decode(&out); err != nil {
		return nil, fmt.Errorf("deep copy: %w", err)
	}
	return out, nil
}
