package phase

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Graph is the ordered chain of phases. Orders run 0..n-1 without gaps, so the
// next phase is always the one with order+1.
type Graph struct {
	phases []Phase
	index  map[string]int
}

// NewGraph validates phases and builds a graph ordered by Order.
func NewGraph(phases []Phase) (*Graph, error) {
	if len(phases) == 0 {
		return nil, errors.New("phase graph: at least one phase is required")
	}
	sorted := make([]Phase, len(phases))
	for i, p := range phases {
		sorted[i] = clonePhase(p)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	g := &Graph{phases: sorted, index: make(map[string]int, len(sorted))}
	for i, p := range sorted {
		id := p.ID
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("phase graph: phase at order %d has empty id", p.Order)
		}
		if strings.TrimSpace(id) != id {
			return nil, fmt.Errorf("phase graph: phase id %q has surrounding whitespace", id)
		}
		if _, dup := g.index[id]; dup {
			return nil, fmt.Errorf("phase graph: duplicate phase id %q", id)
		}
		if p.Order != i {
			return nil, fmt.Errorf("phase graph: phase %q has order %d, want %d (orders must be unique and contiguous from 0)", id, p.Order, i)
		}
		g.index[id] = i
	}
	for _, p := range sorted {
		if err := validatePhase(g, p); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func validatePhase(g *Graph, p Phase) error {
	for _, pre := range p.Prerequisites {
		idx, ok := g.index[pre]
		if !ok {
			return fmt.Errorf("phase %q: unknown prerequisite %q", p.ID, pre)
		}
		if g.phases[idx].Order >= p.Order {
			return fmt.Errorf("phase %q: prerequisite %q must come earlier", p.ID, pre)
		}
	}
	seen := make(map[string]struct{}, len(p.Criteria))
	for _, c := range p.Criteria {
		if c.ID == "" {
			return fmt.Errorf("phase %q: criterion with empty id", p.ID)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("phase %q: duplicate criterion %q", p.ID, c.ID)
		}
		seen[c.ID] = struct{}{}
		if !c.Kind.Valid() {
			return fmt.Errorf("phase %q: criterion %q has unknown kind %q", p.ID, c.ID, c.Kind)
		}
	}
	seen = make(map[string]struct{}, len(p.Triggers))
	for _, t := range p.Triggers {
		if t.ID == "" {
			return fmt.Errorf("phase %q: trigger with empty id", p.ID)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("phase %q: duplicate trigger %q", p.ID, t.ID)
		}
		seen[t.ID] = struct{}{}
		if !t.Condition.Valid() {
			return fmt.Errorf("phase %q: trigger %q has unknown condition %q", p.ID, t.ID, t.Condition)
		}
		if !t.Action.Valid() {
			return fmt.Errorf("phase %q: trigger %q has unknown action %q", p.ID, t.ID, t.Action)
		}
	}
	return nil
}

// First returns the initial phase (order 0).
func (g *Graph) First() *Phase {
	return &g.phases[0]
}

// Last returns the terminal phase.
func (g *Graph) Last() *Phase {
	return &g.phases[len(g.phases)-1]
}

// Len returns the number of phases.
func (g *Graph) Len() int {
	return len(g.phases)
}

// Get returns the phase with id.
func (g *Graph) Get(id string) (*Phase, bool) {
	idx, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.phases[idx], true
}

// Next returns the phase that follows id, if any.
func (g *Graph) Next(id string) (*Phase, bool) {
	idx, ok := g.index[id]
	if !ok || idx+1 >= len(g.phases) {
		return nil, false
	}
	return &g.phases[idx+1], true
}

// Phases returns a copy of the phases in order.
func (g *Graph) Phases() []Phase {
	out := make([]Phase, len(g.phases))
	for i, p := range g.phases {
		out[i] = clonePhase(p)
	}
	return out
}

// IDs returns phase ids in order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.phases))
	for i, p := range g.phases {
		out[i] = p.ID
	}
	return out
}

// Reset clears every criterion's satisfaction. It is the only operation that
// moves a criterion back to unsatisfied.
func (g *Graph) Reset() {
	for i := range g.phases {
		for j := range g.phases[i].Criteria {
			c := &g.phases[i].Criteria[j]
			c.Satisfied = false
			c.SatisfiedAt = nil
			c.SatisfiedBy = ""
		}
	}
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	out := &Graph{phases: g.Phases(), index: make(map[string]int, len(g.index))}
	for k, v := range g.index {
		out.index[k] = v
	}
	return out
}

// MarshalJSON encodes the graph as its ordered phase list.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.phases)
}

// UnmarshalJSON decodes and validates an ordered phase list.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var phases []Phase
	if err := json.Unmarshal(data, &phases); err != nil {
		return err
	}
	built, err := NewGraph(phases)
	if err != nil {
		return err
	}
	*g = *built
	return nil
}

func clonePhase(p Phase) Phase {
	out := p
	out.Prerequisites = slices.Clone(p.Prerequisites)
	out.Criteria = make([]Criterion, len(p.Criteria))
	for i, c := range p.Criteria {
		if c.SatisfiedAt != nil {
			at := *c.SatisfiedAt
			c.SatisfiedAt = &at
		}
		out.Criteria[i] = c
	}
	out.Triggers = make([]Trigger, len(p.Triggers))
	for i, t := range p.Triggers {
		if t.Parameters != nil {
			params := make(map[string]any, len(t.Parameters))
			for k, v := range t.Parameters {
				params[k] = v
			}
			t.Parameters = params
		}
		out.Triggers[i] = t
	}
	return out
}
