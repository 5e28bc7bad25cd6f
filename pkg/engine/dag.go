package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder turns the step dependencies of a plan into an ExecutionGraph
// and a sequential order. Ties are broken by declaration order, so two
// builds of the same plan always agree.
type DAGBuilder struct {
	units map[string]*PlanUnit
	pos   map[string]int
	ids   []string

	// next maps a unit to the units that wait for it, prev the reverse.
	next map[string][]string
	prev map[string][]string

	levels [][]string
}

func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units: map[string]*PlanUnit{},
		pos:   map[string]int{},
		next:  map[string][]string{},
		prev:  map[string][]string{},
	}
}

// BuildGraph indexes units, rejects unknown targets and cycles, and
// assigns levels. ExecutionOrder is written back into units.
func (b *DAGBuilder) BuildGraph(units []PlanUnit) (*ExecutionGraph, error) {
	if err := b.index(units); err != nil {
		return nil, err
	}
	if cycle := b.findCycle(); cycle != nil {
		return nil, NewPermanentError("circular dependency detected: "+strings.Join(cycle, " -> "), nil).
			WithCode(ErrCodeValidation)
	}
	b.levels = b.layer()

	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode, len(b.ids)),
		Edges: []GraphEdge{},
		Roots: []string{},
		Depth: len(b.levels),
	}
	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{ID: id, Level: level, Dependencies: b.prev[id], Dependents: b.next[id]}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}
	for _, id := range b.ids {
		for _, dep := range b.units[id].Dependencies {
			graph.Edges = append(graph.Edges, GraphEdge{From: dep.TargetID, To: id, Type: dep.Type})
		}
	}
	for i, id := range b.TopologicalOrder() {
		b.units[id].ExecutionOrder = i
	}
	return graph, nil
}

func (b *DAGBuilder) index(units []PlanUnit) error {
	for i := range units {
		u := &units[i]
		if u.ID == "" {
			return NewPermanentError(fmt.Sprintf("step %d of job %q has no ID", i, u.Group), nil).
				WithCode(ErrCodeValidation)
		}
		if _, dup := b.units[u.ID]; dup {
			return NewPermanentError("duplicate step ID "+u.ID, nil).WithCode(ErrCodeValidation)
		}
		b.units[u.ID] = u
		b.pos[u.ID] = i
		b.ids = append(b.ids, u.ID)
		b.next[u.ID] = []string{}
		b.prev[u.ID] = []string{}
	}

	for _, id := range b.ids {
		for _, dep := range b.units[id].Dependencies {
			if _, ok := b.units[dep.TargetID]; !ok {
				return NewPermanentError(fmt.Sprintf("step %s depends on unknown step %s", id, dep.TargetID), nil).
					WithCode(ErrCodeValidation).
					WithResource(id)
			}
			b.next[dep.TargetID] = append(b.next[dep.TargetID], id)
			b.prev[id] = append(b.prev[id], dep.TargetID)
		}
	}
	return nil
}

// findCycle returns the first cycle found by a coloured depth-first walk,
// closed with its starting unit, or nil.
func (b *DAGBuilder) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	state := make(map[string]int, len(b.ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = grey
		stack = append(stack, id)
		for _, n := range b.next[id] {
			switch state[n] {
			case grey:
				for i, s := range stack {
					if s == n {
						return append(append([]string{}, stack[i:]...), n)
					}
				}
			case white:
				if c := visit(n); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = black
		return nil
	}

	for _, id := range b.ids {
		if state[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// layer groups units by their longest distance from a root.
func (b *DAGBuilder) layer() [][]string {
	waiting := b.inDegrees()
	var levels [][]string
	current := b.ready(waiting)
	for len(current) > 0 {
		levels = append(levels, current)
		var following []string
		for _, id := range current {
			for _, n := range b.next[id] {
				if waiting[n]--; waiting[n] == 0 {
					following = append(following, n)
				}
			}
		}
		b.byDeclaration(following)
		current = following
	}
	return levels
}

// Levels returns the units of each level, in declaration order.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// TopologicalOrder returns the order the sequential scheduler runs units
// in. The earliest declared ready unit always goes next, so the steps of a
// job run back to back before the next job starts.
func (b *DAGBuilder) TopologicalOrder() []string {
	waiting := b.inDegrees()
	ready := b.ready(waiting)
	order := make([]string, 0, len(b.ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, n := range b.next[id] {
			if waiting[n]--; waiting[n] == 0 {
				ready = append(ready, n)
			}
		}
		b.byDeclaration(ready)
	}
	return order
}

func (b *DAGBuilder) inDegrees() map[string]int {
	deg := make(map[string]int, len(b.ids))
	for _, id := range b.ids {
		deg[id] = len(b.prev[id])
	}
	return deg
}

func (b *DAGBuilder) ready(waiting map[string]int) []string {
	var out []string
	for _, id := range b.ids {
		if waiting[id] == 0 {
			out = append(out, id)
		}
	}
	return out
}

func (b *DAGBuilder) byDeclaration(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return b.pos[ids[i]] < b.pos[ids[j]] })
}

// ToDOT renders the plan for Graphviz with one cluster per job. Step edges
// are solid, needs edges dashed, and nodes are coloured by status.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph ExecutionGraph {\n  rankdir=TB;\n  node [shape=box, style=\"filled,rounded\"];\n")

	var jobs []string
	byJob := map[string][]string{}
	for _, id := range b.ids {
		g := b.units[id].Group
		if _, seen := byJob[g]; !seen {
			jobs = append(jobs, g)
		}
		byJob[g] = append(byJob[g], id)
	}
	for i, job := range jobs {
		fmt.Fprintf(&sb, "\n  subgraph cluster_%d {\n    label=%q;\n    style=dashed;\n", i, job)
		for _, id := range byJob[job] {
			u := b.units[id]
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\", fillcolor=%q];\n", id, id, u.Action, colour(u.Status))
		}
		sb.WriteString("  }\n")
	}

	sb.WriteString("\n")
	for _, id := range b.ids {
		for _, dep := range b.units[id].Dependencies {
			style := "style=solid, color=black"
			if dep.Type == DependencyNeeds {
				style = "style=dashed, color=blue"
			}
			fmt.Fprintf(&sb, "  %q -> %q [%s];\n", dep.TargetID, id, style)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

func colour(s PlanStatus) string {
	switch s {
	case PlanStatusRunning:
		return "lightblue"
	case PlanStatusSucceeded:
		return "lightgreen"
	case PlanStatusFailed:
		return "lightcoral"
	case PlanStatusSkipped, PlanStatusCancelled:
		return "lightgray"
	}
	return "white"
}
