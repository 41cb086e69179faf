package dag

import (
	"fmt"
	"slices"

	"buildd/internal/project"
)

type Graph struct {
	Deps       [][]ProjectID // Deps[from] = проекты, от которых зависит from (в порядке объявления)
	Dependents [][]ProjectID // обратные рёбра
	Present    []bool        // проект реально описан в workspace, а не только упомянут
}

// BuildGraph wires dependency edges for the given projects. Unknown
// dependencies are returned as errors; the workspace normally rejects them
// before a graph is ever built.
func BuildGraph(idx ProjectIndex, projects []*project.Project) (Graph, error) {
	nodeCount := len(idx.IDToName)
	g := Graph{
		Deps:       make([][]ProjectID, nodeCount),
		Dependents: make([][]ProjectID, nodeCount),
		Present:    make([]bool, nodeCount),
	}
	for _, p := range projects {
		if p == nil {
			continue
		}
		id, ok := idx.NameToID[p.Name]
		if !ok {
			continue
		}
		g.Present[int(id)] = true
	}
	for _, p := range projects {
		if p == nil {
			continue
		}
		from := idx.NameToID[p.Name]
		seen := make(map[ProjectID]struct{}, len(p.Dependencies))
		for _, dep := range p.Dependencies {
			to, ok := idx.NameToID[dep]
			if !ok || !g.Present[int(to)] {
				return Graph{}, fmt.Errorf("project %q depends on missing project %q", p.Name, dep)
			}
			if to == from {
				return Graph{}, fmt.Errorf("project %q depends on itself", p.Name)
			}
			if _, dup := seen[to]; dup {
				continue
			}
			seen[to] = struct{}{}
			g.Deps[int(from)] = append(g.Deps[int(from)], to)
			g.Dependents[int(to)] = append(g.Dependents[int(to)], from)
		}
	}
	for i := range g.Dependents {
		if len(g.Dependents[i]) > 1 {
			slices.Sort(g.Dependents[i])
		}
	}
	return g, nil
}

// Closure returns the set of projects reachable from root through
// dependency edges, root included. Iterative to keep deep graphs off the stack.
func Closure(g Graph, root ProjectID) []bool {
	in := make([]bool, len(g.Deps))
	stack := []ProjectID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if in[int(id)] {
			continue
		}
		in[int(id)] = true
		for _, dep := range g.Deps[int(id)] {
			if !in[int(dep)] {
				stack = append(stack, dep)
			}
		}
	}
	return in
}
