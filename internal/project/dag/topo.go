package dag

import (
	"fmt"
	"slices"

	"fortio.org/safecast"
)

type Topo struct {
	Order   []ProjectID   // линейный порядок: зависимости раньше зависимых
	Batches [][]ProjectID // волны независимых проектов
	Cyclic  bool
	Cycles  []ProjectID // узлы, оставшиеся в цикле
}

// ToposortKahn orders the projects selected by include (nil = all present)
// so that every project comes after all of its dependencies.
func ToposortKahn(g Graph, include []bool) *Topo {
	nodeCount := len(g.Deps)
	selected := func(i int) bool {
		if !g.Present[i] {
			return false
		}
		return include == nil || include[i]
	}

	pending := make([]int, nodeCount)
	active := 0
	for i := range nodeCount {
		if !selected(i) {
			continue
		}
		active++
		for _, dep := range g.Deps[i] {
			if selected(int(dep)) {
				pending[i]++
			}
		}
	}

	topo := &Topo{
		Order:   make([]ProjectID, 0, active),
		Batches: make([][]ProjectID, 0),
	}

	current := make([]ProjectID, 0, nodeCount)
	for i := range nodeCount {
		if selected(i) && pending[i] == 0 {
			current = append(current, toID(i))
		}
	}

	visited := 0
	for len(current) > 0 {
		batch := slices.Clone(current)
		topo.Batches = append(topo.Batches, batch)

		next := make([]ProjectID, 0)
		for _, id := range batch {
			topo.Order = append(topo.Order, id)
			visited++
			for _, up := range g.Dependents[int(id)] {
				if !selected(int(up)) {
					continue
				}
				pending[int(up)]--
				if pending[int(up)] == 0 {
					next = append(next, up)
				}
			}
		}
		slices.Sort(next)
		current = next
	}

	if visited != active {
		topo.Cyclic = true
		for i := range nodeCount {
			if selected(i) && pending[i] > 0 {
				topo.Cycles = append(topo.Cycles, toID(i))
			}
		}
	}
	return topo
}

func toID(i int) ProjectID {
	id, err := safecast.Conv[ProjectID](i)
	if err != nil {
		panic(fmt.Errorf("project id overflow: %w", err))
	}
	return id
}
