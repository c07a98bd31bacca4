package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DependencyCycleError rejects a set of definitions whose inputs loop back on themselves
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// Graph maps every rate name to the calculated rates that consume it.
// Calculated rates are kept in a topological order fixed at construction.
type Graph struct {
	defs       map[string]Definition
	dependents map[string][]string
	order      []string
	position   map[string]int
}

func NewGraph(defs []Definition) (*Graph, error) {
	g := &Graph{
		defs:       make(map[string]Definition, len(defs)),
		dependents: make(map[string][]string),
		position:   make(map[string]int, len(defs)),
	}

	for _, d := range defs {
		if d.OutputName == "" {
			return nil, errors.New("calculated rate without a name")
		}
		if _, dup := g.defs[d.OutputName]; dup {
			return nil, fmt.Errorf("calculated rate %s defined twice", d.OutputName)
		}
		g.defs[d.OutputName] = d
	}

	// Kahn over the calculated rates only; raw inputs have no incoming edges
	indegree := make(map[string]int, len(defs))
	for name, d := range g.defs {
		seen := make(map[string]bool, len(d.Inputs))
		for _, in := range d.Inputs {
			if seen[in] {
				continue
			}
			seen[in] = true
			g.dependents[in] = append(g.dependents[in], name)
			if _, calc := g.defs[in]; calc {
				indegree[name]++
			}
		}
	}
	for _, deps := range g.dependents {
		sort.Strings(deps)
	}

	var ready []string
	for name := range g.defs {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		g.position[name] = len(g.order)
		g.order = append(g.order, name)

		var next []string
		for _, dep := range g.dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		ready = append(ready, next...)
		sort.Strings(ready)
	}

	if len(g.order) != len(g.defs) {
		return nil, &DependencyCycleError{Cycle: g.findCycle()}
	}
	return g, nil
}

// findCycle walks the nodes Kahn could not order and returns one loop
func (g *Graph) findCycle() []string {
	var stuck []string
	for name := range g.defs {
		if _, ordered := g.position[name]; !ordered {
			stuck = append(stuck, name)
		}
	}
	sort.Strings(stuck)

	const (
		unvisited = iota
		onStack
		done
	)
	mark := make(map[string]int)
	var path []string
	var cycle []string

	var visit func(string) bool
	visit = func(name string) bool {
		mark[name] = onStack
		path = append(path, name)
		for _, dep := range g.dependents[name] {
			if _, calc := g.defs[dep]; !calc {
				continue
			}
			switch mark[dep] {
			case onStack:
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		mark[name] = done
		return false
	}

	for _, name := range stuck {
		if mark[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return stuck
}

func (g *Graph) Definition(name string) (Definition, bool) {
	d, ok := g.defs[name]
	return d, ok
}

func (g *Graph) IsCalculated(name string) bool {
	_, ok := g.defs[name]
	return ok
}

// Dependents returns the calculated rates that reference name directly
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Order returns every calculated rate in topological order
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Affected returns every calculated rate reachable from name, in topological order
func (g *Graph) Affected(name string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[name]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, g.dependents[n]...)
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return g.position[out[i]] < g.position[out[j]] })
	return out
}

// RateNames lists every name the graph knows: raw inputs and calculated outputs
func (g *Graph) RateNames() []string {
	set := make(map[string]bool)
	for name, d := range g.defs {
		set[name] = true
		for _, in := range d.Inputs {
			set[in] = true
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
