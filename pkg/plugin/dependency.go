package plugin

type visitState int

const (
	unvisited visitState = iota
	inProgress
	done
)

// DependencyGraph maps plugin names to the names they must be initialized
// after. It is not safe for concurrent use; the Kernel guards it.
type DependencyGraph struct {
	nodes map[string][]string
	order []string
}

// NewDependencyGraph creates a new dependency graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string][]string),
	}
}

// AddPlugin inserts or overwrites a node. An overwritten node keeps its
// original position in the insertion order.
func (g *DependencyGraph) AddPlugin(name string, deps []string) {
	if _, exists := g.nodes[name]; !exists {
		g.order = append(g.order, name)
	}

	unique := make([]string, 0, len(deps))
	for _, dep := range deps {
		unique = appendUnique(unique, dep)
	}
	g.nodes[name] = unique
}

// RemovePlugin deletes a node and prunes it from every dependency list.
// Dependents are not re-validated.
func (g *DependencyGraph) RemovePlugin(name string) {
	if !g.dropNode(name) {
		return
	}
	for node, deps := range g.nodes {
		g.nodes[node] = removeElement(deps, name)
	}
}

// dropNode deletes a node without touching other entries.
func (g *DependencyGraph) dropNode(name string) bool {
	if _, exists := g.nodes[name]; !exists {
		return false
	}
	delete(g.nodes, name)
	g.order = removeElement(g.order, name)
	return true
}

func (g *DependencyGraph) HasPlugin(name string) bool {
	_, exists := g.nodes[name]
	return exists
}

func (g *DependencyGraph) Dependencies(name string) []string {
	deps := g.nodes[name]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Names returns node names in insertion order.
func (g *DependencyGraph) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Graph returns a deep copy safe to serialize or mutate.
func (g *DependencyGraph) Graph() map[string][]string {
	out := make(map[string][]string, len(g.nodes))
	for name := range g.nodes {
		out[name] = g.Dependencies(name)
	}
	return out
}

// Resolve returns an initialization order in which every plugin follows all
// of its dependencies. Missing dependencies are reported before cycles.
func (g *DependencyGraph) Resolve() ([]string, error) {
	if err := g.checkMissing(g.order); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(g.nodes))
	queue := make([]string, 0, len(g.nodes))
	for _, name := range g.order {
		inDegree[name] = len(g.nodes[name])
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, name := range g.order {
			if !contains(g.nodes[name], current) {
				continue
			}
			inDegree[name]--
			if inDegree[name] == 0 {
				queue = append(queue, name)
			}
		}
	}

	if len(result) < len(g.nodes) {
		if cycle := g.DetectCycle(); cycle != nil {
			return nil, &CircularDependencyError{Path: cycle}
		}
		return nil, &CircularDependencyError{}
	}
	return result, nil
}

// ValidatePlugin checks a single plugin: its dependencies exist and it is
// not part of a cycle. Used for registrations after the kernel is ready.
func (g *DependencyGraph) ValidatePlugin(name string) error {
	if err := g.checkMissing([]string{name}); err != nil {
		return err
	}

	if cycle := g.cycleThrough(name); cycle != nil {
		return &CircularDependencyError{Path: cycle}
	}
	return nil
}

// cycleThrough searches for a path leading from name back to itself.
func (g *DependencyGraph) cycleThrough(name string) []string {
	visited := make(map[string]bool, len(g.nodes))
	var walk func(current string, path []string) []string
	walk = func(current string, path []string) []string {
		path = append(path, current)
		for _, dep := range g.nodes[current] {
			if dep == name {
				cycle := make([]string, 0, len(path)+1)
				cycle = append(cycle, path...)
				return append(cycle, name)
			}
			if _, exists := g.nodes[dep]; !exists || visited[dep] {
				continue
			}
			visited[dep] = true
			if cycle := walk(dep, path); cycle != nil {
				return cycle
			}
		}
		return nil
	}
	return walk(name, nil)
}

// DetectCycle returns the first cycle found as a closed path, or nil.
// Edges to unknown nodes are ignored.
func (g *DependencyGraph) DetectCycle() []string {
	state := make(map[string]visitState, len(g.nodes))
	for _, name := range g.order {
		if state[name] != unvisited {
			continue
		}
		if cycle := g.detectCyclesDFS(name, state, nil); cycle != nil {
			return cycle
		}
	}
	return nil
}

func (g *DependencyGraph) detectCyclesDFS(name string, state map[string]visitState, path []string) []string {
	switch state[name] {
	case inProgress:
		for i, n := range path {
			if n == name {
				cycle := make([]string, 0, len(path)-i+1)
				cycle = append(cycle, path[i:]...)
				return append(cycle, name)
			}
		}
		return nil
	case done:
		return nil
	}

	state[name] = inProgress
	path = append(path, name)

	for _, dep := range g.nodes[name] {
		if _, exists := g.nodes[dep]; !exists {
			continue
		}
		if cycle := g.detectCyclesDFS(dep, state, path); cycle != nil {
			return cycle
		}
	}

	state[name] = done
	return nil
}

func (g *DependencyGraph) checkMissing(names []string) error {
	for _, name := range names {
		for _, dep := range g.nodes[name] {
			if _, exists := g.nodes[dep]; !exists {
				return &MissingDependencyError{Plugin: name, Dependency: dep}
			}
		}
	}
	return nil
}
