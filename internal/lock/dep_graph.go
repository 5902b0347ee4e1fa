package lock

import "sync"

// DependencyGraph tracks wait-for relationships between lock tokens of this
// process.  An edge A -> B means the request holding token A is queued
// behind a key token B holds.  A new
// edge that would close a cycle is a deadlock and is refused.
type DependencyGraph struct {
	mu    sync.Mutex
	edges map[string]map[string]int // waiter -> holder -> number of waits
}

func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{edges: make(map[string]map[string]int)}
}

// TryAddEdge records that waiter waits for holder.  It returns false,
// leaving the graph unchanged, when holder already (transitively) waits
// for waiter.
func (g *DependencyGraph) TryAddEdge(waiter, holder string) bool {
	if waiter == holder {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reachable(holder, waiter, make(map[string]bool)) {
		return false
	}
	if g.edges[waiter] == nil {
		g.edges[waiter] = make(map[string]int)
	}
	g.edges[waiter][holder]++
	return true
}

// RemoveEdge drops one wait of waiter on holder.
func (g *DependencyGraph) RemoveEdge(waiter, holder string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	holders, ok := g.edges[waiter]
	if !ok {
		return
	}
	if holders[holder] <= 1 {
		delete(holders, holder)
	} else {
		holders[holder]--
	}
	if len(holders) == 0 {
		delete(g.edges, waiter)
	}
}

// Waiting returns how many tokens currently wait on someone.
func (g *DependencyGraph) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// reachable reports whether to can be reached from from by depth-first
// search.
func (g *DependencyGraph) reachable(from, to string, visited map[string]bool) bool {
	if from == to {
		return true
	}
	visited[from] = true
	for next := range g.edges[from] {
		if !visited[next] && g.reachable(next, to, visited) {
			return true
		}
	}
	return false
}
