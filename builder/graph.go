package builder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/t7a/deckstore/closure"
	"github.com/t7a/deckstore/id"
)

// State is where a task is in its lifecycle.
type State int

const (
	Waiting State = iota
	Downloading
	Preparing
	Building
	Finalizing
	Finished
	Blocked
	Failed
)

var stateNames = []string{"waiting", "downloading", "preparing", "building", "finalizing", "finished", "blocked", "error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the task has stopped.
func (s State) Terminal() bool {
	return s >= Finished
}

// task is one node of the graph.  ready closes when the node has
// been classified, done when the task reaches a terminal state.
type task struct {
	mid   id.ManifestId
	node  *closure.Node
	ready chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	state   State
	err     error
	outputs []id.OutputId
}

func (t *task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// finish records the terminal state and wakes dependents.
func (t *task) finish(s State, outputs []id.OutputId, err error) {
	t.mu.Lock()
	t.state = s
	t.err = err
	t.outputs = outputs
	t.mu.Unlock()
	close(t.done)
}

func (t *task) result() (State, []id.OutputId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.outputs, t.err
}

// Graph holds the tasks of one request.  Tasks are added as the
// resolver classifies nodes; a task may be looked up by a dependent
// before its own node is known.
type Graph struct {
	Roots []id.ManifestId

	mu    sync.Mutex
	tasks map[id.ManifestId]*task
}

func newGraph(roots []id.ManifestId) *Graph {
	return &Graph{Roots: roots, tasks: make(map[id.ManifestId]*task)}
}

// get returns the task for mid, creating a placeholder if needed.
func (g *Graph) get(mid id.ManifestId) *task {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[mid]
	if !ok {
		t = &task{mid: mid, ready: make(chan struct{}), done: make(chan struct{})}
		g.tasks[mid] = t
	}
	return t
}

func (g *Graph) add(node *closure.Node) *task {
	t := g.get(node.Id)
	t.node = node
	close(t.ready)
	return t
}

func (g *Graph) lookup(mid id.ManifestId) (*task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[mid]
	return t, ok
}

// Nodes returns the classified nodes.
func (g *Graph) Nodes() (nodes []*closure.Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tasks {
		select {
		case <-t.ready:
			nodes = append(nodes, t.node)
		default:
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Id.Less(nodes[j].Id) })
	return
}

// Levels returns each node's longest path from a root.  It must only
// be called once every node has been added.
func (g *Graph) Levels() map[id.ManifestId]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	// reverse postorder of a depth first walk is topological
	var order []id.ManifestId
	seen := make(map[id.ManifestId]bool)
	var walk func(mid id.ManifestId)
	walk = func(mid id.ManifestId) {
		if seen[mid] {
			return
		}
		seen[mid] = true
		for _, dep := range g.deps(mid) {
			walk(dep)
		}
		order = append(order, mid)
	}
	for _, root := range g.Roots {
		walk(root)
	}

	levels := make(map[id.ManifestId]int)
	for i := len(order) - 1; i >= 0; i-- {
		mid := order[i]
		for _, dep := range g.deps(mid) {
			if levels[mid]+1 > levels[dep] {
				levels[dep] = levels[mid] + 1
			}
		}
		if _, ok := levels[mid]; !ok {
			levels[mid] = 0
		}
	}
	return levels
}

// deps is called with g.mu held.
func (g *Graph) deps(mid id.ManifestId) []id.ManifestId {
	t, ok := g.tasks[mid]
	if !ok || t.node == nil || t.node.Err != nil || t.node.Tag != closure.MustBuild {
		return nil
	}
	return t.node.Deps
}

// Order lists the nodes deepest level first, ties broken by id.  This
// is the package list of the Started event.
func (g *Graph) Order() []id.ManifestId {
	levels := g.Levels()
	mids := make([]id.ManifestId, 0, len(levels))
	for mid := range levels {
		mids = append(mids, mid)
	}
	sort.Slice(mids, func(i, j int) bool {
		li, lj := levels[mids[i]], levels[mids[j]]
		if li != lj {
			return li > lj
		}
		return mids[i].Less(mids[j])
	})
	return mids
}
