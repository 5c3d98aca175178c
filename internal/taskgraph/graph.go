// Package taskgraph builds and owns the dependency DAG of tasks for one
// request. The graph is the single source of truth for task state; the
// scheduler and quality gate mutate tasks only through its methods.
package taskgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loomworks/loom/internal/models"
)

// GraphError kinds
type ErrorKind string

const (
	ErrCyclic            ErrorKind = "cyclic"
	ErrEmptyInput        ErrorKind = "empty_input"
	ErrInvalidDependency ErrorKind = "invalid_dependency"
)

// GraphError is fatal: the request is rejected before any dispatch.
type GraphError struct {
	Kind   ErrorKind
	Detail string
	Cycle  []string
}

func (e *GraphError) Error() string {
	if e.Kind == ErrCyclic && len(e.Cycle) > 0 {
		return fmt.Sprintf("graph error (%s): %s", e.Kind, strings.Join(e.Cycle, " -> "))
	}
	if e.Detail != "" {
		return fmt.Sprintf("graph error (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("graph error (%s)", e.Kind)
}

// IsGraphError reports whether err is a GraphError of the given kind.
func IsGraphError(err error, kind ErrorKind) bool {
	var ge *GraphError
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// Graph is a validated DAG of tasks for one request. All access is
// synchronized; methods return task copies so callers never share the
// underlying records.
type Graph struct {
	mu         sync.RWMutex
	requestID  string
	tasks      map[string]*models.Task
	dependents map[string][]string
	order      []string
}

func newGraph(requestID string) *Graph {
	return &Graph{
		requestID:  requestID,
		tasks:      make(map[string]*models.Task),
		dependents: make(map[string][]string),
	}
}

func (g *Graph) add(t *models.Task) {
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	for _, dep := range t.DependsOn {
		g.dependents[dep] = append(g.dependents[dep], t.ID)
	}
}

// RequestID returns the owning request.
func (g *Graph) RequestID() string { return g.requestID }

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Get returns a copy of the task.
func (g *Graph) Get(id string) (models.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return *t, true
}

// Tasks returns copies of all tasks in creation order.
func (g *Graph) Tasks() []models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.tasks[id])
	}
	return out
}

// validate checks dependency references and detects cycles with DFS
// coloring: white (unvisited), gray (on stack), black (done). Finding a
// gray node again means a cycle; the gray path is reported.
func (g *Graph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, t := range g.tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return &GraphError{
					Kind:   ErrInvalidDependency,
					Detail: fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep),
				}
			}
			if dep == t.ID {
				return &GraphError{Kind: ErrCyclic, Cycle: []string{t.ID, t.ID}}
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(g.tasks))
	var stack []string

	var visit func(id string) *GraphError
	visit = func(id string) *GraphError {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range g.tasks[id].DependsOn {
			switch colors[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				// Slice the stack from the first occurrence of dep to
				// report the actual cycle path.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, stack[start:]...), dep)
				return &GraphError{Kind: ErrCyclic, Cycle: cycle}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, id := range g.order {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalSort returns task IDs in dependency order. Among tasks whose
// dependencies are simultaneously satisfied the creation sequence breaks
// ties, so the order is deterministic for a given graph.
func (g *Graph) TopologicalSort() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		indegree[id] = len(t.DependsOn)
	}

	frontier := make([]string, 0, len(g.tasks))
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}

	bySeq := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool {
			return g.tasks[ids[i]].Seq < g.tasks[ids[j]].Seq
		})
	}
	bySeq(frontier)

	out := make([]string, 0, len(g.tasks))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		out = append(out, id)

		var released []string
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		if len(released) > 0 {
			bySeq(released)
			frontier = append(frontier, released...)
			bySeq(frontier)
		}
	}
	return out
}

// Ready returns copies of tasks that are dispatchable: still pending and
// with every dependency accepted.
func (g *Graph) Ready() []models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []models.Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.State != models.TaskPending && t.State != models.TaskReady {
			continue
		}
		if g.depsAcceptedLocked(t) {
			ready = append(ready, *t)
		}
	}
	return ready
}

func (g *Graph) depsAcceptedLocked(t *models.Task) bool {
	for _, dep := range t.DependsOn {
		if g.tasks[dep].State != models.TaskAccepted {
			return false
		}
	}
	return true
}

// MarkDispatched transitions a task to dispatched.
func (g *Graph) MarkDispatched(id string) {
	g.setState(id, models.TaskDispatched)
}

// MarkReady returns a requeued task to the dispatchable pool.
func (g *Graph) MarkReady(id string) {
	g.setState(id, models.TaskReady)
}

// MarkAccepted finalizes a task and returns copies of dependents that this
// acceptance made dispatchable.
func (g *Graph) MarkAccepted(id string) []models.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok || t.State.Terminal() {
		return nil
	}
	t.State = models.TaskAccepted

	var released []models.Task
	for _, depID := range g.dependents[id] {
		dep := g.tasks[depID]
		if dep.State != models.TaskPending && dep.State != models.TaskReady {
			continue
		}
		if g.depsAcceptedLocked(dep) {
			released = append(released, *dep)
		}
	}
	return released
}

// MarkFailed marks the task failed permanently and propagates the failure
// forward: every transitive dependent is failed too, never silently
// skipped. Returns the IDs of all newly failed tasks, the given one first.
func (g *Graph) MarkFailed(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok || t.State.Terminal() {
		return nil
	}

	var failed []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ct := g.tasks[cur]
		if ct.State.Terminal() {
			continue
		}
		ct.State = models.TaskFailed
		failed = append(failed, cur)
		queue = append(queue, g.dependents[cur]...)
	}
	return failed
}

// MarkCancelled cancels every non-terminal task and returns their IDs.
func (g *Graph) MarkCancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var cancelled []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.State.Terminal() {
			continue
		}
		t.State = models.TaskCancelled
		cancelled = append(cancelled, id)
	}
	return cancelled
}

// IncrementAttempt bumps the task's attempt counter and returns the new
// value.
func (g *Graph) IncrementAttempt(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return 0
	}
	t.Attempt++
	return t.Attempt
}

// Dependents returns the direct dependents of a task.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.dependents[id]))
	copy(out, g.dependents[id])
	return out
}

// Gaps returns the IDs of permanently failed tasks in creation order.
func (g *Graph) Gaps() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var gaps []string
	for _, id := range g.order {
		if g.tasks[id].State == models.TaskFailed {
			gaps = append(gaps, id)
		}
	}
	return gaps
}

// Remaining returns the number of tasks that have not reached a terminal
// state.
func (g *Graph) Remaining() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, t := range g.tasks {
		if !t.State.Terminal() {
			n++
		}
	}
	return n
}

func (g *Graph) setState(id string, s models.TaskState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[id]; ok && !t.State.Terminal() {
		t.State = s
	}
}
