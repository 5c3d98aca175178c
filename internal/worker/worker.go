// Package worker defines the contract between the orchestrator and the
// external collaborators that actually execute tasks. Workers produce
// findings and must honor cancellation; they never mutate task state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loomworks/loom/internal/models"
)

// ErrNoWorker means no worker serves the task's capability tag.
var ErrNoWorker = errors.New("no worker for capability")

// Worker executes one task and returns a finding. An error is a worker-side
// failure (timeout, exception) and is retried with backoff; quality verdicts
// on a returned finding are the gate's business, not the worker's.
type Worker interface {
	Execute(ctx context.Context, task models.Task) (models.Finding, error)
}

// Func adapts a plain function to the Worker interface.
type Func func(ctx context.Context, task models.Task) (models.Finding, error)

func (f Func) Execute(ctx context.Context, task models.Task) (models.Finding, error) {
	return f(ctx, task)
}

// Mux routes tasks to the worker registered for their capability tag, with
// an optional fallback for unregistered tags.
type Mux struct {
	mu       sync.RWMutex
	workers  map[string]Worker
	fallback Worker
}

func NewMux() *Mux {
	return &Mux{workers: make(map[string]Worker)}
}

// Register binds a worker to a capability tag, replacing any previous one.
func (m *Mux) Register(tag string, w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[tag] = w
}

// SetFallback handles tags with no registered worker.
func (m *Mux) SetFallback(w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = w
}

// Tags returns the registered capability tags.
func (m *Mux) Tags() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := make([]string, 0, len(m.workers))
	for tag := range m.workers {
		tags = append(tags, tag)
	}
	return tags
}

func (m *Mux) Execute(ctx context.Context, task models.Task) (models.Finding, error) {
	m.mu.RLock()
	w, ok := m.workers[task.CapabilityTag]
	if !ok {
		w = m.fallback
	}
	m.mu.RUnlock()

	if w == nil {
		return models.Finding{}, fmt.Errorf("%w: %s", ErrNoWorker, task.CapabilityTag)
	}
	return w.Execute(ctx, task)
}
