// Package scheduler drives one request's task graph to completion.
//
// The scheduler owns every task state transition. It dispatches ready tasks
// to workers subject to per-capability concurrency slots, rate limits and
// circuit breakers, then routes each returned finding through the quality
// gate. Worker failures requeue with exponential backoff and quality
// rejections requeue immediately, both bounded by the task's attempt budget;
// a task that exhausts its budget fails permanently and the failure
// propagates to its dependents.
package scheduler

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/circuitbreaker"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/qualitygate"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/taskgraph"
	"github.com/loomworks/loom/internal/tracing"
	"github.com/loomworks/loom/internal/worker"
)

const defaultPollInterval = 100 * time.Millisecond

// EventType labels one task lifecycle notification.
type EventType string

const (
	EventDispatched EventType = "task_dispatched"
	EventAccepted   EventType = "task_accepted"
	EventRejected   EventType = "task_rejected"
	EventRequeued   EventType = "task_requeued"
	EventDuplicate  EventType = "task_duplicate"
	EventFailed     EventType = "task_failed"
	EventCancelled  EventType = "task_cancelled"
)

// Event describes one task lifecycle change for observers. Fields beyond
// Type and Task are populated where they apply.
type Event struct {
	Type        EventType
	Task        models.Task
	Score       float64
	Reason      string
	DuplicateOf string
}

// Deps carries the collaborators a scheduler needs. Registry, Gate and
// Worker are required; Breakers and Logger default when nil.
type Deps struct {
	Registry *registry.Registry
	Gate     *qualitygate.Gate
	Worker   worker.Worker
	Breakers *Breakers
	Logger   *zap.Logger
}

// Options tune one request's scheduling run.
type Options struct {
	// Backoff shapes the retry delay after worker failures.
	Backoff BackoffPolicy

	// Parallelism caps in-flight tasks per capability for this request on
	// top of the registry's global limits. Zero means no extra cap.
	Parallelism map[string]int

	// PollInterval bounds how long the loop waits before re-scanning when
	// nothing completed locally but global capacity or a breaker cooldown
	// may have freed up. Defaults to 100ms.
	PollInterval time.Duration

	// Admit, when set, is consulted before each dispatch. A denial fails
	// the task permanently without consuming a retry and propagates to its
	// dependents.
	Admit func(ctx context.Context, task models.Task) error

	// OnEvent, when set, receives task lifecycle notifications. It is
	// called from the scheduling loop and must not block.
	OnEvent func(Event)
}

// completion is what a dispatch goroutine or retry timer reports back to
// the loop.
type completion struct {
	taskID  string
	finding models.Finding
	err     error
	requeue bool // retry timer fired; nothing executed
}

// Scheduler runs one request's graph. Create one per request and call Run
// once; a Scheduler is not reusable.
type Scheduler struct {
	graph    *taskgraph.Graph
	reg      *registry.Registry
	gate     *qualitygate.Gate
	work     worker.Worker
	breakers *Breakers
	logger   *zap.Logger

	backoff      BackoffPolicy
	parallelism  map[string]int
	pollInterval time.Duration
	admit        func(ctx context.Context, task models.Task) error
	onEvent      func(Event)

	events chan completion
	wg     sync.WaitGroup

	// Owned by the Run loop, never touched elsewhere.
	queues   map[string]*taskQueue
	queued   map[string]struct{}
	inflight map[string]context.CancelFunc
	timers   map[string]*time.Timer
}

// New builds a scheduler for the graph.
func New(graph *taskgraph.Graph, deps Deps, opts Options) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = NewBreakers(circuitbreaker.DefaultConfig(), logger)
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Scheduler{
		graph:        graph,
		reg:          deps.Registry,
		gate:         deps.Gate,
		work:         deps.Worker,
		breakers:     breakers,
		logger:       logger.With(zap.String("request_id", graph.RequestID())),
		backoff:      opts.Backoff.withDefaults(),
		parallelism:  opts.Parallelism,
		pollInterval: poll,
		admit:        opts.Admit,
		onEvent:      opts.OnEvent,
		events:       make(chan completion, graph.Len()+8),
		queues:       make(map[string]*taskQueue),
		queued:       make(map[string]struct{}),
		inflight:     make(map[string]context.CancelFunc),
		timers:       make(map[string]*time.Timer),
	}
}

// Run drives the graph until every task is terminal, then returns nil. On
// context cancellation it stops retry timers, cancels in-flight workers,
// marks the remaining tasks cancelled and returns the context error.
// Findings still in flight at cancellation are discarded unevaluated.
func (s *Scheduler) Run(ctx context.Context) error {
	s.enqueue(s.graph.Ready()...)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.dispatchReady(ctx)

		if s.graph.Remaining() == 0 && len(s.inflight) == 0 {
			s.logger.Info("Request scheduling complete",
				zap.Int("tasks", s.graph.Len()),
				zap.Int("gaps", len(s.graph.Gaps())))
			return nil
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case ev := <-s.events:
			s.handleCompletion(ctx, ev)
		case <-ticker.C:
			// Re-scan: another request may have released capacity, or a
			// breaker cooldown may have elapsed.
		}
	}
}

// enqueue adds dispatchable tasks to their capability queues. Tasks already
// queued or terminal are skipped.
func (s *Scheduler) enqueue(tasks ...models.Task) {
	for _, t := range tasks {
		if _, ok := s.queued[t.ID]; ok {
			continue
		}
		if t.State.Terminal() {
			continue
		}
		q, ok := s.queues[t.CapabilityTag]
		if !ok {
			q = &taskQueue{}
			s.queues[t.CapabilityTag] = q
		}
		q.push(queueItem{id: t.ID, priority: t.Priority, seq: t.Seq})
		s.queued[t.ID] = struct{}{}
	}
}

// queuedTags returns the tags with waiting tasks in sorted order so the
// dispatch scan is deterministic.
func (s *Scheduler) queuedTags() []string {
	tags := make([]string, 0, len(s.queues))
	for tag, q := range s.queues {
		if q.Len() > 0 {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// dispatchReady pops queued tasks and hands them to workers while capacity
// allows. Capabilities whose breaker is open are skipped; their tasks stay
// queued without consuming a retry.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for _, tag := range s.queuedTags() {
		if s.breakers.For(tag).State() == circuitbreaker.StateOpen {
			continue
		}
		s.reg.Ensure(tag)
		q := s.queues[tag]
		for q.Len() > 0 {
			if !s.reg.TryAcquire(tag, s.parallelism[tag]) {
				break
			}
			item := q.pop()
			delete(s.queued, item.id)
			task, ok := s.graph.Get(item.id)
			if !ok || task.State.Terminal() {
				s.reg.Release(tag)
				continue
			}
			if s.admit != nil {
				if err := s.admit(ctx, task); err != nil {
					s.reg.Release(tag)
					s.logger.Warn("Dispatch denied",
						zap.String("task_id", task.ID),
						zap.String("capability", task.CapabilityTag),
						zap.Error(err))
					s.failPermanently(task, "policy_denied")
					continue
				}
			}
			s.dispatch(ctx, task)
		}
	}
}

// dispatch hands one task to a worker goroutine. The caller has already
// claimed the concurrency slot; the goroutine releases it.
func (s *Scheduler) dispatch(ctx context.Context, task models.Task) {
	s.graph.MarkDispatched(task.ID)
	task.State = models.TaskDispatched

	taskCtx, cancel := context.WithCancel(ctx)
	s.inflight[task.ID] = cancel

	metrics.TasksDispatched.WithLabelValues(task.CapabilityTag).Inc()
	s.notify(Event{Type: EventDispatched, Task: task})
	s.logger.Debug("Dispatching task",
		zap.String("task_id", task.ID),
		zap.String("capability", task.CapabilityTag),
		zap.Int("attempt", task.Attempt))

	br := s.breakers.For(task.CapabilityTag)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var finding models.Finding
		err := s.reg.WaitRate(taskCtx, task.CapabilityTag)
		if err == nil {
			execCtx, span := tracing.StartDispatchSpan(taskCtx, task.ID, task.CapabilityTag, task.Attempt)
			start := time.Now()
			err = br.Execute(execCtx, func() error {
				var werr error
				finding, werr = s.work.Execute(execCtx, task)
				return werr
			})
			metrics.TaskDuration.WithLabelValues(task.CapabilityTag).Observe(time.Since(start).Seconds())
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}

		// Free the slot before reporting so the loop can redispatch the
		// capability while it handles this completion.
		s.reg.Release(task.CapabilityTag)

		select {
		case s.events <- completion{taskID: task.ID, finding: finding, err: err}:
		case <-ctx.Done():
		}
	}()
}

// handleCompletion applies one worker result or retry-timer expiry to the
// graph.
func (s *Scheduler) handleCompletion(ctx context.Context, ev completion) {
	if ev.requeue {
		delete(s.timers, ev.taskID)
		if task, ok := s.graph.Get(ev.taskID); ok && !task.State.Terminal() {
			s.graph.MarkReady(ev.taskID)
			s.enqueue(task)
		}
		return
	}

	if cancel, ok := s.inflight[ev.taskID]; ok {
		cancel()
		delete(s.inflight, ev.taskID)
	}
	task, ok := s.graph.Get(ev.taskID)
	if !ok || task.State.Terminal() {
		return
	}

	if ev.err != nil {
		s.handleWorkerError(task, ev.err)
		return
	}

	decision := s.gate.Evaluate(ctx, task, &ev.finding)
	switch decision.Outcome {
	case qualitygate.OutcomeAccepted:
		s.completeTask(task, EventAccepted, decision)
	case qualitygate.OutcomeDuplicate:
		s.completeTask(task, EventDuplicate, decision)
	case qualitygate.OutcomeRetry:
		task.Attempt = s.graph.IncrementAttempt(task.ID)
		metrics.TaskRetries.WithLabelValues(task.CapabilityTag, "quality").Inc()
		s.graph.MarkReady(task.ID)
		s.notify(Event{Type: EventRejected, Task: task, Score: decision.Score, Reason: decision.Feedback})
		s.enqueue(task)
	case qualitygate.OutcomeExhausted:
		s.notify(Event{Type: EventRejected, Task: task, Score: decision.Score, Reason: decision.Feedback})
		s.failPermanently(task, "quality_exhausted")
	}
}

// handleWorkerError requeues a failed task with backoff or fails it
// permanently once retries run out. Breaker rejections never ran the worker
// and so never consume a retry.
func (s *Scheduler) handleWorkerError(task models.Task, err error) {
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		metrics.TaskRetries.WithLabelValues(task.CapabilityTag, "breaker_open").Inc()
		s.logger.Debug("Breaker rejected dispatch, requeueing task",
			zap.String("task_id", task.ID),
			zap.String("capability", task.CapabilityTag))
		s.scheduleRetry(task.ID, s.backoff.InitialInterval)
		return
	}

	reason := "worker_error"
	if isTimeout(err) {
		reason = "worker_timeout"
	}

	if task.Attempt >= task.MaxAttempts {
		s.logger.Warn("Worker failed with retries exhausted",
			zap.String("task_id", task.ID),
			zap.String("capability", task.CapabilityTag),
			zap.Int("attempt", task.Attempt),
			zap.Error(err))
		s.failPermanently(task, reason)
		return
	}

	task.Attempt = s.graph.IncrementAttempt(task.ID)
	delay := s.backoff.Interval(task.Attempt)
	metrics.TaskRetries.WithLabelValues(task.CapabilityTag, reason).Inc()
	s.logger.Warn("Worker failed, scheduling retry",
		zap.String("task_id", task.ID),
		zap.String("capability", task.CapabilityTag),
		zap.Int("attempt", task.Attempt),
		zap.Duration("backoff", delay),
		zap.Error(err))
	s.notify(Event{Type: EventRequeued, Task: task, Reason: err.Error()})
	s.scheduleRetry(task.ID, delay)
}

// isTimeout separates worker timeouts from other worker failures. Both
// retry on the same schedule; they are just accounted apart.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// scheduleRetry requeues the task after the delay. The task stays in the
// dispatched state until the timer fires so Ready never double-lists it.
func (s *Scheduler) scheduleRetry(id string, delay time.Duration) {
	s.timers[id] = time.AfterFunc(delay, func() {
		s.events <- completion{taskID: id, requeue: true}
	})
}

// completeTask finalizes an accepted or deduplicated task and queues any
// dependents the acceptance released.
func (s *Scheduler) completeTask(task models.Task, kind EventType, decision qualitygate.Decision) {
	released := s.graph.MarkAccepted(task.ID)
	task.State = models.TaskAccepted
	s.notify(Event{
		Type:        kind,
		Task:        task,
		Score:       decision.Score,
		Reason:      decision.Feedback,
		DuplicateOf: decision.DuplicateOf,
	})
	s.enqueue(released...)
}

// failPermanently fails the task and every transitive dependent.
func (s *Scheduler) failPermanently(task models.Task, reason string) {
	failed := s.graph.MarkFailed(task.ID)
	for _, id := range failed {
		ft, ok := s.graph.Get(id)
		if !ok {
			continue
		}
		metrics.TasksFailedPermanently.WithLabelValues(ft.CapabilityTag).Inc()
		why := reason
		if id != task.ID {
			why = "dependency_failed"
		}
		s.notify(Event{Type: EventFailed, Task: ft, Reason: why})
	}
	s.logger.Warn("Task failed permanently",
		zap.String("task_id", task.ID),
		zap.String("reason", reason),
		zap.Int("propagated", len(failed)-1))
}

// shutdown tears the run down after cancellation.
func (s *Scheduler) shutdown() {
	for _, timer := range s.timers {
		timer.Stop()
	}
	for _, cancel := range s.inflight {
		cancel()
	}
	s.wg.Wait()

	cancelled := s.graph.MarkCancelled()
	for _, id := range cancelled {
		if t, ok := s.graph.Get(id); ok {
			s.notify(Event{Type: EventCancelled, Task: t})
		}
	}
	s.logger.Info("Request cancelled", zap.Int("cancelled_tasks", len(cancelled)))
}

func (s *Scheduler) notify(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
