// Package orchestrator composes the pipeline. The engine turns a submitted
// request into a task graph, runs it through the scheduler, synthesizes the
// accepted findings into a report and persists the result. Reports are
// always answerable: a running request yields a best-effort snapshot, a
// finished one the final versioned report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/circuitbreaker"
	"github.com/loomworks/loom/internal/knowledge"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/qualitygate"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/synthesis"
	"github.com/loomworks/loom/internal/taskgraph"
	"github.com/loomworks/loom/internal/tracing"
	"github.com/loomworks/loom/internal/worker"
)

var (
	// ErrNotFound means the request is unknown to this engine and absent
	// from the store.
	ErrNotFound = errors.New("orchestrator: request not found")
	// ErrNotRunning means the request already reached a terminal status.
	ErrNotRunning = errors.New("orchestrator: request is not running")
)

// persistTimeout bounds report and knowledge writes after a run finishes.
const persistTimeout = 30 * time.Second

// defaultMaxFinished is how many terminal requests stay queryable in memory
// before the oldest are evicted.
const defaultMaxFinished = 256

// Store is the persistence surface the engine writes through. It is
// satisfied by *knowledge.Store.
type Store interface {
	SaveReport(ctx context.Context, report models.Report) (int, error)
	LatestReport(ctx context.Context, requestID string) (models.Report, error)
	Put(ctx context.Context, key, content string, sourceFindings []string) (int, error)
}

// Deps wires the engine's collaborators. Decomposer, Registry, Gate and
// Worker are required. A nil Store disables persistence, a nil Events
// disables streaming, a nil Admission admits every submission and dispatch;
// Synthesizer, Breakers and Logger default when nil.
type Deps struct {
	Decomposer  taskgraph.Decomposer
	Registry    *registry.Registry
	Gate        *qualitygate.Gate
	Worker      worker.Worker
	Synthesizer *synthesis.Synthesizer
	Store       Store
	Events      *streaming.Manager
	Admission   policy.Engine
	Breakers    *scheduler.Breakers
	Logger      *zap.Logger
}

// Options carry the server-level defaults applied to every submit.
type Options struct {
	// Graph bounds decomposition for requests that do not override it.
	Graph taskgraph.Config
	// Backoff shapes worker-failure retries.
	Backoff scheduler.BackoffPolicy
	// PollInterval is passed to each request's scheduler.
	PollInterval time.Duration
	// MaxFinished caps terminal requests retained in memory.
	MaxFinished int
}

// requestState tracks one submitted request. Mutable fields are guarded by
// the engine mutex.
type requestState struct {
	id          string
	query       string
	user        string
	status      string
	graph       *taskgraph.Graph
	cancel      context.CancelFunc
	createdAt   time.Time
	completedAt *time.Time
	report      *models.Report
	done        chan struct{}
}

// Engine runs the request pipeline.
type Engine struct {
	decomposer taskgraph.Decomposer
	reg        *registry.Registry
	gate       *qualitygate.Gate
	work       worker.Worker
	synth      *synthesis.Synthesizer
	store      Store
	events     *streaming.Manager
	admission  policy.Engine
	breakers   *scheduler.Breakers
	logger     *zap.Logger

	graphDefaults taskgraph.Config
	backoff       scheduler.BackoffPolicy
	poll          time.Duration
	maxFinished   int

	mu       sync.RWMutex
	requests map[string]*requestState
	finished []string
}

// New builds an engine.
func New(deps Deps, opts Options) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	synth := deps.Synthesizer
	if synth == nil {
		synth = synthesis.New(logger)
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = scheduler.NewBreakers(circuitbreaker.DefaultConfig(), logger)
	}
	maxFinished := opts.MaxFinished
	if maxFinished <= 0 {
		maxFinished = defaultMaxFinished
	}
	return &Engine{
		decomposer:    deps.Decomposer,
		reg:           deps.Registry,
		gate:          deps.Gate,
		work:          deps.Worker,
		synth:         synth,
		store:         deps.Store,
		events:        deps.Events,
		admission:     deps.Admission,
		breakers:      breakers,
		logger:        logger,
		graphDefaults: opts.Graph,
		backoff:       opts.Backoff,
		poll:          opts.PollInterval,
		maxFinished:   maxFinished,
		requests:      make(map[string]*requestState),
	}
}

// Submit decomposes the query into a task graph and starts scheduling it.
// Admission denials and build failures (empty input, cycles, bad
// dependencies) surface immediately and nothing is dispatched.
func (e *Engine) Submit(ctx context.Context, query string, cfg models.RequestConfig) (string, error) {
	requestID := uuid.NewString()
	gcfg := e.graphConfig(cfg)
	user := auth.UserFromContext(ctx)

	if err := e.admit(ctx, &policy.AdmissionInput{
		RequestID: requestID,
		Stage:     policy.StageSubmit,
		Query:     strings.TrimSpace(query),
		Depth:     gcfg.MaxDepth,
		Fanout:    gcfg.MaxFanout,
		UserID:    user,
	}); err != nil {
		return "", err
	}

	builder := taskgraph.NewBuilder(e.decomposer, gcfg, e.logger)
	g, err := builder.Build(ctx, requestID, query)
	if err != nil {
		return "", fmt.Errorf("build task graph: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &requestState{
		id:        requestID,
		query:     strings.TrimSpace(query),
		user:      user,
		status:    models.StatusRunning,
		graph:     g,
		cancel:    cancel,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	e.mu.Lock()
	e.requests[requestID] = rs
	e.mu.Unlock()

	metrics.RequestsSubmitted.Inc()
	e.publish(requestID, streaming.Event{
		Type:    streaming.EventRequestSubmitted,
		Message: rs.query,
		Data:    map[string]any{"total_tasks": g.Len()},
	})
	e.logger.Info("Request submitted",
		zap.String("request_id", requestID),
		zap.Int("tasks", g.Len()))

	go e.run(runCtx, rs, cfg.Parallelism)
	return requestID, nil
}

// SetGraphDefaults replaces the server-level decomposition bounds applied to
// new submissions. Requests already running keep the bounds they started
// with; their tasks carry thresholds assigned at build time.
func (e *Engine) SetGraphDefaults(cfg taskgraph.Config) {
	e.mu.Lock()
	e.graphDefaults = cfg
	e.mu.Unlock()
}

func (e *Engine) graphConfig(cfg models.RequestConfig) taskgraph.Config {
	e.mu.RLock()
	out := e.graphDefaults
	e.mu.RUnlock()
	if cfg.MaxDepth > 0 {
		out.MaxDepth = cfg.MaxDepth
	}
	if cfg.MaxFanout > 0 {
		out.MaxFanout = cfg.MaxFanout
	}
	if cfg.DefaultQualityThreshold > 0 {
		out.DefaultQualityThreshold = cfg.DefaultQualityThreshold
	}
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	return out
}

// admit runs one admission check. A nil policy engine admits everything.
func (e *Engine) admit(ctx context.Context, input *policy.AdmissionInput) error {
	if e.admission == nil {
		return nil
	}
	input.Environment = e.admission.Environment()
	input.Timestamp = time.Now().UTC()

	decision, err := e.admission.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("admission policy: %w", err)
	}
	if !decision.Allow {
		return fmt.Errorf("%w: %s", policy.ErrDenied, decision.Reason)
	}
	return nil
}

// dispatchAdmit builds the scheduler's per-dispatch admission check for one
// request, carrying the submitting user forward.
func (e *Engine) dispatchAdmit(rs *requestState) func(context.Context, models.Task) error {
	if e.admission == nil {
		return nil
	}
	return func(ctx context.Context, task models.Task) error {
		return e.admit(ctx, &policy.AdmissionInput{
			RequestID:     task.RequestID,
			Stage:         policy.StageDispatch,
			Query:         task.Query,
			CapabilityTag: task.CapabilityTag,
			Priority:      task.Priority,
			Depth:         task.Depth,
			UserID:        rs.user,
		})
	}
}

// run executes one request to completion and finalizes its record.
func (e *Engine) run(ctx context.Context, rs *requestState, parallelism map[string]int) {
	start := time.Now()
	ctx, span := tracing.StartRequestSpan(ctx, rs.id, rs.graph.Len())
	defer span.End()

	sched := scheduler.New(rs.graph, scheduler.Deps{
		Registry: e.reg,
		Gate:     e.gate,
		Worker:   e.work,
		Breakers: e.breakers,
		Logger:   e.logger,
	}, scheduler.Options{
		Backoff:      e.backoff,
		Parallelism:  parallelism,
		PollInterval: e.poll,
		Admit:        e.dispatchAdmit(rs),
		OnEvent:      func(ev scheduler.Event) { e.publishTaskEvent(rs.id, ev) },
	})

	if err := sched.Run(ctx); err != nil {
		span.RecordError(err)
		e.finishCancelled(rs)
	} else {
		e.finishCompleted(ctx, rs)
	}

	metrics.RequestDuration.Observe(time.Since(start).Seconds())
	e.gate.Release(rs.id)
	close(rs.done)
	e.evictFinished()
}

// finishCompleted synthesizes the final report, persists it along with the
// knowledge sections and marks the request completed.
func (e *Engine) finishCompleted(ctx context.Context, rs *requestState) {
	ctx, span := tracing.StartSpan(ctx, "synthesize report")
	defer span.End()
	report := e.synth.Compose(rs.graph, rs.query, e.gate.Accepted(rs.id), models.ReportCompleted)

	if e.store != nil {
		// Detached from cancellation so a late Cancel cannot abort the
		// writes; only the deadline bounds them.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		version, err := e.store.SaveReport(ctx, report)
		if err != nil {
			e.logger.Error("Failed to persist report",
				zap.String("request_id", rs.id),
				zap.Error(err))
		} else {
			report.Version = version
		}
		if err := e.synth.Persist(ctx, e.store, report); err != nil {
			e.logger.Error("Failed to persist knowledge sections",
				zap.String("request_id", rs.id),
				zap.Error(err))
		}
	}

	now := time.Now().UTC()
	e.mu.Lock()
	rs.status = models.StatusCompleted
	rs.completedAt = &now
	rs.report = &report
	e.finished = append(e.finished, rs.id)
	e.mu.Unlock()

	metrics.RequestsCompleted.WithLabelValues(models.StatusCompleted).Inc()
	e.publish(rs.id, streaming.Event{
		Type: streaming.EventReportReady,
		Data: map[string]any{
			"version":  report.Version,
			"sections": len(report.Sections),
			"gaps":     len(report.UnresolvedGaps),
		},
	})
	e.publish(rs.id, streaming.Event{Type: streaming.EventRequestCompleted})
	e.logger.Info("Request completed",
		zap.String("request_id", rs.id),
		zap.Int("sections", len(report.Sections)),
		zap.Int("gaps", len(report.UnresolvedGaps)))
}

// finishCancelled records the cancelled report in memory only. A cancelled
// request writes nothing further to the knowledge store.
func (e *Engine) finishCancelled(rs *requestState) {
	report := e.synth.Compose(rs.graph, rs.query, e.gate.Accepted(rs.id), models.ReportCancelled)

	now := time.Now().UTC()
	e.mu.Lock()
	rs.status = models.StatusCancelled
	rs.completedAt = &now
	rs.report = &report
	e.finished = append(e.finished, rs.id)
	e.mu.Unlock()

	metrics.RequestsCompleted.WithLabelValues(models.StatusCancelled).Inc()
	e.publish(rs.id, streaming.Event{Type: streaming.EventRequestCancelled})
	e.logger.Info("Request cancelled", zap.String("request_id", rs.id))
}

// GetReport returns the best currently synthesizable report. Running
// requests get a version-0 snapshot of accepted findings so the call never
// blocks on scheduling.
func (e *Engine) GetReport(ctx context.Context, requestID string) (models.Report, error) {
	e.mu.RLock()
	rs, ok := e.requests[requestID]
	var status string
	var final *models.Report
	if ok {
		status = rs.status
		if rs.report != nil {
			cp := *rs.report
			final = &cp
		}
	}
	e.mu.RUnlock()

	if !ok {
		if e.store != nil {
			report, err := e.store.LatestReport(ctx, requestID)
			if err == nil {
				return report, nil
			}
			if !errors.Is(err, knowledge.ErrNotFound) {
				return models.Report{}, fmt.Errorf("load report %s: %w", requestID, err)
			}
		}
		return models.Report{}, ErrNotFound
	}

	if status == models.StatusRunning || final == nil {
		return e.synth.Compose(rs.graph, rs.query, e.gate.Accepted(requestID), models.ReportPending), nil
	}
	return *final, nil
}

// Cancel stops a running request. All non-terminal tasks are cancelled and
// in-flight findings are discarded.
func (e *Engine) Cancel(requestID string) error {
	e.mu.RLock()
	rs, ok := e.requests[requestID]
	running := ok && rs.status == models.StatusRunning
	e.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if !running {
		return ErrNotRunning
	}
	rs.cancel()
	return nil
}

// GetRequest returns the summary for one request.
func (e *Engine) GetRequest(requestID string) (models.RequestSummary, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs, ok := e.requests[requestID]
	if !ok {
		return models.RequestSummary{}, ErrNotFound
	}
	return e.summaryLocked(rs), nil
}

// ListRequests returns summaries of all known requests, newest first.
func (e *Engine) ListRequests() []models.RequestSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.RequestSummary, 0, len(e.requests))
	for _, rs := range e.requests {
		out = append(out, e.summaryLocked(rs))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

func (e *Engine) summaryLocked(rs *requestState) models.RequestSummary {
	return models.RequestSummary{
		RequestID:   rs.id,
		Query:       rs.query,
		Status:      rs.status,
		TotalTasks:  rs.graph.Len(),
		CreatedAt:   rs.createdAt,
		CompletedAt: rs.completedAt,
	}
}

// Wait blocks until the request is terminal or the context expires.
func (e *Engine) Wait(ctx context.Context, requestID string) error {
	e.mu.RLock()
	rs, ok := e.requests[requestID]
	e.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running request and waits for their finalizers.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	waits := make([]chan struct{}, 0, len(e.requests))
	for _, rs := range e.requests {
		if rs.status == models.StatusRunning {
			rs.cancel()
		}
		waits = append(waits, rs.done)
	}
	e.mu.RUnlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// evictFinished drops the oldest terminal requests beyond the retention cap
// and closes their event streams.
func (e *Engine) evictFinished() {
	var evicted []string
	e.mu.Lock()
	for len(e.finished) > e.maxFinished {
		id := e.finished[0]
		e.finished = e.finished[1:]
		delete(e.requests, id)
		evicted = append(evicted, id)
	}
	e.mu.Unlock()

	for _, id := range evicted {
		if e.events != nil {
			e.events.CloseStreams(id)
		}
		e.logger.Debug("Evicted finished request", zap.String("request_id", id))
	}
}

func (e *Engine) publish(requestID string, evt streaming.Event) {
	if e.events != nil {
		e.events.Publish(requestID, evt)
	}
}

// publishTaskEvent maps a scheduler notification onto the request's stream.
func (e *Engine) publishTaskEvent(requestID string, ev scheduler.Event) {
	if e.events == nil {
		return
	}
	out := streaming.Event{
		TaskID: ev.Task.ID,
		Data:   map[string]any{"capability": ev.Task.CapabilityTag},
	}
	switch ev.Type {
	case scheduler.EventDispatched:
		out.Type = streaming.EventTaskDispatched
		out.Data["attempt"] = ev.Task.Attempt
	case scheduler.EventAccepted:
		out.Type = streaming.EventTaskAccepted
		out.Data["score"] = ev.Score
	case scheduler.EventRejected:
		out.Type = streaming.EventTaskRejected
		out.Data["score"] = ev.Score
		out.Message = ev.Reason
	case scheduler.EventRequeued:
		out.Type = streaming.EventTaskRequeued
		out.Message = ev.Reason
	case scheduler.EventDuplicate:
		out.Type = streaming.EventTaskDuplicate
		out.Data["duplicate_of"] = ev.DuplicateOf
	case scheduler.EventFailed:
		out.Type = streaming.EventTaskFailed
		out.Message = ev.Reason
	case scheduler.EventCancelled:
		out.Type = streaming.EventTaskCancelled
	default:
		return
	}
	e.events.Publish(requestID, out)
}
