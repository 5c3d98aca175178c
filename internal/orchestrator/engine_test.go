package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/knowledge"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/qualitygate"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/synthesis"
	"github.com/loomworks/loom/internal/taskgraph"
	"github.com/loomworks/loom/internal/worker"
)

const rootQuery = "how did freight move from rivers to rail"

// diamondDecomposer splits the root query into a, b and c where c needs both.
func diamondDecomposer() taskgraph.Decomposer {
	return taskgraph.DecomposerFunc(func(_ context.Context, query string, _ int) ([]taskgraph.Subtask, error) {
		if query != rootQuery {
			return nil, nil
		}
		return []taskgraph.Subtask{
			{ID: "a", Query: "river freight before rail", CapabilityTag: "research"},
			{ID: "b", Query: "rail expansion economics", CapabilityTag: "research"},
			{ID: "c", Query: "compare the transitions", CapabilityTag: "research", DependsOn: []string{"a", "b"}},
		}, nil
	})
}

type stepResult struct {
	content string
	score   float64
	err     error
}

// scriptWorker replays per-task result sequences; the last step repeats.
type scriptWorker struct {
	mu    sync.Mutex
	calls map[string]int
	byID  map[string][]stepResult
}

func newScriptWorker(byID map[string][]stepResult) *scriptWorker {
	return &scriptWorker{calls: make(map[string]int), byID: byID}
}

func (w *scriptWorker) Execute(_ context.Context, task models.Task) (models.Finding, error) {
	w.mu.Lock()
	n := w.calls[task.ID]
	w.calls[task.ID] = n + 1
	steps := w.byID[task.ID]
	w.mu.Unlock()

	if len(steps) == 0 {
		return models.Finding{}, errors.New("unscripted task")
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	st := steps[n]
	if st.err != nil {
		return models.Finding{}, st.err
	}
	return models.Finding{
		TaskID:          task.ID,
		RequestID:       task.RequestID,
		Content:         st.content,
		ConfidenceScore: st.score,
	}, nil
}

func openEngineStore(t *testing.T) *knowledge.Store {
	t.Helper()
	s, err := knowledge.Open(context.Background(), knowledge.Options{
		Driver:    "sqlite3",
		DSN:       ":memory:",
		MaxConns:  1,
		IdleConns: 1,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, d taskgraph.Decomposer, w worker.Worker, store Store, opts Options) (*Engine, *streaming.Manager) {
	t.Helper()
	reg := registry.New([]models.CapabilityProfile{
		{Tag: "research", MaxConcurrency: 4},
	}, zap.NewNop())
	gate := qualitygate.New(reg, zap.NewNop())
	events := streaming.NewManager(nil, zap.NewNop())
	if opts.Backoff == (scheduler.BackoffPolicy{}) {
		opts.Backoff = scheduler.BackoffPolicy{
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Millisecond,
		}
	}
	eng := New(Deps{
		Decomposer: d,
		Registry:   reg,
		Gate:       gate,
		Worker:     w,
		Store:      store,
		Events:     events,
		Logger:     zap.NewNop(),
	}, opts)
	return eng, events
}

func waitDone(t *testing.T, eng *Engine, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Wait(ctx, id); err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
}

func TestSubmitRunsRequestToCompletion(t *testing.T) {
	ctx := context.Background()
	store := openEngineStore(t)
	w := newScriptWorker(map[string][]stepResult{
		"a": {{content: "canals and rivers carried bulk goods cheaply but slowly", score: 0.9}},
		"b": {
			{content: "rail grew", score: 0.5},
			{content: "rail networks cut shipping time tenfold and costs followed", score: 0.85}},
		"c": {{content: "speed beat cost once networks matured and freight moved to rail", score: 0.95}},
	})
	eng, events := newTestEngine(t, diamondDecomposer(), w, store, Options{})

	id, err := eng.Submit(ctx, rootQuery, models.RequestConfig{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, eng, id)

	report, err := eng.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if report.Status != models.ReportCompleted {
		t.Errorf("status = %s, want completed", report.Status)
	}
	if report.Version != 1 {
		t.Errorf("version = %d, want 1", report.Version)
	}
	if len(report.UnresolvedGaps) != 0 {
		t.Errorf("gaps = %v, want none", report.UnresolvedGaps)
	}
	if len(report.Sections) != 3 {
		t.Fatalf("sections = %d, want 3", len(report.Sections))
	}
	for i, want := range []string{"a", "b", "c"} {
		if report.Sections[i].TaskID != want {
			t.Errorf("section %d = %s, want %s", i, report.Sections[i].TaskID, want)
		}
	}

	// The persisted report and knowledge entries must match what GetReport
	// serves.
	stored, err := store.LatestReport(ctx, id)
	if err != nil {
		t.Fatalf("LatestReport: %v", err)
	}
	if stored.Version != 1 || len(stored.Sections) != 3 {
		t.Errorf("stored report version=%d sections=%d", stored.Version, len(stored.Sections))
	}
	entry, err := store.Latest(ctx, synthesis.NormalizeKey("river freight before rail"))
	if err != nil {
		t.Fatalf("Latest knowledge entry: %v", err)
	}
	if entry.Version != 1 || entry.Content == "" {
		t.Errorf("knowledge entry = %+v", entry)
	}

	evs := events.ReplaySince(id, 0)
	if len(evs) == 0 {
		t.Fatal("no events recorded")
	}
	if evs[0].Type != streaming.EventRequestSubmitted {
		t.Errorf("first event = %s, want REQUEST_SUBMITTED", evs[0].Type)
	}
	if evs[len(evs)-1].Type != streaming.EventRequestCompleted {
		t.Errorf("last event = %s, want REQUEST_COMPLETED", evs[len(evs)-1].Type)
	}
	var accepted, rejected int
	for _, ev := range evs {
		switch ev.Type {
		case streaming.EventTaskAccepted:
			accepted++
		case streaming.EventTaskRejected:
			rejected++
		}
	}
	if accepted != 3 {
		t.Errorf("TASK_ACCEPTED events = %d, want 3", accepted)
	}
	if rejected != 1 {
		t.Errorf("TASK_REJECTED events = %d, want 1", rejected)
	}

	summary, err := eng.GetRequest(id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if summary.Status != models.StatusCompleted || summary.TotalTasks != 3 || summary.CompletedAt == nil {
		t.Errorf("summary = %+v", summary)
	}
}

func TestSubmitRejectsBadGraphs(t *testing.T) {
	var executions atomic.Int64
	counting := worker.Func(func(_ context.Context, _ models.Task) (models.Finding, error) {
		executions.Add(1)
		return models.Finding{}, nil
	})

	cyclic := taskgraph.DecomposerFunc(func(_ context.Context, query string, _ int) ([]taskgraph.Subtask, error) {
		if query != rootQuery {
			return nil, nil
		}
		return []taskgraph.Subtask{
			{ID: "x", Query: "first", DependsOn: []string{"y"}},
			{ID: "y", Query: "second", DependsOn: []string{"x"}},
		}, nil
	})
	eng, _ := newTestEngine(t, cyclic, counting, nil, Options{})

	if _, err := eng.Submit(context.Background(), rootQuery, models.RequestConfig{}); err == nil {
		t.Fatal("cyclic decomposition must fail Submit")
	}
	if _, err := eng.Submit(context.Background(), "   ", models.RequestConfig{}); err == nil {
		t.Fatal("blank query must fail Submit")
	}
	if got := executions.Load(); got != 0 {
		t.Errorf("workers executed %d times for rejected submits", got)
	}
	if got := len(eng.ListRequests()); got != 0 {
		t.Errorf("rejected submits left %d request records", got)
	}
}

func TestGetReportServesPendingSnapshot(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	split := taskgraph.DecomposerFunc(func(_ context.Context, query string, _ int) ([]taskgraph.Subtask, error) {
		if query != rootQuery {
			return nil, nil
		}
		return []taskgraph.Subtask{
			{ID: "fast", Query: "quick fact lookup", CapabilityTag: "research"},
			{ID: "slow", Query: "deep archive crawl", CapabilityTag: "research"},
		}, nil
	})
	w := worker.Func(func(ctx context.Context, task models.Task) (models.Finding, error) {
		if task.ID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return models.Finding{}, ctx.Err()
			}
		}
		return models.Finding{
			TaskID:          task.ID,
			RequestID:       task.RequestID,
			Content:         "finding for " + task.Query,
			ConfidenceScore: 0.9,
		}, nil
	})
	eng, _ := newTestEngine(t, split, w, nil, Options{})

	id, err := eng.Submit(ctx, rootQuery, models.RequestConfig{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait until the fast task's section is synthesizable, then check the
	// snapshot shape.
	deadline := time.Now().Add(2 * time.Second)
	var snapshot models.Report
	for {
		snapshot, err = eng.GetReport(ctx, id)
		if err != nil {
			t.Fatalf("GetReport: %v", err)
		}
		if len(snapshot.Sections) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fast task never reached the snapshot")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if snapshot.Status != models.ReportPending {
		t.Errorf("snapshot status = %s, want pending", snapshot.Status)
	}
	if snapshot.Version != 0 {
		t.Errorf("snapshot version = %d, want 0", snapshot.Version)
	}
	if snapshot.PendingTasks != 1 {
		t.Errorf("snapshot pending tasks = %d, want 1", snapshot.PendingTasks)
	}
	if snapshot.Sections[0].TaskID != "fast" {
		t.Errorf("snapshot section = %s, want fast", snapshot.Sections[0].TaskID)
	}

	close(release)
	waitDone(t, eng, id)

	final, err := eng.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport after completion: %v", err)
	}
	if final.Status != models.ReportCompleted || len(final.Sections) != 2 {
		t.Errorf("final report status=%s sections=%d", final.Status, len(final.Sections))
	}
}

func TestCancelStopsRunAndSkipsPersistence(t *testing.T) {
	ctx := context.Background()
	store := openEngineStore(t)
	dispatched := make(chan struct{}, 8)
	blocking := worker.Func(func(ctx context.Context, _ models.Task) (models.Finding, error) {
		dispatched <- struct{}{}
		<-ctx.Done()
		return models.Finding{}, ctx.Err()
	})
	split := taskgraph.DecomposerFunc(func(_ context.Context, query string, _ int) ([]taskgraph.Subtask, error) {
		if query != rootQuery {
			return nil, nil
		}
		return []taskgraph.Subtask{
			{ID: "one", Query: "first crawl", CapabilityTag: "research"},
			{ID: "two", Query: "second crawl", CapabilityTag: "research"},
		}, nil
	})
	eng, _ := newTestEngine(t, split, blocking, store, Options{})

	id, err := eng.Submit(ctx, rootQuery, models.RequestConfig{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-dispatched:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks never dispatched")
		}
	}

	if err := eng.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitDone(t, eng, id)

	report, err := eng.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if report.Status != models.ReportCancelled {
		t.Errorf("status = %s, want cancelled", report.Status)
	}
	if len(report.Sections) != 0 {
		t.Errorf("sections = %d, want 0", len(report.Sections))
	}

	// Cancellation must leave no trace in the store.
	if _, err := store.LatestReport(ctx, id); !errors.Is(err, knowledge.ErrNotFound) {
		t.Errorf("LatestReport after cancel = %v, want ErrNotFound", err)
	}

	if err := eng.Cancel(id); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Cancel = %v, want ErrNotRunning", err)
	}
	if err := eng.Cancel("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(ghost) = %v, want ErrNotFound", err)
	}
}

func TestExhaustedTasksSurfaceAsGaps(t *testing.T) {
	ctx := context.Background()
	store := openEngineStore(t)
	w := newScriptWorker(map[string][]stepResult{
		"a": {{content: "steady subject with a clear answer", score: 0.9}},
		"b": {{content: "noise", score: 0.2}},
		"c": {{content: "never runs", score: 0.9}},
	})
	eng, _ := newTestEngine(t, diamondDecomposer(), w, store, Options{})

	id, err := eng.Submit(ctx, rootQuery, models.RequestConfig{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, eng, id)

	report, err := eng.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	// Partial failure completes the request; the gaps are annotated, not
	// hidden.
	if report.Status != models.ReportCompleted {
		t.Errorf("status = %s, want completed", report.Status)
	}
	if len(report.Sections) != 1 || report.Sections[0].TaskID != "a" {
		t.Errorf("sections = %+v, want only a", report.Sections)
	}
	if len(report.UnresolvedGaps) != 2 || report.UnresolvedGaps[0] != "b" || report.UnresolvedGaps[1] != "c" {
		t.Errorf("gaps = %v, want [b c]", report.UnresolvedGaps)
	}

	stored, err := store.LatestReport(ctx, id)
	if err != nil {
		t.Fatalf("LatestReport: %v", err)
	}
	if len(stored.UnresolvedGaps) != 2 {
		t.Errorf("stored gaps = %v", stored.UnresolvedGaps)
	}
}

func TestEvictionFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := openEngineStore(t)
	w := worker.Func(func(_ context.Context, task models.Task) (models.Finding, error) {
		return models.Finding{
			TaskID:          task.ID,
			RequestID:       task.RequestID,
			Content:         "answer for " + task.Query,
			ConfidenceScore: 0.9,
		}, nil
	})
	atomicD := taskgraph.DecomposerFunc(func(_ context.Context, _ string, _ int) ([]taskgraph.Subtask, error) {
		return nil, nil
	})
	eng, _ := newTestEngine(t, atomicD, w, store, Options{MaxFinished: 1})

	first, err := eng.Submit(ctx, "what is a lock-free queue", models.RequestConfig{})
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	waitDone(t, eng, first)

	second, err := eng.Submit(ctx, "what is a wait-free queue", models.RequestConfig{})
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	waitDone(t, eng, second)

	if _, err := eng.GetRequest(first); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRequest(first) = %v, want ErrNotFound after eviction", err)
	}
	// The evicted request's report survives in the store.
	report, err := eng.GetReport(ctx, first)
	if err != nil {
		t.Fatalf("GetReport(first) after eviction: %v", err)
	}
	if report.Status != models.ReportCompleted || report.Version != 1 {
		t.Errorf("report status=%s version=%d", report.Status, report.Version)
	}

	if _, err := eng.GetReport(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReport(ghost) = %v, want ErrNotFound", err)
	}
}

func TestListRequestsNewestFirst(t *testing.T) {
	ctx := context.Background()
	w := worker.Func(func(_ context.Context, task models.Task) (models.Finding, error) {
		return models.Finding{
			TaskID:          task.ID,
			RequestID:       task.RequestID,
			Content:         "answer for " + task.Query,
			ConfidenceScore: 0.9,
		}, nil
	})
	atomicD := taskgraph.DecomposerFunc(func(_ context.Context, _ string, _ int) ([]taskgraph.Subtask, error) {
		return nil, nil
	})
	eng, _ := newTestEngine(t, atomicD, w, nil, Options{})

	first, err := eng.Submit(ctx, "older request", models.RequestConfig{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, eng, first)
	time.Sleep(2 * time.Millisecond)
	second, err := eng.Submit(ctx, "newer request", models.RequestConfig{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, eng, second)

	list := eng.ListRequests()
	if len(list) != 2 {
		t.Fatalf("ListRequests = %d entries, want 2", len(list))
	}
	if list[0].RequestID != second || list[1].RequestID != first {
		t.Errorf("order = [%s %s], want newest first", list[0].RequestID, list[1].RequestID)
	}
}

// Raising the default quality threshold through SetGraphDefaults must bite on
// the next submit: the same 0.75-confidence worker passes the default 0.7 but
// not a reloaded 0.85.
func TestSetGraphDefaultsAppliesToNewSubmits(t *testing.T) {
	ctx := context.Background()
	w := worker.Func(func(_ context.Context, task models.Task) (models.Finding, error) {
		return models.Finding{
			TaskID:          task.ID,
			RequestID:       task.RequestID,
			Content:         "the gauge war ended when the last broad gauge lines converted in 1892",
			ConfidenceScore: 0.75,
		}, nil
	})
	atomicD := taskgraph.DecomposerFunc(func(_ context.Context, _ string, _ int) ([]taskgraph.Subtask, error) {
		return nil, nil
	})
	eng, _ := newTestEngine(t, atomicD, w, nil, Options{})

	first, err := eng.Submit(ctx, "how did the gauge war end", models.RequestConfig{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, eng, first)
	report, err := eng.GetReport(ctx, first)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if len(report.Sections) != 1 || len(report.UnresolvedGaps) != 0 {
		t.Fatalf("before reload: sections=%d gaps=%d, want 1 and 0",
			len(report.Sections), len(report.UnresolvedGaps))
	}

	eng.SetGraphDefaults(taskgraph.Config{DefaultQualityThreshold: 0.85})

	second, err := eng.Submit(ctx, "when did broad gauge disappear", models.RequestConfig{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, eng, second)
	report, err = eng.GetReport(ctx, second)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if len(report.Sections) != 0 || len(report.UnresolvedGaps) != 1 {
		t.Errorf("after reload: sections=%d gaps=%d, want 0 and 1",
			len(report.Sections), len(report.UnresolvedGaps))
	}
}

// fakePolicy is a scriptable admission engine. It records every input it
// sees so tests can assert what the engine sent.
type fakePolicy struct {
	mu     sync.Mutex
	inputs []policy.AdmissionInput

	decide  func(*policy.AdmissionInput) *policy.Decision
	evalErr error
}

func (p *fakePolicy) Evaluate(_ context.Context, input *policy.AdmissionInput) (*policy.Decision, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, *input)
	p.mu.Unlock()
	if p.evalErr != nil {
		return nil, p.evalErr
	}
	if p.decide == nil {
		return &policy.Decision{Allow: true}, nil
	}
	return p.decide(input), nil
}

func (p *fakePolicy) LoadPolicies() error { return nil }
func (p *fakePolicy) IsEnabled() bool     { return true }
func (p *fakePolicy) Environment() string { return "test" }
func (p *fakePolicy) Mode() policy.Mode   { return policy.ModeEnforce }

func (p *fakePolicy) seen(stage string) []policy.AdmissionInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []policy.AdmissionInput
	for _, in := range p.inputs {
		if in.Stage == stage {
			out = append(out, in)
		}
	}
	return out
}

func newPolicyEngine(t *testing.T, d taskgraph.Decomposer, w worker.Worker, admission policy.Engine) (*Engine, *streaming.Manager) {
	t.Helper()
	reg := registry.New([]models.CapabilityProfile{
		{Tag: "research", MaxConcurrency: 4},
	}, zap.NewNop())
	gate := qualitygate.New(reg, zap.NewNop())
	events := streaming.NewManager(nil, zap.NewNop())
	eng := New(Deps{
		Decomposer: d,
		Registry:   reg,
		Gate:       gate,
		Worker:     w,
		Events:     events,
		Admission:  admission,
		Logger:     zap.NewNop(),
	}, Options{
		Backoff: scheduler.BackoffPolicy{
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Millisecond,
		},
	})
	return eng, events
}

func TestSubmitDeniedByPolicy(t *testing.T) {
	var executions atomic.Int64
	counting := worker.Func(func(_ context.Context, _ models.Task) (models.Finding, error) {
		executions.Add(1)
		return models.Finding{}, nil
	})
	fp := &fakePolicy{decide: func(in *policy.AdmissionInput) *policy.Decision {
		if in.Stage == policy.StageSubmit {
			return &policy.Decision{Allow: false, Reason: "requested fanout exceeds the deployment limit"}
		}
		return &policy.Decision{Allow: true}
	}}
	eng, _ := newPolicyEngine(t, diamondDecomposer(), counting, fp)

	ctx := auth.WithPrincipal(context.Background(), &auth.Principal{Subject: "alice"})
	_, err := eng.Submit(ctx, rootQuery, models.RequestConfig{MaxFanout: 64})
	if !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("Submit = %v, want ErrDenied", err)
	}
	if !strings.Contains(err.Error(), "fanout exceeds") {
		t.Errorf("denial reason missing from error: %v", err)
	}
	if got := executions.Load(); got != 0 {
		t.Errorf("workers executed %d times for a denied submit", got)
	}
	if got := len(eng.ListRequests()); got != 0 {
		t.Errorf("denied submit left %d request records", got)
	}

	submits := fp.seen(policy.StageSubmit)
	if len(submits) != 1 {
		t.Fatalf("submit evaluations = %d, want 1", len(submits))
	}
	in := submits[0]
	if in.Query != rootQuery || in.Fanout != 64 || in.UserID != "alice" {
		t.Errorf("submit input = %+v", in)
	}
	if in.Environment != "test" || in.Timestamp.IsZero() {
		t.Errorf("input not stamped: env=%q ts=%v", in.Environment, in.Timestamp)
	}
}

func TestDispatchDenialBecomesGap(t *testing.T) {
	ctx := context.Background()
	w := newScriptWorker(map[string][]stepResult{
		"a": {{content: "river freight detail with enough substance", score: 0.9}},
		"b": {{content: "never reaches a worker", score: 0.9}},
		"c": {{content: "never reaches a worker", score: 0.9}},
	})
	fp := &fakePolicy{decide: func(in *policy.AdmissionInput) *policy.Decision {
		if in.Stage == policy.StageDispatch && strings.Contains(in.Query, "rail expansion") {
			return &policy.Decision{Allow: false, Reason: "capability blocked for this environment"}
		}
		return &policy.Decision{Allow: true}
	}}
	eng, events := newPolicyEngine(t, diamondDecomposer(), w, fp)

	id, err := eng.Submit(auth.WithPrincipal(ctx, &auth.Principal{Subject: "alice"}), rootQuery, models.RequestConfig{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, eng, id)

	// A dispatch denial fails the task permanently and propagates to its
	// dependents; the request still completes with the gaps annotated.
	report, err := eng.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if report.Status != models.ReportCompleted {
		t.Errorf("status = %s, want completed", report.Status)
	}
	if len(report.Sections) != 1 || report.Sections[0].TaskID != "a" {
		t.Errorf("sections = %+v, want only a", report.Sections)
	}
	if len(report.UnresolvedGaps) != 2 || report.UnresolvedGaps[0] != "b" || report.UnresolvedGaps[1] != "c" {
		t.Errorf("gaps = %v, want [b c]", report.UnresolvedGaps)
	}

	var failed []string
	for _, ev := range events.ReplaySince(id, 0) {
		if ev.Type == streaming.EventTaskFailed {
			failed = append(failed, ev.Message)
		}
	}
	found := false
	for _, msg := range failed {
		if msg == "policy_denied" {
			found = true
		}
	}
	if !found {
		t.Errorf("TASK_FAILED messages = %v, want policy_denied", failed)
	}

	// The denied dispatch carries the submitting user forward.
	for _, in := range fp.seen(policy.StageDispatch) {
		if in.UserID != "alice" {
			t.Errorf("dispatch input user = %q, want alice", in.UserID)
		}
		if in.CapabilityTag == "" {
			t.Errorf("dispatch input missing capability: %+v", in)
		}
	}
}

func TestSubmitFailsWhenPolicyEvaluationErrors(t *testing.T) {
	fp := &fakePolicy{evalErr: errors.New("bundle corrupt")}
	eng, _ := newPolicyEngine(t, diamondDecomposer(), newScriptWorker(nil), fp)

	_, err := eng.Submit(context.Background(), rootQuery, models.RequestConfig{})
	if err == nil || !strings.Contains(err.Error(), "admission policy") {
		t.Fatalf("Submit = %v, want admission policy error", err)
	}
}
