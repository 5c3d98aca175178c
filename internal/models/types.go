package models

import "time"

// Task states
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskReady      TaskState = "ready"
	TaskDispatched TaskState = "dispatched"
	TaskAccepted   TaskState = "accepted"
	TaskFailed     TaskState = "failed_permanently"
	TaskCancelled  TaskState = "cancelled"
)

// Terminal reports whether a task can no longer change state.
func (s TaskState) Terminal() bool {
	return s == TaskAccepted || s == TaskFailed || s == TaskCancelled
}

// Finding validation states
type ValidationState string

const (
	ValidationPending   ValidationState = "pending"
	ValidationAccepted  ValidationState = "accepted"
	ValidationRejected  ValidationState = "rejected"
	ValidationDuplicate ValidationState = "duplicate"
)

// Request statuses
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Task is one unit of work in a request's dependency graph. Tasks are created
// by the graph builder and mutated only by the scheduler (state transitions)
// and the quality gate (accept/reject).
type Task struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Query            string    `json:"query"`
	ParentID         string    `json:"parent_id,omitempty"`
	DependsOn        []string  `json:"depends_on,omitempty"`
	CapabilityTag    string    `json:"capability_tag"`
	Priority         int       `json:"priority"`
	QualityThreshold float64   `json:"quality_threshold"`
	Attempt          int       `json:"attempt"`
	MaxAttempts      int       `json:"max_attempts"`
	State            TaskState `json:"state"`
	Depth            int       `json:"depth"`
	Seq              int       `json:"seq"`
	CreatedAt        time.Time `json:"created_at"`
}

// Source is one citation attached to a finding.
type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Finding is the scored result a worker produced for one task. A finding is
// immutable once accepted; rejected findings are retained for audit and
// excluded from synthesis.
type Finding struct {
	TaskID          string          `json:"task_id"`
	RequestID       string          `json:"request_id"`
	Content         string          `json:"content"`
	Citations       []Source        `json:"citations,omitempty"`
	ConfidenceScore float64         `json:"confidence_score"`
	ProducedAt      time.Time       `json:"produced_at"`
	Validation      ValidationState `json:"validation"`
	Feedback        string          `json:"feedback,omitempty"`
	DuplicateOf     string          `json:"duplicate_of,omitempty"`
}

// Report statuses
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportCompleted ReportStatus = "completed"
	ReportCancelled ReportStatus = "cancelled"
)

// Section is one accepted finding rendered into a report, in topological
// order. Conflicting sections are both retained and cross-flagged.
type Section struct {
	TaskID        string   `json:"task_id"`
	Query         string   `json:"query"`
	Content       string   `json:"content"`
	Citations     []Source `json:"citations,omitempty"`
	Confidence    float64  `json:"confidence"`
	Conflicting   bool     `json:"conflicting,omitempty"`
	ConflictsWith []string `json:"conflicts_with,omitempty"`
}

// Report is the synthesized output for one request. UnresolvedGaps lists
// tasks that exhausted retries so incomplete coverage is never silent.
type Report struct {
	RequestID      string       `json:"request_id"`
	Query          string       `json:"query"`
	Sections       []Section    `json:"sections"`
	UnresolvedGaps []string     `json:"unresolved_gaps"`
	Version        int          `json:"version"`
	Status         ReportStatus `json:"status"`
	PendingTasks   int          `json:"pending_tasks,omitempty"`
	GeneratedAt    time.Time    `json:"generated_at"`
}

// KnowledgeEntry is one append-only, versioned record in the knowledge store.
// A new entry under the same key never overwrites; it links the previous
// version via Supersedes.
type KnowledgeEntry struct {
	Key            string    `json:"key"`
	Content        string    `json:"content"`
	SourceFindings []string  `json:"source_findings,omitempty"`
	Version        int       `json:"version"`
	Supersedes     int       `json:"supersedes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CapabilityProfile describes one worker capability known to the registry.
// HistoricalScore is an EWMA of quality-gate scores, updated only by the
// quality gate; the scheduler reads it.
type CapabilityProfile struct {
	Tag             string  `json:"tag" yaml:"tag"`
	MaxConcurrency  int     `json:"max_concurrency" yaml:"max_concurrency"`
	HistoricalScore float64 `json:"historical_score" yaml:"historical_score"`
	RatePerSecond   float64 `json:"rate_per_second,omitempty" yaml:"rate_per_second"`
	Burst           int     `json:"burst,omitempty" yaml:"burst"`
}

// RequestConfig carries the per-submit knobs. Zero values fall back to the
// server configuration defaults.
type RequestConfig struct {
	MaxDepth                int            `json:"max_depth,omitempty"`
	MaxFanout               int            `json:"max_fanout,omitempty"`
	DefaultQualityThreshold float64        `json:"default_quality_threshold,omitempty"`
	MaxAttempts             int            `json:"max_attempts,omitempty"`
	Parallelism             map[string]int `json:"parallelism,omitempty"`
}

// RequestSummary is the engine's view of one submitted request.
type RequestSummary struct {
	RequestID   string     `json:"request_id"`
	Query       string     `json:"query"`
	Status      string     `json:"status"`
	TotalTasks  int        `json:"total_tasks"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
