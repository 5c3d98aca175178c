package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/tracing"
)

// DefaultHTTPTimeout caps one worker call when the dispatch context carries
// no earlier deadline.
const DefaultHTTPTimeout = 120 * time.Second

// HTTPWorker calls an external worker service over HTTP/JSON. One service
// may back several capability tags; register the same worker under each.
type HTTPWorker struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// HTTPOptions tunes an HTTPWorker.
type HTTPOptions struct {
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTP creates a worker that POSTs tasks to baseURL/execute.
func NewHTTP(baseURL string, opts HTTPOptions, logger *zap.Logger) *HTTPWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = DefaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPWorker{baseURL: baseURL, client: client, logger: logger}
}

type executeRequest struct {
	TaskID           string  `json:"task_id"`
	RequestID        string  `json:"request_id"`
	Query            string  `json:"query"`
	CapabilityTag    string  `json:"capability_tag"`
	Attempt          int     `json:"attempt"`
	QualityThreshold float64 `json:"quality_threshold"`
}

type executeResponse struct {
	Content    string          `json:"content"`
	Citations  []models.Source `json:"citations,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
}

func (w *HTTPWorker) Execute(ctx context.Context, task models.Task) (models.Finding, error) {
	body, err := json.Marshal(executeRequest{
		TaskID:           task.ID,
		RequestID:        task.RequestID,
		Query:            task.Query,
		CapabilityTag:    task.CapabilityTag,
		Attempt:          task.Attempt,
		QualityThreshold: task.QualityThreshold,
	})
	if err != nil {
		return models.Finding{}, fmt.Errorf("encode worker request: %w", err)
	}

	url := w.baseURL + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.Finding{}, fmt.Errorf("build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.ID)
	tracing.InjectTraceparent(ctx, req)

	resp, err := w.client.Do(req)
	if err != nil {
		return models.Finding{}, fmt.Errorf("worker call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Finding{}, fmt.Errorf("worker returned HTTP %d for task %s", resp.StatusCode, task.ID)
	}

	var parsed executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.Finding{}, fmt.Errorf("decode worker response: %w", err)
	}

	return models.Finding{
		TaskID:          task.ID,
		RequestID:       task.RequestID,
		Content:         parsed.Content,
		Citations:       parsed.Citations,
		ConfidenceScore: parsed.Confidence,
		ProducedAt:      time.Now().UTC(),
		Validation:      models.ValidationPending,
	}, nil
}
