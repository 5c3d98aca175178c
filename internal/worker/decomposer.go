package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/taskgraph"
	"github.com/loomworks/loom/internal/tracing"
)

// DefaultDecomposeTimeout caps one decomposition call. Decomposition runs
// inside Submit, so it gets a tighter budget than task execution.
const DefaultDecomposeTimeout = 30 * time.Second

// HTTPDecomposer asks the worker service to split a query into subtasks.
// Decomposition is best-effort: any transport or protocol failure degrades to
// zero subtasks, which the graph builder turns into a single atomic task.
// Execution failures then surface through the normal retry machinery instead
// of failing the whole Submit.
type HTTPDecomposer struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPDecomposer creates a decomposer that POSTs queries to
// baseURL/decompose.
func NewHTTPDecomposer(baseURL string, opts HTTPOptions, logger *zap.Logger) *HTTPDecomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = DefaultDecomposeTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPDecomposer{baseURL: baseURL, client: client, logger: logger}
}

type decomposeRequest struct {
	Query string `json:"query"`
	Depth int    `json:"depth"`
}

type decomposeResponse struct {
	Subtasks []taskgraph.Subtask `json:"subtasks"`
}

func (d *HTTPDecomposer) Decompose(ctx context.Context, query string, depth int) ([]taskgraph.Subtask, error) {
	body, err := json.Marshal(decomposeRequest{Query: query, Depth: depth})
	if err != nil {
		return nil, fmt.Errorf("encode decompose request: %w", err)
	}

	url := d.baseURL + "/decompose"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build decompose request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return d.fallback(query, depth, fmt.Errorf("decompose call failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return d.fallback(query, depth, fmt.Errorf("decomposer returned HTTP %d", resp.StatusCode))
	}

	var parsed decomposeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return d.fallback(query, depth, fmt.Errorf("decode decompose response: %w", err))
	}

	metrics.DecompositionDuration.Observe(time.Since(start).Seconds())
	return parsed.Subtasks, nil
}

// fallback logs the failure and reports the query as atomic.
func (d *HTTPDecomposer) fallback(query string, depth int, cause error) ([]taskgraph.Subtask, error) {
	metrics.DecompositionErrors.Inc()
	d.logger.Warn("Decomposition failed, treating query as atomic",
		zap.String("query", query),
		zap.Int("depth", depth),
		zap.Error(cause),
	)
	return nil, nil
}
