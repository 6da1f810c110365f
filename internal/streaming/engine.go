// Package streaming implements chunked search delivery and concurrent
// batch execution over the memory backend.
package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/veris-memory/veris-mcp-go/internal/config"
	"github.com/veris-memory/veris-mcp-go/internal/tools"
)

const (
	// interPageDelay paces successive search pages so a large stream does
	// not saturate the upstream.
	interPageDelay = 10 * time.Millisecond

	// interWindowDelay paces successive batch windows.
	interWindowDelay = 50 * time.Millisecond

	// retryBaseDelay is the first per-item retry interval; it doubles per
	// attempt.
	retryBaseDelay = 100 * time.Millisecond
)

// Chunk is one unit of a streamed search: a page of results, an error
// marker, or the final summary.
type Chunk struct {
	Sequence  int            `json:"sequence"`
	Data      map[string]any `json:"data"`
	IsFinal   bool           `json:"is_final"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// Engine runs streamed searches and batched mutations. Stream concurrency
// is bounded by the configured maximum.
type Engine struct {
	backend tools.Backend
	cfg     config.StreamingConfig
	events  tools.Emitter
	logger  *slog.Logger

	streamSem chan struct{}
}

// NewEngine builds an engine over the given backend.
func NewEngine(backend tools.Backend, cfg config.StreamingConfig, events tools.Emitter, logger *slog.Logger) *Engine {
	if events == nil {
		events = tools.NoopEmitter{}
	}
	maxStreams := cfg.MaxConcurrentStreams
	if maxStreams < 1 {
		maxStreams = 1
	}
	return &Engine{
		backend:   backend,
		cfg:       cfg,
		events:    events,
		logger:    logger,
		streamSem: make(chan struct{}, maxStreams),
	}
}

// Enabled reports whether streamed delivery is switched on.
func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// ChunkSize returns the configured default page size.
func (e *Engine) ChunkSize() int { return e.cfg.ChunkSize }

// StreamSearch pages through search results and returns the delivered
// chunks in order: zero or more result pages, at most one error marker,
// and a final summary chunk.
func (e *Engine) StreamSearch(ctx context.Context, streamID, query string, maxResults, chunkSize int) ([]Chunk, error) {
	select {
	case e.streamSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.streamSem }()

	e.events.Emit("stream.started", map[string]any{
		"stream_id":   streamID,
		"query":       query,
		"max_results": maxResults,
		"chunk_size":  chunkSize,
	}, nil)

	var chunks []Chunk
	sequence := 0
	offset := 0
	totalSoFar := 0
	batchNumber := 0
	failed := false

	for offset < maxResults {
		batch := chunkSize
		if remaining := maxResults - offset; remaining < batch {
			batch = remaining
		}

		result, err := e.backend.SearchContext(ctx, query, batch, map[string]any{
			"offset": offset,
			"limit":  batch,
		})
		if err != nil {
			e.logger.Warn("stream page failed", "stream_id", streamID, "offset", offset, "error", err)
			sequence++
			chunks = append(chunks, Chunk{
				Sequence: sequence,
				Data: map[string]any{
					"error":      err.Error(),
					"batch_info": map[string]any{"offset": offset, "failed": true},
				},
				Metadata:  map[string]any{"stream_id": streamID, "error": true},
				Timestamp: time.Now().UTC(),
			})
			failed = true
			break
		}

		results, _ := result["results"].([]any)
		if len(results) == 0 {
			break
		}

		totalSoFar += len(results)
		batchNumber++
		sequence++
		chunks = append(chunks, Chunk{
			Sequence: sequence,
			Data: map[string]any{
				"results": results,
				"batch_info": map[string]any{
					"offset":       offset,
					"batch_size":   len(results),
					"total_so_far": totalSoFar,
				},
			},
			Metadata: map[string]any{
				"stream_id":    streamID,
				"query":        query,
				"batch_number": batchNumber,
			},
			Timestamp: time.Now().UTC(),
		})
		e.events.Emit("stream.chunk.delivered", map[string]any{
			"stream_id":    streamID,
			"batch_number": batchNumber,
			"batch_size":   len(results),
		}, nil)

		// A short page means the upstream has no more results.
		if len(results) < batch {
			break
		}
		offset += len(results)

		if err := sleepCtx(ctx, interPageDelay); err != nil {
			return chunks, err
		}
	}

	sequence++
	chunks = append(chunks, Chunk{
		Sequence: sequence,
		IsFinal:  true,
		Data: map[string]any{
			"summary": map[string]any{
				"total_results": totalSoFar,
				"total_chunks":  batchNumber,
				"query":         query,
			},
		},
		Metadata:  map[string]any{"stream_id": streamID, "completed": true},
		Timestamp: time.Now().UTC(),
	})

	if failed {
		e.events.Emit("stream.failed", map[string]any{
			"stream_id":     streamID,
			"total_results": totalSoFar,
		}, nil)
	} else {
		e.events.Emit("stream.completed", map[string]any{
			"stream_id":     streamID,
			"total_results": totalSoFar,
			"total_chunks":  batchNumber,
		}, nil)
	}
	return chunks, nil
}

// BatchItemResult pairs an input index with the backend result.
type BatchItemResult struct {
	Index  int            `json:"index"`
	Result map[string]any `json:"result"`
}

// BatchItemError pairs an input index with the failure and the item that
// caused it.
type BatchItemError struct {
	Index   int            `json:"index"`
	Context map[string]any `json:"context"`
	Error   string         `json:"error"`
}

// BatchResult summarizes a batch run.
type BatchResult struct {
	Total           int               `json:"total"`
	Successful      int               `json:"successful"`
	Failed          int               `json:"failed"`
	SuccessRate     float64           `json:"success_rate"`
	ExecutionTimeMs float64           `json:"execution_time_ms"`
	Results         []BatchItemResult `json:"results"`
	Errors          []BatchItemError  `json:"errors"`
}

// ExecuteBatch runs items in concurrent windows of batchSize. Each item is
// retried with exponential backoff; window order is preserved but items
// within a window run in parallel.
func (e *Engine) ExecuteBatch(ctx context.Context, operation string, items []map[string]any, batchSize, maxRetries int, continueOnError bool) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{
		Total:   len(items),
		Results: []BatchItemResult{},
		Errors:  []BatchItemError{},
	}

	var mu sync.Mutex
	stopped := false

	for windowStart := 0; windowStart < len(items); windowStart += batchSize {
		mu.Lock()
		if stopped {
			mu.Unlock()
			break
		}
		mu.Unlock()

		windowEnd := windowStart + batchSize
		if windowEnd > len(items) {
			windowEnd = len(items)
		}

		var wg sync.WaitGroup
		for i := windowStart; i < windowEnd; i++ {
			wg.Add(1)
			go func(index int, item map[string]any) {
				defer wg.Done()
				itemResult, err := e.executeItem(ctx, operation, item, maxRetries)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, BatchItemError{
						Index:   index,
						Context: item,
						Error:   err.Error(),
					})
					if !continueOnError {
						stopped = true
					}
					return
				}
				result.Successful++
				result.Results = append(result.Results, BatchItemResult{Index: index, Result: itemResult})
			}(i, items[i])
		}
		wg.Wait()

		if windowEnd < len(items) {
			if err := sleepCtx(ctx, interWindowDelay); err != nil {
				break
			}
		}
	}

	result.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	if result.Total == 0 {
		result.SuccessRate = 100.0
	} else {
		result.SuccessRate = float64(result.Successful) / float64(result.Total) * 100.0
	}
	return result, nil
}

// executeItem dispatches one batch item, retrying transient failures.
func (e *Engine) executeItem(ctx context.Context, operation string, item map[string]any, maxRetries int) (map[string]any, error) {
	var out map[string]any

	op := func() error {
		var err error
		switch operation {
		case "store":
			contextType, _ := item["context_type"].(string)
			content, _ := item["content"].(map[string]any)
			metadata, _ := item["metadata"].(map[string]any)
			out, err = e.backend.StoreContext(ctx, content, contextType, metadata)
		case "update":
			contextID, _ := item["context_id"].(string)
			content, _ := item["content"].(map[string]any)
			metadata, _ := item["metadata"].(map[string]any)
			out, err = e.backend.UpdateContext(ctx, contextID, content, metadata)
		case "delete":
			contextID, _ := item["context_id"].(string)
			out, err = e.backend.DeleteContext(ctx, contextID)
		default:
			return backoff.Permanent(fmt.Errorf("unknown batch operation %q", operation))
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
