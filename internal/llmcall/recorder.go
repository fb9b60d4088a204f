package llmcall

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackzampolin/scribe/internal/providers"
)

// RecordingClient wraps an LLMClient and records every call to a Store.
// Recording failures are logged and never fail the call.
type RecordingClient struct {
	client providers.LLMClient
	store  Store
	logger *slog.Logger
}

// NewRecordingClient wraps client.
func NewRecordingClient(client providers.LLMClient, store Store, logger *slog.Logger) *RecordingClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingClient{client: client, store: store, logger: logger}
}

func (r *RecordingClient) Name() string { return r.client.Name() }

func (r *RecordingClient) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	start := time.Now()
	res, err := r.client.Chat(ctx, req)
	r.record(newCall(r.client.Name(), req, res, time.Since(start), err))
	return res, err
}

func (r *RecordingClient) record(c *Call) {
	if r.store == nil {
		return
	}
	// Record even when the caller's context was cancelled mid-call.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Add(ctx, c); err != nil {
		r.logger.Warn("failed to record llm call", "request_id", c.RequestID, "error", err)
	}
}

var _ providers.LLMClient = (*RecordingClient)(nil)
