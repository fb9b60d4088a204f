// Package llmcall records every model request for traceability. Each call
// keeps the job, stage and step it served, the prompt version it rendered,
// and the provider's response or error.
package llmcall

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/scribe/internal/providers"
)

// Call represents a recorded LLM API call.
type Call struct {
	ID        string    `json:"id" yaml:"id"`
	RequestID string    `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	LatencyMs int64     `json:"latency_ms" yaml:"latency_ms"`

	// Parsed from RequestID.
	JobID string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Stage string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Step  string `json:"step,omitempty" yaml:"step,omitempty"`

	PromptKey  string `json:"prompt_key,omitempty" yaml:"prompt_key,omitempty"`
	PromptHash string `json:"prompt_hash,omitempty" yaml:"prompt_hash,omitempty"`

	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	InputTokens  int     `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int     `json:"output_tokens" yaml:"output_tokens"`
	CostUSD      float64 `json:"cost_usd" yaml:"cost_usd"`

	Response string `json:"response,omitempty" yaml:"response,omitempty"`
	Success  bool   `json:"success" yaml:"success"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// newCall builds a record for req. res may be nil when the call failed.
func newCall(provider string, req *providers.ChatRequest, res *providers.ChatResult, latency time.Duration, callErr error) *Call {
	c := &Call{
		ID:          uuid.New().String(),
		RequestID:   req.RequestID,
		Timestamp:   time.Now().UTC(),
		LatencyMs:   latency.Milliseconds(),
		PromptKey:   req.PromptKey,
		PromptHash:  req.PromptHash,
		Provider:    provider,
		Model:       req.Model,
		Temperature: req.Temperature,
		Success:     callErr == nil,
	}
	c.JobID, c.Stage, c.Step = ParseRequestID(req.RequestID)

	if res != nil {
		if res.Provider != "" {
			c.Provider = res.Provider
		}
		if res.ModelUsed != "" {
			c.Model = res.ModelUsed
		}
		c.InputTokens = res.PromptTokens
		c.OutputTokens = res.CompletionTokens
		c.CostUSD = res.CostUSD
		c.Response = res.Content
	}
	if callErr != nil {
		c.Error = callErr.Error()
	}
	return c
}

// ParseRequestID splits a job/stage/step request ID. Job IDs may themselves
// contain slashes, so the last two segments are the stage and step.
func ParseRequestID(id string) (jobID, stage, step string) {
	parts := strings.Split(id, "/")
	if len(parts) < 3 {
		return "", "", ""
	}
	n := len(parts)
	return strings.Join(parts[:n-2], "/"), parts[n-2], parts[n-1]
}

// Filter selects calls. Zero fields match everything.
type Filter struct {
	JobID     string
	Stage     string
	PromptKey string
	Success   *bool
	Limit     int
}

func (f Filter) matches(c *Call) bool {
	if f.JobID != "" && c.JobID != f.JobID {
		return false
	}
	if f.Stage != "" && c.Stage != f.Stage {
		return false
	}
	if f.PromptKey != "" && c.PromptKey != f.PromptKey {
		return false
	}
	if f.Success != nil && c.Success != *f.Success {
		return false
	}
	return true
}
