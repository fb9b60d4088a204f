package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMockClient(t *testing.T) {
	t.Run("chat", func(t *testing.T) {
		c := NewMockClient()
		c.ResponseText = "hello world"

		result, err := c.Chat(context.Background(), &ChatRequest{
			Model:    "test-model",
			Messages: []Message{UserMessage("test")},
		})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if result.Content != "hello world" {
			t.Errorf("Content = %q, want %q", result.Content, "hello world")
		}
		if result.CostUSD != 0.001 {
			t.Errorf("CostUSD = %f, want 0.001", result.CostUSD)
		}
		if c.RequestCount() != 1 {
			t.Errorf("RequestCount = %d, want 1", c.RequestCount())
		}
	})

	t.Run("structured output is validated", func(t *testing.T) {
		c := NewMockClient()
		c.ResponseJSON = json.RawMessage(`{"title":"x"}`)
		req := &ChatRequest{
			Messages: []Message{UserMessage("test")},
			ResponseFormat: &ResponseFormat{
				JSONSchema: json.RawMessage(`{"type":"object","required":["title"]}`),
			},
		}
		result, err := c.Chat(context.Background(), req)
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if string(result.ParsedJSON) != `{"title":"x"}` {
			t.Errorf("ParsedJSON = %s", result.ParsedJSON)
		}

		c.ResponseJSON = json.RawMessage(`{"other":1}`)
		if _, err := c.Chat(context.Background(), req); !errors.Is(err, ErrStructuredOutput) {
			t.Fatalf("expected ErrStructuredOutput, got %v", err)
		}
	})

	t.Run("scripted responses", func(t *testing.T) {
		c := NewMockClient()
		c.Respond = func(n int, req *ChatRequest) (string, error) {
			if n == 1 {
				return "", &RateLimitError{Message: "slow down"}
			}
			return "second", nil
		}
		req := &ChatRequest{Messages: []Message{UserMessage("a")}}
		if _, err := c.Chat(context.Background(), req); !IsRetryable(err) {
			t.Fatalf("first call should fail retryably, got %v", err)
		}
		result, err := c.Chat(context.Background(), req)
		if err != nil || result.Content != "second" {
			t.Fatalf("second call = %v, %v", result, err)
		}
		if got := len(c.Requests()); got != 2 {
			t.Errorf("Requests() = %d, want 2", got)
		}
	})

	t.Run("fail after", func(t *testing.T) {
		c := NewMockClient()
		c.FailAfter = 2
		req := &ChatRequest{Messages: []Message{UserMessage("a")}}
		for i := 0; i < 2; i++ {
			if _, err := c.Chat(context.Background(), req); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
		}
		if _, err := c.Chat(context.Background(), req); err == nil {
			t.Fatal("expected failure on third request")
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		c := NewMockClient()
		c.Latency = time.Second
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.Chat(ctx, &ChatRequest{Messages: []Message{UserMessage("a")}})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows burst", func(t *testing.T) {
		limiter := NewRateLimiter(600)

		start := time.Now()
		for i := 0; i < 5; i++ {
			if err := limiter.Wait(context.Background()); err != nil {
				t.Fatalf("request %d failed: %v", i, err)
			}
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("took too long: %v", elapsed)
		}
	})

	t.Run("try consume", func(t *testing.T) {
		limiter := NewRateLimiter(1)
		if !limiter.TryConsume() {
			t.Error("first TryConsume should succeed")
		}
		if limiter.TryConsume() {
			t.Error("second TryConsume should fail with an empty bucket")
		}
	})

	t.Run("record 429 pauses callers", func(t *testing.T) {
		limiter := NewRateLimiter(60)
		limiter.Record429(time.Minute)

		status := limiter.Status()
		if status.Last429Time.IsZero() {
			t.Error("Last429Time should be set")
		}
		if status.PausedUntil.IsZero() {
			t.Error("PausedUntil should be set")
		}
		if limiter.TryConsume() {
			t.Error("TryConsume should fail while paused")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := limiter.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline while paused, got %v", err)
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		limiter := NewRateLimiter(1)
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("first Wait: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := limiter.Wait(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("concurrent requests", func(t *testing.T) {
		limiter := NewRateLimiter(6000)

		var wg sync.WaitGroup
		var failures atomic.Int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := limiter.Wait(context.Background()); err != nil {
					failures.Add(1)
				}
			}()
		}
		wg.Wait()

		if failures.Load() > 0 {
			t.Errorf("had %d errors", failures.Load())
		}
		if got := limiter.Status().TotalConsumed; got != 10 {
			t.Errorf("TotalConsumed = %d, want 10", got)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", &RateLimitError{Message: "429"}, true},
		{"server error", &APIError{StatusCode: 502}, true},
		{"request timeout", &APIError{StatusCode: 408}, true},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"unauthorized", &APIError{StatusCode: 401}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"empty", ErrEmptyResponse, true},
		{"structured", ErrStructuredOutput, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Errorf("parseRetryAfter(3) = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(empty) = %v", got)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got < 59*time.Minute {
		t.Errorf("parseRetryAfter(date) = %v, want about an hour", got)
	}
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputPer1M: 1, OutputPer1M: 4}
	if got := p.Cost(1_000_000, 500_000); got != 3 {
		t.Errorf("Cost() = %f, want 3", got)
	}
}
