package llmcall

import (
	"context"
	"errors"
	"testing"

	"github.com/jackzampolin/scribe/internal/providers"
	"github.com/jackzampolin/scribe/internal/sqldb"
)

func TestParseRequestID(t *testing.T) {
	tests := []struct {
		id               string
		job, stage, step string
	}{
		{"job-1/chapter-02/draft", "job-1", "chapter-02", "draft"},
		{"team/job-1/outline/plan", "team/job-1", "outline", "plan"},
		{"chapter-02/draft", "", "", ""},
		{"", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			job, stage, step := ParseRequestID(tt.id)
			if job != tt.job || stage != tt.stage || step != tt.step {
				t.Errorf("ParseRequestID(%q) = %q, %q, %q", tt.id, job, stage, step)
			}
		})
	}
}

type failingStore struct{ MemoryStore }

func (*failingStore) Add(context.Context, *Call) error { return errors.New("disk full") }

func TestRecordingClient(t *testing.T) {
	db, err := sqldb.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("sqldb.Open() error = %v", err)
	}
	defer db.Close()

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLiteStore(db),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mock := providers.NewMockClient()
			mock.FailAfter = 1
			client := NewRecordingClient(mock, store, nil)
			if client.Name() != providers.MockClientName {
				t.Errorf("Name() = %q", client.Name())
			}

			req := &providers.ChatRequest{
				Messages:    []providers.Message{providers.UserMessage("write chapter two")},
				Model:       "gpt-test",
				Temperature: 0.7,
				RequestID:   "job-1/chapter-02/draft",
				PromptKey:   "chapter.draft",
				PromptHash:  "abc123",
			}
			if _, err := client.Chat(ctx, req); err != nil {
				t.Fatalf("Chat() error = %v", err)
			}
			req.RequestID = "job-1/chapter-02/repair-1"
			if _, err := client.Chat(ctx, req); err == nil {
				t.Fatal("expected second call to fail")
			}

			calls, err := store.List(ctx, Filter{JobID: "job-1"})
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(calls) != 2 {
				t.Fatalf("recorded %d calls, want 2", len(calls))
			}
			ok := calls[0]
			if !ok.Success || ok.Stage != "chapter-02" || ok.Step != "draft" {
				t.Errorf("first call = %+v", ok)
			}
			if ok.PromptKey != "chapter.draft" || ok.PromptHash != "abc123" || ok.Model != "gpt-test" {
				t.Errorf("first call lost prompt or model: %+v", ok)
			}
			if ok.Response != "mock response" || ok.CostUSD != mock.CostPerCall {
				t.Errorf("first call response = %q cost = %v", ok.Response, ok.CostUSD)
			}
			if calls[1].Success || calls[1].Error == "" || calls[1].Step != "repair-1" {
				t.Errorf("second call = %+v", calls[1])
			}

			failed := false
			errs, err := store.List(ctx, Filter{Success: &failed})
			if err != nil {
				t.Fatalf("List(failed) error = %v", err)
			}
			if len(errs) != 1 {
				t.Errorf("failed calls = %d, want 1", len(errs))
			}

			got, err := store.Get(ctx, ok.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.RequestID != "job-1/chapter-02/draft" {
				t.Errorf("Get() RequestID = %q", got.RequestID)
			}
			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRecordingClient_StoreFailureIsIgnored(t *testing.T) {
	client := NewRecordingClient(providers.NewMockClient(), &failingStore{}, nil)
	res, err := client.Chat(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{providers.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if res.Content != "mock response" {
		t.Errorf("Content = %q", res.Content)
	}
}
