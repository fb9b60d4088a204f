package jobs

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusQueued, false},
		{StatusFailed, StatusRunning, true},
		{StatusFailed, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
		{Status("bogus"), StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTransition(t *testing.T) {
	got, err := Transition("job-1", StatusRunning, StatusFailed)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if got != StatusFailed {
		t.Errorf("Transition() = %s, want failed", got)
	}

	got, err = Transition("job-1", StatusCompleted, StatusRunning)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got != StatusCompleted {
		t.Errorf("status should be unchanged on error, got %s", got)
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusCompleted.IsTerminal() || !StatusCancelled.IsTerminal() {
		t.Error("completed and cancelled must be terminal")
	}
	if StatusFailed.IsTerminal() {
		t.Error("failed must not be terminal")
	}
	if !StatusFailed.IsResumable() {
		t.Error("failed must be resumable")
	}
	if StatusCompleted.IsResumable() {
		t.Error("completed must not be resumable")
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("running"); err != nil {
		t.Fatalf("ParseStatus(running) error = %v", err)
	}
	if _, err := ParseStatus("paused"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
