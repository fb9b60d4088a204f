package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func newTestStage(name string, deps ...string) *FuncStage {
	return &FuncStage{
		StageName: name,
		DependsOn: deps,
		Fn: func(ctx context.Context, st *State) (*Result, error) {
			return &Result{Output: []byte(name)}, nil
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(newTestStage("outline")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Duplicate registration should fail
	err := r.Register(newTestStage("outline"))
	if !errors.Is(err, ErrStageAlreadyRegistered) {
		t.Errorf("expected ErrStageAlreadyRegistered, got %v", err)
	}

	if err := r.Register(newTestStage("bad/name")); err == nil {
		t.Error("expected error for invalid stage name")
	}

	if _, ok := r.Get("outline"); !ok {
		t.Error("Get(outline) not found")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_Declared(t *testing.T) {
	t.Run("linear pipeline keeps registration order", func(t *testing.T) {
		r := NewRegistry().MustRegister(
			newTestStage("outline"),
			newTestStage("chapter-01", "outline"),
			newTestStage("chapter-02", "chapter-01"),
			newTestStage("assemble", "chapter-02"),
		)
		got, err := r.Declared()
		if err != nil {
			t.Fatalf("Declared() error = %v", err)
		}
		want := []string{"outline", "chapter-01", "chapter-02", "assemble"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Declared() = %v, want %v", got, want)
		}
	})

	t.Run("dependencies reorder", func(t *testing.T) {
		r := NewRegistry().MustRegister(
			newTestStage("assemble", "a", "b"),
			newTestStage("b", "a"),
			newTestStage("a"),
		)
		got, err := r.Declared()
		if err != nil {
			t.Fatalf("Declared() error = %v", err)
		}
		want := []string{"a", "b", "assemble"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Declared() = %v, want %v", got, want)
		}
	})

	t.Run("missing dependency", func(t *testing.T) {
		r := NewRegistry().MustRegister(newTestStage("b", "missing"))
		if _, err := r.Declared(); !errors.Is(err, ErrStageNotFound) {
			t.Errorf("expected ErrStageNotFound, got %v", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		r := NewRegistry().MustRegister(
			newTestStage("a", "c"),
			newTestStage("b", "a"),
			newTestStage("c", "b"),
		)
		if err := r.Validate(); !errors.Is(err, ErrDependencyCycle) {
			t.Errorf("expected ErrDependencyCycle, got %v", err)
		}
	})
}

func TestRegistry_DependenciesOf(t *testing.T) {
	r := NewRegistry().MustRegister(newTestStage("a"), newTestStage("b", "a"))
	if got := r.DependenciesOf("b"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("DependenciesOf(b) = %v", got)
	}
	if got := r.DependenciesOf("missing"); got != nil {
		t.Errorf("DependenciesOf(missing) = %v, want nil", got)
	}
}
