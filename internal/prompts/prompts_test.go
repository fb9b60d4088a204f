package prompts

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestExtractVariables(t *testing.T) {
	got := ExtractVariables("Write {{.Words}} words of {{ .Chapter.Title }}.{{range .Issues}}{{.}}{{end}}{{- if .Previous}}x{{end}}{{.Words}}")
	want := []string{"Chapter.Title", "Issues", "Previous", "Words"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractVariables() = %v, want %v", got, want)
	}
}

func TestResolveEmbedded(t *testing.T) {
	r := NewResolver("", nil)
	p, err := r.Resolve(ChapterRepair)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.IsOverride {
		t.Error("embedded prompt reported as override")
	}
	if p.Hash != HashText(p.Text) {
		t.Error("hash does not match text")
	}
	if _, err := r.Resolve("no.such.prompt"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestRender(t *testing.T) {
	r := NewResolver("", nil)
	data := map[string]any{
		"Chapter": map[string]any{"Number": 2, "Title": "The Storm"},
		"Issues":  []string{"too short", "tense shifts"},
		"Words":   900,
		"Draft":   "It rained.",
	}
	out, err := r.Render(ChapterRepair, data)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for _, want := range []string{`chapter 2, "The Storm"`, "- too short", "- tense shifts", "about\n900 words", "It rained."} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered prompt missing %q:\n%s", want, out)
		}
	}

	if _, err := r.Render(ChapterRepair, map[string]any{}); err == nil {
		t.Error("expected error for missing template data")
	}
}

func TestOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, OutlineSystem+".tmpl"), []byte("Plan {{.Name}}."), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(dir, nil)

	out, err := r.Render(OutlineSystem, map[string]string{"Name": "it"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != "Plan it." {
		t.Errorf("Render() = %q", out)
	}
	p, _ := r.Resolve(OutlineSystem)
	if !p.IsOverride {
		t.Error("expected override")
	}

	other, err := r.Resolve(ChapterSystem)
	if err != nil || other.IsOverride {
		t.Errorf("keys without override files fall back to embedded, got %+v, %v", other, err)
	}
}

func TestAll(t *testing.T) {
	all, err := NewResolver("", nil).All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	keys := make([]string, len(all))
	for i, p := range all {
		keys[i] = p.Key
	}
	want := []string{ChapterDraft, ChapterRepair, ChapterReview, ChapterSystem, OutlineSystem, OutlineUser}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("All() keys = %v, want %v", keys, want)
	}
}
