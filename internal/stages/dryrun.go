package stages

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackzampolin/scribe/internal/providers"
)

var (
	dryRunChapters = regexp.MustCompile(`exactly (\d+) chapters`)
	dryRunWords    = regexp.MustCompile(`about\s+(\d+)\s+words`)
)

// NewDryRunClient returns a mock client that answers every stage request
// with placeholder content of the right shape, so a pipeline can run end to
// end without a model. Counts are read back from the embedded prompts; with
// custom prompts that drop them it falls back to one chapter of 500 words.
func NewDryRunClient() *providers.MockClient {
	c := providers.NewMockClient()
	c.CostPerCall = 0
	c.Respond = func(_ int, req *providers.ChatRequest) (string, error) {
		prompt := ""
		if n := len(req.Messages); n > 0 {
			prompt = req.Messages[n-1].Content
		}
		if req.ResponseFormat == nil {
			return "dry run", nil
		}
		var v any
		switch req.ResponseFormat.Name {
		case "manuscript_outline":
			n := promptNumber(dryRunChapters, prompt, 1)
			o := Outline{}
			for i := 1; i <= n; i++ {
				o.Chapters = append(o.Chapters, ChapterPlan{
					Number:  i,
					Title:   fmt.Sprintf("Chapter %d", i),
					Summary: "Placeholder summary.",
				})
			}
			v = o
		case "chapter_draft":
			words := promptNumber(dryRunWords, prompt, 500)
			v = ChapterDraft{Title: "Draft", Text: strings.TrimSpace(strings.Repeat("lorem ", words))}
		case "chapter_review":
			v = map[string]any{"passed": true, "issues": []string{}}
		default:
			return "", fmt.Errorf("dry run has no answer for %q", req.ResponseFormat.Name)
		}
		b, err := json.Marshal(v)
		return string(b), err
	}
	return c
}

func promptNumber(re *regexp.Regexp, prompt string, fallback int) int {
	m := re.FindStringSubmatch(prompt)
	if m == nil {
		return fallback
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
