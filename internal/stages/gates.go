package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/scribe/internal/brief"
	"github.com/jackzampolin/scribe/internal/prompts"
	"github.com/jackzampolin/scribe/internal/providers"
	"github.com/jackzampolin/scribe/internal/unit"
)

// SchemaGate passes content that is a JSON document matching a schema.
type SchemaGate struct {
	schema *jsonschema.Schema
}

// NewSchemaGate compiles schema once for repeated checks.
func NewSchemaGate(schema json.RawMessage) (*SchemaGate, error) {
	compiled, err := providers.CompileSchema(schema)
	if err != nil {
		return nil, err
	}
	return &SchemaGate{schema: compiled}, nil
}

func (g *SchemaGate) Check(_ context.Context, _ *unit.Unit, content []byte) (*unit.Verdict, error) {
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return &unit.Verdict{Issues: []string{"content is not valid JSON: " + err.Error()}}, nil
	}
	if err := g.schema.Validate(doc); err != nil {
		return &unit.Verdict{Issues: []string{"content does not match schema: " + err.Error()}}, nil
	}
	return &unit.Verdict{Passed: true}, nil
}

// WordCountGate passes content whose word count is within [Min, Max]. A zero
// bound is not enforced. When Field is set the content is a JSON object and
// only that string field is counted.
type WordCountGate struct {
	Min   int
	Max   int
	Field string
}

func (g *WordCountGate) Check(_ context.Context, _ *unit.Unit, content []byte) (*unit.Verdict, error) {
	text := string(content)
	if g.Field != "" {
		var obj map[string]any
		if err := json.Unmarshal(content, &obj); err != nil {
			return &unit.Verdict{Issues: []string{"content is not a JSON object"}}, nil
		}
		s, ok := obj[g.Field].(string)
		if !ok {
			return &unit.Verdict{Issues: []string{fmt.Sprintf("field %q is missing", g.Field)}}, nil
		}
		text = s
	}

	n := len(strings.Fields(text))
	var issues []string
	if g.Min > 0 && n < g.Min {
		issues = append(issues, fmt.Sprintf("too short: %d words, need at least %d", n, g.Min))
	}
	if g.Max > 0 && n > g.Max {
		issues = append(issues, fmt.Sprintf("too long: %d words, limit is %d", n, g.Max))
	}
	return &unit.Verdict{Passed: len(issues) == 0, Issues: issues}, nil
}

// ChainGate runs gates in order and stops at the first that fails. Costs of
// every gate that ran are summed.
type ChainGate []unit.Gate

func (c ChainGate) Check(ctx context.Context, u *unit.Unit, content []byte) (*unit.Verdict, error) {
	total := &unit.Verdict{Passed: true}
	for _, g := range c {
		v, err := g.Check(ctx, u, content)
		if err != nil {
			return nil, err
		}
		total.CostUSD += v.CostUSD
		total.TokensUsed += v.TokensUsed
		if !v.Passed {
			total.Passed = false
			total.Issues = v.Issues
			return total, nil
		}
	}
	return total, nil
}

// reviewSchema is the verdict an LLM reviewer returns.
var reviewSchema = json.RawMessage(`{
	"name": "chapter_review",
	"strict": true,
	"schema": {
		"type": "object",
		"properties": {
			"passed": {"type": "boolean"},
			"issues": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["passed", "issues"],
		"additionalProperties": false
	}
}`)

// ReviewGate asks a model to judge a chapter against its outline entry.
type ReviewGate struct {
	deps *Deps
	data reviewData
}

type reviewData struct {
	JobID   string
	Brief   *brief.Brief
	Chapter ChapterPlan
}

func (g *ReviewGate) Check(ctx context.Context, u *unit.Unit, content []byte) (*unit.Verdict, error) {
	var draft ChapterDraft
	if err := json.Unmarshal(content, &draft); err != nil {
		return &unit.Verdict{Issues: []string{"content is not a chapter draft"}}, nil
	}
	prompt, err := g.deps.prompt(prompts.ChapterReview, map[string]any{
		"Brief":   g.data.Brief,
		"Chapter": g.data.Chapter,
		"Text":    draft.Text,
	})
	if err != nil {
		return nil, err
	}
	res, err := g.deps.chat(ctx, &providers.ChatRequest{
		Messages:       []providers.Message{providers.UserMessage(prompt.Text)},
		ResponseFormat: &providers.ResponseFormat{Name: "chapter_review", JSONSchema: reviewSchema},
		RequestID:      callID(g.data.JobID, u.ID, "review"),
		PromptKey:      prompt.Key,
		PromptHash:     prompt.Hash,
	})
	if err != nil {
		return nil, err
	}
	var verdict struct {
		Passed bool     `json:"passed"`
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal(res.ParsedJSON, &verdict); err != nil {
		return nil, fmt.Errorf("decode review: %w", err)
	}
	passed := verdict.Passed
	if !passed && len(verdict.Issues) == 0 {
		verdict.Issues = []string{"reviewer rejected the chapter without listing issues"}
	}
	return &unit.Verdict{
		Passed:     passed,
		Issues:     verdict.Issues,
		CostUSD:    res.CostUSD,
		TokensUsed: res.TotalTokens,
	}, nil
}
