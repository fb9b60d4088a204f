package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackzampolin/scribe/internal/brief"
	"github.com/jackzampolin/scribe/internal/pipeline"
	"github.com/jackzampolin/scribe/internal/prompts"
	"github.com/jackzampolin/scribe/internal/providers"
)

// OutlineStageName is the first stage of every manuscript pipeline.
const OutlineStageName = "outline"

// OutlineSchema constrains the outline the model returns.
var OutlineSchema = json.RawMessage(`{
	"name": "manuscript_outline",
	"strict": true,
	"schema": {
		"type": "object",
		"properties": {
			"chapters": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"number": {"type": "integer", "minimum": 1},
						"title": {"type": "string", "minLength": 1},
						"summary": {"type": "string", "minLength": 1}
					},
					"required": ["number", "title", "summary"],
					"additionalProperties": false
				}
			}
		},
		"required": ["chapters"],
		"additionalProperties": false
	}
}`)

// Outline is the outline stage's output.
type Outline struct {
	Chapters []ChapterPlan `json:"chapters"`
}

// ChapterPlan is one outlined chapter.
type ChapterPlan struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Chapter returns the plan for chapter n.
func (o *Outline) Chapter(n int) (ChapterPlan, bool) {
	for _, c := range o.Chapters {
		if c.Number == n {
			return c, true
		}
	}
	return ChapterPlan{}, false
}

// OutlineStage asks the model for a chapter outline.
type OutlineStage struct {
	deps *Deps
}

func (s *OutlineStage) Name() string           { return OutlineStageName }
func (s *OutlineStage) Dependencies() []string { return nil }

func (s *OutlineStage) Execute(ctx context.Context, st *pipeline.State) (*pipeline.Result, error) {
	b, err := brief.Parse(st.Brief)
	if err != nil {
		return nil, err
	}
	data := map[string]any{"Brief": b}
	system, err := s.deps.Prompts.Render(prompts.OutlineSystem, data)
	if err != nil {
		return nil, err
	}
	user, err := s.deps.prompt(prompts.OutlineUser, data)
	if err != nil {
		return nil, err
	}

	res, err := s.deps.chat(ctx, &providers.ChatRequest{
		Messages:       []providers.Message{providers.SystemMessage(system), providers.UserMessage(user.Text)},
		ResponseFormat: &providers.ResponseFormat{Name: "manuscript_outline", JSONSchema: OutlineSchema},
		RequestID:      callID(st.Job.ID, OutlineStageName, "plan"),
		PromptKey:      user.Key,
		PromptHash:     user.Hash,
	})
	if err != nil {
		return nil, err
	}

	var outline Outline
	if err := json.Unmarshal(res.ParsedJSON, &outline); err != nil {
		return nil, fmt.Errorf("decode outline: %w", err)
	}
	if err := outline.check(b.Chapters); err != nil {
		// A wrong chapter count is worth asking again for.
		return nil, pipeline.Transient(err)
	}

	out, err := json.Marshal(outline)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Output: out, CostUSD: res.CostUSD, TokensUsed: res.TotalTokens}, nil
}

// check requires chapters numbered 1..want in order.
func (o *Outline) check(want int) error {
	if len(o.Chapters) != want {
		return fmt.Errorf("outline has %d chapters, brief asks for %d", len(o.Chapters), want)
	}
	for i, c := range o.Chapters {
		if c.Number != i+1 {
			return fmt.Errorf("outline chapter %d is numbered %d", i+1, c.Number)
		}
	}
	return nil
}

func decodeOutline(st *pipeline.State) (*Outline, error) {
	raw, ok := st.Output(OutlineStageName)
	if !ok {
		return nil, fmt.Errorf("%w: outline has no output", pipeline.ErrOutOfOrder)
	}
	var o Outline
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode outline checkpoint: %w", err)
	}
	return &o, nil
}
