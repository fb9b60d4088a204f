package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackzampolin/scribe/internal/brief"
	"github.com/jackzampolin/scribe/internal/pipeline"
	"github.com/jackzampolin/scribe/internal/prompts"
	"github.com/jackzampolin/scribe/internal/providers"
	"github.com/jackzampolin/scribe/internal/unit"
)

// previousTailWords is how much of the prior chapter a draft prompt quotes.
const previousTailWords = 250

// ChapterSchema constrains drafts and repairs.
var ChapterSchema = json.RawMessage(`{
	"name": "chapter_draft",
	"strict": true,
	"schema": {
		"type": "object",
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"text": {"type": "string", "minLength": 1}
		},
		"required": ["title", "text"],
		"additionalProperties": false
	}
}`)

// ChapterDraft is the structured content a unit carries through its loop.
type ChapterDraft struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Chapter is a chapter stage's output.
type Chapter struct {
	Number            int           `json:"number"`
	Title             string        `json:"title"`
	Text              string        `json:"text"`
	Words             int           `json:"words"`
	FailedValidations int           `json:"failed_validations"`
	History           []unit.Status `json:"history"`
}

// ChapterStage drafts one chapter through the unit repair loop.
type ChapterStage struct {
	N    int
	deps *Deps
}

func (s *ChapterStage) Name() string { return brief.ChapterStage(s.N) }

// Dependencies chains each chapter to the one before it so drafts can carry
// continuity forward.
func (s *ChapterStage) Dependencies() []string {
	if s.N <= 1 {
		return []string{OutlineStageName}
	}
	return []string{OutlineStageName, brief.ChapterStage(s.N - 1)}
}

func (s *ChapterStage) Execute(ctx context.Context, st *pipeline.State) (*pipeline.Result, error) {
	b, err := brief.Parse(st.Brief)
	if err != nil {
		return nil, err
	}
	outline, err := decodeOutline(st)
	if err != nil {
		return nil, err
	}
	plan, ok := outline.Chapter(s.N)
	if !ok {
		return nil, fmt.Errorf("outline has no chapter %d", s.N)
	}
	previous, err := previousTail(st, s.N)
	if err != nil {
		return nil, err
	}
	ledger, err := pipeline.NewLedger(st.Job.BudgetLimitUSD)
	if err != nil {
		return nil, err
	}

	w := &chapterWriter{
		deps:     s.deps,
		jobID:    st.Job.ID,
		brief:    b,
		outline:  outline,
		plan:     plan,
		previous: previous,
	}
	gate, err := s.deps.chapterGate(st.Job.ID, b, plan)
	if err != nil {
		return nil, err
	}
	est := s.deps.estimator()

	loop := &unit.Loop{
		Drafter:  w,
		Gate:     gate,
		Repairer: w,
		Ledger:   ledger,
		SpentUSD: st.Job.CumulativeCostUSD,
		Estimate: func(sub unit.SubStage, _ *unit.Unit) float64 { return est.subStage(sub, b) },
		Logger:   s.deps.Logger.With("job_id", st.Job.ID),
	}
	u := unit.New(s.Name(), st.Job.MaxRepairAttempts)
	out, err := loop.Run(ctx, u)
	if err != nil {
		return nil, err
	}
	if err := u.Transition(unit.StatusExported); err != nil {
		return nil, err
	}

	var draft ChapterDraft
	if err := json.Unmarshal(out.Content, &draft); err != nil {
		return nil, fmt.Errorf("decode chapter %d: %w", s.N, err)
	}
	payload, err := json.Marshal(Chapter{
		Number:            s.N,
		Title:             strings.TrimSpace(draft.Title),
		Text:              strings.TrimSpace(draft.Text),
		Words:             len(strings.Fields(draft.Text)),
		FailedValidations: u.AttemptCount,
		History:           u.History,
	})
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Output: payload, CostUSD: out.CostUSD, TokensUsed: out.TokensUsed}, nil
}

func previousTail(st *pipeline.State, n int) (string, error) {
	if n <= 1 {
		return "", nil
	}
	raw, ok := st.Output(brief.ChapterStage(n - 1))
	if !ok {
		return "", fmt.Errorf("%w: %s has no output", pipeline.ErrOutOfOrder, brief.ChapterStage(n-1))
	}
	var prev Chapter
	if err := json.Unmarshal(raw, &prev); err != nil {
		return "", fmt.Errorf("decode %s checkpoint: %w", brief.ChapterStage(n-1), err)
	}
	words := strings.Fields(prev.Text)
	if len(words) > previousTailWords {
		words = words[len(words)-previousTailWords:]
	}
	return strings.Join(words, " "), nil
}

// chapterWriter drafts and repairs one chapter.
type chapterWriter struct {
	deps     *Deps
	jobID    string
	brief    *brief.Brief
	outline  *Outline
	plan     ChapterPlan
	previous string
}

func (w *chapterWriter) Draft(ctx context.Context, u *unit.Unit) (*unit.Step, error) {
	prompt, err := w.deps.prompt(prompts.ChapterDraft, map[string]any{
		"Brief":    w.brief,
		"Outline":  w.outline,
		"Chapter":  w.plan,
		"Previous": w.previous,
		"Words":    w.brief.WordsPerChapter,
	})
	if err != nil {
		return nil, err
	}
	return w.write(ctx, u, "draft", prompt)
}

func (w *chapterWriter) Repair(ctx context.Context, u *unit.Unit, content []byte, issues []string) (*unit.Step, error) {
	var draft ChapterDraft
	text := string(content)
	if err := json.Unmarshal(content, &draft); err == nil {
		text = draft.Text
	}
	prompt, err := w.deps.prompt(prompts.ChapterRepair, map[string]any{
		"Chapter": w.plan,
		"Issues":  issues,
		"Words":   w.brief.WordsPerChapter,
		"Draft":   text,
	})
	if err != nil {
		return nil, err
	}
	return w.write(ctx, u, fmt.Sprintf("repair-%d", u.AttemptCount), prompt)
}

func (w *chapterWriter) write(ctx context.Context, u *unit.Unit, step string, prompt *renderedPrompt) (*unit.Step, error) {
	system, err := w.deps.Prompts.Render(prompts.ChapterSystem, nil)
	if err != nil {
		return nil, err
	}
	res, err := w.deps.chat(ctx, &providers.ChatRequest{
		Messages:       []providers.Message{providers.SystemMessage(system), providers.UserMessage(prompt.Text)},
		ResponseFormat: &providers.ResponseFormat{Name: "chapter_draft", JSONSchema: ChapterSchema},
		MaxTokens:      chapterMaxTokens(w.brief.WordsPerChapter),
		RequestID:      callID(w.jobID, u.ID, step),
		PromptKey:      prompt.Key,
		PromptHash:     prompt.Hash,
	})
	if err != nil {
		return nil, err
	}
	return &unit.Step{Content: res.ParsedJSON, CostUSD: res.CostUSD, TokensUsed: res.TotalTokens}, nil
}
