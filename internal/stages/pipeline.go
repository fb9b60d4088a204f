// Package stages implements the manuscript pipeline run by the orchestrator:
// an outline, one stage per chapter, and a final assembly. Chapters go
// through the unit repair loop behind a chain of quality gates.
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackzampolin/scribe/internal/brief"
	"github.com/jackzampolin/scribe/internal/pipeline"
	"github.com/jackzampolin/scribe/internal/prompts"
	"github.com/jackzampolin/scribe/internal/providers"
	"github.com/jackzampolin/scribe/internal/unit"
)

// Word-count tolerance around a brief's words_per_chapter.
const (
	minWordsRatio = 0.6
	maxWordsRatio = 1.6
)

// Config configures the manuscript pipeline.
type Config struct {
	Client      providers.LLMClient // required
	Prompts     *prompts.Resolver   // nil uses embedded prompts
	Model       string              // empty uses the client default
	Temperature float64
	Pricing     providers.Pricing
	Review      bool // add an LLM review gate after the local gates
	Logger      *slog.Logger
}

// Deps is what every stage shares.
type Deps struct {
	Client      providers.LLMClient
	Prompts     *prompts.Resolver
	Model       string
	Temperature float64
	Pricing     providers.Pricing
	Review      bool
	Logger      *slog.Logger

	chapterSchema *SchemaGate
}

// Pipeline builds registries and estimates for manuscript jobs. Reload swaps
// the settings used for registries built afterwards; stages already built keep
// the settings they were built with.
type Pipeline struct {
	deps atomic.Pointer[Deps]
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	p := &Pipeline{}
	if err := p.Reload(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload replaces the pipeline settings.
func (p *Pipeline) Reload(cfg Config) error {
	deps, err := newDeps(cfg)
	if err != nil {
		return err
	}
	p.deps.Store(deps)
	return nil
}

func newDeps(cfg Config) (*Deps, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.NewResolver("", cfg.Logger)
	}
	schemaGate, err := NewSchemaGate(ChapterSchema)
	if err != nil {
		return nil, err
	}
	return &Deps{
		Client:        cfg.Client,
		Prompts:       cfg.Prompts,
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		Pricing:       cfg.Pricing,
		Review:        cfg.Review,
		Logger:        cfg.Logger,
		chapterSchema: schemaGate,
	}, nil
}

// Build returns the stage registry for a stored brief: outline, chapter-01
// through chapter-NN, assemble. It has the shape of orchestrator.PipelineFunc.
func (p *Pipeline) Build(raw []byte) (*pipeline.Registry, error) {
	b, err := brief.Parse(raw)
	if err != nil {
		return nil, err
	}
	deps := p.deps.Load()
	reg := pipeline.NewRegistry()
	if err := reg.Register(&OutlineStage{deps: deps}); err != nil {
		return nil, err
	}
	for n := 1; n <= b.Chapters; n++ {
		if err := reg.Register(&ChapterStage{N: n, deps: deps}); err != nil {
			return nil, err
		}
	}
	if err := reg.Register(&AssembleStage{Chapters: b.Chapters}); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Estimator returns the pre-flight cost estimator for the current settings.
func (p *Pipeline) Estimator() *Estimator {
	return p.deps.Load().estimator()
}

// Estimate implements pipeline.Estimator against the current settings.
func (p *Pipeline) Estimate(ctx context.Context, stage string, st *pipeline.State) (float64, error) {
	return p.Estimator().Estimate(ctx, stage, st)
}

func (d *Deps) estimator() *Estimator {
	return &Estimator{Pricing: d.Pricing, Review: d.Review}
}

// chapterGate is schema, then word count, then (optionally) review.
func (d *Deps) chapterGate(jobID string, b *brief.Brief, plan ChapterPlan) (unit.Gate, error) {
	if d.chapterSchema == nil {
		return nil, fmt.Errorf("chapter schema gate not initialized")
	}
	gates := ChainGate{
		d.chapterSchema,
		&WordCountGate{
			Min:   int(float64(b.WordsPerChapter) * minWordsRatio),
			Max:   int(float64(b.WordsPerChapter) * maxWordsRatio),
			Field: "text",
		},
	}
	if d.Review {
		gates = append(gates, &ReviewGate{deps: d, data: reviewData{JobID: jobID, Brief: b, Chapter: plan}})
	}
	return gates, nil
}

// renderedPrompt is a rendered template and the version it came from.
type renderedPrompt struct {
	Key  string
	Hash string
	Text string
}

func (d *Deps) prompt(key string, data any) (*renderedPrompt, error) {
	text, err := d.Prompts.Render(key, data)
	if err != nil {
		return nil, err
	}
	p, err := d.Prompts.Resolve(key)
	if err != nil {
		return nil, err
	}
	return &renderedPrompt{Key: key, Hash: p.Hash, Text: text}, nil
}

// callID names one model call as job/stage/step.
func callID(jobID, stage, step string) string {
	return jobID + "/" + stage + "/" + step
}

// chat fills in model defaults and marks retryable provider errors transient.
func (d *Deps) chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	if req.Model == "" {
		req.Model = d.Model
	}
	if req.Temperature == 0 {
		req.Temperature = d.Temperature
	}
	res, err := d.Client.Chat(ctx, req)
	if err != nil {
		if providers.IsRetryable(err) {
			return nil, pipeline.Transient(err)
		}
		return nil, err
	}
	return res, nil
}
