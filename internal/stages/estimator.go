package stages

import (
	"context"
	"math"

	"github.com/jackzampolin/scribe/internal/brief"
	"github.com/jackzampolin/scribe/internal/pipeline"
	"github.com/jackzampolin/scribe/internal/providers"
	"github.com/jackzampolin/scribe/internal/unit"
)

// Token budgets used to price calls before they are made.
const (
	tokensPerWord        = 1.35
	outlinePromptTokens  = 700
	outlineTokensPerChap = 120
	chapterPromptTokens  = 900
	chapterOutlineTokens = 80 // per outlined chapter quoted in the prompt
	reviewPromptTokens   = 350
	reviewOutputTokens   = 200
)

// Estimator prices stages from the brief and per-token prices. Chapter
// estimates cover one draft and one validation; repairs are priced by the
// unit loop as they happen.
type Estimator struct {
	Pricing providers.Pricing
	Review  bool
}

var _ pipeline.Estimator = (*Estimator)(nil)

// Estimate implements pipeline.Estimator.
func (e *Estimator) Estimate(_ context.Context, stage string, st *pipeline.State) (float64, error) {
	b, err := brief.Parse(st.Brief)
	if err != nil {
		return 0, err
	}
	switch {
	case stage == OutlineStageName:
		return e.Pricing.Cost(outlinePromptTokens, outlineTokensPerChap*b.Chapters), nil
	case stage == AssembleStageName:
		return 0, nil
	default:
		return e.subStage(unit.SubStageDraft, b) + e.subStage(unit.SubStageValidate, b), nil
	}
}

func (e *Estimator) subStage(sub unit.SubStage, b *brief.Brief) float64 {
	chapterTokens := wordsToTokens(b.WordsPerChapter)
	switch sub {
	case unit.SubStageDraft, unit.SubStageRepair:
		prompt := chapterPromptTokens + chapterOutlineTokens*b.Chapters
		if sub == unit.SubStageRepair {
			prompt += chapterTokens
		}
		return e.Pricing.Cost(prompt, chapterTokens)
	case unit.SubStageValidate:
		if !e.Review {
			return 0
		}
		return e.Pricing.Cost(reviewPromptTokens+chapterTokens, reviewOutputTokens)
	}
	return 0
}

func wordsToTokens(words int) int {
	return int(math.Ceil(float64(words) * tokensPerWord))
}

// chapterMaxTokens caps a chapter call at twice its expected length.
func chapterMaxTokens(words int) int {
	return 2*wordsToTokens(words) + 200
}
