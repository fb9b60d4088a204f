package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackzampolin/scribe/internal/brief"
	"github.com/jackzampolin/scribe/internal/pipeline"
)

// AssembleStageName is the last stage of every manuscript pipeline.
const AssembleStageName = "assemble"

// AssembleStage joins the chapters into a markdown manuscript. It makes no
// model calls and costs nothing.
type AssembleStage struct {
	Chapters int
}

func (s *AssembleStage) Name() string { return AssembleStageName }

func (s *AssembleStage) Dependencies() []string {
	deps := make([]string, 0, s.Chapters)
	for n := 1; n <= s.Chapters; n++ {
		deps = append(deps, brief.ChapterStage(n))
	}
	return deps
}

func (s *AssembleStage) Execute(_ context.Context, st *pipeline.State) (*pipeline.Result, error) {
	b, err := brief.Parse(st.Brief)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n", b.Title)
	for n := 1; n <= s.Chapters; n++ {
		name := brief.ChapterStage(n)
		raw, ok := st.Output(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no output", pipeline.ErrOutOfOrder, name)
		}
		var ch Chapter
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, fmt.Errorf("decode %s checkpoint: %w", name, err)
		}
		fmt.Fprintf(&sb, "\n## Chapter %d: %s\n\n%s\n", ch.Number, ch.Title, ch.Text)
	}
	return &pipeline.Result{Output: []byte(sb.String())}, nil
}
