// Package epub packages a finished manuscript as an EPUB 3 book.
package epub

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Manuscript is an assembled manuscript split into chapters.
type Manuscript struct {
	ID       string // used for the package identifier; a job ID works
	Title    string
	Author   string
	Language string // ISO 639-1, default "en"
	Chapters []Chapter
}

// Chapter is one "## Chapter N: Title" section of a manuscript.
type Chapter struct {
	Number int
	Title  string
	Text   string // markdown body without the heading
}

var chapterHeading = regexp.MustCompile(`^## Chapter (\d+): (.*)$`)

// Parse splits assembled markdown into a title and chapters. Text before the
// first chapter heading other than the "# Title" line is ignored.
func Parse(markdown []byte) (*Manuscript, error) {
	m := &Manuscript{}
	var (
		cur  *Chapter
		body strings.Builder
	)
	flush := func() {
		if cur != nil {
			cur.Text = strings.TrimSpace(body.String())
			m.Chapters = append(m.Chapters, *cur)
		}
		body.Reset()
	}

	sc := bufio.NewScanner(strings.NewReader(string(markdown)))
	sc.Buffer(make([]byte, 0, 64*1024), len(markdown)+1)
	for sc.Scan() {
		line := sc.Text()
		if m.Title == "" && cur == nil && strings.HasPrefix(line, "# ") {
			m.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			continue
		}
		if match := chapterHeading.FindStringSubmatch(line); match != nil {
			flush()
			n, _ := strconv.Atoi(match[1])
			cur = &Chapter{Number: n, Title: strings.TrimSpace(match[2])}
			continue
		}
		if cur != nil {
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manuscript: %w", err)
	}
	flush()

	if m.Title == "" {
		return nil, fmt.Errorf("manuscript has no title heading")
	}
	if len(m.Chapters) == 0 {
		return nil, fmt.Errorf("manuscript has no chapters")
	}
	return m, nil
}

// ID names the chapter's document and manifest item.
func (c Chapter) ID() string { return fmt.Sprintf("ch%03d", c.Number) }

func (c Chapter) Label() string { return fmt.Sprintf("Chapter %d: %s", c.Number, c.Title) }
