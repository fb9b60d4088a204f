// Package brief parses and validates the creative brief a job is produced
// from. A brief is stored with its job in canonical JSON form, so the same
// brief always yields the same bytes and the same declared stage list.
package brief

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// DefaultWordsPerChapter applies when a brief leaves words_per_chapter unset.
const DefaultWordsPerChapter = 1500

//go:embed brief.schema.json
var schemaJSON []byte

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Brief describes the manuscript to produce.
type Brief struct {
	Title           string `json:"title" yaml:"title"`
	Genre           string `json:"genre,omitempty" yaml:"genre,omitempty"`
	Audience        string `json:"audience,omitempty" yaml:"audience,omitempty"`
	Premise         string `json:"premise" yaml:"premise"`
	Tone            string `json:"tone,omitempty" yaml:"tone,omitempty"`
	Chapters        int    `json:"chapters" yaml:"chapters"`
	WordsPerChapter int    `json:"words_per_chapter" yaml:"words_per_chapter"`
	Notes           string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Parse decodes a brief from YAML or JSON and validates it against the
// embedded schema.
func Parse(data []byte) (*Brief, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("brief is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse brief: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("brief is not representable as JSON: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	var b Brief
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to decode brief: %w", err)
	}
	if b.WordsPerChapter == 0 {
		b.WordsPerChapter = DefaultWordsPerChapter
	}
	return &b, nil
}

// Load reads and parses a brief file.
func Load(path string) (*Brief, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read brief: %w", err)
	}
	return Parse(data)
}

// Canonical returns the brief's stored form.
func (b *Brief) Canonical() ([]byte, error) {
	return json.Marshal(b)
}

// ChapterStage returns the stage name of chapter n (1-based).
func ChapterStage(n int) string {
	return fmt.Sprintf("chapter-%02d", n)
}

func validate(raw []byte) error {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("brief.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = compiler.Compile("brief.schema.json")
	})
	if compileErr != nil {
		return fmt.Errorf("failed to compile brief schema: %w", compileErr)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("invalid brief: %w", err)
	}
	return nil
}
