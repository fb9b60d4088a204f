package schema

import (
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed schemas/*.sql
var schemaFS embed.FS

// Schema represents one SQLite table definition.
type Schema struct {
	Name  string // Table name (e.g., "checkpoints")
	DDL   string // CREATE statements
	Order int    // Initialization order (lower = first)
}

// registry holds all schemas in initialization order.
var registry = []Schema{
	{Name: "jobs", Order: 1},
	{Name: "checkpoints", Order: 2}, // keyed by jobs.id
	{Name: "job_cancels", Order: 3}, // keyed by jobs.id
	{Name: "user_usage", Order: 4},  // standalone
	{Name: "stage_metrics", Order: 5},
	{Name: "llm_calls", Order: 6},  // one row per model request
	{Name: "job_leases", Order: 7}, // one live owner per job
}

// All returns all schemas in initialization order.
// DDL is loaded from embedded .sql files.
func All() ([]Schema, error) {
	schemas := make([]Schema, len(registry))
	copy(schemas, registry)

	for i := range schemas {
		ddl, err := readDDL(schemas[i].Name)
		if err != nil {
			return nil, err
		}
		schemas[i].DDL = ddl
	}

	sort.Slice(schemas, func(i, j int) bool {
		return schemas[i].Order < schemas[j].Order
	})

	return schemas, nil
}

// Get returns a single schema by table name.
func Get(name string) (*Schema, error) {
	for _, s := range registry {
		if s.Name == name {
			ddl, err := readDDL(s.Name)
			if err != nil {
				return nil, err
			}
			return &Schema{Name: s.Name, DDL: ddl, Order: s.Order}, nil
		}
	}
	return nil, fmt.Errorf("schema not found: %s", name)
}

// Statements splits the DDL into individual statements.
func (s Schema) Statements() []string {
	var out []string
	for _, stmt := range strings.Split(s.DDL, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func readDDL(name string) (string, error) {
	content, err := schemaFS.ReadFile(fmt.Sprintf("schemas/%s.sql", strings.ToLower(name)))
	if err != nil {
		return "", fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	return string(content), nil
}
