package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Initialize creates every table and index that does not exist yet.
// It's safe to call multiple times.
func Initialize(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	schemas, err := All()
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	for _, s := range schemas {
		if err := applySchema(ctx, db, s); err != nil {
			return err
		}
		logger.Debug("schema applied", "name", s.Name)
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB, s Schema) error {
	for _, stmt := range s.Statements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema %s: %w", s.Name, err)
		}
	}
	return nil
}
