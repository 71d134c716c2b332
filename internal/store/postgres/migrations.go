package postgres

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type migrationVars struct {
	Table string
	Index string
}

// RunMigrations executes the embedded SQL migrations in order against the
// backend's table.
func (b *Backend) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	vars := migrationVars{
		Table: b.ident,
		Index: pgx.Identifier{b.table + "_history"}.Sanitize(),
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		tmpl, err := template.New(e.Name()).Parse(string(content))
		if err != nil {
			return fmt.Errorf("parse migration %s: %w", e.Name(), err)
		}
		var sql strings.Builder
		if err := tmpl.Execute(&sql, vars); err != nil {
			return fmt.Errorf("render migration %s: %w", e.Name(), err)
		}
		stmt := strings.TrimSpace(sql.String())
		if stmt == "" {
			continue
		}
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}
