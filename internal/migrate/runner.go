// Package migrate applies embedded SQL migrations and seed files.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const (
	migrationsTable = "schema_migrations"
	seedsTable      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	sqlSuffix  = ".sql"
)

// Runner applies migrations from an embedded filesystem. Migration files are
// named NNNN_label.up.sql / NNNN_label.down.sql and apply in lexical order;
// seed files are plain .sql and apply once each.
type Runner struct {
	db    *sql.DB
	src   fs.FS
	seeds fs.FS
}

// NewRunner constructs a Runner over the migration and seed filesystems.
// Either may be nil when the corresponding phase is unused.
func NewRunner(db *sql.DB, migrations, seeds fs.FS) *Runner {
	return &Runner{db: db, src: migrations, seeds: seeds}
}

// Up applies every pending migration in order.
func (r *Runner) Up(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := r.applied(ctx, migrationsTable)
	if err != nil {
		return err
	}
	names, err := listFiles(r.src, upSuffix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		if err := r.applyFile(ctx, r.src, name); err != nil {
			return fmt.Errorf("migrate up %s: %w", name, err)
		}
		if err := r.record(ctx, migrationsTable, name); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	history, err := r.history(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("migrate: nothing applied")
	}
	last := history[len(history)-1]
	down := strings.TrimSuffix(last, upSuffix) + downSuffix
	if err := r.applyFile(ctx, r.src, down); err != nil {
		return fmt.Errorf("migrate down %s: %w", down, err)
	}
	_, err = r.db.ExecContext(ctx, `delete from `+migrationsTable+` where name = $1`, last)
	return err
}

// Status returns applied migration names in application order.
func (r *Runner) Status(ctx context.Context) ([]string, error) {
	if err := r.ensureTables(ctx); err != nil {
		return nil, err
	}
	return r.history(ctx)
}

// Seed applies each seed file at most once.
func (r *Runner) Seed(ctx context.Context) error {
	if r.seeds == nil {
		return nil
	}
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := r.applied(ctx, seedsTable)
	if err != nil {
		return err
	}
	names, err := listFiles(r.seeds, sqlSuffix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		if err := r.applyFile(ctx, r.seeds, name); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		if err := r.record(ctx, seedsTable, name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) ensureTables(ctx context.Context) error {
	for _, table := range []string{migrationsTable, seedsTable} {
		ddl := `create table if not exists ` + table + ` (
			name text primary key,
			applied_at timestamptz not null default now()
		)`
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// applyFile runs every statement of one file inside a single transaction.
func (r *Runner) applyFile(ctx context.Context, src fs.FS, name string) error {
	raw, err := fs.ReadFile(src, name)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) record(ctx context.Context, table, name string) error {
	_, err := r.db.ExecContext(ctx, `insert into `+table+` (name, applied_at) values ($1, $2)`, name, time.Now().UTC())
	return err
}

func (r *Runner) applied(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `select name from `+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func (r *Runner) history(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `select name from `+migrationsTable+` order by applied_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// listFiles returns the sorted file names under src matching suffix,
// excluding down migrations when collecting the up set.
func listFiles(src fs.FS, suffix string) ([]string, error) {
	if src == nil {
		return nil, nil
	}
	var names []string
	err := fs.WalkDir(src, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, suffix) {
			return nil
		}
		if suffix == sqlSuffix && (strings.HasSuffix(path, upSuffix) || strings.HasSuffix(path, downSuffix)) {
			return nil
		}
		names = append(names, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements breaks a file into statements on semicolons outside of
// single-quoted strings. Enough for the DDL and seeds shipped here; files
// needing dollar-quoting should hold a single statement.
func splitStatements(input string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	for _, r := range input {
		switch {
		case r == '\'':
			inString = !inString
			current.WriteRune(r)
		case r == ';' && !inString:
			if s := strings.TrimSpace(current.String()); s != "" {
				stmts = append(stmts, s)
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}
