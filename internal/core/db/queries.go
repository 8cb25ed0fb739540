package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// Queries provides access to named SQL queries loaded from embedded .sql
// files. Uses dotsql for named query management and sqlx for execution with
// placeholder rebinding across drivers.
type Queries struct {
	dot *dotsql.DotSql
	db  *sqlx.DB
}

// LoadQueries loads all embedded .sql files and returns a Queries instance.
// Named queries are addressed by name (e.g. "active-rules", "monthly-issue-count").
func LoadQueries(conn *sqlx.DB) (*Queries, error) {
	var combined string

	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}
		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		combined += string(content) + "\n"
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combined)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}

	return &Queries{dot: dot, db: conn}, nil
}

// Raw returns the SQL text of a named query, rebound for the active driver.
// Used when a query must run inside a caller-managed transaction.
func (q *Queries) Raw(name string) (string, error) {
	text, err := q.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return q.db.Rebind(text), nil
}

// Exec executes a named query with placeholder conversion for the driver.
func (q *Queries) Exec(ctx context.Context, name string, args ...interface{}) (sql.Result, error) {
	text, err := q.Raw(name)
	if err != nil {
		return nil, err
	}
	return q.db.ExecContext(ctx, text, args...)
}

// Get retrieves a single row into dest using a named query.
func (q *Queries) Get(ctx context.Context, name string, dest interface{}, args ...interface{}) error {
	text, err := q.Raw(name)
	if err != nil {
		return err
	}
	return q.db.GetContext(ctx, dest, text, args...)
}

// Select retrieves multiple rows into dest slice using a named query.
func (q *Queries) Select(ctx context.Context, name string, dest interface{}, args ...interface{}) error {
	text, err := q.Raw(name)
	if err != nil {
		return err
	}
	return q.db.SelectContext(ctx, dest, text, args...)
}
