package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
)

// PostgresDirectory resolves users against the identity service's users table.
//
// The pgx pool is owned by the caller; the directory never closes it.
// Schema identifiers are validated and quoted.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// DirectoryOption configures PostgresDirectory.
type DirectoryOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithDirectorySchema sets the schema holding the users table (default "tasklane").
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return errors.New("identity: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// WithDirectoryTable overrides the users table name (default "users").
func WithDirectoryTable(table string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		table = strings.TrimSpace(table)
		if !pgIdentRe.MatchString(table) {
			return errors.New("identity: invalid table identifier")
		}
		d.table = table
		return nil
	}
}

// NewPostgresDirectory constructs a directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "tasklane",
		table:  "users",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return d, nil
}

// MissingUsers returns ids absent from the users table.
func (d *PostgresDirectory) MissingUsers(ctx context.Context, ids []string) ([]string, error) {
	if d == nil || d.pool == nil {
		return nil, errors.New("identity: nil directory")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	users := pgx.Identifier{d.schema, d.table}.Sanitize()

	rows, err := d.pool.Query(ctx, `SELECT id::text FROM `+users+` WHERE id::text = ANY($1::text[])`, ids)
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	missing, _ := lo.Difference(ids, found)
	return missing, nil
}
