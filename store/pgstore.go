package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PGStore)(nil)

// PGStore is a Store backed by a pgx connection pool. Every table is
// expected to carry a generated "id" primary key.
type PGStore struct {
	conn *pgxpool.Pool
}

func NewPGStore(ctx context.Context, uri string) (*PGStore, error) {
	conn, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &PGStore{conn: conn}, nil
}

// DSN builds a connection string from the discrete credentials the bench
// is launched with.
func DSN(user, password, host, port, database string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + database,
	}
	return u.String()
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func sortedColumns(fields Record) []string {
	return slices.Sorted(maps.Keys(fields))
}

func buildInsert(table string, fields Record) (string, []any) {
	cols := sortedColumns(fields)
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = quote(c)
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = fields[c]
	}
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING id", quote(table)), nil
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		quote(table), strings.Join(names, ", "), strings.Join(params, ", "))
	return sql, args
}

func buildUpdate(table string, id int64, fields Record) (string, []any) {
	cols := sortedColumns(fields)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", quote(c), i+1)
		args = append(args, fields[c])
	}
	args = append(args, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		quote(table), strings.Join(sets, ", "), len(args))
	return sql, args
}

func buildSelect(table, column string) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 ORDER BY id", quote(table), quote(column))
}

func (p *PGStore) Create(ctx context.Context, table string, fields Record) (int64, error) {
	sql, args := buildInsert(table, fields)
	var id int64
	if err := p.conn.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return id, nil
}

func (p *PGStore) query(ctx context.Context, table, column string, value any) ([]Record, error) {
	rows, err := p.conn.Query(ctx, buildSelect(table, column), value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	out := make([]Record, len(found))
	for i, m := range found {
		out[i] = Record(m)
	}
	return out, nil
}

func (p *PGStore) GetByID(ctx context.Context, table string, id int64) (Record, error) {
	recs, err := p.query(ctx, table, "id", id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (p *PGStore) GetByColumn(ctx context.Context, table, column string, value any) ([]Record, error) {
	return p.query(ctx, table, column, value)
}

func (p *PGStore) UpdateByID(ctx context.Context, table string, id int64, fields Record) error {
	if len(fields) == 0 {
		return nil
	}
	sql, args := buildUpdate(table, id, fields)
	tag, err := p.conn.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no row %d in %s", id, table)
	}
	return nil
}

func (p *PGStore) Close() error {
	p.conn.Close()
	return nil
}
