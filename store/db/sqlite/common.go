package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hrygo/synthr/store"
)

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// placeholder returns a placeholder for SQLite (uses ?)
func placeholder(int) string {
	return "?"
}

// placeholders returns n placeholders for SQLite
func placeholders(n int) string {
	list := []string{}
	for i := 0; i < n; i++ {
		list = append(list, placeholder(i+1))
	}
	return strings.Join(list, ", ")
}

func int32Args(ids []int32) []any {
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

// mapError translates constraint violations into store errors.
func mapError(err error, op string) error {
	var sqliteErr *moderncsqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		if strings.Contains(sqliteErr.Error(), "CHECK constraint failed") {
			return fmt.Errorf("%s: %w: %s", op, store.ErrInvalidArgument, sqliteErr.Error())
		}
		return fmt.Errorf("%s: %w: %s", op, store.ErrConflict, sqliteErr.Error())
	}
	return fmt.Errorf("%s: %w", op, err)
}

func notFound(entity string, id int32) error {
	return fmt.Errorf("%s %d: %w", entity, id, store.ErrNotFound)
}

// nullable stores an empty string as NULL so that unique columns admit many unset rows.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonOrEmpty defaults an unset JSON object column to "{}".
func jsonOrEmpty(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}

func encodeStrings(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode string list")
	}
	return string(raw), nil
}

func decodeStrings(raw string) ([]string, error) {
	list := []string{}
	if raw == "" {
		return list, nil
	}
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, errors.Wrap(err, "failed to decode string list")
	}
	return list, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullInt32(v sql.NullInt32) *int32 {
	if !v.Valid {
		return nil
	}
	return &v.Int32
}

// pageClause renders LIMIT and OFFSET. SQLite needs a LIMIT before any OFFSET.
func pageClause(limit, offset *int) string {
	if limit == nil && offset == nil {
		return ""
	}
	clause := " LIMIT -1"
	if limit != nil {
		clause = fmt.Sprintf(" LIMIT %d", *limit)
	}
	if offset != nil {
		clause = fmt.Sprintf("%s OFFSET %d", clause, *offset)
	}
	return clause
}

// sumDecimals adds up the single decimal column returned by query. Decimal columns
// are stored as text, so the sum is exact only when done here.
func (d *DB) sumDecimals(ctx context.Context, query string, args ...any) (decimal.Decimal, int64, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, 0, err
	}
	defer rows.Close()

	sum, count := decimal.Zero, int64(0)
	for rows.Next() {
		var v decimal.Decimal
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, 0, err
		}
		sum = sum.Add(v)
		count++
	}
	return sum, count, rows.Err()
}

func (d *DB) deleteRow(ctx context.Context, table, entity string, id int32) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = `+placeholder(1), id)
	if err != nil {
		return mapError(err, "failed to delete "+entity)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return mapError(err, "failed to delete "+entity)
	}
	if affected == 0 {
		return notFound(entity, id)
	}
	return nil
}
