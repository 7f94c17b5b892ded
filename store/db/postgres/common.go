package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/synthr/store"
)

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func placeholder(n int) string {
	return "$" + fmt.Sprint(n)
}

func placeholders(n int) string {
	list := []string{}
	for i := 0; i < n; i++ {
		list = append(list, placeholder(i+1))
	}
	return strings.Join(list, ", ")
}

// mapError translates constraint violations into store errors.
func mapError(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "23503":
			return fmt.Errorf("%s: %w: %s", op, store.ErrConflict, pqErr.Message)
		case "23514":
			return fmt.Errorf("%s: %w: %s", op, store.ErrInvalidArgument, pqErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// nullable stores an empty string as NULL so that unique columns admit many unset rows.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
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

// pageClause renders LIMIT and OFFSET for a find request.
func pageClause(limit, offset *int) string {
	clause := ""
	if limit != nil {
		clause = fmt.Sprintf(" LIMIT %d", *limit)
	}
	if offset != nil {
		clause = fmt.Sprintf("%s OFFSET %d", clause, *offset)
	}
	return clause
}

func notFound(entity string, id int32) error {
	return fmt.Errorf("%s %d: %w", entity, id, store.ErrNotFound)
}

// jsonOrEmpty defaults an unset JSON object column to "{}".
func jsonOrEmpty(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
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
