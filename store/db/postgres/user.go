package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hrygo/synthr/store"
)

const userColumns = `id, created_ts, updated_ts, username, email, wallet_address, nonce,
	is_active, is_verified, reputation_score, profile, preferences`

func (d *DB) CreateUser(ctx context.Context, create *store.User) (*store.User, error) {
	fields := []string{"username", "email", "wallet_address", "nonce", "is_active", "is_verified", "reputation_score", "profile", "preferences"}
	args := []any{nullable(create.Username), create.Email, create.WalletAddress, create.Nonce, create.IsActive, create.IsVerified, create.ReputationScore, jsonOrEmpty(create.Profile), jsonOrEmpty(create.Preferences)}

	stmt := `INSERT INTO users (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING ` + userColumns
	user, err := scanUser(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, mapError(err, "failed to create user")
	}
	return user, nil
}

func (d *DB) ListUsers(ctx context.Context, find *store.FindUser) ([]*store.User, error) {
	where, args := userWhere(find)
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_ts DESC, id DESC` + pageClause(find.Limit, find.Offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to query users")
	}
	defer rows.Close()

	list := []*store.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, mapError(err, "failed to scan user")
		}
		list = append(list, user)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate users")
	}
	return list, nil
}

func (d *DB) CountUsers(ctx context.Context, find *store.FindUser) (int64, error) {
	where, args := userWhere(find)
	var count int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE `+strings.Join(where, " AND "), args...).Scan(&count); err != nil {
		return 0, mapError(err, "failed to count users")
	}
	return count, nil
}

func (d *DB) UpdateUser(ctx context.Context, update *store.UpdateUser) (*store.User, error) {
	set, args := []string{"updated_ts = " + placeholder(1)}, []any{time.Now().Unix()}
	if v := update.Username; v != nil {
		set, args = append(set, "username = "+placeholder(len(args)+1)), append(args, nullable(*v))
	}
	if v := update.Email; v != nil {
		set, args = append(set, "email = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.WalletAddress; v != nil {
		set, args = append(set, "wallet_address = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Nonce; v != nil {
		set, args = append(set, "nonce = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.IsActive; v != nil {
		set, args = append(set, "is_active = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.IsVerified; v != nil {
		set, args = append(set, "is_verified = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.ReputationScore; v != nil {
		set, args = append(set, "reputation_score = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Profile; v != nil {
		set, args = append(set, "profile = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	if v := update.Preferences; v != nil {
		set, args = append(set, "preferences = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	args = append(args, update.ID)

	stmt := `UPDATE users SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + userColumns
	user, err := scanUser(d.db.QueryRowContext(ctx, stmt, args...))
	if err == sql.ErrNoRows {
		return nil, notFound("user", update.ID)
	}
	if err != nil {
		return nil, mapError(err, "failed to update user")
	}
	return user, nil
}

func (d *DB) DeleteUser(ctx context.Context, delete *store.DeleteUser) error {
	return d.deleteRow(ctx, "users", "user", delete.ID)
}

func (d *DB) GetUserStats(ctx context.Context, userID int32) (*store.UserStats, error) {
	stats := &store.UserStats{}
	query := `SELECT
		(SELECT COUNT(*) FROM agents WHERE creator_id = $1),
		(SELECT COUNT(*) FROM agents WHERE owner_id = $1),
		(SELECT COUNT(*) FROM transactions WHERE buyer_id = $1 OR seller_id = $1),
		(SELECT COALESCE(AVG(rating), 0)::float8 FROM reviews WHERE agent_creator_id = $1),
		(SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE seller_id = $1 AND status = 'completed')`
	if err := d.db.QueryRowContext(ctx, query, userID).Scan(
		&stats.AgentsCreated,
		&stats.AgentsOwned,
		&stats.Transactions,
		&stats.AverageRating,
		&stats.TotalRevenue,
	); err != nil {
		return nil, mapError(err, "failed to get user stats")
	}
	return stats, nil
}

func userWhere(find *store.FindUser) ([]string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if len(find.IDs) > 0 {
		where, args = append(where, "id = ANY("+placeholder(len(args)+1)+")"), append(args, pq.Array(find.IDs))
	}
	if v := find.WalletAddress; v != nil {
		where, args = append(where, "wallet_address = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Username; v != nil {
		where, args = append(where, "username = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Email; v != nil {
		where, args = append(where, "email = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.IsActive; v != nil {
		where, args = append(where, "is_active = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Query; v != nil && *v != "" {
		where = append(where, "(username ILIKE "+placeholder(len(args)+1)+" OR email ILIKE "+placeholder(len(args)+1)+")")
		args = append(args, "%"+*v+"%")
	}
	return where, args
}

func scanUser(row scanner) (*store.User, error) {
	var user store.User
	var username sql.NullString
	if err := row.Scan(
		&user.ID,
		&user.CreatedTs,
		&user.UpdatedTs,
		&username,
		&user.Email,
		&user.WalletAddress,
		&user.Nonce,
		&user.IsActive,
		&user.IsVerified,
		&user.ReputationScore,
		&user.Profile,
		&user.Preferences,
	); err != nil {
		return nil, err
	}
	user.Username = username.String
	return &user, nil
}
