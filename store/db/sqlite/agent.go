package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/hrygo/synthr/store"
)

const agentColumns = `id, created_ts, updated_ts, token_id, name, description, category, status,
	creator_id, owner_id, price, is_listed, royalty_percentage, ipfs_hash, metadata,
	capabilities, model_parameters, total_uses, average_rating, total_ratings`

func (d *DB) CreateAgent(ctx context.Context, create *store.Agent) (*store.Agent, error) {
	capabilities, err := encodeStrings(create.Capabilities)
	if err != nil {
		return nil, err
	}
	fields := []string{
		"token_id", "name", "description", "category", "status", "creator_id", "owner_id",
		"price", "is_listed", "royalty_percentage", "ipfs_hash", "metadata", "capabilities",
		"model_parameters", "total_uses", "average_rating", "total_ratings",
	}
	args := []any{
		nullable(create.TokenID), create.Name, create.Description, create.Category, create.Status, create.CreatorID, create.OwnerID,
		create.Price, create.IsListed, create.RoyaltyPercentage, create.IPFSHash, jsonOrEmpty(create.Metadata), capabilities,
		jsonOrEmpty(create.ModelParameters), create.TotalUses, create.AverageRating, create.TotalRatings,
	}

	stmt := `INSERT INTO agents (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING ` + agentColumns
	agent, err := scanAgent(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, mapError(err, "failed to create agent")
	}
	return agent, nil
}

func (d *DB) ListAgents(ctx context.Context, find *store.FindAgent) ([]*store.Agent, error) {
	where, args := agentWhere(find)

	orderBy := store.AgentOrderCreated
	if find.OrderBy.Valid() {
		orderBy = find.OrderBy
	}
	direction := "DESC"
	if find.OrderDesc != nil && !*find.OrderDesc {
		direction = "ASC"
	}
	// Decimal columns are stored as text and must be sorted numerically.
	orderExpr := string(orderBy)
	if orderBy == store.AgentOrderPrice || orderBy == store.AgentOrderRating {
		orderExpr = "CAST(" + orderExpr + " AS REAL)"
	}
	query := `SELECT ` + agentColumns + ` FROM agents WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + orderExpr + ` ` + direction + ` NULLS LAST, id ` + direction + pageClause(find.Limit, find.Offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to query agents")
	}
	defer rows.Close()

	list := []*store.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, mapError(err, "failed to scan agent")
		}
		list = append(list, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate agents")
	}
	return list, nil
}

func (d *DB) CountAgents(ctx context.Context, find *store.FindAgent) (int64, error) {
	where, args := agentWhere(find)
	var count int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE `+strings.Join(where, " AND "), args...).Scan(&count); err != nil {
		return 0, mapError(err, "failed to count agents")
	}
	return count, nil
}

func (d *DB) UpdateAgent(ctx context.Context, update *store.UpdateAgent) (*store.Agent, error) {
	set, args := []string{"updated_ts = " + placeholder(1)}, []any{time.Now().Unix()}
	if v := update.TokenID; v != nil {
		set, args = append(set, "token_id = "+placeholder(len(args)+1)), append(args, nullable(*v))
	}
	if v := update.Name; v != nil {
		set, args = append(set, "name = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Description; v != nil {
		set, args = append(set, "description = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Category; v != nil {
		set, args = append(set, "category = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Price; v != nil {
		set, args = append(set, "price = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.RoyaltyPercentage; v != nil {
		set, args = append(set, "royalty_percentage = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.IPFSHash; v != nil {
		set, args = append(set, "ipfs_hash = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Metadata; v != nil {
		set, args = append(set, "metadata = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	if v := update.Capabilities; v != nil {
		capabilities, err := encodeStrings(*v)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "capabilities = "+placeholder(len(args)+1)), append(args, capabilities)
	}
	if v := update.ModelParameters; v != nil {
		set, args = append(set, "model_parameters = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	if v := update.TotalUses; v != nil {
		set, args = append(set, "total_uses = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.AverageRating; v != nil {
		set, args = append(set, "average_rating = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.TotalRatings; v != nil {
		set, args = append(set, "total_ratings = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Status; v != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.IsListed; v != nil {
		set, args = append(set, "is_listed = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.OwnerID; v != nil {
		set, args = append(set, "owner_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	args = append(args, update.ID)

	stmt := `UPDATE agents SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + agentColumns
	agent, err := scanAgent(d.db.QueryRowContext(ctx, stmt, args...))
	if err == sql.ErrNoRows {
		return nil, notFound("agent", update.ID)
	}
	if err != nil {
		return nil, mapError(err, "failed to update agent")
	}
	return agent, nil
}

func (d *DB) DeleteAgent(ctx context.Context, delete *store.DeleteAgent) error {
	return d.deleteRow(ctx, "agents", "agent", delete.ID)
}

func (d *DB) GetAgentStats(ctx context.Context, agentID int32) (*store.AgentStats, error) {
	stats := &store.AgentStats{}
	query := `SELECT
		a.total_uses,
		a.average_rating,
		a.total_ratings,
		(SELECT COUNT(*) FROM reviews r WHERE r.agent_id = a.id)
		FROM agents a WHERE a.id = ?`
	err := d.db.QueryRowContext(ctx, query, agentID).Scan(
		&stats.TotalUses,
		&stats.AverageRating,
		&stats.TotalRatings,
		&stats.ReviewCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "failed to get agent stats")
	}

	revenue, sales, err := d.sumDecimals(ctx, `SELECT amount FROM transactions WHERE agent_id = ? AND type = 'purchase' AND status = 'completed'`, agentID)
	if err != nil {
		return nil, mapError(err, "failed to sum agent revenue")
	}
	stats.Revenue, stats.TotalSales = revenue, sales
	return stats, nil
}

func agentWhere(find *store.FindAgent) ([]string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if len(find.IDs) > 0 {
		where, args = append(where, "id IN ("+placeholders(len(find.IDs))+")"), append(args, int32Args(find.IDs)...)
	}
	if v := find.TokenID; v != nil {
		where, args = append(where, "token_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.OwnerID; v != nil {
		where, args = append(where, "owner_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.CreatorID; v != nil {
		where, args = append(where, "creator_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Category; v != nil {
		where, args = append(where, "category = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Status; v != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.IsListed; v != nil {
		where, args = append(where, "is_listed = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Query; v != nil && *v != "" {
		pattern := "%" + *v + "%"
		where, args = append(where, "(name LIKE "+placeholder(len(args)+1)+" OR description LIKE "+placeholder(len(args)+2)+")"), append(args, pattern, pattern)
	}
	if v := find.MinPrice; v != nil {
		where, args = append(where, "CAST(price AS REAL) >= CAST("+placeholder(len(args)+1)+" AS REAL)"), append(args, *v)
	}
	if v := find.MaxPrice; v != nil {
		where, args = append(where, "CAST(price AS REAL) <= CAST("+placeholder(len(args)+1)+" AS REAL)"), append(args, *v)
	}
	return where, args
}

func scanAgent(row scanner) (*store.Agent, error) {
	var agent store.Agent
	var tokenID sql.NullString
	var capabilities string
	if err := row.Scan(
		&agent.ID,
		&agent.CreatedTs,
		&agent.UpdatedTs,
		&tokenID,
		&agent.Name,
		&agent.Description,
		&agent.Category,
		&agent.Status,
		&agent.CreatorID,
		&agent.OwnerID,
		&agent.Price,
		&agent.IsListed,
		&agent.RoyaltyPercentage,
		&agent.IPFSHash,
		&agent.Metadata,
		&capabilities,
		&agent.ModelParameters,
		&agent.TotalUses,
		&agent.AverageRating,
		&agent.TotalRatings,
	); err != nil {
		return nil, err
	}
	agent.TokenID = tokenID.String
	list, err := decodeStrings(capabilities)
	if err != nil {
		return nil, err
	}
	agent.Capabilities = list
	return &agent, nil
}
