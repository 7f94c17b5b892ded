package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hrygo/synthr/store"
)

const reviewColumns = `id, created_ts, updated_ts, agent_id, reviewer_id, agent_creator_id, rating,
	comment, is_verified_purchase, is_edited, usage_duration, usage_context`

func (d *DB) CreateReview(ctx context.Context, create *store.Review) (*store.Review, error) {
	fields := []string{"agent_id", "reviewer_id", "agent_creator_id", "rating", "comment", "is_verified_purchase", "is_edited", "usage_duration", "usage_context"}
	args := []any{
		create.AgentID, create.ReviewerID, create.AgentCreatorID, create.Rating, create.Comment,
		create.IsVerifiedPurchase, create.IsEdited, create.UsageDuration, create.UsageContext,
	}

	stmt := `INSERT INTO reviews (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING ` + reviewColumns
	review, err := scanReview(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, mapError(err, "failed to create review")
	}
	return review, nil
}

func (d *DB) ListReviews(ctx context.Context, find *store.FindReview) ([]*store.Review, error) {
	where, args := reviewWhere(find)
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_ts DESC, id DESC` + pageClause(find.Limit, find.Offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to query reviews")
	}
	defer rows.Close()

	list := []*store.Review{}
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, mapError(err, "failed to scan review")
		}
		list = append(list, review)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate reviews")
	}
	return list, nil
}

func (d *DB) CountReviews(ctx context.Context, find *store.FindReview) (int64, error) {
	where, args := reviewWhere(find)
	var count int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reviews WHERE `+strings.Join(where, " AND "), args...).Scan(&count); err != nil {
		return 0, mapError(err, "failed to count reviews")
	}
	return count, nil
}

func (d *DB) UpdateReview(ctx context.Context, update *store.UpdateReview) (*store.Review, error) {
	set, args := []string{"updated_ts = " + placeholder(1)}, []any{time.Now().Unix()}
	if v := update.Rating; v != nil {
		set, args = append(set, "rating = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Comment; v != nil {
		set, args = append(set, "comment = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.IsVerifiedPurchase; v != nil {
		set, args = append(set, "is_verified_purchase = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.IsEdited; v != nil {
		set, args = append(set, "is_edited = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.UsageDuration; v != nil {
		set, args = append(set, "usage_duration = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.UsageContext; v != nil {
		set, args = append(set, "usage_context = "+placeholder(len(args)+1)), append(args, *v)
	}
	args = append(args, update.ID)

	stmt := `UPDATE reviews SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + reviewColumns
	review, err := scanReview(d.db.QueryRowContext(ctx, stmt, args...))
	if err == sql.ErrNoRows {
		return nil, notFound("review", update.ID)
	}
	if err != nil {
		return nil, mapError(err, "failed to update review")
	}
	return review, nil
}

func (d *DB) DeleteReview(ctx context.Context, delete *store.DeleteReview) error {
	return d.deleteRow(ctx, "reviews", "review", delete.ID)
}

func (d *DB) GetReviewStats(ctx context.Context, agentID, userID *int32) (*store.ReviewStats, error) {
	where, args := []string{"1 = 1"}, []any{}
	if agentID != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *agentID)
	}
	if userID != nil {
		where, args = append(where, "agent_creator_id = "+placeholder(len(args)+1)), append(args, *userID)
	}

	rows, err := d.db.QueryContext(ctx, `SELECT rating, COUNT(*), SUM(CASE WHEN is_verified_purchase THEN 1 ELSE 0 END)
		FROM reviews WHERE `+strings.Join(where, " AND ")+` GROUP BY rating`, args...)
	if err != nil {
		return nil, mapError(err, "failed to query review stats")
	}
	defer rows.Close()

	stats := &store.ReviewStats{RatingDistribution: map[string]int64{}}
	sum := decimal.Zero
	for rows.Next() {
		var rating decimal.Decimal
		var count, verified int64
		if err := rows.Scan(&rating, &count, &verified); err != nil {
			return nil, mapError(err, "failed to scan review stats")
		}
		stats.RatingDistribution[rating.StringFixed(1)] += count
		stats.TotalReviews += count
		stats.VerifiedReviews += verified
		sum = sum.Add(rating.Mul(decimal.NewFromInt(count)))
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate review stats")
	}
	if stats.TotalReviews > 0 {
		stats.AverageRating = sum.Div(decimal.NewFromInt(stats.TotalReviews)).Round(2)
	}
	return stats, nil
}

func reviewWhere(find *store.FindReview) ([]string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if len(find.IDs) > 0 {
		where, args = append(where, "id IN ("+placeholders(len(find.IDs))+")"), append(args, int32Args(find.IDs)...)
	}
	if v := find.AgentID; v != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.ReviewerID; v != nil {
		where, args = append(where, "reviewer_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.AgentCreatorID; v != nil {
		where, args = append(where, "agent_creator_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if find.VerifiedOnly {
		where = append(where, "is_verified_purchase")
	}
	return where, args
}

func scanReview(row scanner) (*store.Review, error) {
	var review store.Review
	var usageDuration sql.NullInt32
	if err := row.Scan(
		&review.ID,
		&review.CreatedTs,
		&review.UpdatedTs,
		&review.AgentID,
		&review.ReviewerID,
		&review.AgentCreatorID,
		&review.Rating,
		&review.Comment,
		&review.IsVerifiedPurchase,
		&review.IsEdited,
		&usageDuration,
		&review.UsageContext,
	); err != nil {
		return nil, err
	}
	review.UsageDuration = nullInt32(usageDuration)
	return &review, nil
}
