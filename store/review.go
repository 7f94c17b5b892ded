package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/hrygo/synthr/store/cache"
)

var (
	minRating = decimal.Zero
	maxRating = decimal.NewFromInt(5)
)

// Review is a rating a user gave an agent.
type Review struct {
	ID        int32 `json:"id"`
	CreatedTs int64 `json:"created_ts"`
	UpdatedTs int64 `json:"updated_ts"`

	AgentID        int32 `json:"agent_id"`
	ReviewerID     int32 `json:"reviewer_id"`
	AgentCreatorID int32 `json:"agent_creator_id"`

	// Rating is in [0, 5] with one decimal place.
	Rating  decimal.Decimal `json:"rating"`
	Comment string          `json:"comment"`

	IsVerifiedPurchase bool `json:"is_verified_purchase"`
	IsEdited           bool `json:"is_edited"`

	// UsageDuration is how many days the reviewer used the agent.
	UsageDuration *int32 `json:"usage_duration,omitempty"`
	UsageContext  string `json:"usage_context,omitempty"`
}

func (r *Review) PrimaryKey() int32 { return r.ID }

type FindReview struct {
	ID             *int32  `json:"id,omitempty"`
	IDs            []int32 `json:"ids,omitempty"`
	AgentID        *int32  `json:"agent_id,omitempty"`
	ReviewerID     *int32  `json:"reviewer_id,omitempty"`
	AgentCreatorID *int32  `json:"agent_creator_id,omitempty"`
	VerifiedOnly   bool    `json:"verified_only,omitempty"`

	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

type UpdateReview struct {
	ID int32

	Rating             *decimal.Decimal
	Comment            *string
	IsVerifiedPurchase *bool
	IsEdited           *bool
	UsageDuration      *int32
	UsageContext       *string
}

type DeleteReview struct {
	ID int32
}

type ReviewStats struct {
	TotalReviews    int64           `json:"total_reviews"`
	AverageRating   decimal.Decimal `json:"average_rating"`
	VerifiedReviews int64           `json:"verified_reviews"`
	// RatingDistribution maps a rating such as "4.5" to the number of reviews with it.
	RatingDistribution map[string]int64 `json:"rating_distribution"`
}

// ValidateRating reports ErrInvalidArgument for a rating outside [0, 5].
func ValidateRating(rating decimal.Decimal) error {
	if rating.LessThan(minRating) || rating.GreaterThan(maxRating) {
		return errors.Wrapf(ErrInvalidArgument, "rating %s outside [0, 5]", rating)
	}
	return nil
}

type ReviewRepository struct {
	*Repository[*Review, FindReview, UpdateReview]
	driver Driver
}

func newReviewRepository(driver Driver, c cache.Store) *ReviewRepository {
	repo := &ReviewRepository{driver: driver}
	repo.Repository = NewRepository(c, "review", DefaultTTL, Backend[*Review, FindReview, UpdateReview]{
		Create: driver.CreateReview,
		List:   driver.ListReviews,
		Count:  driver.CountReviews,
		Update: func(ctx context.Context, id int32, update *UpdateReview) (*Review, error) {
			update.ID = id
			return driver.UpdateReview(ctx, update)
		},
		Delete: func(ctx context.Context, id int32) error {
			return driver.DeleteReview(ctx, &DeleteReview{ID: id})
		},
		ByID:  func(id int32) *FindReview { return &FindReview{ID: &id} },
		ByIDs: func(ids []int32) *FindReview { return &FindReview{IDs: ids} },
	}).WithSync(repo.sync)
	return repo
}

// CreateWithUser creates a review of an agent by reviewerID.
func (r *ReviewRepository) CreateWithUser(ctx context.Context, create *Review, reviewerID, agentCreatorID int32) (*Review, error) {
	if err := ValidateRating(create.Rating); err != nil {
		return nil, err
	}
	create.ReviewerID = reviewerID
	create.AgentCreatorID = agentCreatorID
	create.Rating = create.Rating.Round(1)
	create.IsEdited = false
	return r.Create(ctx, create)
}

// Update edits a review. The rating is range checked and the review marked edited.
func (r *ReviewRepository) Update(ctx context.Context, existing *Review, update *UpdateReview) (*Review, error) {
	if update.Rating != nil {
		if err := ValidateRating(*update.Rating); err != nil {
			return nil, err
		}
		rounded := update.Rating.Round(1)
		update.Rating = &rounded
	}
	if update.Rating != nil || update.Comment != nil || update.UsageContext != nil || update.UsageDuration != nil {
		edited := true
		update.IsEdited = &edited
	}
	return r.Repository.Update(ctx, existing, update)
}

// ListByAgent returns the reviews of an agent, newest first.
func (r *ReviewRepository) ListByAgent(ctx context.Context, agentID int32, verifiedOnly bool, offset, limit int) ([]*Review, error) {
	key := r.Key("agent", itoa(agentID), boolSegment(verifiedOnly), itoa(int32(offset)), itoa(int32(limit)))
	return cachedValue(ctx, r.Cache(), key, DerivedTTL, func() ([]*Review, error) {
		return r.driver.ListReviews(ctx, &FindReview{AgentID: &agentID, VerifiedOnly: verifiedOnly, Offset: &offset, Limit: &limit})
	})
}

// ListByUser returns the reviews a user wrote, or with asCreator the reviews of
// agents the user created.
func (r *ReviewRepository) ListByUser(ctx context.Context, userID int32, asCreator bool, offset, limit int) ([]*Review, error) {
	key := r.Key("user", itoa(userID), boolSegment(asCreator), itoa(int32(offset)), itoa(int32(limit)))
	return cachedValue(ctx, r.Cache(), key, DerivedTTL, func() ([]*Review, error) {
		find := &FindReview{Offset: &offset, Limit: &limit}
		if asCreator {
			find.AgentCreatorID = &userID
		} else {
			find.ReviewerID = &userID
		}
		return r.driver.ListReviews(ctx, find)
	})
}

// Stats aggregates the reviews of an agent and/or of the agents a user created.
func (r *ReviewRepository) Stats(ctx context.Context, agentID, userID *int32) (*ReviewStats, error) {
	key := r.Key("stats", "agent"+optSegment(agentID, ""), "user"+optSegment(userID, ""))
	return cachedValue(ctx, r.Cache(), key, DerivedTTL, func() (*ReviewStats, error) {
		return r.driver.GetReviewStats(ctx, agentID, userID)
	})
}

// VerifyPurchase sets whether the reviewer bought the agent.
func (r *ReviewRepository) VerifyPurchase(ctx context.Context, id int32, verified bool) (*Review, error) {
	return r.Mutate(ctx, id, func(*Review) (*UpdateReview, error) {
		return &UpdateReview{IsVerifiedPurchase: &verified}, nil
	})
}

func (r *ReviewRepository) sync(ctx context.Context, _, cur *Review) {
	r.Invalidate(ctx, "agent")
	r.Invalidate(ctx, "user")
	r.Invalidate(ctx, "stats")
	r.Invalidate(ctx, "count")
	r.Cache().Delete(ctx, agentStatsKey(cur.AgentID))
	r.Cache().Delete(ctx, userStatsKey(cur.AgentCreatorID))
}

func boolSegment(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
