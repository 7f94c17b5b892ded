package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apierrors "github.com/hrygo/synthr/server/internal/errors"
	"github.com/hrygo/synthr/store"
)

type ReviewQuery struct {
	Page
	VerifiedOnly bool `query:"verified_only"`
}

type CreateReviewRequest struct {
	Rating        string `json:"rating" validate:"required,decimal_nonnegative"`
	Comment       string `json:"comment" validate:"required,min=10,max=1000"`
	UsageDuration *int32 `json:"usage_duration" validate:"omitempty,gte=0"`
	UsageContext  string `json:"usage_context" validate:"max=200"`
}

// ListAgentReviews returns the reviews of an agent, newest first.
// GET /api/v1/agents/:id/reviews
func (s *APIV1Service) ListAgentReviews(c echo.Context) error {
	var q ReviewQuery
	if err := s.bindQuery(c, &q); err != nil {
		return err
	}
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	reviews, err := s.Store.Reviews().ListByAgent(c.Request().Context(), agent.ID, q.VerifiedOnly, q.Offset, q.limit())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(reviews, q.Page))
}

// CreateReview rates an agent and refreshes its rating aggregate. A review by
// a user with a completed purchase of the agent is marked verified.
// POST /api/v1/agents/:id/reviews
func (s *APIV1Service) CreateReview(c echo.Context) error {
	var req CreateReviewRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	rating, err := parseDecimal("rating", req.Rating)
	if err != nil {
		return err
	}
	if err := store.ValidateRating(rating); err != nil {
		return apierrors.Wrap(err, apierrors.ErrCodeInvalidArgument, "rating must be between 0 and 5").WithDetail("rating", "lte=5")
	}
	agent, err := s.loadAgent(c)
	if err != nil {
		return err
	}
	reviewerID := currentUserID(c)
	if agent.CreatorID == reviewerID {
		return apierrors.Forbidden("creators cannot review their own agents")
	}

	ctx := c.Request().Context()
	reviewed, err := s.Store.Reviews().Count(ctx, &store.FindReview{AgentID: &agent.ID, ReviewerID: &reviewerID})
	if err != nil {
		return err
	}
	if reviewed > 0 {
		return apierrors.Conflict("agent already reviewed by this user")
	}
	completed := store.TransactionCompleted
	purchases, err := s.Store.Transactions().Count(ctx, &store.FindTransaction{
		AgentID: &agent.ID,
		BuyerID: &reviewerID,
		Status:  &completed,
	})
	if err != nil {
		return err
	}

	review, err := s.Store.Reviews().CreateWithUser(ctx, &store.Review{
		AgentID:            agent.ID,
		Rating:             rating,
		Comment:            req.Comment,
		IsVerifiedPurchase: purchases > 0,
		UsageDuration:      req.UsageDuration,
		UsageContext:       req.UsageContext,
	}, reviewerID, agent.CreatorID)
	if err != nil {
		return err
	}

	stats, err := s.Store.Reviews().Stats(ctx, &agent.ID, nil)
	if err != nil {
		return err
	}
	if _, err := s.Store.Agents().RecordRating(ctx, agent.ID, stats.AverageRating, int32(stats.TotalReviews)); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, review)
}
