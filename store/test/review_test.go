package test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/synthr/store"
)

func TestReviewStore(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	reviews := ts.Reviews()

	creator, err := createTestingUser(ctx, ts, "0x0000000000000000000000000000000000004001")
	require.NoError(t, err)
	reviewer, err := createTestingUser(ctx, ts, "0x0000000000000000000000000000000000004002")
	require.NoError(t, err)
	second, err := createTestingUser(ctx, ts, "0x0000000000000000000000000000000000004003")
	require.NoError(t, err)
	agent, err := createListedAgent(ctx, ts, creator.ID, "Reviewed", store.CategoryContent, "1")
	require.NoError(t, err)

	_, err = reviews.CreateWithUser(ctx, &store.Review{AgentID: agent.ID, Rating: decimal.RequireFromString("5.5")}, reviewer.ID, creator.ID)
	require.ErrorIs(t, err, store.ErrInvalidArgument)
	_, err = reviews.CreateWithUser(ctx, &store.Review{AgentID: agent.ID, Rating: decimal.NewFromInt(-1)}, reviewer.ID, creator.ID)
	require.ErrorIs(t, err, store.ErrInvalidArgument)

	first, err := reviews.CreateWithUser(ctx, &store.Review{
		AgentID: agent.ID,
		Rating:  decimal.RequireFromString("4.46"),
		Comment: "solid",
	}, reviewer.ID, creator.ID)
	require.NoError(t, err)
	require.Equal(t, "4.5", first.Rating.String())
	require.False(t, first.IsEdited)

	stats, err := reviews.Stats(ctx, &agent.ID, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalReviews)

	// One review per reviewer and agent, enforced by the schema.
	_, err = reviews.CreateWithUser(ctx, &store.Review{AgentID: agent.ID, Rating: decimal.NewFromInt(1)}, reviewer.ID, creator.ID)
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = reviews.CreateWithUser(ctx, &store.Review{AgentID: agent.ID, Rating: decimal.NewFromInt(3)}, second.ID, creator.ID)
	require.NoError(t, err)

	stats, err = reviews.Stats(ctx, &agent.ID, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.TotalReviews)
	require.EqualValues(t, 0, stats.VerifiedReviews)
	require.True(t, stats.AverageRating.Equal(decimal.RequireFromString("3.75")))
	require.EqualValues(t, 1, stats.RatingDistribution["4.5"])
	require.EqualValues(t, 1, stats.RatingDistribution["3.0"])

	verified, err := reviews.VerifyPurchase(ctx, first.ID, true)
	require.NoError(t, err)
	require.True(t, verified.IsVerifiedPurchase)
	onlyVerified, err := reviews.ListByAgent(ctx, agent.ID, true, 0, 10)
	require.NoError(t, err)
	require.Len(t, onlyVerified, 1)
	require.Equal(t, first.ID, onlyVerified[0].ID)

	rating := decimal.NewFromInt(2)
	edited, err := reviews.Update(ctx, verified, &store.UpdateReview{Rating: &rating})
	require.NoError(t, err)
	require.True(t, edited.IsEdited)
	require.True(t, edited.Rating.Equal(rating))

	tooHigh := decimal.NewFromInt(6)
	_, err = reviews.Update(ctx, edited, &store.UpdateReview{Rating: &tooHigh})
	require.ErrorIs(t, err, store.ErrInvalidArgument)

	written, err := reviews.ListByUser(ctx, reviewer.ID, false, 0, 10)
	require.NoError(t, err)
	require.Len(t, written, 1)
	received, err := reviews.ListByUser(ctx, creator.ID, true, 0, 10)
	require.NoError(t, err)
	require.Len(t, received, 2)

	// The schema bounds ratings for writes that skip the repository.
	_, err = ts.GetDriver().CreateReview(ctx, &store.Review{
		AgentID:        agent.ID,
		ReviewerID:     creator.ID,
		AgentCreatorID: creator.ID,
		Rating:         decimal.NewFromInt(6),
	})
	require.Error(t, err)

	creatorStats, err := reviews.Stats(ctx, nil, &creator.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, creatorStats.TotalReviews)
	require.EqualValues(t, 1, creatorStats.VerifiedReviews)
	require.True(t, creatorStats.AverageRating.Equal(decimal.RequireFromString("2.5")))
}
