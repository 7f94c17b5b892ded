package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/synthr/store"
)

type TransactionQuery struct {
	Page
	Type string `query:"type" validate:"omitempty,oneof=purchase royalty refund mint"`
}

// ListTransactions returns the transactions the user bought or sold.
// GET /api/v1/transactions
func (s *APIV1Service) ListTransactions(c echo.Context) error {
	var q TransactionQuery
	if err := s.bindQuery(c, &q); err != nil {
		return err
	}
	var txType *store.TransactionType
	if q.Type != "" {
		t := store.TransactionType(q.Type)
		txType = &t
	}
	list, err := s.Store.Transactions().ListByUser(c.Request().Context(), currentUserID(c), txType, q.Offset, q.limit())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(list, q.Page))
}

// GetTransactionStats aggregates the user's transactions.
// GET /api/v1/transactions/stats
func (s *APIV1Service) GetTransactionStats(c echo.Context) error {
	userID := currentUserID(c)
	stats, err := s.Store.Transactions().Stats(c.Request().Context(), &userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}
