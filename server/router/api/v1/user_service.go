package v1

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	apierrors "github.com/hrygo/synthr/server/internal/errors"
	"github.com/hrygo/synthr/store"
)

type UpdateUserRequest struct {
	Username    *string         `json:"username" validate:"omitempty,min=3,max=32,alphanumunicode"`
	Email       *string         `json:"email" validate:"omitempty,email,max=255"`
	Profile     json.RawMessage `json:"profile"`
	Preferences json.RawMessage `json:"preferences"`
}

type SearchUsersRequest struct {
	Page
	Query string `query:"q" validate:"required,min=2,max=64"`
}

// UpdateCurrentUser edits the profile of the signed-in user.
// PATCH /api/v1/users/me
func (s *APIV1Service) UpdateCurrentUser(c echo.Context) error {
	var req UpdateUserRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	user, err := s.getUser(c, currentUserID(c))
	if err != nil {
		return err
	}

	update := &store.UpdateUser{Email: req.Email}
	if req.Username != nil && *req.Username != user.Username {
		taken, err := s.Store.Users().IsUsernameTaken(ctx, *req.Username, user.ID)
		if err != nil {
			return err
		}
		if taken {
			return apierrors.Conflict("username is already taken").WithDetail("username", *req.Username)
		}
		update.Username = req.Username
	}
	if len(req.Profile) > 0 {
		v, err := jsonObject("profile", req.Profile)
		if err != nil {
			return err
		}
		update.Profile = &v
	}
	if len(req.Preferences) > 0 {
		v, err := jsonObject("preferences", req.Preferences)
		if err != nil {
			return err
		}
		update.Preferences = &v
	}

	updated, err := s.Store.Users().Update(ctx, user, update)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, publicUser(updated))
}

// GetCurrentUserStats returns the marketplace activity of the signed-in user.
// GET /api/v1/users/me/stats
func (s *APIV1Service) GetCurrentUserStats(c echo.Context) error {
	stats, err := s.Store.Users().Stats(c.Request().Context(), currentUserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// SearchUsers finds users by username or email.
// GET /api/v1/users/search?q=
func (s *APIV1Service) SearchUsers(c echo.Context) error {
	var req SearchUsersRequest
	if err := s.bindQuery(c, &req); err != nil {
		return err
	}
	users, err := s.Store.Users().Search(c.Request().Context(), req.Query, req.Offset, req.limit())
	if err != nil {
		return err
	}
	public := make([]*store.User, 0, len(users))
	for _, u := range users {
		public = append(public, publicUser(u))
	}
	return c.JSON(http.StatusOK, newList(public, req.Page))
}
