package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/synthr/server/auth"
	apierrors "github.com/hrygo/synthr/server/internal/errors"
	"github.com/hrygo/synthr/store"
)

type NonceRequest struct {
	WalletAddress string `json:"wallet_address" validate:"required,eth_addr_any"`
}

type VerifyRequest struct {
	WalletAddress string `json:"wallet_address" validate:"required,eth_addr_any"`
	Signature     string `json:"signature" validate:"required,hexadecimal"`
	Nonce         string `json:"nonce" validate:"required,hexadecimal"`
}

// CreateNonce issues a sign-in challenge for a wallet.
// POST /api/v1/auth/nonce
func (s *APIV1Service) CreateNonce(c echo.Context) error {
	var req NonceRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	challenge, err := s.Auth.InitWalletAuth(c.Request().Context(), req.WalletAddress)
	if err != nil {
		return mapAuthError(err)
	}
	return c.JSON(http.StatusOK, challenge)
}

// VerifySignature exchanges a signed challenge for an access token.
// POST /api/v1/auth/verify
func (s *APIV1Service) VerifySignature(c echo.Context) error {
	var req VerifyRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	token, err := s.Auth.VerifyWalletAuth(c.Request().Context(), req.WalletAddress, req.Signature, req.Nonce)
	if err != nil {
		return mapAuthError(err)
	}
	return c.JSON(http.StatusOK, token)
}

// GetCurrentUser returns the signed-in user.
// GET /api/v1/auth/me
func (s *APIV1Service) GetCurrentUser(c echo.Context) error {
	user, err := s.getUser(c, currentUserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, publicUser(user))
}

func (s *APIV1Service) getUser(c echo.Context, id int32) (*store.User, error) {
	user, err := s.Store.Users().Get(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apierrors.NotFound("user %d not found", id)
	}
	return user, nil
}

// publicUser hides the pending sign-in nonce.
func publicUser(u *store.User) *store.User {
	out := *u
	out.Nonce = ""
	return &out
}

func mapAuthError(err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidAddress):
		return apierrors.Wrap(err, apierrors.ErrCodeInvalidArgument, "invalid wallet address")
	case errors.Is(err, auth.ErrAuthFailed):
		return apierrors.Wrap(err, apierrors.ErrCodeUnauthorized, "signature verification failed")
	case errors.Is(err, auth.ErrInactiveUser):
		return apierrors.Wrap(err, apierrors.ErrCodeForbidden, "user is deactivated")
	}
	return err
}
