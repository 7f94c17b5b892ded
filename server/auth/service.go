package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/synthr/store"
)

var (
	// ErrInvalidAddress is returned for a malformed wallet address.
	ErrInvalidAddress = errors.New("invalid wallet address")
	// ErrAuthFailed is returned when the nonce or the signature does not match.
	ErrAuthFailed = errors.New("wallet authentication failed")
	// ErrInactiveUser is returned when a deactivated user signs in.
	ErrInactiveUser = errors.New("user is deactivated")
)

// Challenge is the message a wallet must sign to sign in.
type Challenge struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      int32     `json:"user_id"`
}

// Service signs users in with a wallet signature over a single-use nonce.
type Service struct {
	Store  *store.Store
	Secret string
	TTL    time.Duration
}

func NewService(s *store.Store, secret string, ttl time.Duration) *Service {
	return &Service{Store: s, Secret: secret, TTL: ttl}
}

// InitWalletAuth creates the user of a wallet on first contact and stores a fresh
// nonce for it.
func (s *Service) InitWalletAuth(ctx context.Context, wallet string) (*Challenge, error) {
	if !IsValidAddress(wallet) {
		return nil, ErrInvalidAddress
	}

	users := s.Store.Users()
	user, err := users.GetByWallet(ctx, wallet)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find user")
	}
	if user == nil {
		user, err = users.CreateWithWallet(ctx, wallet)
		if errors.Is(err, store.ErrConflict) {
			// Another request created the user first.
			user, err = users.GetByWallet(ctx, wallet)
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to create user")
		}
		slog.Info("created user for wallet", slog.Int("userID", int(user.ID)))
	}

	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	if _, err := users.UpdateNonce(ctx, user.ID, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to store nonce")
	}
	return &Challenge{Nonce: nonce, Message: AuthMessage(nonce)}, nil
}

// VerifyWalletAuth checks the signature over the stored nonce, consumes the nonce
// and issues an access token.
func (s *Service) VerifyWalletAuth(ctx context.Context, wallet, signature, nonce string) (*Token, error) {
	if !IsValidAddress(wallet) {
		return nil, ErrInvalidAddress
	}

	users := s.Store.Users()
	user, err := users.GetByWallet(ctx, wallet)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find user")
	}
	if user == nil {
		return nil, ErrAuthFailed
	}
	// The cached copy may lag behind a concurrent nonce refresh, so the nonce is
	// read from the store.
	current, err := users.Mutate(ctx, user.ID, func(current *store.User) (*store.UpdateUser, error) {
		if current.Nonce == "" || subtle.ConstantTimeCompare([]byte(current.Nonce), []byte(nonce)) != 1 {
			return nil, ErrAuthFailed
		}
		ok, err := VerifySignature(wallet, AuthMessage(nonce), signature)
		if err != nil || !ok {
			return nil, ErrAuthFailed
		}
		if !current.IsActive {
			return nil, ErrInactiveUser
		}
		cleared := ""
		return &store.UpdateUser{Nonce: &cleared}, nil
	})
	if err != nil {
		return nil, err
	}

	accessToken, expiresAt, err := GenerateAccessToken(current.ID, current.WalletAddress, s.TTL, []byte(s.Secret))
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt,
		UserID:      current.ID,
	}, nil
}

// Authenticate resolves a bearer token to its claims. The user must still exist
// and be active.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*ClaimsMessage, error) {
	claims, err := ParseAccessToken(accessToken, []byte(s.Secret))
	if err != nil {
		return nil, err
	}
	user, err := s.Store.Users().Get(ctx, claims.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find user")
	}
	if user == nil || !user.IsActive {
		return nil, ErrInactiveUser
	}
	return claims, nil
}
