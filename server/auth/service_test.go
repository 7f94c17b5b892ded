package auth

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/synthr/store"
	storetest "github.com/hrygo/synthr/store/test"
)

func TestWalletSignIn(t *testing.T) {
	ctx := context.Background()
	ts := storetest.NewTestingStore(ctx, t)
	svc := NewService(ts, "test-secret", time.Hour)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	challenge, err := svc.InitWalletAuth(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, AuthMessage(challenge.Nonce), challenge.Message)

	user, err := ts.Users().GetByWallet(ctx, wallet)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, challenge.Nonce, user.Nonce)

	_, err = svc.VerifyWalletAuth(ctx, wallet, signPersonal(t, key, challenge.Message), "wrong-nonce")
	assert.ErrorIs(t, err, ErrAuthFailed)

	token, err := svc.VerifyWalletAuth(ctx, wallet, signPersonal(t, key, challenge.Message), challenge.Nonce)
	require.NoError(t, err)
	assert.Equal(t, user.ID, token.UserID)
	assert.Equal(t, "bearer", token.TokenType)

	claims, err := svc.Authenticate(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	// The nonce is single use.
	_, err = svc.VerifyWalletAuth(ctx, wallet, signPersonal(t, key, challenge.Message), challenge.Nonce)
	assert.ErrorIs(t, err, ErrAuthFailed)

	// A second challenge reuses the user.
	again, err := svc.InitWalletAuth(ctx, wallet)
	require.NoError(t, err)
	assert.NotEqual(t, challenge.Nonce, again.Nonce)
	count, err := ts.Users().Count(ctx, &store.FindUser{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestWalletSignInRejectsOtherSigner(t *testing.T) {
	ctx := context.Background()
	ts := storetest.NewTestingStore(ctx, t)
	svc := NewService(ts, "test-secret", time.Hour)

	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	intruder, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(owner.PublicKey).Hex()

	challenge, err := svc.InitWalletAuth(ctx, wallet)
	require.NoError(t, err)
	_, err = svc.VerifyWalletAuth(ctx, wallet, signPersonal(t, intruder, challenge.Message), challenge.Nonce)
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = svc.InitWalletAuth(ctx, "0xnope")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAuthenticateDeactivatedUser(t *testing.T) {
	ctx := context.Background()
	ts := storetest.NewTestingStore(ctx, t)
	svc := NewService(ts, "test-secret", time.Hour)

	user, err := ts.Users().CreateWithWallet(ctx, "0x2546bcd3c84621e976d8185a91a922ae77ecec30")
	require.NoError(t, err)
	token, _, err := GenerateAccessToken(user.ID, user.WalletAddress, time.Hour, []byte("test-secret"))
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, token)
	require.NoError(t, err)
	_, err = ts.Users().Deactivate(ctx, user.ID)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrInactiveUser)
}
