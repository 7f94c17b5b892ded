package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signPersonal signs message the way a browser wallet does, with v as 27/28.
func signPersonal(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(personalMessageHash(message), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig)
}

func TestVerifySignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	message := AuthMessage("abc123")
	sig := signPersonal(t, key, message)

	tests := []struct {
		name    string
		address string
		message string
		sig     string
		want    bool
		wantErr bool
	}{
		{name: "checksummed address", address: address, message: message, sig: sig, want: true},
		{name: "lowercase address", address: strings.ToLower(address), message: message, sig: sig, want: true},
		{name: "other message", address: address, message: AuthMessage("other"), sig: sig, want: false},
		{name: "other signer", address: "0x2546BcD3c84621e976D8185a91A922aE77ECEc30", message: message, sig: sig, want: false},
		{name: "short signature", address: address, message: message, sig: "0x1234", wantErr: true},
		{name: "not hex", address: address, message: message, sig: "zz", wantErr: true},
		{name: "bad address", address: "0x123", message: message, sig: sig, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := VerifySignature(tt.address, tt.message, tt.sig)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestVerifySignatureRawRecoveryID(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	message := AuthMessage("raw")
	sig, err := crypto.Sign(personalMessageHash(message), key)
	require.NoError(t, err)

	ok, err := VerifySignature(crypto.PubkeyToAddress(key.PublicKey).Hex(), message, hex.EncodeToString(sig))
	require.NoError(t, err)
	assert.True(t, ok)

	sig[crypto.RecoveryIDOffset] = 5
	_, err = VerifySignature(crypto.PubkeyToAddress(key.PublicKey).Hex(), message, hex.EncodeToString(sig))
	assert.Error(t, err)
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, a, 2*nonceBytes)
	assert.NotEqual(t, a, b)
	assert.Contains(t, AuthMessage(a), a)
}

func TestChecksumAddress(t *testing.T) {
	assert.Equal(t, "0x2546BcD3c84621e976D8185a91A922aE77ECEc30", ChecksumAddress("0x2546bcd3c84621e976d8185a91a922ae77ecec30"))
	assert.True(t, IsValidAddress(" 0x2546bcd3c84621e976d8185a91a922ae77ecec30 "))
	assert.False(t, IsValidAddress("0x2546bcd3"))
	assert.False(t, IsValidAddress("not an address"))
}
