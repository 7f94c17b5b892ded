package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// nonceBytes is the entropy of a sign-in challenge.
const nonceBytes = 32

// NewNonce returns a random hex challenge for a wallet to sign.
func NewNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}
	return hex.EncodeToString(buf), nil
}

// AuthMessage is the text a wallet signs to prove ownership.
func AuthMessage(nonce string) string {
	return "Welcome to SYNTHR! Please sign this message to verify your wallet. Nonce: " + nonce
}

// IsValidAddress reports whether address is a 20 byte hex account address.
func IsValidAddress(address string) bool {
	return common.IsHexAddress(strings.TrimSpace(address))
}

// ChecksumAddress returns the EIP-55 mixed case form of address.
func ChecksumAddress(address string) string {
	return common.HexToAddress(strings.TrimSpace(address)).Hex()
}

// VerifySignature reports whether sigHex is a personal_sign signature of message
// made by the key of address.
func VerifySignature(address, message, sigHex string) (bool, error) {
	if !IsValidAddress(address) {
		return false, errors.Errorf("invalid wallet address %q", address)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"))
	if err != nil {
		return false, errors.Wrap(err, "signature is not hex")
	}
	if len(sig) != crypto.SignatureLength {
		return false, errors.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// Wallets produce v as 27/28, the recovery routine expects 0/1.
	switch sig[crypto.RecoveryIDOffset] {
	case 0, 1:
	case 27, 28:
		sig[crypto.RecoveryIDOffset] -= 27
	default:
		return false, errors.Errorf("invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(personalMessageHash(message), sig)
	if err != nil {
		return false, errors.Wrap(err, "failed to recover public key")
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return strings.EqualFold(recovered.Hex(), ChecksumAddress(address)), nil
}

// personalMessageHash is the EIP-191 version 0x45 digest of message.
func personalMessageHash(message string) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return h.Sum(nil)
}
