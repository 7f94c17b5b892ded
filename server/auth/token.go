package auth

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	// Issuer is the issuer of access tokens.
	Issuer = "synthr"
	// KeyID is the key id of the HS256 signing secret.
	KeyID = "v1"
	// AccessTokenAudienceName is the audience of access tokens.
	AccessTokenAudienceName = "user.access-token"
	// TokenTypeWallet marks tokens issued after a wallet signature.
	TokenTypeWallet = "wallet"
)

// ClaimsMessage is the JWT payload of an access token. The subject is the
// checksummed wallet address.
type ClaimsMessage struct {
	UserID int32  `json:"user_id"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

// GenerateAccessToken signs a wallet access token for the user.
func GenerateAccessToken(userID int32, wallet string, ttl time.Duration, secret []byte) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := &ClaimsMessage{
		UserID: userID,
		Type:   TokenTypeWallet,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   ChecksumAddress(wallet),
			Audience:  jwt.ClaimStrings{AccessTokenAudienceName},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        strconv.FormatInt(now.UnixNano(), 36),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = KeyID

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "failed to sign access token")
	}
	return signed, expiresAt, nil
}

// ParseAccessToken verifies the token signature, issuer, audience and expiry
// and returns its claims.
func ParseAccessToken(tokenString string, secret []byte) (*ClaimsMessage, error) {
	claims := &ClaimsMessage{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if kid, ok := t.Header["kid"].(string); !ok || kid != KeyID {
			return nil, errors.Errorf("unexpected kid: %v", t.Header["kid"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(AccessTokenAudienceName),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "invalid access token")
	}
	if claims.UserID <= 0 {
		return nil, errors.New("access token has no user")
	}
	return claims, nil
}
