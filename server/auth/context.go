package auth

import "context"

type contextKey int

const (
	// UserIDContextKey stores the authenticated user id.
	UserIDContextKey contextKey = iota
	claimsContextKey
)

// SetUserClaimsInContext stores the verified token claims and the user id they carry.
func SetUserClaimsInContext(ctx context.Context, claims *ClaimsMessage) context.Context {
	ctx = context.WithValue(ctx, claimsContextKey, claims)
	return context.WithValue(ctx, UserIDContextKey, claims.UserID)
}

// GetUserClaims returns the claims of the authenticated request, or nil.
func GetUserClaims(ctx context.Context) *ClaimsMessage {
	claims, _ := ctx.Value(claimsContextKey).(*ClaimsMessage)
	return claims
}

// GetUserID returns the authenticated user id, or 0 for anonymous requests.
func GetUserID(ctx context.Context) int32 {
	id, _ := ctx.Value(UserIDContextKey).(int32)
	return id
}
