// ABOUTME: Access-token expiry inspection without signature verification
// ABOUTME: The provider signed the token; only the exp claim matters here

package provider

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpired reports whether the session access token carries an exp claim
// at or before now. Tokens that cannot be parsed or carry no expiry are
// treated as expired: the session cannot be trusted either way.
func TokenExpired(token string, now time.Time) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return !exp.After(now)
}
