package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/rbe_session/pkg/tokens"
)

const claimsKey = "claims"

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidBearer = errors.New("invalid bearer token")
)

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get(echo.HeaderAuthorization), "Bearer ")
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func ParseBearer(r *http.Request, secret []byte) (*tokens.AccessClaims, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return nil, ErrMissingBearer
	}
	claims, err := tokens.AccessClaimsFromToken(raw, secret)
	if err != nil {
		return nil, errors.Join(ErrInvalidBearer, err)
	}
	return claims, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// claims for ClaimsFrom.
func RequireAuth(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := ParseBearer(c.Request(), secret)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
			}
			c.Set(claimsKey, claims)
			c.Set("user_id", claims.Subject)
			return next(c)
		}
	}
}

func ClaimsFrom(c echo.Context) (*tokens.AccessClaims, bool) {
	claims, ok := c.Get(claimsKey).(*tokens.AccessClaims)
	return claims, ok
}
