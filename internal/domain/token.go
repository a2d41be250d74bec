package domain

import "strings"

// LocalDevTokenPrefix marks self-issued tokens that are trusted without a remote check.
const LocalDevTokenPrefix = "local-dev-token-"

func LocalDevToken(username string) string {
	return LocalDevTokenPrefix + username
}

func IsLocalDevToken(token string) bool {
	return strings.HasPrefix(token, LocalDevTokenPrefix)
}

// TokenFlavor is safe to log, unlike the token itself.
func TokenFlavor(token string) string {
	switch {
	case token == "":
		return "none"
	case IsLocalDevToken(token):
		return "local-dev"
	default:
		return "remote"
	}
}

// AuthHeader returns the Authorization header value, or "" when no token is held.
func AuthHeader(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}
