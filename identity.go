package mercadillo

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the engine's view of the current user, decoded from the stored
// credential. A zero Identity means "not signed in".
type Identity struct {
	UserID    string
	IsSupport bool
}

// ResolveIdentity extracts the current user id and role from a stored
// credential blob. The blob is either a bearer token or a JSON wrapper around
// one. Decoding failures fail soft: the zero Identity is returned, never an
// error.
func ResolveIdentity(credential string) Identity {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}
	}

	token := unwrapCredential(credential)
	token = strings.TrimPrefix(token, "Bearer ")
	if strings.Count(token, ".") != 2 {
		return Identity{}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}
	}

	return Identity{
		UserID:    claimString(claims, "sub", "userId", "user_id", "uid"),
		IsSupport: claimSupport(claims),
	}
}

// unwrapCredential peels a JSON wrapper ({"token": "..."} and friends) off a
// stored credential, returning the inner bearer token. Non-JSON input is
// returned as-is.
func unwrapCredential(credential string) string {
	if !strings.HasPrefix(credential, "{") {
		return credential
	}
	var wrapper map[string]any
	if err := json.Unmarshal([]byte(credential), &wrapper); err != nil {
		return credential
	}
	for _, key := range []string{"token", "accessToken", "access_token", "idToken", "jwt"} {
		if v, ok := wrapper[key].(string); ok && v != "" {
			return v
		}
	}
	return credential
}

func claimString(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func claimSupport(claims jwt.MapClaims) bool {
	switch role := claims["role"].(type) {
	case string:
		switch strings.ToLower(role) {
		case "admin", "support", "soporte":
			return true
		}
	}
	for _, key := range []string{"isAdmin", "isSupport", "admin"} {
		if v, ok := claims[key].(bool); ok && v {
			return true
		}
	}
	return false
}
