package scenesync

import (
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the session-relevant payload of the signed token. The
// signature is not verified here; the broker and auth host validate it.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
	Publish   []string
	Subscribe []string
}

// ParseTokenClaimsUnverified recovers the topic claims from a token.
// Missing or malformed publish claims are fatal to session establishment:
// without them every publish would be rejected remotely.
func ParseTokenClaimsUnverified(token string) (*TokenClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, &AuthError{Message: "bad token", Cause: err}
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	tokenClaims := &TokenClaims{}

	if sub, ok := claims["sub"]; ok {
		if subStr, ok := sub.(string); ok {
			tokenClaims.Subject = subStr
		}
	}
	if exp, ok := claims["exp"]; ok {
		if expFloat, ok := exp.(float64); ok {
			tokenClaims.ExpiresAt = time.Unix(int64(expFloat), 0)
		}
	}
	tokenClaims.Publish = stringListClaim(claims, "publ")
	tokenClaims.Subscribe = stringListClaim(claims, "subs")

	if len(tokenClaims.Publish) == 0 {
		return nil, &AuthError{Message: "permissions not received"}
	}

	return tokenClaims, nil
}

func stringListClaim(claims gojwt.MapClaims, name string) []string {
	value, ok := claims[name]
	if !ok {
		return nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	out := []string{}
	for _, entry := range list {
		if entryStr, ok := entry.(string); ok {
			out = append(out, entryStr)
		}
	}
	return out
}

// CanPublish checks a concrete topic against the token's publish claims.
// Claims are MQTT filters; a trailing `#` matches any suffix and `+`
// matches one segment.
func (self *TokenClaims) CanPublish(topic string) bool {
	for _, filter := range self.Publish {
		if topicMatchesFilter(topic, filter) {
			return true
		}
	}
	return false
}

func (self *TokenClaims) Expired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && self.ExpiresAt.Before(now)
}

func topicMatchesFilter(topic string, filter string) bool {
	topicParts := strings.Split(topic, "/")
	filterParts := strings.Split(filter, "/")
	for i, filterPart := range filterParts {
		if filterPart == "#" {
			return true
		}
		if len(topicParts) <= i {
			return false
		}
		if filterPart != "+" && filterPart != topicParts[i] {
			return false
		}
	}
	return len(topicParts) == len(filterParts)
}
