package dispatch

import (
	"regexp"

	"github.com/catlover-bot/pushpipe/internal/models"
)

var expoTokenPattern = regexp.MustCompile(`^Expo(nent)?PushToken\[[A-Za-z0-9+/=_-]+\]$`)

// ValidToken checks the token's shape for the device's provider. Malformed
// tokens are dropped before the gateway ever sees them.
func ValidToken(provider, token string) bool {
	if token == "" {
		return false
	}
	switch provider {
	case "expo":
		return expoTokenPattern.MatchString(token)
	default:
		return len(token) <= 4096
	}
}

// CollectTokens validates and dedupes device tokens, preserving registry
// order (most recently updated first).
func CollectTokens(devices []models.Device) []string {
	seen := make(map[string]struct{}, len(devices))
	tokens := make([]string, 0, len(devices))
	for _, d := range devices {
		if !ValidToken(d.Provider, d.Token) {
			continue
		}
		if _, ok := seen[d.Token]; ok {
			continue
		}
		seen[d.Token] = struct{}{}
		tokens = append(tokens, d.Token)
	}
	return tokens
}
