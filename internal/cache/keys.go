package cache

import "fmt"

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// LoginStateKey holds the pending code hash between SendCode and SignIn.
func LoginStateKey(identityKey string) string {
	return fmt.Sprintf("login:%s", identityKey)
}
