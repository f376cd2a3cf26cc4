package tokenstore

import "fmt"

// FlagValue is the sentinel stored under the flag and signed-out keys.
const FlagValue = "true"

// Default key names, shared by both backends.
const (
	DefaultTokenKey     = "token"
	DefaultFlagKey      = "isAuthenticated"
	DefaultThemeKey     = "theme"
	DefaultUsernameKey  = "username"
	DefaultSignedOutKey = "signedOut"
)

// Keys names the storage keys the store reads and writes. The same names are used
// in the persistent and the volatile backend.
type Keys struct {
	// Token holds the bearer token.
	Token string
	// Flag holds FlagValue while a session is established.
	Flag string
	// Theme is the user's theme preference. The store never writes it but quota
	// recovery preserves it.
	Theme string
	// Username names the account the token was issued to.
	Username string
	// SignedOut holds FlagValue after a logout that could not remove every stored
	// token, for example from a read-only backend. It masks whatever token remains
	// until the next Save.
	SignedOut string
}

// DefaultKeys returns the key names used when none are configured.
func DefaultKeys() Keys {
	return Keys{
		Token:     DefaultTokenKey,
		Flag:      DefaultFlagKey,
		Theme:     DefaultThemeKey,
		Username:  DefaultUsernameKey,
		SignedOut: DefaultSignedOutKey,
	}
}

// withDefaults fills unset names with their defaults.
func (k Keys) withDefaults() Keys {
	d := DefaultKeys()
	if k.Token == "" {
		k.Token = d.Token
	}
	if k.Flag == "" {
		k.Flag = d.Flag
	}
	if k.Theme == "" {
		k.Theme = d.Theme
	}
	if k.Username == "" {
		k.Username = d.Username
	}
	if k.SignedOut == "" {
		k.SignedOut = d.SignedOut
	}
	return k
}

// Validate reports an error when two roles resolve to the same key name.
func (k Keys) Validate() error {
	k = k.withDefaults()
	roles := []struct{ role, name string }{
		{"token", k.Token},
		{"flag", k.Flag},
		{"theme", k.Theme},
		{"username", k.Username},
		{"signed_out", k.SignedOut},
	}

	seen := make(map[string]string, len(roles))
	for _, r := range roles {
		if other, ok := seen[r.name]; ok {
			return fmt.Errorf("storage keys %s and %s both resolve to %q", other, r.role, r.name)
		}
		seen[r.name] = r.role
	}
	return nil
}

// Watches reports whether a change to key can affect the authenticated state.
// The empty key stands for a global clear.
func (k Keys) Watches(key string) bool {
	return key == "" || key == k.Token || key == k.Flag || key == k.SignedOut
}

// preserved reports whether quota recovery must keep key. The token key is not
// exempt: it is the value being rewritten when recovery runs.
func (k Keys) preserved(key string) bool {
	return key == k.Theme || key == k.Flag || key == k.SignedOut
}
