package tokenstore

import "strings"

// Record is the stored state of one backend at one instant.
type Record struct {
	Token    string
	Flag     bool
	Username string
	// SignedOut is set when the backend carries the signed-out marker.
	SignedOut bool
}

// HasToken reports whether the record holds a non-empty token.
func (r Record) HasToken() bool { return r.Token != "" }

// Snapshot is the derived view of both backends. It is recomputed from storage on
// every call and never cached.
type Snapshot struct {
	Persistent Record
	Volatile   Record

	// Token is the effective token: persistent if non-empty, else volatile. It is
	// empty while either backend carries the signed-out marker.
	Token string
	// Username comes from the same backend as Token.
	Username string
	// Authenticated is true when a flag is set in either backend and Token is
	// non-empty after trimming whitespace.
	Authenticated bool
	// Divergent is true when both backends hold non-empty but different tokens.
	Divergent bool
	// SignedOut is true when a logout left tokens behind that are now masked.
	SignedOut bool
}

// Reconcile derives the authoritative snapshot from the two stored records.
// A flag without a usable token, or a token without a flag, is unauthenticated.
func Reconcile(persistent, volatile Record) Snapshot {
	snap := Snapshot{
		Persistent: persistent,
		Volatile:   volatile,
		Divergent:  persistent.HasToken() && volatile.HasToken() && persistent.Token != volatile.Token,
		SignedOut:  persistent.SignedOut || volatile.SignedOut,
	}
	if snap.SignedOut {
		return snap
	}

	source := persistent
	if source.Token == "" {
		source = volatile
	}
	snap.Token = source.Token
	snap.Username = source.Username
	snap.Authenticated = (persistent.Flag || volatile.Flag) && validToken(snap.Token)
	return snap
}

func validToken(token string) bool {
	return strings.TrimSpace(token) != ""
}
