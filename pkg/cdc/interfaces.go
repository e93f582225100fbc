package cdc

import "time"

// Decoder turns a change-log row into a normalized Change
type Decoder interface {
	// Decode returns the Change for the record or a *probeerr.DecodeError
	Decode(rec RawChangeRecord) (Change, error)
}

// DecoderFunc adapts a function to the Decoder interface
type DecoderFunc func(rec RawChangeRecord) (Change, error)

// Decode calls f(rec)
func (f DecoderFunc) Decode(rec RawChangeRecord) (Change, error) {
	return f(rec)
}

// Token is an opaque device credential held in memory only
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token has a known expiry in the past
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// CredentialProvider supplies the current device credential to the sync client
type CredentialProvider interface {
	// CurrentCredential returns the token and whether one is available
	CurrentCredential() (Token, bool)
}
