package auth

import (
	"errors"
	"fmt"
)

// ErrorKind names the check a token failed.
type ErrorKind string

const (
	Malformed        ErrorKind = "malformed"
	UnknownKey       ErrorKind = "unknown_key"
	BadSignature     ErrorKind = "bad_signature"
	NotYetValid      ErrorKind = "not_yet_valid"
	Expired          ErrorKind = "expired"
	AudienceMismatch ErrorKind = "audience_mismatch"
	IssuerMismatch   ErrorKind = "issuer_mismatch"
	// Invalid is the only failure of the access-token path.
	Invalid ErrorKind = "invalid"
)

// TokenError is terminal for the request. The kind is for logs and tests;
// it must not be echoed to the client.
type TokenError struct {
	Kind ErrorKind
	Err  error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: token %s: %v", e.Kind, e.Err)
	}
	return "auth: token " + string(e.Kind)
}

func (e *TokenError) Unwrap() error { return e.Err }

func tokenErr(kind ErrorKind, err error) *TokenError {
	return &TokenError{Kind: kind, Err: err}
}

// KindOf returns the kind of a *TokenError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var te *TokenError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
