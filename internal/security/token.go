// Package security keeps the private token out of logs, errors and comments.
package security

import (
	"fmt"
	"strings"
)

const (
	// Tokens shorter than this are fully redacted.
	minTokenLengthForPartialMask = 8
	maskShowChars                = 4
	maskEmpty                    = "[empty]"
	maskRedacted                 = "[redacted]"
)

// tokenPrefixes are the kinds of GitLab access tokens the bot may run with.
var tokenPrefixes = []string{"glpat-", "gloas-", "gldt-", "glsoat-"}

// SecureToken wraps the GitLab private token. String, GoString and every fmt
// verb return a masked value that keeps the token kind:
//
//	token := NewSecureToken("glpat-secret123456")
//	fmt.Printf("%v", token) // [glpat-****3456]
type SecureToken struct {
	value string
}

// NewSecureToken creates a new SecureToken from a string value.
func NewSecureToken(token string) SecureToken {
	return SecureToken{value: strings.TrimSpace(token)}
}

// String implements fmt.Stringer and returns a masked representation.
func (t SecureToken) String() string {
	if t.value == "" {
		return maskEmpty
	}

	kind, secret := t.Kind(), t.value
	if kind != "" {
		secret = strings.TrimPrefix(secret, kind)
	} else {
		kind = "token:"
	}
	if len(secret) < minTokenLengthForPartialMask {
		return maskRedacted
	}

	return fmt.Sprintf("[%s****%s]", kind, secret[len(secret)-maskShowChars:])
}

// GoString implements fmt.GoStringer to prevent leaking in %#v formatting.
func (t SecureToken) GoString() string {
	return t.String()
}

// Kind returns the GitLab token prefix, such as "glpat-", or "" for a legacy
// token without one.
func (t SecureToken) Kind() string {
	for _, prefix := range tokenPrefixes {
		if strings.HasPrefix(t.value, prefix) {
			return prefix
		}
	}
	return ""
}

// Value returns the raw token. Only pass it to an authenticating transport.
func (t SecureToken) Value() string {
	return t.value
}

// IsEmpty reports whether no token was configured.
func (t SecureToken) IsEmpty() bool {
	return t.value == ""
}
