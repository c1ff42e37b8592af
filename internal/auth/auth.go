// Package auth verifies the token presented in the WebSocket handshake.
// Token issuance happens elsewhere; this package only consumes the
// decision: either the static shared secret matches, or the token is a
// valid fernet token signed with the configured key and young enough.
package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// Verifier checks handshake tokens.
type Verifier struct {
	secret    string
	fernetKey *fernet.Key
	ttl       time.Duration
}

// NewVerifier builds a Verifier. secret may be empty (open server, used
// in tests and trusted deployments); fernetKey may be empty to disable
// signed tokens.
func NewVerifier(secret, fernetKey string, ttl time.Duration) (*Verifier, error) {
	v := &Verifier{secret: secret, ttl: ttl}
	if fernetKey != "" {
		k, err := fernet.DecodeKey(fernetKey)
		if err != nil {
			return nil, fmt.Errorf("decode fernet key: %w", err)
		}
		v.fernetKey = k
	}
	return v, nil
}

// Verify reports whether token authenticates the connection.
func (v *Verifier) Verify(token string) bool {
	if v.secret == "" && v.fernetKey == nil {
		return true
	}
	if v.secret != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(v.secret)) == 1 {
		return true
	}
	if v.fernetKey != nil {
		if msg := fernet.VerifyAndDecrypt([]byte(token), v.ttl, []*fernet.Key{v.fernetKey}); msg != nil {
			return true
		}
	}
	return false
}
