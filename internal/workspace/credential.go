package workspace

import (
	"encoding/base64"
	"log/slog"
)

const redacted = "[REDACTED]"

// Credential is a secret used to authenticate a single source fetch.
// Every textual or serialized form of it is redacted.
type Credential struct {
	username string
	secret   string
}

// NewCredential returns nil when secret is empty so callers can pass it
// through unconditionally.
func NewCredential(username, secret string) *Credential {
	if secret == "" {
		return nil
	}
	return &Credential{username: username, secret: secret}
}

func (c *Credential) String() string   { return redacted }
func (c *Credential) GoString() string { return redacted }

func (c *Credential) LogValue() slog.Value { return slog.StringValue(redacted) }

func (c *Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (c *Credential) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// basicAuth encodes the credential the way git hosts expect a token: as
// the user part when no username is set, or as the password otherwise.
func (c *Credential) basicAuth() string {
	pair := c.username + ":" + c.secret
	if c.username == "" {
		pair = c.secret + ":"
	}
	return base64.StdEncoding.EncodeToString([]byte(pair))
}

func (c *Credential) value() string {
	if c == nil {
		return ""
	}
	return c.secret
}
