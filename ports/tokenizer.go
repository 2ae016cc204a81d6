package ports

import "github.com/layer-3/tollgate/core"

// Tokenizer converts between sessions and bearer tokens
type Tokenizer interface {
	SessionToToken(session *core.Session) (string, error)

	// TokenToSession verifies integrity and expiry of the token and returns the
	// session it names. Only ID, OwnerID, Address and the timestamps are populated.
	TokenToSession(token string) (*core.Session, error)

	// SessionID extracts the session id without checking expiry, so that lapsed
	// tokens can still be revoked.
	SessionID(token string) (string, error)
}
