package session

import (
	"encoding/json"
	"errors"
)

// Session is one issued, still-valid refresh token for one device/login.
// A user may hold many concurrently; each is independently revocable.
//
// RefreshHash is the hex SHA-256 of the raw refresh token. The raw value is
// never persisted and never appears in logs; the store only ever sees the
// hash.
type Session struct {
	UserID      string `json:"user_id"`
	RefreshHash string `json:"refresh_hash"`
	Device      string `json:"device,omitempty"`
	IP          string `json:"ip,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Encode serializes a session for storage.
func Encode(sess *Session) ([]byte, error) {
	if sess == nil {
		return nil, errors.New("nil session")
	}
	if sess.UserID == "" || sess.RefreshHash == "" {
		return nil, errors.New("session missing user id or refresh hash")
	}
	return json.Marshal(sess)
}

// Decode deserializes a stored session blob.
func Decode(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if sess.UserID == "" || sess.RefreshHash == "" {
		return nil, errors.New("corrupt session record")
	}
	return &sess, nil
}
