package protocol

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Credentials identify the user an endpoint acts for. They travel with
// every request.
type Credentials struct {
	ID       string `json:"id,omitempty"`
	StableID string `json:"_id,omitempty"`
}

// Empty reports whether no identity is set.
func (c Credentials) Empty() bool {
	return c.ID == "" && c.StableID == ""
}

// NormalizeCredentials fills in a partial identity. If neither field is
// set it returns ok=false and the caller should keep what it had.
// Otherwise StableID defaults to a fresh pseudo object id and ID defaults
// to StableID.
func NormalizeCredentials(c Credentials) (Credentials, bool) {
	if c.Empty() {
		return c, false
	}
	if c.StableID == "" {
		c.StableID = PseudoObjectID()
	}
	if c.ID == "" {
		c.ID = c.StableID
	}
	return c, true
}

// PseudoObjectID returns a 24 hex character id shaped like a MongoDB
// ObjectId: a big-endian seconds timestamp followed by random bytes.
func PseudoObjectID() string {
	var b [12]byte
	ts := uint32(time.Now().Unix())
	b[0], b[1], b[2], b[3] = byte(ts>>24), byte(ts>>16), byte(ts>>8), byte(ts)
	r := uuid.New()
	copy(b[4:], r[:8])
	return hex.EncodeToString(b[:])
}

// RandomID returns a prefixed random id, e.g. "response-1b4e...".
func RandomID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
