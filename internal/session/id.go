package session

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateID returns a new sortable session identifier prefixed with "sess_".
func GenerateID() string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return "sess_" + strings.ToLower(id.String())
}

// NameFor derives the human-readable session name from an identifier. The
// random tail of the ULID is used so that names of sessions created in the
// same millisecond still differ.
func NameFor(id string) string {
	raw := strings.TrimPrefix(id, "sess_")
	if len(raw) > 8 {
		raw = raw[len(raw)-8:]
	}
	return "BOT_" + strings.ToUpper(raw)
}
