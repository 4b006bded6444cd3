// Package ids mints the identifiers stamped on permits, workflow steps,
// signatures, events and audit rows. ULIDs keep the rows time-ordered, which
// matters for audit trails and delivery logs read back in creation order.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a fresh ULID. Callers use it as-is for record IDs; the
// human-facing permit number is sequenced per tenant and year instead.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
