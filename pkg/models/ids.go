// Package models holds the domain types shared across the reference
// lifecycle: references, identifiers, enhancements, import records, and
// the enhancement-dispatch/robot-automation bookkeeping types.
package models

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a monotonic ULID source shared across id generation so that
// ids minted in the same process in quick succession still sort by
// creation order even when the millisecond clock doesn't advance.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID mints a time-ordered 128-bit identifier (spec §3: "id (time-ordered
// 128-bit)"). ULIDs are lexically sortable by creation time, unlike
// random UUIDv4s, which is why they're used for Reference, Enhancement,
// and batch ids throughout this package.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
