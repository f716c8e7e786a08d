// ABOUTME: Time-ordered connection id generation and comparison.
// ABOUTME: Ids sort lexicographically in generation order, even under clock skew within one process.

package timeuuid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Allocator produces time-ordered ids. The embedded timestamp is bumped past
// the last issued value when the wall clock stalls or moves backwards, so two
// ids from the same allocator never compare equal.
type Allocator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewAllocator returns an allocator backed by the system clock.
func NewAllocator() *Allocator {
	return &Allocator{now: time.Now}
}

// NewAllocatorWithClock returns an allocator using the given clock. Used in
// tests to simulate frozen or skewed clocks.
func NewAllocatorWithClock(now func() time.Time) *Allocator {
	return &Allocator{now: now}
}

// Next returns a new id. Ids issued later always compare newer.
func (a *Allocator) Next() string {
	a.mu.Lock()
	ts := a.now().UnixNano()
	if ts <= a.last {
		ts = a.last + 1
	}
	a.last = ts
	a.mu.Unlock()

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%020d-%s", ts, hex.EncodeToString(suffix))
}

// Compare orders two ids. Negative when a is older than b, zero when equal,
// positive when a is newer. The zero-padded timestamp prefix makes
// lexicographic order equal to generation order.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// Newer reports whether a was generated after b.
func Newer(a, b string) bool {
	return Compare(a, b) > 0
}
