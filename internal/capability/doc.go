// Package capability tracks what each delegate is permitted to execute.
//
// Requirements are deduplicated per account by their check parameters.
// Each delegate holds a cached verdict (ALLOWED, DENIED or UNCHECKED) per
// requirement; verdicts age out on a revalidate-after window and expire hard
// at max-valid. Batch checks are dispatched to the delegate and the posted
// results overwrite the cache. A dispatch that fails outright leaves the
// cached verdicts untouched: an unreachable checker must not blacklist a
// healthy delegate. A requirement that falls out of a delegate's scope has
// its verdict deleted, never flipped to DENIED.
package capability
