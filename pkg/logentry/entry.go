// Package logentry defines the immutable unit a log stores: an entry,
// identified by its log and position within that log, carrying an opaque
// payload and the IDs of any earlier entries it invalidates.
package logentry

import (
	"fmt"
	"strings"

	"github.com/OneOfOne/xxhash"
)

// Tag is the opaque creation-timestamp/term triple a storage module stamps
// onto an entry when it's appended. Consumers treat it as opaque; only the
// storage module that produced it assigns meaning to the fields.
type Tag struct {
	Term          uint32
	CreatedAtSec  uint32
	CreatedAtNsec uint32
}

// Entry is one immutable record in one log. Once appended, none of its
// fields change; a later "change" is always a new entry with a new EntryID,
// possibly invalidating this one.
type Entry struct {
	LogID   uint64
	EntryID uint64
	Tag     Tag
	Payload []byte

	// Invalidations lists the IDs of earlier entries in the same log that
	// this entry supersedes. Empty for an entry that invalidates nothing.
	Invalidations []uint64
}

// String renders an entry as "(log_id, entry_id) 'payload'", with a
// trailing " [inv a, b, c]" when it invalidates other entries. A payload
// longer than 100 bytes is cut to its first 100 bytes followed by "...",
// since this is for logs and debugging, not serialization; payload bytes are
// written as-is, not escaped.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "(%d, %d) '%s'", e.LogID, e.EntryID, truncate(e.Payload))
	if len(e.Invalidations) > 0 {
		b.WriteString(" [inv")
		for i, id := range e.Invalidations {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, " %d", id)
		}
		b.WriteString("]")
	}
	return b.String()
}

const maxStringPayload = 100

func truncate(payload []byte) string {
	if len(payload) <= maxStringPayload {
		return string(payload)
	}
	return string(payload[:maxStringPayload]) + "..."
}

// Checksum returns a checksum of the entry's payload, the same fast
// non-cryptographic hash the teacher's metrics stack already depends on
// transitively — good enough to catch storage-layer corruption, not meant
// to resist a malicious rewrite.
func (e Entry) Checksum() uint64 {
	h := xxhash.New64()
	h.Write(e.Payload)
	return h.Sum64()
}
