package storage

import (
	"github.com/google/uuid"
)

// ID is a 128-bit identifier for nodes, edges, and vectors.
//
// IDs are stored big-endian on disk so that lexicographic key order matches
// numeric order. The engine treats IDs as opaque: callers may supply their
// own, or use NewID for a time-ordered allocation.
//
// Example:
//
//	id := storage.NewID()
//	key := storage.NodeKey(id)
type ID uuid.UUID

// ZeroID is the all-zero identifier. It is never allocated by NewID.
var ZeroID ID

// NewID allocates a new time-ordered (UUIDv7) identifier.
//
// UUIDv7 ids are monotonic within the resolution of the system clock, which
// keeps freshly written nodes adjacent in the B-tree and makes range scans
// over recent data cheap.
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return ID(uuid.New())
	}
	return ID(id)
}

// ParseID parses the canonical UUID string form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ZeroID, err
	}
	return ID(u), nil
}

// IDFromBytes reconstructs an ID from its 16-byte big-endian form.
// Returns ErrInvalidArgument if b is not exactly 16 bytes.
func IDFromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return ZeroID, ErrInvalidArgument
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// String returns the canonical UUID string form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Bytes returns the 16-byte big-endian on-disk form.
func (id ID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// IsZero reports whether id is the zero identifier.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// Less reports whether id orders before other in key order.
func (id ID) Less(other ID) bool {
	for i := 0; i < 16; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}
