package txmap

import "github.com/google/uuid"

// NewMapID generates a fresh external handle for a scratch or
// temporary map — a GROUP BY spill, a MERGE staging area, anything
// that needs a mapID but isn't a table the caller already named.
// Regular tables should keep using their stable schema-assigned name
// instead of calling this.
func NewMapID() string {
	return uuid.NewString()
}
