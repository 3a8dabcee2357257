package lyra

import (
	"time"

	"github.com/google/uuid"
)

// UUID wraps github.com/google/uuid.UUID so callers don't import it directly.
type UUID uuid.UUID

// NilUUID is the zero-value UUID.
var NilUUID UUID

// ParseUUID converts a string to a UUID.
func ParseUUID(id string) (UUID, error) {
	u, err := uuid.Parse(id)
	return UUID(u), err
}

// NewUUID returns a random UUID, retrying briefly if the entropy source fails and
// panicking only after repeated failures.
func NewUUID() UUID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		if id, err = uuid.NewRandom(); err == nil {
			return UUID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}

// IsNil reports whether the UUID equals the zero-value UUID.
func (id UUID) IsNil() bool {
	return id == NilUUID
}

// String returns the canonical string representation of the UUID.
func (id UUID) String() string {
	return uuid.UUID(id).String()
}
