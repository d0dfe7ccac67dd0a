package room

import (
	"fmt"
	"strconv"
)

// ID identifies a room.
type ID uint32

// ParseID parses a non-negative decimal room id.
func ParseID(value string) (ID, error) {
	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse room id %q: %w", value, err)
	}
	return ID(parsed), nil
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}
