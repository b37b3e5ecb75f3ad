package vmm

import (
	"errors"

	"github.com/google/uuid"
)

const (
	idMinLen = 5
	idMaxLen = 60
)

// ID is an opaque, filesystem-safe identifier scoping one VMM instance's
// directories and socket path. Callers sharing a base directory must use
// distinct IDs for concurrently running instances.
type ID string

var (
	ErrIDTooShort    = errors.New("vmm id too short")
	ErrIDTooLong     = errors.New("vmm id too long")
	ErrIDInvalidChar = errors.New("vmm id contains invalid character")
)

// NewID generates a random, unique ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID validates a caller-supplied id: 5 to 60 ASCII alphanumerics or
// dashes, matching what the jailer accepts.
func ParseID(s string) (ID, error) {
	if len(s) < idMinLen {
		return "", ErrIDTooShort
	}
	if len(s) > idMaxLen {
		return "", ErrIDTooLong
	}

	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return "", ErrIDInvalidChar
		}
	}

	return ID(s), nil
}
