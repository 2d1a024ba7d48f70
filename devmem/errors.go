package devmem

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfBounds is returned for accesses outside the device memory arena
	ErrOutOfBounds = errors.New("device memory access out of bounds")
	// ErrUnknownTrap is returned when a trap handle does not name an installed trap
	ErrUnknownTrap = errors.New("unknown trap handle")
	// ErrUnmapped is returned by address translation for virtual pages with no mapping
	ErrUnmapped = errors.New("device virtual address is not mapped")
)
