package guestres

import "github.com/cockroachdb/errors"

var (
	// ErrTranslationUnsupported is returned when a descriptor's format or tiling has no host equivalent
	ErrTranslationUnsupported = errors.New("guest surface cannot be translated to a host resource")
	// ErrResourceExhausted is returned when host memory for a backing or staging copy cannot be allocated
	ErrResourceExhausted = errors.New("host resources exhausted")
	// ErrCallerDiscipline is returned when an operation is called in a state its caller should have ruled out
	ErrCallerDiscipline = errors.New("resource operation called out of order")
	// ErrInvalidDescriptor is returned when a descriptor is malformed
	ErrInvalidDescriptor = errors.New("invalid resource descriptor")
	// ErrResourceDestroyed is returned when using a view or resource that has already been destroyed
	ErrResourceDestroyed = errors.New("resource has been destroyed")
	// ErrNoBacking is returned when a resource's host backing has not been realized
	ErrNoBacking = errors.New("resource has no host backing")
)
