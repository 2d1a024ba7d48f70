package devmem

// Access is the kind of device memory access that triggered a fault
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
)

var accessMapping = map[Access]string{
	AccessRead:  "AccessRead",
	AccessWrite: "AccessWrite",
}

func (a Access) String() string {
	str, ok := accessMapping[a]
	if !ok {
		return "unknown Access"
	}

	return str
}

// Protection is the set of device accesses a trap intercepts
type Protection uint8

const (
	// ProtectNone lets every access through
	ProtectNone Protection = iota
	// ProtectWrite intercepts writes
	ProtectWrite
	// ProtectReadWrite intercepts reads and writes
	ProtectReadWrite
)

var protectionMapping = map[Protection]string{
	ProtectNone:      "ProtectNone",
	ProtectWrite:     "ProtectWrite",
	ProtectReadWrite: "ProtectReadWrite",
}

func (p Protection) String() string {
	str, ok := protectionMapping[p]
	if !ok {
		return "unknown Protection"
	}

	return str
}

// Intercepts reports whether an access of the provided kind faults under this protection
func (p Protection) Intercepts(access Access) bool {
	switch p {
	case ProtectReadWrite:
		return true
	case ProtectWrite:
		return access == AccessWrite
	default:
		return false
	}
}

// Fault describes an intercepted access
type Fault struct {
	// Range is the part of the access that overlapped the trapped pages
	Range  Range
	Access Access
}

// FaultHandler is invoked on the goroutine performing the faulting access, before the access
// proceeds. Returning false means the handler could not make progress without blocking; the
// trap service will invoke it again until it returns true or the trap stops intercepting the access.
type FaultHandler func(fault Fault) bool

// TrapHandle names an installed trap
type TrapHandle uint64

//go:generate mockgen -source trap.go -destination mocks/trap.go -package mocks

// TrapService installs page-granular access traps over device memory
type TrapService interface {
	// InstallTrap registers onFault for the provided ranges. New traps intercept nothing until
	// Protect is called.
	InstallTrap(ranges []Range, onFault FaultHandler) (TrapHandle, error)
	// Protect changes which accesses the trap intercepts
	Protect(handle TrapHandle, protection Protection) error
	// RemoveTrap uninstalls the trap
	RemoveTrap(handle TrapHandle) error
}

// Translator turns device virtual addresses into host-visible spans of device physical memory
type Translator interface {
	Translate(address uint64, size int) ([]Span, error)
}
