package guestres

import "github.com/vkngwrapper/arsenal/guestres/devmem"

// DirtyState records which copy of a resource's contents is authoritative
type DirtyState uint32

const (
	// Clean means the device mirror and the host backing hold the same contents
	Clean DirtyState = iota
	// HostPendingUpload means the device mirror has been written since the last upload
	HostPendingUpload
	// DevicePendingReadback means the host backing has been written since the last readback
	DevicePendingReadback
)

var dirtyStateMapping = map[DirtyState]string{
	Clean:                 "Clean",
	HostPendingUpload:     "HostPendingUpload",
	DevicePendingReadback: "DevicePendingReadback",
}

func (s DirtyState) String() string {
	str, ok := dirtyStateMapping[s]
	if !ok {
		return "unknown DirtyState"
	}

	return str
}

// protection is the trap protection a guest-backed resource holds in this state
func (s DirtyState) protection(readWriteTrapped bool) devmem.Protection {
	switch s {
	case HostPendingUpload:
		return devmem.ProtectNone
	case DevicePendingReadback:
		return devmem.ProtectReadWrite
	default:
		if readWriteTrapped {
			return devmem.ProtectReadWrite
		}
		return devmem.ProtectWrite
	}
}
