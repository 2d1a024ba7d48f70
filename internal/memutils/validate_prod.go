//go:build !debug_guestres

package memutils

// DebugEnabled reports whether the debug_guestres build tag is present
const DebugEnabled = false

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_guestres build tag is present
func DebugValidate(validatable Validatable) {
}
