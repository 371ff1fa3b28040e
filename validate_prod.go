//go:build !debug_immix_heap

package immix

const (
	// DebugMargin is the number of bytes of debug data placed after every allocation
	// served from a heap block
	DebugMargin int = 0
)

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is
// still present. It returns true if the value is still present and false otherwise.
// This method no-ops unless the debug_immix_heap build tag is present.
func ValidateMagicValue(block []byte, offset int) bool {
	return true
}

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes at the provided
// offset into a block's memory. This method no-ops unless the debug_immix_heap build tag is
// present.
func WriteMagicValue(block []byte, offset int) {
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned.
// This method no-ops unless the debug_immix_heap build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics
// if it is not. This method no-ops unless the debug_immix_heap build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
