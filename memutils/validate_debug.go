//go:build debug_mem_utils

package memutils

// DebugEnabled reports whether memutils was built with the debug_mem_utils build tag
const DebugEnabled = true

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// ReportCorruption is called when metadata is found in a state that should be structurally impossible.
// With the debug_mem_utils build tag present it panics with the provided error.
func ReportCorruption(err error) error {
	panic(err)
}
