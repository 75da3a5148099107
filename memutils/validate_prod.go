//go:build !debug_mem_utils

package memutils

import "github.com/cockroachdb/errors"

// DebugEnabled reports whether memutils was built with the debug_mem_utils build tag
const DebugEnabled = false

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// ReportCorruption is called when metadata is found in a state that should be structurally impossible.
// Without the debug_mem_utils build tag it returns the error marked as DoubleFreeOrCorruptionError, so
// that callers can match it with errors.Is.
func ReportCorruption(err error) error {
	return errors.Mark(err, DoubleFreeOrCorruptionError)
}
