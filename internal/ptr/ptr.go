// Package ptr has small helpers for optional pointer fields.
package ptr

// Deref returns the value ptr points at, or def when ptr is nil.
func Deref[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
