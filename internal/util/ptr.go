// Package util holds small generic helpers.
package util

// Ptr returns a pointer to v. Optional fields in patch types are pointers.
func Ptr[T any](v T) *T {
	return &v
}
