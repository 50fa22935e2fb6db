// Package testutil provides shared test helper utilities.
package testutil

// Ptr returns a pointer to v. Table tests use it for optional fields
// instead of declaring a typed pointer helper per file.
func Ptr[T any](v T) *T { return &v }
