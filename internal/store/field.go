package store

// Field is an optional patch value with three states: unset (the zero
// value, field untouched), cleared (field removed from storage), and set.
// The distinction between "omitted" and "explicitly cleared" is load-bearing
// for recovery, which must remove assignedTo/startedAt rather than leave
// them alone.
type Field[T any] struct {
	present bool
	cleared bool
	value   T
}

// Set returns a field carrying a new value.
func Set[T any](v T) Field[T] {
	return Field[T]{present: true, value: v}
}

// Clear returns a field that removes the stored value.
func Clear[T any]() Field[T] {
	return Field[T]{present: true, cleared: true}
}

// Present reports whether the field appears in the patch at all.
func (f Field[T]) Present() bool { return f.present }

// Cleared reports whether the field removes the stored value.
func (f Field[T]) Cleared() bool { return f.present && f.cleared }

// Value returns the carried value; meaningful only when Present and not
// Cleared.
func (f Field[T]) Value() T { return f.value }
