package utils

import (
	"fmt"
	"maps"
	"slices"
)

// LookupCopy returns a copy of the value at key in m.
// Returns an error if the key is absent or the stored pointer is nil.
// The caller receives a detached value, safe to use after any lock is released.
func LookupCopy[T any](m map[string]*T, key string) (T, error) {
	v := m[key]
	if v == nil {
		var zero T
		return zero, fmt.Errorf("%q not found", key)
	}
	return *v, nil
}

// ValuesSorted returns detached copies of all values in m, ordered by key.
func ValuesSorted[T any](m map[string]*T) []T {
	out := make([]T, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if v := m[k]; v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// DeleteFunc removes every entry of m whose key satisfies del and returns
// the number removed.
func DeleteFunc[V any](m map[string]V, del func(key string) bool) int {
	n := 0
	for k := range m {
		if del(k) {
			delete(m, k)
			n++
		}
	}
	return n
}
