// Package collections provides small slice helpers shared by services.
package collections

import (
	"strings"
)

// Dedupe removes repeated values while preserving first-seen order.
//
// Example:
//
//	Dedupe([]int64{3, 1, 3, 2, 1})
//	// Returns: []int64{3, 1, 2}
func Dedupe[T comparable](values []T) []T {
	if len(values) == 0 {
		return values
	}

	seen := make(map[T]struct{}, len(values))
	result := make([]T, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// DedupeAndTrim removes duplicates and empty strings from a slice,
// trimming whitespace from each element. Order is preserved.
func DedupeAndTrim(values []string) []string {
	trimmed := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			trimmed = append(trimmed, v)
		}
	}
	return Dedupe(trimmed)
}
