// Package strings provides string and key list helpers.
package strings

import (
	"strings"
)

// Dedupe drops repeated values, keeping the first occurrence of each.
func Dedupe[T comparable](values []T) []T {
	if len(values) < 2 {
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

// DedupeAndTrim trims every element, drops empty ones and then duplicates. Order is
// preserved.
//
//	DedupeAndTrim([]string{" k1:9092", "k2:9092", "k1:9092 ", ""})
//	// Returns: []string{"k1:9092", "k2:9092"}
func DedupeAndTrim(values []string) []string {
	trimmed := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			trimmed = append(trimmed, t)
		}
	}
	return Dedupe(trimmed)
}
