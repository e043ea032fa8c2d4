// Package nplusone detects repeated-query storms within one tracked request
// and captures a backtrace the first time a query shape crosses the
// configured threshold.
package nplusone

import (
	"regexp"
	"strings"
)

// maxShapeLength bounds the normalized key so a pathological query cannot
// bloat the per-request call set.
const maxShapeLength = 512

var (
	stringLiteral = regexp.MustCompile(`'(?:[^']|'')*'`)
	numberLiteral = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// NormalizeSQL collapses a SQL statement to its shape: string and numeric
// literals become "?", whitespace collapses. Queries differing only in bound
// values share one shape, which is exactly the signature of an N+1 loop.
func NormalizeSQL(sql string) string {
	shape := stringLiteral.ReplaceAllString(sql, "?")
	shape = numberLiteral.ReplaceAllString(shape, "?")
	shape = whitespace.ReplaceAllString(shape, " ")
	shape = strings.TrimSpace(shape)
	if len(shape) > maxShapeLength {
		shape = shape[:maxShapeLength]
	}
	return shape
}
