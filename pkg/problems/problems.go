// pkg/problems/problems.go
package problems

import (
	"os"
	"strings"
)

// Well-known problem slugs for pipeline failures. The external body carries
// only the type URL and a generic title; internals (policy documents,
// credential material) never leave the service.
const (
	SlugInvalidIdentity = "invalid-identity"
	SlugUnauthorized    = "unauthorized"
	SlugNotFound        = "not-found"
	SlugUnavailable     = "unavailable"
	SlugTimeout         = "timeout"
	SlugInternal        = "internal"
)

// Base returns the base URL for problem type identifiers.
// Order of precedence:
// 1. PROBLEM_BASE_URL (exact base, e.g. https://mydomain.com/problems)
// 2. BASE_PUBLIC_URL + "/problems" (if set)
// 3. https://example.com/problems (fallback)
func Base() string {
	if b := os.Getenv("PROBLEM_BASE_URL"); b != "" {
		return strings.TrimRight(b, "/")
	}
	if b := os.Getenv("BASE_PUBLIC_URL"); b != "" {
		return strings.TrimRight(b, "/") + "/problems"
	}
	return "https://example.com/problems"
}

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return Base() + "/" + slug }
