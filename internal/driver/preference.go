package driver

import (
	"fmt"
	"strings"
)

// choosePreferredProvider implements spec §4.3: among candidates sharing
// a tag, pick the one whose canonical path shares the longest common
// prefix with source, breaking ties by shallowest depth and then by
// lexicographically smallest canonical path. Returns nil if candidates is
// empty. A non-nil error signals two candidates collided on canonical
// name (spec's flagged-but-consistent internal error); a pick is still
// returned.
func choosePreferredProvider(source string, candidates []*provision) (*provision, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	best := candidates[0]
	bestPrefix := commonPrefixLen(source, best.file.CanonicalName())
	bestDepth := depthOf(best.file.CanonicalName())

	var collision error
	seen := map[string]*provision{best.file.CanonicalName(): best}

	for _, c := range candidates[1:] {
		name := c.file.CanonicalName()
		if existing, ok := seen[name]; ok && existing.id != c.id {
			collision = fmt.Errorf("%w: provisions %d and %d share canonical name %q",
				ErrInvariantViolation, existing.id, c.id, name)
		}
		seen[name] = c

		prefix := commonPrefixLen(source, name)
		depth := depthOf(name)

		switch {
		case prefix > bestPrefix:
			best, bestPrefix, bestDepth = c, prefix, depth
		case prefix == bestPrefix && depth < bestDepth:
			best, bestPrefix, bestDepth = c, prefix, depth
		case prefix == bestPrefix && depth == bestDepth && name < best.file.CanonicalName():
			best, bestPrefix, bestDepth = c, prefix, depth
		}
	}
	return best, collision
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func depthOf(canonicalPath string) int {
	return strings.Count(canonicalPath, "/")
}
