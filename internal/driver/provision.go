package driver

import (
	"tagbuild/internal/tag"
	"tagbuild/internal/vfile"
)

// ProvisionID identifies a provision within a Driver's arena. IDs are
// never reused within one Driver's lifetime; zero is reserved to mean
// "no provision" in dependency entries and trigger attribution.
type ProvisionID uint64

// ActionID identifies an ActionDriver within a Driver's arena. Zero is
// reserved to mean "not owned by any action" (a root provision from the
// source scan).
type ActionID uint64

// provision is a produced (or discovered) artifact: a file handle plus
// the content hash captured at registration time, associated with the
// tags it is indexed under. Identity is by ProvisionID — a fresh
// registration always creates a fresh provision, even when its
// underlying file is equal (by vfile.File.Equals) to one already
// registered; only the file handle's own equality determines whether two
// provisions refer to the same underlying artifact.
type provision struct {
	id   ProvisionID
	file vfile.File
	hash vfile.Hash
	tags []tag.Tag

	// owner is the ActionID that produced this provision, or 0 for a
	// root provision from the source scan.
	owner ActionID
}

// stagedProvision is a file an ActionDriver has declared via Provide or
// NewOutput but not yet registered into the Driver's tables — that only
// happens once the action reaches a successful terminal state.
type stagedProvision struct {
	file vfile.File
	tags []tag.Tag
}

func unionTags(existing, added []tag.Tag) []tag.Tag {
	for _, t := range added {
		found := false
		for _, e := range existing {
			if e == t {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, t)
		}
	}
	return existing
}

func provisionIDOrZero(p *provision) ProvisionID {
	if p == nil {
		return 0
	}
	return p.id
}
