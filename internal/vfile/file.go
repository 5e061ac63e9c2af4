// Package vfile implements the File external collaborator (spec.md §6).
//
// The core driver never touches the operating system directly; it only
// calls through this interface, so tests can swap in MemFile and the CLI
// can wire in DiskFile.
package vfile

// File is a cloneable reference to an on-disk (or in-memory) artifact.
// Canonical names use "/" as separator regardless of host OS, matching
// spec.md §6.
type File interface {
	// CanonicalName returns the slash-separated path used for tag matching,
	// provider-preference comparisons, and dashboard display.
	CanonicalName() string

	// ContentHash reads the current file content and returns its digest.
	// Called once per registration by Driver.registerProvider.
	ContentHash() (Hash, error)

	// Exists reports whether the underlying artifact is currently present.
	Exists() bool

	// IsDirectory reports whether this handle names a directory.
	IsDirectory() bool

	// List enumerates the immediate children of a directory handle.
	List() ([]File, error)

	// Parent returns the handle for the containing directory.
	Parent() File

	// Relative resolves path relative to this handle (used for tmp-root
	// output allocation).
	Relative(path string) File

	// CreateDirectory creates this handle's path, including parents.
	CreateDirectory() error

	// Clone returns an independent handle to the same underlying artifact.
	Clone() File

	// Equals reports whether other refers to the same underlying artifact.
	// Two provisions with equal underlying files, not equal canonical
	// names, are what ActionDriver.Provide() deduplicates on.
	Equals(other File) bool
}
