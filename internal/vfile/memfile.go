package vfile

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemFS is a small in-memory filesystem shared by every MemFile cloned or
// derived from it. It exists so driver tests exercise the same File
// contract DiskFile does, without touching a real directory tree —
// mirroring how the teacher's own test suite favors pure, side-effect-free
// fakes over scratch directories.
type MemFS struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string][]byte
}

// NewMemFS returns an empty in-memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{dirs: map[string]bool{"": true}, files: map[string][]byte{}}
}

// Root returns a handle to the filesystem's root ("").
func (fs *MemFS) Root() *MemFile {
	return &MemFile{fs: fs, path: ""}
}

// WriteFile creates (or overwrites) a file at path with the given content,
// creating any missing ancestor directories.
func (fs *MemFS) WriteFile(p string, content []byte) *MemFile {
	f := &MemFile{fs: fs, path: cleanPath(p)}
	f.WriteContent(content)
	return f
}

// Mkdir creates a directory (and its ancestors) at path.
func (fs *MemFS) Mkdir(p string) *MemFile {
	p = cleanPath(p)
	fs.mu.Lock()
	fs.markAncestorDirs(p)
	fs.dirs[p] = true
	fs.mu.Unlock()
	return &MemFile{fs: fs, path: p}
}

// markAncestorDirs marks p and every ancestor of p as an existing
// directory. Caller must hold fs.mu.
func (fs *MemFS) markAncestorDirs(p string) {
	for cur := path.Dir(p); cur != "." && cur != p; cur = path.Dir(cur) {
		fs.dirs[cur] = true
		if cur == "." || cur == "/" {
			break
		}
	}
}

func cleanPath(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	return p
}

// MemFile is a File handle backed by a MemFS.
type MemFile struct {
	fs   *MemFS
	path string
}

func (f *MemFile) CanonicalName() string { return f.path }

func (f *MemFile) ContentHash() (Hash, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	data, ok := f.fs.files[f.path]
	if !ok {
		return Hash{}, fmt.Errorf("vfile: memfile %q does not exist", f.path)
	}
	return HashBytes(data), nil
}

// WriteContent sets this file's content directly, bypassing the File
// interface (which, matching the core's external contract, exposes no
// write operation of its own — an Action writes output the same way it
// would through a real OS handle, then hands the resulting File back
// through Provide). Used by tests standing in for an Action's actual
// subprocess output.
func (f *MemFile) WriteContent(data []byte) {
	f.fs.mu.Lock()
	f.fs.markAncestorDirs(f.path)
	f.fs.files[f.path] = append([]byte(nil), data...)
	delete(f.fs.dirs, f.path)
	f.fs.mu.Unlock()
}

func (f *MemFile) Exists() bool {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if _, ok := f.fs.files[f.path]; ok {
		return true
	}
	return f.fs.dirs[f.path]
}

func (f *MemFile) IsDirectory() bool {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.fs.dirs[f.path]
}

func (f *MemFile) List() ([]File, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if !f.fs.dirs[f.path] {
		return nil, fmt.Errorf("vfile: memfile %q is not a directory", f.path)
	}

	seen := map[string]bool{}
	for p := range f.fs.dirs {
		if child, ok := directChild(f.path, p); ok {
			seen[child] = true
		}
	}
	for p := range f.fs.files {
		if child, ok := directChild(f.path, p); ok {
			seen[child] = true
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]File, 0, len(names))
	for _, n := range names {
		out = append(out, &MemFile{fs: f.fs, path: n})
	}
	return out, nil
}

// directChild reports whether candidate is a direct child path of parent,
// returning the candidate if so.
func directChild(parent, candidate string) (string, bool) {
	if candidate == parent {
		return "", false
	}
	prefix := parent
	if prefix != "" {
		prefix += "/"
	}
	if !strings.HasPrefix(candidate, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(candidate, prefix)
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return candidate, true
}

func (f *MemFile) Parent() File {
	p := path.Dir(f.path)
	if p == "." {
		p = ""
	}
	return &MemFile{fs: f.fs, path: p}
}

func (f *MemFile) Relative(rel string) File {
	return &MemFile{fs: f.fs, path: cleanPath(path.Join(f.path, rel))}
}

func (f *MemFile) CreateDirectory() error {
	f.fs.mu.Lock()
	f.fs.markAncestorDirs(f.path)
	f.fs.dirs[f.path] = true
	f.fs.mu.Unlock()
	return nil
}

func (f *MemFile) Clone() File {
	return &MemFile{fs: f.fs, path: f.path}
}

func (f *MemFile) Equals(other File) bool {
	o, ok := other.(*MemFile)
	if !ok {
		return false
	}
	return f.fs == o.fs && f.path == o.path
}
