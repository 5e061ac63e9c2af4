package vfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DiskFile is the real-filesystem File implementation the CLI wires into
// the Driver.
type DiskFile struct {
	// abs is the absolute, OS-native path.
	abs string
}

// NewDiskFile roots a DiskFile at an absolute filesystem path.
func NewDiskFile(absPath string) *DiskFile {
	return &DiskFile{abs: filepath.Clean(absPath)}
}

func (f *DiskFile) CanonicalName() string {
	return filepath.ToSlash(f.abs)
}

func (f *DiskFile) ContentHash() (Hash, error) {
	data, err := os.ReadFile(f.abs)
	if err != nil {
		return Hash{}, fmt.Errorf("vfile: hashing %s: %w", f.abs, err)
	}
	return HashBytes(data), nil
}

func (f *DiskFile) Exists() bool {
	_, err := os.Stat(f.abs)
	return err == nil
}

func (f *DiskFile) IsDirectory() bool {
	info, err := os.Stat(f.abs)
	return err == nil && info.IsDir()
}

func (f *DiskFile) List() ([]File, error) {
	entries, err := os.ReadDir(f.abs)
	if err != nil {
		return nil, fmt.Errorf("vfile: listing %s: %w", f.abs, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]File, 0, len(names))
	for _, name := range names {
		out = append(out, NewDiskFile(filepath.Join(f.abs, name)))
	}
	return out, nil
}

func (f *DiskFile) Parent() File {
	return NewDiskFile(filepath.Dir(f.abs))
}

func (f *DiskFile) Relative(path string) File {
	return NewDiskFile(filepath.Join(f.abs, filepath.FromSlash(path)))
}

func (f *DiskFile) CreateDirectory() error {
	if err := os.MkdirAll(f.abs, 0o755); err != nil {
		return fmt.Errorf("vfile: creating directory %s: %w", f.abs, err)
	}
	return nil
}

func (f *DiskFile) Clone() File {
	return NewDiskFile(f.abs)
}

func (f *DiskFile) Equals(other File) bool {
	o, ok := other.(*DiskFile)
	if !ok {
		return false
	}
	return f.abs == o.abs
}
