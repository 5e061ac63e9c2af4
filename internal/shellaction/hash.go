package shellaction

import (
	"encoding/binary"
	"sort"

	"tagbuild/internal/vfile"
)

// MemoKey identifies one memoized invocation: the same key can only be
// produced by two invocations that would run the identical command
// against identical inputs, so replaying the cached result is safe.
type MemoKey string

// memoInput is every component that changes an invocation's outcome.
// Deliberately excludes anything timing- or host-specific: no PIDs, no
// timestamps, no absolute temp-dir paths beyond the declared working
// directory identity.
type memoInput struct {
	WorkingDir string
	Command    string
	Env        map[string]string
	InputPath  string
	InputHash  vfile.Hash
	OutputPath string
}

// computeMemoKey hashes every component in a fixed, length-prefixed
// order so unrelated concatenations can never collide, with the
// environment sorted by key for determinism across map iteration.
func computeMemoKey(in memoInput) MemoKey {
	var buf []byte
	writeField := func(data []byte) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, data...)
	}

	writeField([]byte(in.WorkingDir))
	writeField([]byte(in.Command))

	keys := make([]string, 0, len(in.Env))
	for k := range in.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeField([]byte{byte(len(keys))})
	for _, k := range keys {
		writeField([]byte(k))
		writeField([]byte(in.Env[k]))
	}

	writeField([]byte(in.InputPath))
	writeField([]byte(in.InputHash.String()))
	writeField([]byte(in.OutputPath))

	return MemoKey(vfile.HashBytes(buf).String())
}
