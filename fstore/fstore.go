// Package fstore provides the filesystem primitives of the Zeus bus: atomic
// JSON writes, atomic claim-moves, and creation-ordered listings.
//
// Every durable mutation in the bus goes through this package. Atomicity is
// provided exclusively by intra-directory rename; there are no lockfiles and
// no in-process locks, so the same primitives are safe across processes on
// one host. Callers pass absolute, canonical paths; the store does not
// interpret them.
package fstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound reports a missing file on read.
	ErrNotFound = errors.New("fstore: not found")
	// ErrCorrupt reports a file that exists but does not decode.
	ErrCorrupt = errors.New("fstore: corrupt record")
)

// EnsureDir creates dir and all parents. Idempotent.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fstore: mkdir %s: %w", dir, err)
	}
	return nil
}

// WriteFileAtomic writes data to path via a same-directory temp file and
// rename. The rename is the commit point: readers observe either the old
// content or the new, never a partial write. The temp file is removed on
// any failure.
func WriteFileAtomic(path string, data []byte) error {
	tmp := tempName(path)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("fstore: create temp: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fstore: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fstore: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fstore: close temp: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fstore: rename: %w", err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// WriteJSONAtomic JSON-encodes v and commits it with WriteFileAtomic.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fstore: encode: %w", err)
	}
	return WriteFileAtomic(path, data)
}

// ReadJSON decodes the file at path into v. A missing file yields
// ErrNotFound; unreadable or undecodable content yields ErrCorrupt.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// ClaimMove renames src to dst, establishing exclusive ownership of a work
// item. It reports false (and no error) when src has vanished — another
// claimant won the race. Any other failure is a real error.
func ClaimMove(src, dst string) (bool, error) {
	err := os.Rename(src, dst)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("fstore: claim %s: %w", filepath.Base(src), err)
}

// ListSorted returns the names of regular files in dir carrying suffix, in
// ascending lexical order. Queue file names embed time-ordered ids, so
// lexical order is creation order. A missing directory lists as empty.
func ListSorted(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fstore: list %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if suffix != "" && !strings.HasSuffix(name, suffix) {
			continue
		}
		if strings.Contains(name, ".tmp-") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListSubdirs returns the names of immediate subdirectories of dir, sorted.
// A missing directory lists as empty.
func ListSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fstore: list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Unlink removes path, best effort. A file already gone is fine; any other
// failure leaves the file in place for the caller's next pass.
func Unlink(path string) {
	_ = os.Remove(path)
}

// tempName builds a same-directory temp path that no concurrent writer can
// collide with.
func tempName(path string) string {
	var r [4]byte
	rand.Read(r[:])
	return fmt.Sprintf("%s.tmp-%d-%d-%s", path, os.Getpid(), time.Now().UnixNano(), hex.EncodeToString(r[:]))
}

// syncDir fsyncs a directory so the rename itself is durable. Best effort:
// some filesystems refuse directory handles.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	d.Sync()
}
