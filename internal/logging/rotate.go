// Package logging provides the one piece of ambient logging
// infrastructure the teacher's stack doesn't already cover: rotating
// the on-disk error log at the original Python tool's 5 MB size
// (loguru.logger.add(..., rotation="5 MB", retention="7 days")).
// Retention here is by count, the 7 newest rotated files, not by age.
// No example repo in the pack imports a rotation library (lumberjack,
// lumberjackrus, etc.), so this is a small hand-rolled io.Writer rather
// than a borrowed dependency.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes = 5 * 1024 * 1024 // 5 MB, matching the original's rotation size
	defaultKeep     = 7               // newest rotated files kept, whatever their age
)

// RotatingFile is an io.Writer that appends to a log file, rotating it
// to a timestamped sibling once it exceeds maxBytes and pruning rotated
// files beyond keep.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	keep     int
	file     *os.File
	size     int64
}

// NewRotatingFile opens (or creates) path for appending and prepares it
// for size-based rotation. maxBytes and keep fall back to the original
// tool's defaults (5 MB, 7 files) when zero.
func NewRotatingFile(path string, maxBytes int64, keep int) (*RotatingFile, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if keep <= 0 {
		keep = defaultKeep
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat log file %s: %w", path, err)
	}

	return &RotatingFile{path: path, maxBytes: maxBytes, keep: keep, file: f, size: info.Size()}, nil
}

// Write implements io.Writer, rotating the underlying file first if p
// would push it past maxBytes.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the current file handle.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

func (r *RotatingFile) rotateLocked() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("closing log file before rotation: %w", err)
	}

	rotated := fmt.Sprintf("%s.%s", r.path, time.Now().UTC().Format("20060102T150405.000000000Z"))
	if err := os.Rename(r.path, rotated); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopening log file after rotation: %w", err)
	}
	r.file = f
	r.size = 0

	r.pruneLocked()
	return nil
}

// pruneLocked removes rotated files beyond r.keep, oldest first.
func (r *RotatingFile) pruneLocked() {
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotated []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), base+".") {
			rotated = append(rotated, filepath.Join(dir, e.Name()))
		}
	}
	if len(rotated) <= r.keep {
		return
	}

	sort.Strings(rotated) // timestamp suffix sorts chronologically
	toRemove := rotated[:len(rotated)-r.keep]
	for _, path := range toRemove {
		_ = os.Remove(path)
	}
}
