// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package jitdebug

import (
	"fmt"
	"os"
	"sync"
)

// ScratchFile is an append-only host-side file the JIT container
// extractor writes extracted containers into. Callers reference a
// written container by the byte range returned from WriteEntry.
//
// Opened lazily on first write: a reader that never sees a JIT entry
// for a given origin (app vs. shared-ancestor) never touches the
// filesystem for that file. mu guards the file handle and offset
// against a concurrent Close from Reader.Close racing the tick loop's
// writes.
type ScratchFile struct {
	path string
	opt  SymfileOption

	mu     sync.Mutex
	f      *os.File
	offset int64
}

// NewScratchFile returns a ScratchFile that will create path on first
// WriteEntry call.
func NewScratchFile(path string, opt SymfileOption) *ScratchFile {
	return &ScratchFile{path: path, opt: opt}
}

// GetPath returns the scratch file's path, regardless of whether it
// has been created yet.
func (s *ScratchFile) GetPath() string {
	return s.path
}

// GetOffset returns the current write offset (== current file size).
func (s *ScratchFile) GetOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func (s *ScratchFile) ensureOpenLocked() error {
	if s.f != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("jitdebug: create scratch file %s: %w", s.path, err)
	}
	s.f = f
	return nil
}

// WriteEntry appends buf and returns the offset it was written at.
func (s *ScratchFile) WriteEntry(buf []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}
	off := s.offset
	n, err := s.f.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("jitdebug: write scratch file %s: %w", s.path, err)
	}
	s.offset += int64(n)
	return off, nil
}

// Flush syncs buffered writes to disk.
func (s *ScratchFile) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	return s.f.Sync()
}

// Close closes the underlying file handle, removing it first when the
// ScratchFile was configured with SymfileDropOnClose.
func (s *ScratchFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if s.opt == SymfileDropOnClose {
		if rmErr := os.Remove(s.path); rmErr != nil && err == nil {
			err = fmt.Errorf("jitdebug: remove scratch file %s: %w", s.path, rmErr)
		}
	}
	return err
}
