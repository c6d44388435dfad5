// Package tempfs owns temporary artifacts created by one pipeline invocation.
//
// Every path handed out by a Scope is unique (uuid-named) and tracked until
// it is released or the scope is closed. Run wraps a function in a scope
// that is closed on every exit path, including panics.
package tempfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Scope tracks temporary files for deletion.
type Scope struct {
	dir string

	mu      sync.Mutex
	tracked map[string]struct{}
	closed  bool
}

// NewScope creates a scope rooted at dir, creating dir if needed.
func NewScope(dir string) (*Scope, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("tempfs: create dir: %w", err)
	}
	return &Scope{dir: dir, tracked: make(map[string]struct{})}, nil
}

// Dir is the directory the scope creates files in.
func (s *Scope) Dir() string { return s.dir }

// NewPath returns a fresh, tracked path with the given extension. The file
// itself is not created.
func (s *Scope) NewPath(ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	p := filepath.Join(s.dir, uuid.New().String()+ext)
	s.Track(p)
	return p
}

// Track registers an existing path for deletion on Close.
func (s *Scope) Track(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// late registrations are removed right away
		_ = removeIfExists(path)
		return
	}
	s.tracked[path] = struct{}{}
}

// Release deletes path now and stops tracking it.
func (s *Scope) Release(path string) error {
	s.mu.Lock()
	delete(s.tracked, path)
	s.mu.Unlock()
	return removeIfExists(path)
}

// Tracked returns the number of paths still owned by the scope.
func (s *Scope) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

// Close deletes every tracked path. It is idempotent.
func (s *Scope) Close() error {
	s.mu.Lock()
	paths := make([]string, 0, len(s.tracked))
	for p := range s.tracked {
		paths = append(paths, p)
	}
	s.tracked = make(map[string]struct{})
	s.closed = true
	s.mu.Unlock()

	var errList []error
	for _, p := range paths {
		if err := removeIfExists(p); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Run executes fn inside a fresh scope and closes it afterwards, whether fn
// returns normally, returns an error or panics. A panic is re-raised after
// cleanup.
func Run(dir string, fn func(*Scope) error) (err error) {
	s, err := NewScope(dir)
	if err != nil {
		return err
	}
	defer func() {
		cerr := s.Close()
		if r := recover(); r != nil {
			panic(r)
		}
		if err == nil && cerr != nil {
			err = fmt.Errorf("tempfs: cleanup: %w", cerr)
		}
	}()
	return fn(s)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tempfs: remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
