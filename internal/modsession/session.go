// Package modsession scopes mapping indexes to one loaded-module session.
// The index holds no persistent state: when the module on disk changes, the
// whole registry is discarded and the owner re-runs its decompilation pass
// (or re-applies a mapping dump) against a fresh one.
package modsession

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/cilscope/cilscope/internal/codemap"
)

// Session owns the mapping registry for one loaded module. Lookups read the
// current registry through an atomic pointer, so a reset never blocks them;
// queries in flight simply drain against the registry they started with.
type Session struct {
	path string

	reg atomic.Pointer[codemap.Registry]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	reloads chan string
	done    chan struct{}
}

// New creates a session for the module at path with an empty registry.
func New(path string) *Session {
	s := &Session{path: path, reloads: make(chan string, 8)}
	s.reg.Store(codemap.NewRegistry())
	return s
}

// Path returns the watched module path.
func (s *Session) Path() string { return s.path }

// Registry returns the current registry.
func (s *Session) Registry() *codemap.Registry {
	return s.reg.Load()
}

// Reset discards all mappings and installs a fresh registry, returning it.
// Called when the module is reloaded.
func (s *Session) Reset() *codemap.Registry {
	reg := codemap.NewRegistry()
	s.reg.Store(reg)
	return reg
}

// Reloads delivers the module path each time the watcher observed a change
// and reset the registry. The owner repopulates the new registry on receive.
func (s *Session) Reloads() <-chan string { return s.reloads }

// Watch starts watching the module file. Editors and build tools commonly
// replace the file by rename, so the containing directory is watched and
// events are filtered by name.
func (s *Session) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return fmt.Errorf("modsession: already watching %s", s.path)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.loop(w, s.done)
	return nil
}

func (s *Session) loop(w *fsnotify.Watcher, done chan struct{}) {
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) || ev.Op&relevant == 0 {
				continue
			}
			s.Reset()
			select {
			case s.reloads <- s.path:
			default:
				// Owner is still handling the previous reload; the registry
				// was reset either way.
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		case <-done:
			return
		}
	}
}

// Close stops the watcher, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
