package codemap

import "sync"

// typeDir is a striped insert-only directory from fully-qualified type name
// to that type's method list. Striping keeps concurrent registration of
// unrelated types off a single lock.
type typeDir struct {
	shards []dirShard
}

type dirShard struct {
	mu sync.RWMutex
	m  map[string]*typeEntry
}

// typeEntry holds the ordered method list for one type. The mutex guards
// the list itself; mapping appends inside a record are lock-free (see
// methodRecord).
type typeEntry struct {
	mu      sync.RWMutex
	methods []*methodRecord
}

func newTypeDir(shardCount int) *typeDir {
	if shardCount <= 0 {
		shardCount = 32
	}
	d := &typeDir{shards: make([]dirShard, shardCount)}
	for i := range d.shards {
		d.shards[i].m = make(map[string]*typeEntry)
	}
	return d
}

func (d *typeDir) shard(name string) *dirShard {
	// FNV-1a 64-bit
	var h uint64 = 1469598103934665603
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211
	}
	return &d.shards[h%uint64(len(d.shards))]
}

func (d *typeDir) get(name string) (*typeEntry, bool) {
	s := d.shard(name)
	s.mu.RLock()
	e, ok := s.m[name]
	s.mu.RUnlock()
	return e, ok
}

func (d *typeDir) getOrCreate(name string) *typeEntry {
	s := d.shard(name)
	s.mu.RLock()
	e, ok := s.m[name]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	if e, ok = s.m[name]; !ok {
		e = &typeEntry{}
		s.m[name] = e
	}
	s.mu.Unlock()
	return e
}

// walk visits every (type name, entry) pair; if fn returns false the walk
// stops early. Visit order across types is unspecified.
func (d *typeDir) walk(fn func(name string, e *typeEntry) bool) {
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		for name, e := range s.m {
			if !fn(name, e) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// snapshot returns the current method list header. Later registrations do
// not affect a caller iterating the returned slice.
func (e *typeEntry) snapshot() []*methodRecord {
	e.mu.RLock()
	methods := e.methods
	e.mu.RUnlock()
	return methods
}
