package codemap

import "sync/atomic"

// Index is one mapping namespace: a concurrently usable store that
// associates, per decompiled method, source line numbers of the generated
// text with IL instruction ranges, and answers lookups in both directions.
//
// Registration and queries may run concurrently. A method's mapping list
// has a single writer: the decompilation pass that registered it and holds
// its MethodWriter. That contract is established at Register time and never
// transferred, so appends need no per-record lock; readers see an atomic
// snapshot of the list instead.
type Index struct {
	dir *typeDir
}

// methodRecord tracks one decompiled method. mappings holds a copy-on-write
// snapshot: the single writer replaces it wholesale on every append.
type methodRecord struct {
	declaringType string
	token         uint32
	mappings      atomic.Pointer[[]SourceCodeMapping]
}

func (m *methodRecord) snapshot() []SourceCodeMapping {
	if p := m.mappings.Load(); p != nil {
		return *p
	}
	return nil
}

// MethodWriter is the append capability for one registered method. Only the
// call path that performed the registration receives a live writer, which
// guards against double-registration from re-entrant decompilation.
type MethodWriter struct {
	rec *methodRecord
}

// Token returns the method token the writer was registered under.
func (w *MethodWriter) Token() uint32 { return w.rec.token }

// Append adds one line mapping. No deduplication, no sorting: entries keep
// the order the decompiler emitted them in.
func (w *MethodWriter) Append(sm SourceCodeMapping) {
	old := w.rec.snapshot()
	next := make([]SourceCodeMapping, len(old)+1)
	copy(next, old)
	next[len(old)] = sm
	w.rec.mappings.Store(&next)
}

// NewIndex creates an empty namespace.
func NewIndex() *Index {
	return &Index{dir: newTypeDir(32)}
}

// Register creates the mapping slot for (declaringType, token) and returns
// its writer. If the method is already tracked the call is a no-op and
// returns nil: the method's code is covered, but only the original
// registrant may keep appending.
func (ix *Index) Register(declaringType string, token uint32) *MethodWriter {
	e := ix.dir.getOrCreate(declaringType)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.methods {
		if rec.token == token {
			return nil
		}
	}
	rec := &methodRecord{declaringType: declaringType, token: token}
	e.methods = append(e.methods, rec)
	return &MethodWriter{rec: rec}
}

// LookupByLine finds the mapping whose source line equals line within
// declaringType, together with the owning method's token. Methods are
// scanned in registration order and mappings in emission order; the first
// match wins. Lines below 1 and unknown types report not-found without
// scanning. There is no fallback: an unmapped line is simply not found.
func (ix *Index) LookupByLine(declaringType string, line int) (SourceCodeMapping, uint32, bool) {
	if line < 1 {
		return SourceCodeMapping{}, 0, false
	}
	e, ok := ix.dir.get(declaringType)
	if !ok {
		return SourceCodeMapping{}, 0, false
	}
	for _, rec := range e.snapshot() {
		for _, sm := range rec.snapshot() {
			if sm.SourceLine == line {
				return sm, rec.token, true
			}
		}
	}
	return SourceCodeMapping{}, 0, false
}

// LookupByOffset resolves an execution offset inside the method identified
// by token to a source position. The whole namespace is searched; the first
// record carrying the token wins. Offsets reported by a running program can
// fall into generated prologue or variable-init code no line maps exactly,
// so resolution degrades in tiers: a range containing the offset, else the
// first stored mapping starting at or after it, else the method's last
// mapping. A method with no mappings, or an unknown token, is not found.
func (ix *Index) LookupByOffset(token uint32, offset uint32) (declaringType string, line int, ok bool) {
	var found *methodRecord
	ix.dir.walk(func(_ string, e *typeEntry) bool {
		for _, rec := range e.snapshot() {
			if rec.token == token {
				found = rec
				return false
			}
		}
		return true
	})
	if found == nil {
		return "", 0, false
	}
	ms := found.snapshot()
	if len(ms) == 0 {
		return "", 0, false
	}
	for _, sm := range ms {
		if sm.Range.Contains(offset) {
			return found.declaringType, sm.SourceLine, true
		}
	}
	for _, sm := range ms {
		if sm.Range.From >= offset {
			return found.declaringType, sm.SourceLine, true
		}
	}
	last := ms[len(ms)-1]
	return found.declaringType, last.SourceLine, true
}

// Method returns the declaring type and current mapping snapshot for token,
// searching the whole namespace.
func (ix *Index) Method(token uint32) (declaringType string, mappings []SourceCodeMapping, ok bool) {
	var found *methodRecord
	ix.dir.walk(func(_ string, e *typeEntry) bool {
		for _, rec := range e.snapshot() {
			if rec.token == token {
				found = rec
				return false
			}
		}
		return true
	})
	if found == nil {
		return "", nil, false
	}
	return found.declaringType, found.snapshot(), true
}

// Walk visits every registered method with a snapshot of its mappings.
// Methods of one type are visited in registration order; order across types
// is unspecified. Returning false stops the walk.
func (ix *Index) Walk(fn func(declaringType string, token uint32, mappings []SourceCodeMapping) bool) {
	ix.dir.walk(func(name string, e *typeEntry) bool {
		for _, rec := range e.snapshot() {
			if !fn(name, rec.token, rec.snapshot()) {
				return false
			}
		}
		return true
	})
}

// MethodCount reports the number of registered methods across all types.
// The count may be slightly stale while registrations are in flight.
func (ix *Index) MethodCount() int {
	n := 0
	ix.dir.walk(func(_ string, e *typeEntry) bool {
		n += len(e.snapshot())
		return true
	})
	return n
}
