package codemap

// InstructionRange is a span of IL instruction offsets within one method
// body, stored the way the decompiler emits it: a single-instruction range
// already carries an exclusive-style To (To == From+1) while wider ranges
// are inclusive of To. ExternalRange normalizes both forms.
type InstructionRange struct {
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
}

// ExternalRange returns the span as a half-open [start, end) interval for
// external consumers such as highlighting or breakpoint placement.
func (r InstructionRange) ExternalRange() (start, end uint32) {
	if r.To == r.From+1 {
		return r.From, r.To
	}
	return r.From, r.To + 1
}

// Contains reports whether off falls inside the range, with To treated as
// the exclusive upper bound.
func (r InstructionRange) Contains(off uint32) bool {
	return off >= r.From && off < r.To
}

// SourceCodeMapping associates one line of generated source text with the
// IL instruction range it was decompiled from. InnerTypes lists the type
// identifiers referenced at that line; it may be empty.
type SourceCodeMapping struct {
	SourceLine int              `json:"line"`
	Range      InstructionRange `json:"range"`
	InnerTypes []string         `json:"inner_types,omitempty"`
}
