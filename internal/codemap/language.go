package codemap

import "fmt"

// Language selects one of the parallel mapping namespaces, one per textual
// IL representation shown to the user.
type Language uint8

const (
	// LanguageIL is the raw instruction-per-line IL listing.
	LanguageIL Language = iota
	// LanguageILAst is the structured, higher-level IL text.
	LanguageILAst
)

func (l Language) String() string {
	switch l {
	case LanguageIL:
		return "il"
	case LanguageILAst:
		return "ilast"
	default:
		return fmt.Sprintf("Language(%d)", uint8(l))
	}
}

// ParseLanguage converts the wire/CLI spelling of a language tag.
func ParseLanguage(s string) (Language, error) {
	switch s {
	case "il":
		return LanguageIL, nil
	case "ilast":
		return LanguageILAst, nil
	}
	return 0, fmt.Errorf("codemap: unknown language %q", s)
}

// Registry owns one Index per Language for a single loaded-module session.
type Registry struct {
	il    *Index
	ilast *Index
}

// NewRegistry creates empty indexes for both namespaces.
func NewRegistry() *Registry {
	return &Registry{il: NewIndex(), ilast: NewIndex()}
}

// Index returns the namespace for lang. An unrecognized Language is a bug
// in the caller, not a data condition, and panics.
func (r *Registry) Index(lang Language) *Index {
	switch lang {
	case LanguageIL:
		return r.il
	case LanguageILAst:
		return r.ilast
	default:
		panic("codemap: unknown language selector " + lang.String())
	}
}
