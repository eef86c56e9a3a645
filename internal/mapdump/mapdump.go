// Package mapdump reads and writes mapping dumps: the JSON artifact a
// decompiler pass produces so the bridge server and query tools can answer
// line/offset lookups without the decompiler in-process.
package mapdump

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/cilscope/cilscope/internal/codemap"
)

// producerConstraint is the range of decompiler versions whose dumps this
// reader understands. Bumped together with the schema.
const producerConstraint = ">=1.0.0, <2.0.0"

var (
	// ErrProducerVersion marks a dump produced by a decompiler outside the
	// supported version range.
	ErrProducerVersion = errors.New("unsupported producer version")
)

// Snapshot is the top-level dump artifact for one language namespace.
type Snapshot struct {
	GeneratedAt     time.Time  `json:"generated_at"`
	Producer        string     `json:"producer"`
	ProducerVersion string     `json:"producer_version"`
	Language        string     `json:"language"`
	Types           []TypeDump `json:"types"`
}

// TypeDump lists the decompiled methods of one type in registration order.
type TypeDump struct {
	Name    string       `json:"name"`
	Methods []MethodDump `json:"methods"`
}

// MethodDump carries one method's token and its line mappings in emission
// order.
type MethodDump struct {
	Token    uint32                      `json:"token"`
	Mappings []codemap.SourceCodeMapping `json:"mappings"`
}

// Read decodes and validates a dump. A producer version outside the
// supported constraint is rejected with ErrProducerVersion.
func Read(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	dec := json.NewDecoder(r)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode mapping dump: %w", err)
	}
	if _, err := codemap.ParseLanguage(s.Language); err != nil {
		return nil, err
	}
	if err := checkProducer(s.ProducerVersion); err != nil {
		return nil, err
	}
	return &s, nil
}

// ReadFile reads a dump from disk.
func ReadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func checkProducer(version string) error {
	if version == "" {
		return fmt.Errorf("%w: missing producer_version", ErrProducerVersion)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrProducerVersion, version, err)
	}
	c, err := semver.NewConstraint(producerConstraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s outside %s", ErrProducerVersion, version, producerConstraint)
	}
	return nil
}

// Write emits the snapshot as indented JSON.
func Write(w io.Writer, s *Snapshot) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Lang returns the snapshot's language tag.
func (s *Snapshot) Lang() (codemap.Language, error) {
	return codemap.ParseLanguage(s.Language)
}

// Apply replays the snapshot through the registration API of the matching
// namespace in reg. Methods already tracked there are skipped, mirroring
// the index's silent handling of double registration. Returns the number of
// methods actually registered.
func (s *Snapshot) Apply(reg *codemap.Registry) (int, error) {
	lang, err := s.Lang()
	if err != nil {
		return 0, err
	}
	ix := reg.Index(lang)
	applied := 0
	for _, td := range s.Types {
		for _, md := range td.Methods {
			w := ix.Register(td.Name, md.Token)
			if w == nil {
				continue
			}
			for _, sm := range md.Mappings {
				w.Append(sm)
			}
			applied++
		}
	}
	return applied, nil
}

// Capture snapshots a live namespace back into a dump, with types sorted by
// name so output is deterministic.
func Capture(ix *codemap.Index, lang codemap.Language, producer, version string) *Snapshot {
	byType := map[string]*TypeDump{}
	ix.Walk(func(declaringType string, token uint32, mappings []codemap.SourceCodeMapping) bool {
		td, ok := byType[declaringType]
		if !ok {
			td = &TypeDump{Name: declaringType}
			byType[declaringType] = td
		}
		td.Methods = append(td.Methods, MethodDump{Token: token, Mappings: mappings})
		return true
	})
	names := make([]string, 0, len(byType))
	for name := range byType {
		names = append(names, name)
	}
	sort.Strings(names)
	out := &Snapshot{
		GeneratedAt:     time.Now().UTC(),
		Producer:        producer,
		ProducerVersion: version,
		Language:        lang.String(),
	}
	for _, name := range names {
		out.Types = append(out.Types, *byType[name])
	}
	return out
}
