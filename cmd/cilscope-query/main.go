package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/cilscope/cilscope/internal/codemap"
	"github.com/cilscope/cilscope/internal/mapdump"
)

// lineResult is the output of a line query: where to place a breakpoint.
type lineResult struct {
	Found bool   `json:"found"`
	Token uint32 `json:"token,omitempty"`
	Start uint32 `json:"start,omitempty"`
	End   uint32 `json:"end,omitempty"`
}

// offsetResult is the output of an offset query: where execution stopped.
type offsetResult struct {
	Found bool   `json:"found"`
	Type  string `json:"type,omitempty"`
	Line  int    `json:"line,omitempty"`
}

func main() {
	var (
		mappings string
		langStr  string
		typeName string
		line     int
		tokenStr string
		offset   uint64
	)
	flag.StringVar(&mappings, "mappings", "", "path to a mapping dump JSON")
	flag.StringVar(&langStr, "lang", "il", "mapping namespace (il or ilast)")
	flag.StringVar(&typeName, "type", "", "fully-qualified type name for a line query")
	flag.IntVar(&line, "line", 0, "source line for a line query")
	flag.StringVar(&tokenStr, "token", "", "method token (hex) for an offset query")
	flag.Uint64Var(&offset, "offset", 0, "instruction offset for an offset query")
	flag.Parse()

	if mappings == "" {
		fmt.Fprintln(os.Stderr, "--mappings is required")
		os.Exit(2)
	}
	lang, err := codemap.ParseLanguage(langStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	snap, err := mapdump.ReadFile(mappings)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load mappings failed:", err)
		os.Exit(1)
	}
	reg := codemap.NewRegistry()
	if _, err := snap.Apply(reg); err != nil {
		fmt.Fprintln(os.Stderr, "apply mappings failed:", err)
		os.Exit(1)
	}
	ix := reg.Index(lang)

	switch {
	case typeName != "" && line > 0:
		sm, token, ok := ix.LookupByLine(typeName, line)
		res := lineResult{Found: ok}
		if ok {
			res.Token = token
			res.Start, res.End = sm.Range.ExternalRange()
		}
		emit(res)
	case tokenStr != "":
		token, err := strconv.ParseUint(tokenStr, 16, 32)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad token:", err)
			os.Exit(2)
		}
		typ, ln, ok := ix.LookupByOffset(uint32(token), uint32(offset))
		res := offsetResult{Found: ok}
		if ok {
			res.Type = typ
			res.Line = ln
		}
		emit(res)
	default:
		fmt.Fprintln(os.Stderr, "need either --type and --line, or --token (with --offset)")
		os.Exit(2)
	}
}

func emit(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
