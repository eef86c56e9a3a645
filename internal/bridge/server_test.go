package bridge

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/cilscope/cilscope/internal/codemap"
	"github.com/cilscope/cilscope/internal/modsession"
)

// newTestSession builds a session with one method mapped at lines
// 10 -> [5,8) and 12 -> [8,9) in the raw IL namespace.
func newTestSession(t *testing.T) *modsession.Session {
	t.Helper()
	sess := modsession.New("app.dll")
	w := sess.Registry().Index(codemap.LanguageIL).Register("App.Program", 0x06000001)
	if w == nil {
		t.Fatalf("registration failed")
	}
	w.Append(codemap.SourceCodeMapping{SourceLine: 10, Range: codemap.InstructionRange{From: 5, To: 8}})
	w.Append(codemap.SourceCodeMapping{SourceLine: 12, Range: codemap.InstructionRange{From: 8, To: 9}})
	return sess
}

func startServer(t *testing.T, srv *Server) (*bufio.Writer, *bufio.Reader) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	go func() { _ = srv.HandleConn(c1) }()
	return bufio.NewWriter(c2), bufio.NewReader(c2)
}

func encodePacket(payload string) []byte {
	sum := byte(0)
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return []byte(fmt.Sprintf("$%s#%02x", payload, sum))
}

// readReply reads an optional ack and one packet payload.
func readReply(r *bufio.Reader) (ack bool, payload string, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, "", err
	}
	if b != '+' {
		if err := r.UnreadByte(); err != nil {
			return false, "", err
		}
	} else {
		ack = true
	}
	for {
		ch, err := r.ReadByte()
		if err != nil {
			return ack, "", err
		}
		if ch == '$' {
			break
		}
	}
	data := make([]byte, 0, 128)
	for {
		ch, err := r.ReadByte()
		if err != nil {
			return ack, "", err
		}
		if ch == '#' {
			break
		}
		data = append(data, ch)
	}
	csum := make([]byte, 2)
	if _, err := r.Read(csum); err != nil {
		return ack, "", err
	}
	return ack, string(data), nil
}

func roundTrip(t *testing.T, w *bufio.Writer, r *bufio.Reader, cmd string) string {
	t.Helper()
	if _, err := w.Write(encodePacket(cmd)); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	_, payload, err := readReply(r)
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestBridge_SupportedAndNoAck(t *testing.T) {
	srv := NewServer(newTestSession(t))
	w, r := startServer(t, srv)

	if _, err := w.Write(encodePacket("qSupported")); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	ack, payload, err := readReply(r)
	if err != nil {
		t.Fatal(err)
	}
	if !ack {
		t.Fatalf("expected ack before no-ack mode")
	}
	if !strings.Contains(payload, "QStartNoAckMode+") {
		t.Fatalf("unexpected qSupported reply: %q", payload)
	}

	if got := roundTrip(t, w, r, "QStartNoAckMode"); got != "OK" {
		t.Fatalf("expected OK, got %q", got)
	}
	// Next reply must come without an ack.
	if _, err := w.Write(encodePacket("qBreakpoints")); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	ack, _, err = readReply(r)
	if err != nil {
		t.Fatal(err)
	}
	if ack {
		t.Fatalf("did not expect ack after no-ack mode")
	}
}

func TestBridge_LineQuery(t *testing.T) {
	srv := NewServer(newTestSession(t))
	w, r := startServer(t, srv)
	roundTrip(t, w, r, "QStartNoAckMode")

	if got := roundTrip(t, w, r, "qLine:il:App.Program:10"); got != "token=06000001;start=5;end=9" {
		t.Fatalf("unexpected line reply: %q", got)
	}
	if got := roundTrip(t, w, r, "qLine:il:App.Program:11"); got != "nomatch" {
		t.Fatalf("expected nomatch, got %q", got)
	}
	if got := roundTrip(t, w, r, "qLine:csharp:App.Program:10"); got != "E02" {
		t.Fatalf("expected E02 for unknown language, got %q", got)
	}
	if got := roundTrip(t, w, r, "qLine:il:App.Program"); got != "E01" {
		t.Fatalf("expected E01 for malformed packet, got %q", got)
	}
}

func TestBridge_OffsetQuery(t *testing.T) {
	srv := NewServer(newTestSession(t))
	w, r := startServer(t, srv)
	roundTrip(t, w, r, "QStartNoAckMode")

	// Contained offset.
	if got := roundTrip(t, w, r, "qOffset:il:6000001:6"); got != "type=App.Program;line=10" {
		t.Fatalf("unexpected offset reply: %q", got)
	}
	// Past all ranges: last-resort tier.
	if got := roundTrip(t, w, r, "qOffset:il:6000001:64"); got != "type=App.Program;line=12" {
		t.Fatalf("unexpected fallback reply: %q", got)
	}
	// Unknown token.
	if got := roundTrip(t, w, r, "qOffset:il:60000ff:0"); got != "nomatch" {
		t.Fatalf("expected nomatch, got %q", got)
	}
}

func TestBridge_Breakpoints(t *testing.T) {
	srv := NewServer(newTestSession(t))
	w, r := startServer(t, srv)
	roundTrip(t, w, r, "QStartNoAckMode")

	if got := roundTrip(t, w, r, "qBreakpoints"); got != "none" {
		t.Fatalf("expected none, got %q", got)
	}
	if got := roundTrip(t, w, r, "Z0,6000001,6"); got != "OK" {
		t.Fatalf("expected OK, got %q", got)
	}
	if got := roundTrip(t, w, r, "Z0,60000ff,0"); got != "OK" {
		t.Fatalf("expected OK, got %q", got)
	}
	got := roundTrip(t, w, r, "qBreakpoints")
	want := "06000001,6,App.Program,10;060000ff,0,-,-"
	if got != want {
		t.Fatalf("breakpoint list:\n got %q\nwant %q", got, want)
	}
	if got := roundTrip(t, w, r, "z0,60000ff,0"); got != "OK" {
		t.Fatalf("expected OK, got %q", got)
	}
	if got := roundTrip(t, w, r, "qBreakpoints"); got != "06000001,6,App.Program,10" {
		t.Fatalf("after removal: %q", got)
	}
}

func TestBridge_XferMethod(t *testing.T) {
	srv := NewServer(newTestSession(t))
	w, r := startServer(t, srv)
	roundTrip(t, w, r, "QStartNoAckMode")

	// Read the whole document in small chunks.
	var data []byte
	off := 0
	for {
		cmd := fmt.Sprintf("qXfer:method:read:il:6000001:%x,10", off)
		payload := roundTrip(t, w, r, cmd)
		if len(payload) == 0 || (payload[0] != 'm' && payload[0] != 'l') {
			t.Fatalf("bad chunk marker: %q", payload)
		}
		chunk, err := hex.DecodeString(payload[1:])
		if err != nil {
			t.Fatalf("invalid hex: %v", err)
		}
		data = append(data, chunk...)
		off += len(chunk)
		if payload[0] == 'l' {
			break
		}
	}
	var doc struct {
		Type     string                      `json:"type"`
		Token    uint32                      `json:"token"`
		Mappings []codemap.SourceCodeMapping `json:"mappings"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, data)
	}
	if doc.Type != "App.Program" || doc.Token != 0x06000001 || len(doc.Mappings) != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.Mappings[0].SourceLine != 10 {
		t.Fatalf("unexpected first mapping: %+v", doc.Mappings[0])
	}

	if got := roundTrip(t, w, r, "qXfer:method:read:il:60000ff:0,10"); got != "E03" {
		t.Fatalf("expected E03 for unknown token, got %q", got)
	}
}

func TestBridge_ReloadVisibleMidConnection(t *testing.T) {
	sess := newTestSession(t)
	srv := NewServer(sess)
	w, r := startServer(t, srv)
	roundTrip(t, w, r, "QStartNoAckMode")

	if got := roundTrip(t, w, r, "qLine:il:App.Program:10"); !strings.HasPrefix(got, "token=") {
		t.Fatalf("expected hit before reload, got %q", got)
	}
	sess.Reset()
	if got := roundTrip(t, w, r, "qLine:il:App.Program:10"); got != "nomatch" {
		t.Fatalf("expected nomatch after reload, got %q", got)
	}
}
