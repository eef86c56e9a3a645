// Package bridge exposes a module session's mapping indexes to an
// out-of-process debugger frontend over TCP. Framing follows the GDB remote
// serial protocol shape ($payload#checksum packets, '+' acks, qXfer-style
// chunked reads) so existing client plumbing can be reused.
package bridge

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cilscope/cilscope/internal/codemap"
	"github.com/cilscope/cilscope/internal/modsession"
)

// breakpoint identifies a pending breakpoint by method token and raw IL
// offset. Raw IL offsets are the canonical breakpoint coordinates; the
// LanguageIL namespace resolves them back to lines for listing.
type breakpoint struct {
	token  uint32
	offset uint32
}

// Server answers mapping queries for one module session. Lookups read the
// session's current registry on every packet, so a module reload is picked
// up mid-connection.
type Server struct {
	sess *modsession.Session

	mu    sync.Mutex
	noAck bool
	bp    map[breakpoint]bool
}

// NewServer creates a bridge server over sess.
func NewServer(sess *modsession.Session) *Server {
	return &Server{sess: sess, bp: make(map[breakpoint]bool)}
}

// HandleConn serves a single session over conn.
func (s *Server) HandleConn(conn net.Conn) error {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		pkt, err := readPacket(r)
		if err != nil {
			return err
		}
		s.mu.Lock()
		noAck := s.noAck
		s.mu.Unlock()
		if !noAck {
			_, _ = conn.Write([]byte("+"))
		}
		if err := writePacket(conn, s.dispatch(pkt)); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(cmd string) string {
	switch {
	case strings.HasPrefix(cmd, "qSupported"):
		return "PacketSize=4000;QStartNoAckMode+;qXfer:method:read+"
	case strings.HasPrefix(cmd, "QStartNoAckMode"):
		s.mu.Lock()
		s.noAck = true
		s.mu.Unlock()
		return "OK"
	case strings.HasPrefix(cmd, "qLine:"):
		return s.handleLine(cmd[len("qLine:"):])
	case strings.HasPrefix(cmd, "qOffset:"):
		return s.handleOffset(cmd[len("qOffset:"):])
	case strings.HasPrefix(cmd, "qXfer:method:read:"):
		return s.handleXferMethod(cmd[len("qXfer:method:read:"):])
	case cmd == "qBreakpoints":
		return s.handleListBreakpoints()
	case strings.HasPrefix(cmd, "Z0,"):
		bp, ok := parseBreakpoint(cmd[len("Z0,"):])
		if !ok {
			return "E01"
		}
		s.mu.Lock()
		s.bp[bp] = true
		s.mu.Unlock()
		return "OK"
	case strings.HasPrefix(cmd, "z0,"):
		bp, ok := parseBreakpoint(cmd[len("z0,"):])
		if !ok {
			return "E01"
		}
		s.mu.Lock()
		delete(s.bp, bp)
		s.mu.Unlock()
		return "OK"
	case cmd == "D", cmd == "k":
		return "OK"
	case strings.HasPrefix(cmd, "vMustReplyEmpty"):
		return ""
	default:
		return ""
	}
}

// handleLine implements qLine:LANG:TYPE:LINE. The reply carries the method
// token and the external half-open instruction range for breakpoint
// placement, or "nomatch" when the line maps nothing.
func (s *Server) handleLine(body string) string {
	langStr, rest, ok := strings.Cut(body, ":")
	if !ok {
		return "E01"
	}
	sep := strings.LastIndexByte(rest, ':')
	if sep < 0 {
		return "E01"
	}
	typeName := rest[:sep]
	line, err := strconv.Atoi(rest[sep+1:])
	if err != nil {
		return "E01"
	}
	lang, err := codemap.ParseLanguage(langStr)
	if err != nil {
		return "E02"
	}
	sm, token, found := s.sess.Registry().Index(lang).LookupByLine(typeName, line)
	if !found {
		return "nomatch"
	}
	start, end := sm.Range.ExternalRange()
	return fmt.Sprintf("token=%08x;start=%x;end=%x", token, start, end)
}

// handleOffset implements qOffset:LANG:TOKEN:OFFSET (token and offset in
// hex), replying with the declaring type and resolved source line.
func (s *Server) handleOffset(body string) string {
	parts := strings.SplitN(body, ":", 3)
	if len(parts) != 3 {
		return "E01"
	}
	lang, err := codemap.ParseLanguage(parts[0])
	if err != nil {
		return "E02"
	}
	token, err1 := strconv.ParseUint(parts[1], 16, 32)
	offset, err2 := strconv.ParseUint(parts[2], 16, 32)
	if err1 != nil || err2 != nil {
		return "E01"
	}
	typeName, line, found := s.sess.Registry().Index(lang).LookupByOffset(uint32(token), uint32(offset))
	if !found {
		return "nomatch"
	}
	return fmt.Sprintf("type=%s;line=%d", typeName, line)
}

// handleXferMethod implements qXfer:method:read:LANG:TOKEN:OFFSET,LENGTH,
// serving one method's mapping table as chunked JSON.
func (s *Server) handleXferMethod(body string) string {
	parts := strings.SplitN(body, ":", 3)
	if len(parts) != 3 {
		return "E01"
	}
	lang, err := codemap.ParseLanguage(parts[0])
	if err != nil {
		return "E02"
	}
	token, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return "E01"
	}
	typeName, mappings, found := s.sess.Registry().Index(lang).Method(uint32(token))
	if !found {
		return "E03"
	}
	payload := struct {
		Type     string                      `json:"type"`
		Token    uint32                      `json:"token"`
		Mappings []codemap.SourceCodeMapping `json:"mappings"`
	}{Type: typeName, Token: uint32(token), Mappings: mappings}
	data, err := json.Marshal(payload)
	if err != nil {
		return "E03"
	}
	return xferChunk(data, parts[2])
}

func (s *Server) handleListBreakpoints() string {
	s.mu.Lock()
	bps := make([]breakpoint, 0, len(s.bp))
	for bp := range s.bp {
		bps = append(bps, bp)
	}
	s.mu.Unlock()
	if len(bps) == 0 {
		return "none"
	}
	sort.Slice(bps, func(i, j int) bool {
		if bps[i].token != bps[j].token {
			return bps[i].token < bps[j].token
		}
		return bps[i].offset < bps[j].offset
	})
	ix := s.sess.Registry().Index(codemap.LanguageIL)
	entries := make([]string, 0, len(bps))
	for _, bp := range bps {
		if typeName, line, ok := ix.LookupByOffset(bp.token, bp.offset); ok {
			entries = append(entries, fmt.Sprintf("%08x,%x,%s,%d", bp.token, bp.offset, typeName, line))
		} else {
			entries = append(entries, fmt.Sprintf("%08x,%x,-,-", bp.token, bp.offset))
		}
	}
	return strings.Join(entries, ";")
}

func parseBreakpoint(body string) (breakpoint, bool) {
	parts := strings.SplitN(body, ",", 2)
	if len(parts) != 2 {
		return breakpoint{}, false
	}
	token, err1 := strconv.ParseUint(parts[0], 16, 32)
	offset, err2 := strconv.ParseUint(parts[1], 16, 32)
	if err1 != nil || err2 != nil {
		return breakpoint{}, false
	}
	return breakpoint{token: uint32(token), offset: uint32(offset)}, true
}

// xferChunk serves data via qXfer semantics: offLen is "OFFSET,LENGTH" in
// hex; replies carry an 'm' marker for a partial chunk or 'l' for the final
// one, followed by the hex-encoded bytes.
func xferChunk(data []byte, offLen string) string {
	parts := strings.SplitN(offLen, ",", 2)
	if len(parts) != 2 {
		return "E01"
	}
	off, err1 := strconv.ParseUint(parts[0], 16, 64)
	ln, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return "E01"
	}
	if off >= uint64(len(data)) {
		return "l"
	}
	end := off + ln
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	marker := byte('m')
	if end == uint64(len(data)) {
		marker = 'l'
	}
	return string(marker) + hex.EncodeToString(data[off:end])
}

// readPacket reads one $payload#checksum packet. The checksum is consumed
// but not verified; the caller acks on the same connection.
func readPacket(r *bufio.Reader) (string, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '$' {
			break
		}
	}
	data := make([]byte, 0, 256)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '#' {
			break
		}
		data = append(data, b)
	}
	csum := make([]byte, 2)
	if _, err := r.Read(csum); err != nil {
		return "", err
	}
	return string(data), nil
}

func writePacket(w net.Conn, payload string) error {
	sum := byte(0)
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	pkt := fmt.Sprintf("$%s#%02x", payload, sum)
	_, err := w.Write([]byte(pkt))
	return err
}
