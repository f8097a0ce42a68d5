package ftps

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// maxLineLength bounds a single control line. Servers that send more than
// this without a line terminator are not speaking FTP.
const maxLineLength = 64 * 1024

// Reply represents a complete FTP server reply.
type Reply struct {
	// Code is the three-digit reply code (e.g., 220, 550).
	// It is zero if the line did not start with a numeric code.
	Code int

	// Text is the closing line of the reply, code included
	// (e.g., "226 Transfer complete").
	Text string

	// Lines contains every line of the reply, opening and continuation
	// lines included, for multi-line replies.
	Lines []string
}

// Is1xx returns true for positive preliminary replies.
func (r *Reply) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true for positive completion replies.
func (r *Reply) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true for positive intermediate replies.
func (r *Reply) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true for transient negative replies.
func (r *Reply) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true for permanent negative replies.
func (r *Reply) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// Message returns the closing line without its code.
func (r *Reply) Message() string {
	if len(r.Text) > 4 {
		return r.Text[4:]
	}
	return ""
}

// String returns the reply text.
func (r *Reply) String() string {
	return r.Text
}

// assembler turns the raw frames read from a control connection into
// complete replies.
//
// Frames are whatever a single read returned: a partial line, one line,
// or several replies coalesced together. Lines are split on CRLF and the
// multi-line rule is applied per line:
//
//	"220-Welcome to FTP\r\n"   opens a reply (4th char '-')
//	"  any text\r\n"           continuation, dropped from Text
//	"220 Ready\r\n"            closes it (same code, then a space)
type assembler struct {
	// partial holds bytes after the last line terminator seen so far
	partial []byte

	// code is the code of the multi-line reply being assembled, "" if none
	code string

	// lines accumulates the lines of the reply being assembled
	lines []string

	logger *slog.Logger
}

func newAssembler(logger *slog.Logger) *assembler {
	return &assembler{logger: logger}
}

// feed consumes one inbound frame and returns every reply it completed,
// in arrival order.
func (a *assembler) feed(frame []byte) ([]*Reply, error) {
	if len(bytes.TrimSpace(frame)) == 0 && len(a.partial) == 0 {
		a.logger.Debug("ignoring empty control frame")
		return nil, nil
	}

	a.partial = append(a.partial, frame...)

	var replies []*Reply
	for {
		i := bytes.IndexByte(a.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(a.partial[:i]), "\r")
		a.partial = a.partial[i+1:]

		if r := a.line(line); r != nil {
			replies = append(replies, r)
		}
	}

	if len(a.partial) > maxLineLength {
		return replies, fmt.Errorf("ftps: control line exceeds %d bytes", maxLineLength)
	}

	// Compact so the backing array does not grow with the session
	if len(a.partial) == 0 {
		a.partial = nil
	}

	return replies, nil
}

// assembling reports whether a multi-line reply or a partial line is
// waiting for more input.
func (a *assembler) assembling() bool {
	return a.code != "" || len(a.partial) > 0
}

func (a *assembler) line(line string) *Reply {
	if strings.TrimSpace(line) == "" {
		a.logger.Debug("ignoring blank control line")
		return nil
	}

	if a.code != "" {
		a.lines = append(a.lines, line)
		if !strings.HasPrefix(line, a.code+" ") {
			return nil
		}
		a.code = ""
		return a.close(line)
	}

	if len(line) >= 4 && line[3] == '-' && isReplyCode(line[:3]) {
		a.code = line[:3]
		a.lines = []string{line}
		return nil
	}

	a.lines = []string{line}
	return a.close(line)
}

func (a *assembler) close(last string) *Reply {
	r := &Reply{
		Text:  last,
		Lines: a.lines,
	}
	a.lines = nil

	if len(last) >= 3 && isReplyCode(last[:3]) {
		r.Code, _ = strconv.Atoi(last[:3])
	}

	return r
}

func isReplyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := range 3 {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
