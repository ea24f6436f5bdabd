// Package sse incrementally parses a Server-Sent Events byte stream into
// event payloads.
package sse

import (
	"context"
	"errors"
	"io"
	"strings"
)

// DefaultReadSize is the chunk size used by Read.
const DefaultReadSize = 32 * 1024

// Parser accumulates raw bytes and yields the data payload of every complete
// frame. It is not safe for concurrent use; one Parser serves one
// connection.
type Parser struct {
	pending string
	// pendingCR is set when the previous chunk ended in '\r' so a CRLF split
	// across chunks still normalizes to a single LF.
	pendingCR bool
}

// NewParser returns an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the buffer and returns the payloads of all frames
// completed by it, in arrival order. Frames without a data line produce
// nothing.
func (p *Parser) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}

	text := string(chunk)
	if p.pendingCR {
		text = "\r" + text
		p.pendingCR = false
	}
	if strings.HasSuffix(text, "\r") {
		text = text[:len(text)-1]
		p.pendingCR = true
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	p.pending += text

	var out []string
	for {
		idx := strings.Index(p.pending, "\n\n")
		if idx < 0 {
			break
		}
		frame := p.pending[:idx]
		p.pending = p.pending[idx+2:]
		if payload, ok := framePayload(frame); ok {
			out = append(out, payload)
		}
	}
	return out
}

// Buffered reports the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int {
	n := len(p.pending)
	if p.pendingCR {
		n++
	}
	return n
}

// Reset discards any buffered partial frame.
func (p *Parser) Reset() {
	p.pending = ""
	p.pendingCR = false
}

// framePayload joins the data lines of frame. Bytes that are not valid
// UTF-8 are replaced with U+FFFD.
func framePayload(frame string) (string, bool) {
	var lines []string
	for _, line := range strings.Split(frame, "\n") {
		after, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		after = strings.TrimPrefix(after, " ")
		lines = append(lines, after)
	}
	if len(lines) == 0 {
		return "", false
	}
	payload := strings.ToValidUTF8(strings.Join(lines, "\n"), "\uFFFD")
	if payload == "" {
		return "", false
	}
	return payload, true
}

// Read pulls chunks from r, feeding them through a fresh Parser and calling
// fn for every payload. It returns nil on a clean EOF, ctx.Err() once ctx is
// done, the first error from fn, or the read error. A partial frame left at
// EOF is discarded.
func Read(ctx context.Context, r io.Reader, fn func(payload string) error) error {
	p := NewParser()
	chunk := make([]byte, DefaultReadSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, rerr := r.Read(chunk)
		if n > 0 {
			for _, payload := range p.Feed(chunk[:n]) {
				if err := fn(payload); err != nil {
					return err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rerr
		}
	}
}
