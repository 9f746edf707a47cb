// Package bridge implements the per-session agent bridge: the NDJSON framing
// layer, the single-client WebSocket endpoint the agent dials back to, and
// the router that dispatches inbound frames.
package bridge

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/conduithq/conduit/internal/common/logger"
)

// Marshal serializes one JSON value followed by a single newline terminator.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// LineFunc receives one complete, syntactically valid JSON line (without the
// trailing newline).
type LineFunc func(line []byte)

// Parser is a stateful NDJSON parser. Feed may be called with arbitrary
// chunk boundaries; complete lines are handed to the callback in order and a
// trailing partial line is buffered until the next chunk or Flush.
type Parser struct {
	buf    []byte
	fn     LineFunc
	logger *logger.Logger
}

// NewParser creates a parser delivering complete lines to fn.
func NewParser(fn LineFunc, log *logger.Logger) *Parser {
	return &Parser{fn: fn, logger: log}
}

// Feed appends chunk to the buffer and emits every complete line.
func (p *Parser) Feed(chunk []byte) {
	p.buf = append(p.buf, chunk...)
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		p.handle(line)
	}
}

// Flush attempts one last parse of whatever remains in the buffer. A
// whitespace-only remainder is a no-op.
func (p *Parser) Flush() {
	remaining := p.buf
	p.buf = nil
	if len(bytes.TrimSpace(remaining)) == 0 {
		return
	}
	p.handle(remaining)
}

// handle validates and delivers one line. Whitespace-only lines are skipped;
// malformed JSON is dropped after a warn log.
func (p *Parser) handle(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}
	if !json.Valid(trimmed) {
		p.logger.Warn("dropping malformed NDJSON line",
			zap.Int("length", len(trimmed)),
			zap.ByteString("prefix", prefixOf(trimmed, 64)))
		return
	}
	p.fn(trimmed)
}

func prefixOf(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
