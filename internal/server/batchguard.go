package server

import (
	"bufio"
	"bytes"
	"io"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	guardInitialBuffer = 64 * 1024
	guardMaxFrame      = 10 * 1024 * 1024
)

// BatchGuard filters the host's stdin before the MCP server sees it.
// JSON-RPC batching was removed from the MCP spec, but some hosts still
// emit batch frames: a single-element batch is unwrapped to its element, a
// multi-element batch is dropped with a log line instead of poisoning the
// session.
type BatchGuard struct {
	scanner *bufio.Scanner
	logger  *zap.Logger

	pending []byte
	err     error
}

// NewBatchGuard wraps r, which must carry newline-delimited JSON-RPC
// frames.
func NewBatchGuard(r io.Reader, logger *zap.Logger) *BatchGuard {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, guardInitialBuffer), guardMaxFrame)
	return &BatchGuard{
		scanner: scanner,
		logger:  logger.Named("batch-guard"),
	}
}

// Read implements io.Reader, delivering only approved frames.
func (g *BatchGuard) Read(p []byte) (int, error) {
	for len(g.pending) == 0 {
		if g.err != nil {
			return 0, g.err
		}
		if !g.scanner.Scan() {
			g.err = g.scanner.Err()
			if g.err == nil {
				g.err = io.EOF
			}
			return 0, g.err
		}

		frame, ok := g.filter(g.scanner.Bytes())
		if !ok {
			continue
		}
		g.pending = append(append([]byte(nil), frame...), '\n')
	}

	n := copy(p, g.pending)
	g.pending = g.pending[n:]
	return n, nil
}

// filter passes non-batch frames through untouched and decides what to do
// with array frames.
func (g *BatchGuard) filter(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return line, true
	}

	parsed := gjson.ParseBytes(trimmed)
	if !parsed.IsArray() {
		// Malformed; let the server produce the parse error.
		return line, true
	}

	elems := parsed.Array()
	switch len(elems) {
	case 0:
		g.logger.Warn("Dropping empty JSON-RPC batch frame")
		return nil, false
	case 1:
		g.logger.Debug("Unwrapping single-element JSON-RPC batch frame",
			zap.String("method", elems[0].Get("method").String()))
		return []byte(elems[0].Raw), true
	default:
		g.logger.Warn("Dropping JSON-RPC batch frame - batching is not supported",
			zap.Int("batch_size", len(elems)))
		return nil, false
	}
}
