// Package protocol implements the line-framed JSON envelopes exchanged with a
// worker over its stdin and stdout.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
)

// DefaultMaxLineBytes bounds a single response line.
const DefaultMaxLineBytes = 64 << 20

// EncodeRequest serializes req as one JSON line and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if !validCommand(req.Command) {
		return fmt.Errorf("unsupported command %q: %w", req.Command, bridgeerr.ErrProtocol)
	}

	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", req.Command, err)
	}
	line = append(line, '\n')

	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("failed to write %s request: %w", req.Command, err)
	}
	return nil
}

// DecodeResponse parses one response line. A status other than "ok" or
// "error" is a protocol error.
func DecodeResponse(line []byte) (*Response, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("empty response line: %w", bridgeerr.ErrProtocol)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %v: %w", err, bridgeerr.ErrProtocol)
	}

	if resp.Status != StatusOK && resp.Status != StatusError {
		return nil, fmt.Errorf("invalid status value %q (must be 'ok' or 'error'): %w", resp.Status, bridgeerr.ErrProtocol)
	}

	return &resp, nil
}

// Codec runs strictly half-duplex exchanges over a worker's pipes: one
// request line out, one response line back. It is not safe for concurrent use.
type Codec struct {
	w       *bufio.Writer
	scanner *bufio.Scanner

	// LastLine holds the raw text of the most recent response line.
	LastLine []byte
}

// NewCodec creates a codec writing to w and reading from r. maxLineBytes <= 0
// selects DefaultMaxLineBytes.
func NewCodec(w io.Writer, r io.Reader, maxLineBytes int) *Codec {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	initial := min(64*1024, maxLineBytes)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initial), maxLineBytes)
	return &Codec{w: bufio.NewWriter(w), scanner: sc}
}

// Exchange writes req, flushes, and blocks until one full response line has
// been read. Transport failures and malformed replies are protocol errors.
func (c *Codec) Exchange(req *Request) (*Response, error) {
	if err := EncodeRequest(c.w, req); err != nil {
		return nil, wrapProtocol(err)
	}
	if err := c.w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush %s request: %v: %w", req.Command, err, bridgeerr.ErrProtocol)
	}

	if !c.scanner.Scan() {
		err := c.scanner.Err()
		switch {
		case err == nil:
			return nil, fmt.Errorf("worker closed its output before answering %s: %w", req.Command, bridgeerr.ErrProtocol)
		case errors.Is(err, bufio.ErrTooLong):
			return nil, fmt.Errorf("response to %s exceeds the line limit: %w", req.Command, bridgeerr.ErrProtocol)
		default:
			return nil, fmt.Errorf("failed to read response to %s: %v: %w", req.Command, err, bridgeerr.ErrProtocol)
		}
	}

	c.LastLine = append(c.LastLine[:0], c.scanner.Bytes()...)
	resp, err := DecodeResponse(c.LastLine)
	if err != nil {
		return nil, fmt.Errorf("response to %s: %w", req.Command, err)
	}
	return resp, nil
}

func wrapProtocol(err error) error {
	if errors.Is(err, bridgeerr.ErrProtocol) {
		return err
	}
	return fmt.Errorf("%v: %w", err, bridgeerr.ErrProtocol)
}
