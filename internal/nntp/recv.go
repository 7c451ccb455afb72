package nntp

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/newsreap/newsreap/internal/codec"
)

const (
	// recvChunk bounds one read from the socket.
	recvChunk = 10 * 1024 * 1024

	defaultReadTimeout = 60 * time.Second
	// trickleTimeout is the grace period after a stalled read: some servers
	// (Astraweb style) dribble the terminator in late.
	trickleTimeout = time.Second
)

// Multi-line success codes per RFC 3977 plus the XFEATURE extension range.
// 211 and 223 appear here for completeness; commands that get single-line
// variants of them (GROUP, STAT) read with forceSingle.
var multilineCodes = map[int]bool{
	100: true, 101: true,
	211: true, 215: true, 218: true,
	220: true, 221: true, 222: true, 223: true,
	224: true, 225: true,
	230: true, 231: true, 282: true,
}

var crlfDot = []byte("\r\n.\r\n")

// chain tracks the active decoder across lines of one response body.
type chain struct {
	decoders []codec.Decoder
	active   codec.Decoder
}

func (ch *chain) feed(resp *Response, line []byte) {
	if ch.active == nil {
		for _, d := range ch.decoders {
			if d.Detect(line) {
				ch.active = d
				break
			}
		}
		if ch.active == nil {
			resp.body.Write(line)
			resp.body.WriteString("\r\n")
			return
		}
	}

	step := ch.active.Decode(line)
	switch step.Kind {
	case codec.StepContinue:
	case codec.StepDone:
		if step.Content != nil {
			resp.contents = append(resp.contents, step.Content)
		}
		if step.Header.Len() > 0 {
			resp.header = step.Header
		}
		ch.active = nil
	case codec.StepSkip, codec.StepFailed:
		ch.active = nil
	}
}

// readResponse drives the receive loop: status line first, then (for
// multi-line codes) body lines through the decoder chain until the lone dot
// terminator. forceSingle stops after the status line regardless of code.
func (c *Connection) readResponse(decoders []codec.Decoder, forceSingle bool) (*Response, error) {
	resp := &Response{}
	ch := &chain{decoders: decoders}

	statusDone := false
	gzipBody := false
	terminated := false
	var raw []byte // compressed body accumulator, gzip mode only

	base := c.readTimeout
	if base <= 0 {
		base = defaultReadTimeout
	}
	timeout := base
	for {
		// consume whatever is already buffered before reading more
		for !gzipBody {
			line, ok := c.nextLine()
			if !ok {
				break
			}
			if !statusDone {
				code, text, err := parseStatus(line)
				if err != nil {
					return nil, err
				}
				resp.code = code
				resp.codeText = text
				c.lastCode = code
				c.lastText = text
				statusDone = true

				if forceSingle || !multilineCodes[code] {
					return resp, nil
				}
				if c.gzip && bytes.Contains(line, []byte("COMPRESS=GZIP")) {
					gzipBody = true
					raw = append(raw, c.pending...)
					c.pending = c.pending[:0]
				}
				continue
			}
			if len(line) == 1 && line[0] == '.' {
				terminated = true
				break
			}
			if len(line) > 1 && line[0] == '.' && line[1] == '.' {
				line = line[1:]
			}
			ch.feed(resp, line)
		}
		if terminated {
			return resp, nil
		}
		if gzipBody {
			body, done, gerr := tryGunzip(raw)
			if gerr != nil {
				c.drop()
				return nil, fmt.Errorf("%w: %v", ErrFetch, gerr)
			}
			if done {
				feedDecompressed(ch, resp, body)
				return resp, nil
			}
		}

		n, err := c.sock.Read(c.rdbuf, timeout)
		if n > 0 {
			if gzipBody {
				raw = append(raw, c.rdbuf[:n]...)
			} else {
				c.pending = append(c.pending, c.rdbuf[:n]...)
			}
			timeout = base
			continue
		}
		switch {
		case errors.Is(err, io.EOF):
			c.drop()
			return nil, ErrConnectionLost
		case errors.Is(err, os.ErrDeadlineExceeded):
			if timeout == trickleTimeout {
				// grace period spent; the stream is stuck mid-response and
				// cannot be resynchronized, so the connection goes with it
				c.drop()
				if !statusDone {
					return nil, fmt.Errorf("%w: no status line", ErrFetch)
				}
				return nil, fmt.Errorf("%w: body truncated at %d bytes", ErrFetch, resp.body.Len())
			}
			timeout = trickleTimeout
		default:
			c.drop()
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
}

// nextLine pops one complete CRLF (or bare LF) terminated line from the
// pending buffer, without the terminator. Trailing fragments stay buffered
// until more bytes arrive.
func (c *Connection) nextLine() ([]byte, bool) {
	idx := bytes.IndexByte(c.pending, '\n')
	if idx < 0 {
		return nil, false
	}
	line := c.pending[:idx]
	c.pending = c.pending[idx+1:]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, true
}

func parseStatus(line []byte) (int, string, error) {
	if len(line) < 3 {
		return 0, "", fmt.Errorf("%w: short status line %q", ErrBadResponse, line)
	}
	code, err := strconv.Atoi(string(line[:3]))
	if err != nil || code < 100 || code > 599 {
		return 0, "", fmt.Errorf("%w: status line %q", ErrBadResponse, line)
	}
	return code, string(line), nil
}

// tryGunzip attempts to decompress a gzip body once the dot terminator has
// arrived. The terminator sits outside the compressed stream, so a missing
// suffix just means more bytes are coming; a present suffix over a broken
// stream is a hard failure and must not wait out the read timeout.
func tryGunzip(raw []byte) ([]byte, bool, error) {
	if !bytes.HasSuffix(raw, crlfDot) {
		return nil, false, nil
	}
	payload := bytes.TrimSuffix(raw, crlfDot)
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("gunzip: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, false, fmt.Errorf("gunzip: %v", err)
	}
	if err := zr.Close(); err != nil {
		return nil, false, fmt.Errorf("gunzip: %v", err)
	}
	return body, true, nil
}

// feedDecompressed replays a decompressed body through the decoder chain
// line by line, the same as the plain path.
func feedDecompressed(ch *chain, resp *Response, body []byte) {
	for len(body) > 0 {
		idx := bytes.IndexByte(body, '\n')
		var line []byte
		if idx < 0 {
			line = body
			body = nil
		} else {
			line = body[:idx]
			body = body[idx+1:]
		}
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) > 1 && line[0] == '.' && line[1] == '.' {
			line = line[1:]
		}
		ch.feed(resp, line)
	}
}
