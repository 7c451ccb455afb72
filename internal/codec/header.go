package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Header is an ordered, case-insensitive key/value map. Duplicate keys are
// preserved in insertion order.
type Header struct {
	entries []headerEntry
}

type headerEntry struct {
	key   string // as first written
	value string
}

func NewHeader() Header {
	return Header{}
}

func (h *Header) Add(key, value string) {
	h.entries = append(h.entries, headerEntry{key: key, value: value})
}

// Set replaces every value stored under key (case-insensitive) with value,
// appending when the key is absent.
func (h *Header) Set(key, value string) {
	kept := h.entries[:0]
	replaced := false
	for _, e := range h.entries {
		if strings.EqualFold(e.key, key) {
			if !replaced {
				kept = append(kept, headerEntry{key: e.key, value: value})
				replaced = true
			}
			continue
		}
		kept = append(kept, e)
	}
	h.entries = kept
	if !replaced {
		h.Add(key, value)
	}
}

// Get returns the first value stored under key, "" when absent.
func (h Header) Get(key string) string {
	for _, e := range h.entries {
		if strings.EqualFold(e.key, key) {
			return e.value
		}
	}
	return ""
}

// Values returns every value stored under key in order.
func (h Header) Values(key string) []string {
	var vs []string
	for _, e := range h.entries {
		if strings.EqualFold(e.key, key) {
			vs = append(vs, e.value)
		}
	}
	return vs
}

func (h Header) Has(key string) bool { return h.Get(key) != "" }

// Clone returns an independent copy.
func (h Header) Clone() Header {
	return Header{entries: append([]headerEntry(nil), h.entries...)}
}

func (h Header) Len() int { return len(h.entries) }

// Keys returns the keys in insertion order, duplicates included.
func (h Header) Keys() []string {
	ks := make([]string, len(h.entries))
	for i, e := range h.entries {
		ks[i] = e.key
	}
	return ks
}

// WriteTo serializes the header block in wire form, without the terminating
// blank line.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, e := range h.entries {
		n, err := fmt.Fprintf(w, "%s: %s\r\n", e.key, e.value)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (h Header) String() string {
	var b strings.Builder
	_, _ = h.WriteTo(&b)
	return b.String()
}

// HeaderDecoder parses a "Key: value" block terminated by the first blank
// line. Whitespace-only lines at the top of the block are tolerated. Once a
// block has been produced the decoder will not re-engage within the same
// response.
type HeaderDecoder struct {
	header  Header
	started bool
	done    bool
}

func NewHeaderDecoder() *HeaderDecoder { return &HeaderDecoder{} }

func (d *HeaderDecoder) Detect(line []byte) bool {
	if d.done {
		return false
	}
	if !d.started && len(bytes.TrimSpace(line)) == 0 {
		// leading blank tolerated
		return true
	}
	idx := bytes.IndexByte(line, ':')
	if idx <= 0 {
		return false
	}
	// header keys carry no spaces
	return !bytes.ContainsAny(line[:idx], " \t")
}

func (d *HeaderDecoder) Decode(line []byte) Step {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		if !d.started {
			// whitespace noise before the block
			return Continue()
		}
		d.done = true
		hdr := d.header
		return Step{Kind: StepDone, Header: hdr}
	}

	// continuation line folded onto the previous key
	if (line[0] == ' ' || line[0] == '\t') && len(d.header.entries) > 0 {
		last := &d.header.entries[len(d.header.entries)-1]
		last.value += " " + string(trimmed)
		return Continue()
	}

	idx := bytes.IndexByte(line, ':')
	if idx <= 0 {
		// not a header line after all; hand the block back as-is
		d.done = true
		hdr := d.header
		return Step{Kind: StepDone, Header: hdr}
	}

	key := string(bytes.TrimSpace(line[:idx]))
	val := string(bytes.TrimSpace(line[idx+1:]))
	d.header.Add(key, val)
	d.started = true
	return Continue()
}

func (d *HeaderDecoder) Reset() {
	d.header = Header{}
	d.started = false
	d.done = false
}
