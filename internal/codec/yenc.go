package codec

import (
	"bytes"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	"github.com/newsreap/newsreap/internal/content"
)

// yEnc escape rule: every byte is stored as (b+42)%256; the critical bytes
// NUL, LF, CR and '=' are stored as '=' followed by (b+64)%256.
const yencShift = 42
const yencEscapeShift = 64

// yencLineLength is the encoded line width used by the encoder.
const yencLineLength = 128

// YencDecoder decodes the bytes between "=ybegin" and "=yend" markers into a
// Content. CRC mismatches clear the content's validity flag but the content
// is still emitted.
type YencDecoder struct {
	workDir string

	active  bool
	part    *content.Content
	hash    hash.Hash32
	written int64

	// header fields
	name      string
	partNo    int
	total     int
	size      int64
	begin     int64
	end       int64
	expectPart bool

	// MaxBytes > 0 enables the early exit: once that many decoded bytes
	// have been produced the decoder finishes with what it has.
	MaxBytes int64
	draining bool
}

func NewYencDecoder(workDir string) *YencDecoder {
	return &YencDecoder{workDir: workDir, hash: crc32.NewIEEE()}
}

func (d *YencDecoder) Detect(line []byte) bool {
	return bytes.HasPrefix(line, []byte("=ybegin "))
}

func (d *YencDecoder) Decode(line []byte) Step {
	switch {
	case bytes.HasPrefix(line, []byte("=ybegin ")):
		return d.beginPart(line)

	case bytes.HasPrefix(line, []byte("=ypart ")):
		fields := parseYencFields(line[len("=ypart "):])
		if v, ok := fields["begin"]; ok {
			// =ypart offsets are 1-based
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				d.begin = n - 1
			}
		}
		if v, ok := fields["end"]; ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				d.end = n
			}
		}
		d.expectPart = false
		return Continue()

	case bytes.HasPrefix(line, []byte("=yend")):
		return d.finish(line)

	default:
		if !d.active {
			return Failed()
		}
		if d.draining {
			return Continue()
		}
		decoded := yencDecodeLine(line)
		if len(decoded) > 0 {
			if _, err := d.part.Write(decoded); err != nil {
				d.part.SetValid(false)
				return Failed()
			}
			d.hash.Write(decoded)
			d.written += int64(len(decoded))
		}
		if d.MaxBytes > 0 && d.written >= d.MaxBytes {
			// stop decoding, swallow the rest of the frame
			d.draining = true
		}
		return Continue()
	}
}

func (d *YencDecoder) beginPart(line []byte) Step {
	fields := parseYencFields(line[len("=ybegin "):])

	d.name = fields["name"]
	d.partNo = 1
	d.total = 1
	if v, ok := fields["part"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.partNo = n
		}
		// a part header line follows
		d.expectPart = true
	}
	if v, ok := fields["total"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.total = n
		}
	}
	if v, ok := fields["size"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			d.size = n
		}
	}

	d.part = content.New(d.workDir)
	d.part.Filename = d.name
	d.part.Part = d.partNo
	if d.total >= d.partNo {
		d.part.TotalParts = d.total
	} else {
		d.part.TotalParts = d.partNo
	}
	d.part.TotalSize = d.size
	d.hash = crc32.NewIEEE()
	d.written = 0
	d.begin = 0
	d.end = 0
	d.active = true
	d.draining = false
	return Continue()
}

func (d *YencDecoder) finish(line []byte) Step {
	if d.part == nil {
		return Failed()
	}
	fields := parseYencFields(bytes.TrimSpace(line[len("=yend"):]))

	// pcrc32 covers this part; crc32 covers the whole file and only
	// applies to single-part streams.
	var expected uint32
	var haveCRC bool
	if v, ok := fields["pcrc32"]; ok {
		if n, err := strconv.ParseUint(v, 16, 32); err == nil {
			expected = uint32(n)
			haveCRC = true
		}
	} else if v, ok := fields["crc32"]; ok && d.total == 1 {
		if n, err := strconv.ParseUint(v, 16, 32); err == nil {
			expected = uint32(n)
			haveCRC = true
		}
	}

	part := d.part
	if d.begin < d.end {
		part.Begin = d.begin
		part.End = d.end
	} else {
		part.Begin = 0
		part.End = d.written
	}
	if err := part.Close(); err != nil {
		part.SetValid(false)
	}

	if v, ok := fields["size"]; ok && !d.draining {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n != d.written {
			part.SetValid(false)
		}
	}
	if haveCRC && !d.draining && d.hash.Sum32() != expected {
		part.SetValid(false)
	}

	d.active = false
	d.part = nil
	return Done(part)
}

func (d *YencDecoder) Reset() {
	if d.part != nil {
		d.part.Release()
	}
	d.part = nil
	d.active = false
	d.draining = false
	d.written = 0
	d.begin = 0
	d.end = 0
	d.size = 0
	d.hash = crc32.NewIEEE()
}

// yencDecodeLine applies the escape rule to one encoded line.
func yencDecodeLine(line []byte) []byte {
	out := make([]byte, 0, len(line))
	escaped := false
	for _, b := range line {
		if b == '\r' || b == '\n' {
			continue
		}
		if escaped {
			out = append(out, b-yencEscapeShift-yencShift)
			escaped = false
			continue
		}
		if b == '=' {
			escaped = true
			continue
		}
		out = append(out, b-yencShift)
	}
	return out
}

// parseYencFields splits "key=value key=value ..." marker arguments. The
// name field runs to the end of the line and may contain spaces.
func parseYencFields(args []byte) map[string]string {
	fields := make(map[string]string)
	s := string(bytes.TrimSpace(args))
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		rest := s[eq+1:]
		if strings.EqualFold(key, "name") {
			fields["name"] = strings.TrimSpace(rest)
			break
		}
		end := strings.IndexByte(rest, ' ')
		if end < 0 {
			fields[key] = rest
			break
		}
		fields[key] = rest[:end]
		s = strings.TrimSpace(rest[end+1:])
	}
	return fields
}

// YencEncode writes the yEnc framing for one part of a file. begin/end are
// the 0-based byte range [begin, end) within the whole of totalSize bytes;
// for single-part files pass part=1, total=1, begin=0, end=totalSize. The
// part CRC is returned.
func YencEncode(w io.Writer, r io.Reader, name string, part, total int, begin, end, totalSize int64) (uint32, error) {
	if total > 1 {
		if _, err := fmt.Fprintf(w, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n",
			part, total, yencLineLength, totalSize, name); err != nil {
			return 0, err
		}
		if _, err := fmt.Fprintf(w, "=ypart begin=%d end=%d\r\n", begin+1, end); err != nil {
			return 0, err
		}
	} else {
		if _, err := fmt.Fprintf(w, "=ybegin line=%d size=%d name=%s\r\n",
			yencLineLength, totalSize, name); err != nil {
			return 0, err
		}
	}

	h := crc32.NewIEEE()
	lineLen := 0
	buf := make([]byte, content.BlockSize)
	encoded := make([]byte, 0, 2*content.BlockSize)

	flush := func() error {
		if len(encoded) == 0 {
			return nil
		}
		_, err := w.Write(encoded)
		encoded = encoded[:0]
		return err
	}

	for {
		n, rerr := r.Read(buf)
		for _, b := range buf[:n] {
			h.Write([]byte{b})
			e := b + yencShift
			escape := false
			switch e {
			case 0x00, 0x0A, 0x0D, '=':
				escape = true
			case '.', ' ', '\t':
				// escape only where a bare occurrence would be
				// ambiguous at a line boundary
				if lineLen == 0 {
					escape = true
				}
			}
			if escape {
				encoded = append(encoded, '=', e+yencEscapeShift)
				lineLen += 2
			} else {
				encoded = append(encoded, e)
				lineLen++
			}
			if lineLen >= yencLineLength {
				encoded = append(encoded, '\r', '\n')
				lineLen = 0
			}
			if len(encoded) >= cap(encoded)-4 {
				if err := flush(); err != nil {
					return 0, err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, rerr
		}
	}
	if lineLen > 0 {
		encoded = append(encoded, '\r', '\n')
	}
	if err := flush(); err != nil {
		return 0, err
	}

	crc := h.Sum32()
	size := end - begin
	if total > 1 {
		if _, err := fmt.Fprintf(w, "=yend size=%d part=%d pcrc32=%08x\r\n", size, part, crc); err != nil {
			return 0, err
		}
	} else {
		if _, err := fmt.Fprintf(w, "=yend size=%d crc32=%08x\r\n", size, crc); err != nil {
			return 0, err
		}
	}
	return crc, nil
}
