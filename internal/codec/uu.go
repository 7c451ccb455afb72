package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/newsreap/newsreap/internal/content"
)

// UUDecoder decodes classic uuencode framing: "begin <perm> <name>", data
// lines whose first character carries the byte count, and a bare "end".
type UUDecoder struct {
	workDir string

	active bool
	part   *content.Content
	name   string
}

func NewUUDecoder(workDir string) *UUDecoder {
	return &UUDecoder{workDir: workDir}
}

var uuBegin = []byte("begin ")

func (d *UUDecoder) Detect(line []byte) bool {
	if !bytes.HasPrefix(line, uuBegin) {
		return false
	}
	// begin <mode> <name>
	fields := bytes.Fields(line)
	if len(fields) < 3 {
		return false
	}
	mode := fields[1]
	for _, c := range mode {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}

func (d *UUDecoder) Decode(line []byte) Step {
	if !d.active {
		fields := bytes.Fields(line)
		if len(fields) < 3 {
			return Failed()
		}
		d.name = string(bytes.Join(fields[2:], []byte(" ")))
		d.part = content.New(d.workDir)
		d.part.Filename = d.name
		d.active = true
		return Continue()
	}

	trimmed := bytes.TrimRight(line, "\r\n")
	if string(trimmed) == "end" {
		part := d.part
		part.End = part.Len()
		if err := part.Close(); err != nil {
			part.SetValid(false)
		}
		d.active = false
		d.part = nil
		return Done(part)
	}
	if len(trimmed) == 0 || string(trimmed) == "`" {
		// zero-length line preceding "end"
		return Continue()
	}

	decoded, err := uuDecodeLine(trimmed)
	if err != nil {
		// Fredrik Lundh workaround: re-derive the character count from
		// the length byte and retry before giving up on the line.
		n := int((((trimmed[0]-32)&63)*4 + 5) / 3)
		if n >= 1 && n <= len(trimmed) {
			decoded, err = uuDecodeLine(trimmed[:n])
		}
		if err != nil {
			// skip the unparsable line but keep decoding
			return Continue()
		}
	}
	if len(decoded) > 0 {
		if _, err := d.part.Write(decoded); err != nil {
			d.part.SetValid(false)
			return Failed()
		}
	}
	return Continue()
}

func (d *UUDecoder) Reset() {
	if d.part != nil {
		d.part.Release()
	}
	d.part = nil
	d.active = false
	d.name = ""
}

// uuDecodeLine decodes one data line. The first character encodes the number
// of payload bytes; groups of four characters expand to three bytes.
func uuDecodeLine(line []byte) ([]byte, error) {
	n := int((line[0] - 32) & 63)
	if n == 0 {
		return nil, nil
	}
	need := (n + 2) / 3 * 4
	data := line[1:]
	if len(data) < need {
		return nil, fmt.Errorf("uu: short line: need %d chars, have %d", need, len(data))
	}
	data = data[:need]

	out := make([]byte, 0, n)
	for i := 0; i+3 < len(data); i += 4 {
		c0 := (data[i] - 32) & 63
		c1 := (data[i+1] - 32) & 63
		c2 := (data[i+2] - 32) & 63
		c3 := (data[i+3] - 32) & 63
		out = append(out, c0<<2|c1>>4, c1<<4|c2>>2, c2<<6|c3)
	}
	if len(out) < n {
		return nil, fmt.Errorf("uu: truncated line")
	}
	return out[:n], nil
}

// UUEncode writes uuencode framing for r under the given name and mode.
func UUEncode(w io.Writer, r io.Reader, name string, mode uint32) error {
	if _, err := fmt.Fprintf(w, "begin %o %s\r\n", mode, name); err != nil {
		return err
	}

	buf := make([]byte, 45) // 45 source bytes per encoded line
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := io.WriteString(w, uuEncodeLine(buf[:n])); err != nil {
				return err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	if _, err := io.WriteString(w, "`\r\nend\r\n"); err != nil {
		return err
	}
	return nil
}

func uuEncodeLine(data []byte) string {
	var b strings.Builder
	b.WriteByte(uuChar(byte(len(data))))
	for i := 0; i < len(data); i += 3 {
		var c0, c1, c2 byte
		c0 = data[i]
		if i+1 < len(data) {
			c1 = data[i+1]
		}
		if i+2 < len(data) {
			c2 = data[i+2]
		}
		b.WriteByte(uuChar(c0 >> 2))
		b.WriteByte(uuChar(c0<<4&63 | c1>>4))
		b.WriteByte(uuChar(c1<<2&63 | c2>>6))
		b.WriteByte(uuChar(c2 & 63))
	}
	b.WriteString("\r\n")
	return b.String()
}

// uuChar maps a 6-bit value to the uuencode alphabet, using backtick for
// zero as most historical encoders did.
func uuChar(v byte) byte {
	v &= 63
	if v == 0 {
		return '`'
	}
	return v + 32
}
