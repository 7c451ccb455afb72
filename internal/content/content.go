package content

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// BlockSize is the unit used for streamed copies, hashing and splitting.
const BlockSize = 8192

// Content is the byte-stream abstraction under articles and the staging
// pipeline. It is backed by a file on disk; an "attached" Content owns its
// backing file and removes it on Release, a detached one leaves the file
// behind.
type Content struct {
	// Filename is the logical name of the whole this stream belongs to.
	Filename string
	// WorkDir is where unbound temporaries are created.
	WorkDir string

	// Part / TotalParts position this stream within a split set (1/1 when
	// the stream is whole).
	Part       int
	TotalParts int

	// Begin/End delimit the byte range [Begin, End) within the logical
	// whole; TotalSize is the size of that whole. All zero for unsplit
	// content.
	Begin     int64
	End       int64
	TotalSize int64

	// SortNo orders sibling contents that belong to different files.
	SortNo int

	path     string
	file     *os.File
	attached bool
	valid    bool
	dirty    bool

	// non-owning back-reference set on parts returned by Split
	parent *Content
}

// New returns an unbound Content that will create a temporary backing file
// in workDir on first write. It starts attached and valid.
func New(workDir string) *Content {
	return &Content{
		WorkDir:    workDir,
		Part:       1,
		TotalParts: 1,
		attached:   true,
		valid:      true,
	}
}

// FromFile binds a Content to an existing file without taking ownership.
func FromFile(path string) *Content {
	return &Content{
		Filename:   filepath.Base(path),
		WorkDir:    filepath.Dir(path),
		Part:       1,
		TotalParts: 1,
		path:       path,
		valid:      true,
	}
}

func (c *Content) Path() string   { return c.path }
func (c *Content) Attached() bool { return c.attached }
func (c *Content) IsValid() bool  { return c.valid }
func (c *Content) Parent() *Content { return c.parent }

// SetValid clears or sets the validity flag; decoders clear it when they
// detect corruption but still emit the content.
func (c *Content) SetValid(v bool) { c.valid = v }

// Attach marks the backing file for deletion on Release.
func (c *Content) Attach() { c.attached = true }

// Detach leaves the backing file behind on Release.
func (c *Content) Detach() { c.attached = false }

// Key returns "<sort_no>/<filename>/<part>" used for deterministic ordering
// of contents regardless of wire completion order. The numeric fields are
// zero padded so that lexicographic order matches numeric order past part 9.
func (c *Content) Key() string {
	return fmt.Sprintf("%09d/%s/%09d", c.SortNo, c.Filename, c.Part)
}

// Open binds and opens the backing file. An unbound Content gets a unique
// temporary in its working directory and becomes attached.
func (c *Content) Open(flag int) error {
	if c.file != nil {
		return nil
	}
	if c.path == "" {
		if c.WorkDir != "" {
			if err := os.MkdirAll(c.WorkDir, 0755); err != nil {
				return fmt.Errorf("content: create work dir: %w", err)
			}
		}
		f, err := os.CreateTemp(c.WorkDir, ".content-*.tmp")
		if err != nil {
			return fmt.Errorf("content: create temporary: %w", err)
		}
		c.path = f.Name()
		c.file = f
		c.attached = true
		return nil
	}

	f, err := os.OpenFile(c.path, flag, 0644)
	if err != nil {
		return fmt.Errorf("content: open %s: %w", c.path, err)
	}
	c.file = f
	return nil
}

// Write appends data to the stream, opening the backing file if needed.
func (c *Content) Write(data []byte) (int, error) {
	if err := c.Open(os.O_RDWR | os.O_CREATE | os.O_APPEND); err != nil {
		return 0, err
	}
	n, err := c.file.Write(data)
	if n > 0 {
		c.dirty = true
	}
	return n, err
}

// Read reads up to len(p) bytes from the current position.
func (c *Content) Read(p []byte) (int, error) {
	if err := c.Open(os.O_RDONLY); err != nil {
		return 0, err
	}
	return c.file.Read(p)
}

// Seek repositions the read/write cursor.
func (c *Content) Seek(offset int64, whence int) (int64, error) {
	if err := c.Open(os.O_RDWR | os.O_CREATE); err != nil {
		return 0, err
	}
	return c.file.Seek(offset, whence)
}

// Close flushes and releases the file handle without touching the file.
func (c *Content) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	c.dirty = false
	return err
}

// Len returns the size of the stream in bytes.
func (c *Content) Len() int64 {
	if c.file != nil {
		if err := c.file.Sync(); err == nil {
			c.dirty = false
		}
	}
	if c.path == "" {
		return 0
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Append copies the full contents of each other Content onto the end of this
// one, in the order given.
func (c *Content) Append(others ...*Content) error {
	if err := c.Open(os.O_RDWR | os.O_CREATE | os.O_APPEND); err != nil {
		return err
	}
	buf := make([]byte, BlockSize)
	for _, o := range others {
		if err := o.Close(); err != nil {
			return err
		}
		src, err := os.Open(o.path)
		if err != nil {
			return fmt.Errorf("content: append open %s: %w", o.path, err)
		}
		if _, err := io.CopyBuffer(c.file, src, buf); err != nil {
			src.Close()
			return fmt.Errorf("content: append copy: %w", err)
		}
		src.Close()
	}
	c.dirty = true
	return nil
}

// Split cuts the stream into parts of at most chunkSize bytes. The returned
// parts concatenate back to the original; each carries part/total counts,
// its [Begin, End) range, the total size, and a back-reference to the
// parent. memBuf bounds the copy buffer; values <= 0 fall back to BlockSize.
func (c *Content) Split(chunkSize int64, memBuf int) ([]*Content, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("content: split size must be positive")
	}
	if err := c.Close(); err != nil {
		return nil, err
	}
	total := c.Len()
	if total == 0 {
		return nil, fmt.Errorf("content: nothing to split")
	}

	if memBuf <= 0 || int64(memBuf) > chunkSize {
		memBuf = BlockSize
	}

	src, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	nParts := int((total + chunkSize - 1) / chunkSize)
	parts := make([]*Content, 0, nParts)
	buf := make([]byte, memBuf)

	var offset int64
	for i := 1; i <= nParts; i++ {
		end := offset + chunkSize
		if end > total {
			end = total
		}

		part := New(c.WorkDir)
		part.Filename = c.Filename
		part.Part = i
		part.TotalParts = nParts
		part.Begin = offset
		part.End = end
		part.TotalSize = total
		part.SortNo = c.SortNo
		part.parent = c

		if err := part.Open(os.O_RDWR | os.O_CREATE); err != nil {
			releaseAll(parts)
			return nil, err
		}
		if _, err := io.CopyBuffer(part.file, io.LimitReader(src, end-offset), buf); err != nil {
			part.Close()
			releaseAll(parts)
			return nil, fmt.Errorf("content: split copy: %w", err)
		}
		if err := part.Close(); err != nil {
			releaseAll(parts)
			return nil, err
		}

		parts = append(parts, part)
		offset = end
	}

	return parts, nil
}

func releaseAll(parts []*Content) {
	for _, p := range parts {
		p.Release()
	}
}

// Save moves (or copies, when copy is true) the backing file to path. After
// a move the Content is detached and rebound to the new location.
func (c *Content) Save(path string, copyMode bool) error {
	if err := c.Close(); err != nil {
		return err
	}
	if c.path == "" {
		return fmt.Errorf("content: nothing to save")
	}

	if copyMode {
		return copyFile(c.path, path)
	}

	if err := os.Rename(c.path, path); err != nil {
		// Cross-device rename fails; fall back to copy+remove.
		if err := copyFile(c.path, path); err != nil {
			return err
		}
		if err := os.Remove(c.path); err != nil {
			return err
		}
	}
	c.path = path
	c.attached = false
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// Release closes the stream and, if the Content is attached, removes the
// backing file. Safe to call more than once.
func (c *Content) Release() {
	_ = c.Close()
	if c.attached && c.path != "" {
		_ = os.Remove(c.path)
		c.path = ""
	}
}

func (c *Content) digest(h hash.Hash) (string, error) {
	if err := c.Close(); err != nil {
		return "", err
	}
	f, err := os.Open(c.path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, BlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Content) MD5() (string, error)    { return c.digest(md5.New()) }
func (c *Content) SHA1() (string, error)   { return c.digest(sha1.New()) }
func (c *Content) SHA256() (string, error) { return c.digest(sha256.New()) }

// CRC32 returns the IEEE checksum of the backing file.
func (c *Content) CRC32() (uint32, error) {
	if err := c.Close(); err != nil {
		return 0, err
	}
	f, err := os.Open(c.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := crc32.NewIEEE()
	buf := make([]byte, BlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// Bytes reads the whole stream into memory. Intended for small payloads and
// tests.
func (c *Content) Bytes() ([]byte, error) {
	if err := c.Close(); err != nil {
		return nil, err
	}
	if c.path == "" {
		return nil, nil
	}
	return os.ReadFile(c.path)
}
