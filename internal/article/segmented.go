package article

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/newsreap/newsreap/internal/codec"
	"github.com/newsreap/newsreap/internal/content"
)

// SegmentedPost is a file in transit, carried as N articles whose payloads
// concatenate back to the original.
type SegmentedPost struct {
	// Filename is the name the file reassembles as.
	Filename string
	// Subject and Poster are templates; ApplyTemplate expands them per
	// article.
	Subject string
	Poster  string
	Groups  []string
	// TotalSize is the expected size of the whole file.
	TotalSize int64
	// SortNo orders posts within an NZB.
	SortNo int
	// Posted is when the file's articles went out; the manifest carries it
	// as the file's date attribute.
	Posted time.Time

	Articles []*Article

	path string
}

// NewSegmentedPost wraps an on-disk file for posting.
func NewSegmentedPost(path, subject, poster string, groups ...string) (*SegmentedPost, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &SegmentedPost{
		Filename:  filepath.Base(path),
		Subject:   subject,
		Poster:    poster,
		Groups:    groups,
		TotalSize: info.Size(),
		path:      path,
	}, nil
}

// NewManifestPost builds a SegmentedPost stub from manifest data, without a
// backing file.
func NewManifestPost(filename, subject, poster string, groups []string) *SegmentedPost {
	return &SegmentedPost{
		Filename: filename,
		Subject:  subject,
		Poster:   poster,
		Groups:   groups,
	}
}

func (p *SegmentedPost) Path() string { return p.path }

// Split cuts the backing file into one article per chunk of at most size
// bytes, attaching the raw chunk content to each.
func (p *SegmentedPost) Split(workDir string, size int64) error {
	if p.path == "" {
		return fmt.Errorf("segmented post %q has no backing file", p.Filename)
	}
	whole := content.FromFile(p.path)
	whole.SortNo = p.SortNo
	parts, err := whole.Split(size, content.BlockSize)
	if err != nil {
		return err
	}

	p.Articles = make([]*Article, 0, len(parts))
	for _, part := range parts {
		a := New(p.Subject, p.Poster, p.Groups...)
		a.No = part.Part
		a.Bytes = part.End - part.Begin
		if err := a.Add(part); err != nil {
			return err
		}
		p.Articles = append(p.Articles, a)
	}
	return nil
}

// Encode converts each article's raw chunk into a postable yEnc text body.
// The raw contents are released afterwards.
func (p *SegmentedPost) Encode() error {
	total := len(p.Articles)
	for _, a := range p.Articles {
		parts := a.Parts()
		if len(parts) != 1 {
			return fmt.Errorf("article %d of %q: expected one raw part, have %d",
				a.No, p.Filename, len(parts))
		}
		raw := parts[0]
		if err := raw.Open(os.O_RDONLY); err != nil {
			return err
		}
		if _, err := raw.Seek(0, 0); err != nil {
			return err
		}

		var body strings.Builder
		_, err := codec.YencEncode(&body, raw, p.Filename,
			a.No, total, raw.Begin, raw.End, p.TotalSize)
		if err != nil {
			return fmt.Errorf("yenc encode %q part %d: %w", p.Filename, a.No, err)
		}
		a.Body = body.String()
		raw.Release()
	}
	return nil
}

// ApplyTemplate expands the subject/poster templates into headers on every
// article. Supported tokens: {{filename}}, {{part}}, {{total_parts}},
// {{size}}.
func (p *SegmentedPost) ApplyTemplate() {
	total := len(p.Articles)
	for _, a := range p.Articles {
		a.Subject = expandTemplate(p.Subject, p.Filename, a.No, total, p.TotalSize)
		a.Poster = p.Poster
		a.Groups = p.Groups
		a.Header.Set("Subject", a.Subject)
		a.Header.Set("From", a.Poster)
		a.Header.Set("Newsgroups", strings.Join(p.Groups, ","))
		a.Header.Set("Message-Id", a.MsgID(false))
	}
}

func expandTemplate(tmpl, filename string, part, total int, size int64) string {
	r := strings.NewReplacer(
		"{{filename}}", filename,
		"{{part}}", fmt.Sprintf("%03d", part),
		"{{total_parts}}", fmt.Sprintf("%03d", total),
		"{{size}}", fmt.Sprintf("%d", size),
	)
	return r.Replace(tmpl)
}

// Assemble concatenates the decoded parts of every article, in order, back
// into one file named Filename under destDir. Scratch space goes to workDir.
func (p *SegmentedPost) Assemble(workDir, destDir string) (string, error) {
	var parts []*content.Content
	for _, a := range p.Articles {
		parts = append(parts, a.Parts()...)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("segmented post %q has no decoded parts", p.Filename)
	}

	whole := content.New(workDir)
	if err := whole.Append(parts...); err != nil {
		whole.Release()
		return "", err
	}
	dest := filepath.Join(destDir, p.Filename)
	if err := whole.Save(dest, false); err != nil {
		whole.Release()
		return "", err
	}
	return dest, nil
}

// Release drops every article's contents.
func (p *SegmentedPost) Release() {
	for _, a := range p.Articles {
		a.Release()
	}
}
