// Package article holds the data model for posts in transit: Articles,
// SegmentedPosts and NZB manifests.
package article

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/newsreap/newsreap/internal/codec"
	"github.com/newsreap/newsreap/internal/content"
)

// Response is what an Article can be loaded from: the decoded outcome of one
// NNTP command. Implemented by the nntp package's Response.
type Response interface {
	Code() int
	Body() string
	Header() codec.Header
	Contents() []*content.Content
}

// Article is a single posting unit: headers plus a body, identified by a
// globally unique Message-ID.
type Article struct {
	MessageID string
	Subject   string
	Poster    string
	Body      string
	Groups    []string
	Header    codec.Header

	// No is the sequence number within the owning SegmentedPost (1-based).
	No int
	// Bytes is the expected size advertised by the NZB manifest.
	Bytes int64

	parts map[string]*content.Content
	keys  []string
	valid bool
}

func New(subject, poster string, groups ...string) *Article {
	return &Article{
		Subject: subject,
		Poster:  poster,
		Groups:  groups,
		No:      1,
		valid:   true,
	}
}

func (a *Article) IsValid() bool     { return a.valid }
func (a *Article) SetValid(v bool)   { a.valid = v }

// MsgID returns the Message-ID, generating "<timestamp.part@host>" when none
// is assigned yet. reset forces a new one.
func (a *Article) MsgID(reset bool) string {
	if a.MessageID != "" && !reset {
		return a.MessageID
	}
	host := "newsreap"
	if i := strings.LastIndexByte(a.Poster, '@'); i >= 0 {
		h := strings.Trim(a.Poster[i+1:], "<> ")
		if h != "" {
			host = h
		}
	}
	a.MessageID = fmt.Sprintf("<%d.%d@%s>", time.Now().UnixNano(), a.No, host)
	return a.MessageID
}

// Add attaches a Content part. Parts are keyed by Content.Key(); adding a
// duplicate is rejected.
func (a *Article) Add(c *content.Content) error {
	if a.parts == nil {
		a.parts = make(map[string]*content.Content)
	}
	key := c.Key()
	if _, dup := a.parts[key]; dup {
		return fmt.Errorf("article: duplicate content %q", key)
	}
	a.parts[key] = c
	a.keys = append(a.keys, key)
	return nil
}

// Parts returns the attached contents ordered by their sort key.
func (a *Article) Parts() []*content.Content {
	keys := append([]string(nil), a.keys...)
	sort.Strings(keys)
	out := make([]*content.Content, 0, len(keys))
	for _, k := range keys {
		out = append(out, a.parts[k])
	}
	return out
}

func (a *Article) PartCount() int { return len(a.keys) }

// Load populates the article from a decoded NNTP response. Decoded contents
// are adopted (the article takes ownership); an invalid content clears the
// article's validity flag.
func (a *Article) Load(r Response) error {
	a.Header = r.Header()
	a.Body = r.Body()

	if id := a.Header.Get("Message-Id"); id != "" {
		a.MessageID = id
	}
	if s := a.Header.Get("Subject"); s != "" {
		a.Subject = s
	}
	if p := a.Header.Get("From"); p != "" {
		a.Poster = p
	}

	for _, c := range r.Contents() {
		if err := a.Add(c); err != nil {
			return err
		}
		if !c.IsValid() {
			a.valid = false
		}
	}
	return nil
}

// Release drops every attached content, deleting attached backing files.
func (a *Article) Release() {
	for _, c := range a.parts {
		c.Release()
	}
	a.parts = nil
	a.keys = nil
}

// WriteTo serializes the article in plain text form: header block, blank
// line, body. Dot-stuffing is the transport's job.
func (a *Article) WriteTo(w io.Writer) (int64, error) {
	hdr := a.Header.Clone()
	if !hdr.Has("Subject") && a.Subject != "" {
		hdr.Set("Subject", a.Subject)
	}
	if !hdr.Has("From") && a.Poster != "" {
		hdr.Set("From", a.Poster)
	}
	if !hdr.Has("Newsgroups") && len(a.Groups) > 0 {
		hdr.Set("Newsgroups", strings.Join(a.Groups, ","))
	}
	if !hdr.Has("Message-Id") {
		hdr.Set("Message-Id", a.MsgID(false))
	}

	total, err := hdr.WriteTo(w)
	if err != nil {
		return total, err
	}
	n, err := io.WriteString(w, "\r\n")
	total += int64(n)
	if err != nil {
		return total, err
	}

	if a.Body != "" {
		n, err = io.WriteString(w, a.Body)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if !strings.HasSuffix(a.Body, "\n") {
			n, err = io.WriteString(w, "\r\n")
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}

	// body from the attached contents, in part order
	for _, c := range a.Parts() {
		if err := c.Close(); err != nil {
			return total, err
		}
		f, err := os.Open(c.Path())
		if err != nil {
			return total, err
		}
		m, err := io.Copy(w, f)
		f.Close()
		total += m
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (a *Article) String() string {
	var b strings.Builder
	_, _ = a.WriteTo(&b)
	return b.String()
}
