package article

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// xml wire model for the NZB manifest
type nzbModel struct {
	XMLName xml.Name       `xml:"nzb"`
	Xmlns   string         `xml:"xmlns,attr,omitempty"`
	Files   []nzbFileModel `xml:"file"`
}

type nzbFileModel struct {
	Subject  string         `xml:"subject,attr"`
	Poster   string         `xml:"poster,attr"`
	Date     int64          `xml:"date,attr"`
	Groups   []string       `xml:"groups>group"`
	Segments []segmentModel `xml:"segments>segment"`
}

type segmentModel struct {
	Number    int    `xml:"number,attr"`
	Bytes     int64  `xml:"bytes,attr"`
	MessageID string `xml:",chardata"`
}

const nzbXmlns = "http://www.newzbin.com/DTD/2003/nzb"

// NZB is an ordered sequence of SegmentedPosts describing a complete upload
// or download.
type NZB struct {
	Posts []*SegmentedPost
}

// ParseNZB reads an NZB manifest. Each segment becomes an Article stub
// carrying its Message-ID and expected size.
func ParseNZB(r io.Reader) (*NZB, error) {
	var model nzbModel
	if err := xml.NewDecoder(r).Decode(&model); err != nil {
		return nil, fmt.Errorf("nzb: parse: %w", err)
	}

	n := &NZB{}
	for i, f := range model.Files {
		post := NewManifestPost(fileNameFromSubject(f.Subject), f.Subject, f.Poster, f.Groups)
		post.SortNo = i
		if f.Date > 0 {
			post.Posted = time.Unix(f.Date, 0).UTC()
		}

		segs := append([]segmentModel(nil), f.Segments...)
		sort.Slice(segs, func(a, b int) bool { return segs[a].Number < segs[b].Number })

		for _, s := range segs {
			a := New(f.Subject, f.Poster, f.Groups...)
			a.No = s.Number
			a.Bytes = s.Bytes
			a.MessageID = normalizeMsgID(s.MessageID)
			post.Articles = append(post.Articles, a)
			post.TotalSize += s.Bytes
		}
		n.Posts = append(n.Posts, post)
	}
	return n, nil
}

// LoadNZB parses a manifest file from disk.
func LoadNZB(path string) (*NZB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseNZB(f)
}

// IsValid reports whether every post has at least one segment and every
// segment has a Message-ID.
func (n *NZB) IsValid() bool {
	if len(n.Posts) == 0 {
		return false
	}
	for _, p := range n.Posts {
		if len(p.Articles) == 0 {
			return false
		}
		for _, a := range p.Articles {
			if a.MessageID == "" {
				return false
			}
		}
	}
	return true
}

// Segments returns the total number of articles across all posts.
func (n *NZB) Segments() int {
	total := 0
	for _, p := range n.Posts {
		total += len(p.Articles)
	}
	return total
}

// Save writes the manifest in canonical form: files in sort order, unique
// groups per file, segments in part order.
func (n *NZB) Save(path string) error {
	model := nzbModel{Xmlns: nzbXmlns}
	for _, p := range n.Posts {
		date := p.Posted
		if date.IsZero() {
			date = time.Now().UTC()
		}
		fm := nzbFileModel{
			Subject: p.Subject,
			Poster:  p.Poster,
			Date:    date.Unix(),
			Groups:  uniqueStrings(p.Groups),
		}
		for _, a := range p.Articles {
			fm.Segments = append(fm.Segments, segmentModel{
				Number:    a.No,
				Bytes:     a.Bytes,
				MessageID: trimMsgID(a.MessageID),
			})
		}
		sort.Slice(fm.Segments, func(i, j int) bool {
			return fm.Segments[i].Number < fm.Segments[j].Number
		})
		model.Files = append(model.Files, fm)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.WriteString(f, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(f)
	enc.Indent("", "  ")
	if err := enc.Encode(model); err != nil {
		return fmt.Errorf("nzb: save: %w", err)
	}
	if _, err := io.WriteString(f, "\n"); err != nil {
		return err
	}
	return f.Sync()
}

// Iter returns a restartable iterator over the posts.
func (n *NZB) Iter() *NZBIter {
	return &NZBIter{nzb: n}
}

// NZBIter walks an NZB's posts in order; Reset restarts the sequence.
type NZBIter struct {
	nzb *NZB
	pos int
}

func (it *NZBIter) Next() (*SegmentedPost, bool) {
	if it.pos >= len(it.nzb.Posts) {
		return nil, false
	}
	p := it.nzb.Posts[it.pos]
	it.pos++
	return p, true
}

func (it *NZBIter) Reset() { it.pos = 0 }

// normalizeMsgID ensures the angle-bracketed form used on the wire.
func normalizeMsgID(id string) string {
	if id == "" {
		return ""
	}
	if id[0] != '<' {
		id = "<" + id
	}
	if id[len(id)-1] != '>' {
		id += ">"
	}
	return id
}

// trimMsgID strips angle brackets for manifest storage.
func trimMsgID(id string) string {
	if len(id) >= 2 && id[0] == '<' && id[len(id)-1] == '>' {
		return id[1 : len(id)-1]
	}
	return id
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// fileNameFromSubject pulls the quoted filename out of a Usenet subject,
// falling back to the whole subject.
func fileNameFromSubject(subject string) string {
	first := -1
	last := -1
	for i, c := range subject {
		if c == '"' {
			if first < 0 {
				first = i
			} else {
				last = i
			}
		}
	}
	if first >= 0 && last > first {
		return subject[first+1 : last]
	}
	return subject
}
