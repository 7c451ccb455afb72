package codec

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Overview is one parsed XOVER record.
type Overview struct {
	ArticleNo int64
	Subject   string
	Poster    string
	Date      time.Time // UTC
	MessageID string
	Size      int64
	Lines     int64
	// Xref maps group name to the article number the message carries there.
	Xref map[string]int64
}

// OverviewSort selects the ordering applied by SortOverviews.
type OverviewSort int

const (
	SortByArticleNo OverviewSort = iota
	SortByTime
	SortByPosterTime
)

// XoverDecoder parses tab-separated overview lines. It implements the
// Decoder contract so the receive loop can reset it between retries; the
// parsed records are collected through Records.
type XoverDecoder struct {
	records   []Overview
	malformed int
}

func NewXoverDecoder() *XoverDecoder { return &XoverDecoder{} }

func (d *XoverDecoder) Detect(line []byte) bool {
	idx := bytes.IndexByte(line, '\t')
	if idx <= 0 {
		return false
	}
	_, err := strconv.ParseInt(string(line[:idx]), 10, 64)
	return err == nil
}

func (d *XoverDecoder) Decode(line []byte) Step {
	rec, ok := parseOverviewLine(string(line))
	if !ok {
		d.malformed++
		return Continue()
	}
	d.records = append(d.records, rec)
	return Continue()
}

func (d *XoverDecoder) Reset() {
	d.records = nil
	d.malformed = 0
}

// Records returns the overview records parsed so far, keyed by article
// number.
func (d *XoverDecoder) Records() map[int64]Overview {
	out := make(map[int64]Overview, len(d.records))
	for _, r := range d.records {
		out[r.ArticleNo] = r
	}
	return out
}

// List returns the records in received order.
func (d *XoverDecoder) List() []Overview {
	return append([]Overview(nil), d.records...)
}

func (d *XoverDecoder) Malformed() int { return d.malformed }

func parseOverviewLine(line string) (Overview, bool) {
	ss := strings.Split(line, "\t")
	if len(ss) < 8 {
		return Overview{}, false
	}

	no, err := strconv.ParseInt(ss[0], 10, 64)
	if err != nil {
		return Overview{}, false
	}

	rec := Overview{
		ArticleNo: no,
		Subject:   ss[1],
		Poster:    ss[2],
		MessageID: ss[4],
	}
	// a broken or missing date is not fatal
	if t, err := ParseNNTPDate(ss[3]); err == nil {
		rec.Date = t
	}
	rec.Size, _ = strconv.ParseInt(ss[6], 10, 64)
	if ss[7] != "" {
		rec.Lines, _ = strconv.ParseInt(ss[7], 10, 64)
	}

	for _, extra := range ss[8:] {
		if xref, ok := parseXref(extra); ok {
			rec.Xref = xref
		}
	}
	return rec, true
}

// parseXref parses "Xref: host group:no group:no ...".
func parseXref(field string) (map[string]int64, bool) {
	rest, ok := strings.CutPrefix(field, "Xref:")
	if !ok {
		return nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return nil, false
	}
	out := make(map[string]int64)
	for _, f := range fields[1:] {
		group, noStr, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		no, err := strconv.ParseInt(noStr, 10, 64)
		if err != nil {
			continue
		}
		out[group] = no
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

var nntpDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04 -0700",
	time.RFC822Z,
	time.RFC822,
}

// ParseNNTPDate parses the Date header formats seen in the wild and
// normalizes to UTC.
func ParseNNTPDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	// strip trailing comments like "(UTC)"
	if i := strings.IndexByte(s, '('); i > 0 {
		s = strings.TrimSpace(s[:i])
	}
	var lastErr error
	for _, layout := range nntpDateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// SortOverviews orders records per the requested policy.
func SortOverviews(recs []Overview, policy OverviewSort) {
	switch policy {
	case SortByTime:
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].Date.Before(recs[j].Date)
		})
	case SortByPosterTime:
		sort.SliceStable(recs, func(i, j int) bool {
			if recs[i].Poster != recs[j].Poster {
				return recs[i].Poster < recs[j].Poster
			}
			return recs[i].Date.Before(recs[j].Date)
		})
	default:
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].ArticleNo < recs[j].ArticleNo
		})
	}
}
