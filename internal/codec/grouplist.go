package codec

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

// GroupInfo is one parsed LIST ACTIVE line.
type GroupInfo struct {
	Name  string
	High  int64
	Low   int64
	Flags string
	// Count is the number of articles the server advertises: high-low+1,
	// or zero when the group is empty (high < low).
	Count int64
}

// GroupListDecoder parses "group high low flags" lines from LIST ACTIVE.
type GroupListDecoder struct {
	groups []GroupInfo
}

func NewGroupListDecoder() *GroupListDecoder { return &GroupListDecoder{} }

func (d *GroupListDecoder) Detect(line []byte) bool {
	fields := bytes.Fields(line)
	if len(fields) < 4 {
		return false
	}
	if _, err := strconv.ParseInt(string(fields[1]), 10, 64); err != nil {
		return false
	}
	_, err := strconv.ParseInt(string(fields[2]), 10, 64)
	return err == nil
}

func (d *GroupListDecoder) Decode(line []byte) Step {
	fields := strings.Fields(string(line))
	if len(fields) < 4 {
		return Continue()
	}
	high, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Continue()
	}
	low, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Continue()
	}

	g := GroupInfo{
		Name:  fields[0],
		High:  high,
		Low:   low,
		Flags: fields[3],
	}
	if high >= low {
		g.Count = high - low + 1
	}
	d.groups = append(d.groups, g)
	return Continue()
}

func (d *GroupListDecoder) Reset() { d.groups = nil }

// Groups returns every group parsed so far.
func (d *GroupListDecoder) Groups() []GroupInfo {
	return append([]GroupInfo(nil), d.groups...)
}

// FilterGroups returns the groups matching any of the filters. A plain
// filter is a case-insensitive prefix; a filter carrying regexp
// metacharacters is compiled and anchored at the start of the name. No
// filters returns the input unchanged.
func FilterGroups(groups []GroupInfo, filters []string) []GroupInfo {
	if len(filters) == 0 {
		return groups
	}

	type matcher struct {
		prefix string
		re     *regexp.Regexp
	}
	matchers := make([]matcher, 0, len(filters))
	for _, f := range filters {
		m := matcher{prefix: strings.ToLower(f)}
		if strings.ContainsAny(f, `*+?[](){}|^$\`) {
			if re, err := regexp.Compile("^(?i:" + f + ")"); err == nil {
				m.re = re
				m.prefix = ""
			}
		}
		matchers = append(matchers, m)
	}

	var out []GroupInfo
	for _, g := range groups {
		lower := strings.ToLower(g.Name)
		for _, m := range matchers {
			if m.re != nil {
				if m.re.MatchString(g.Name) {
					out = append(out, g)
					break
				}
				continue
			}
			if strings.HasPrefix(lower, m.prefix) {
				out = append(out, g)
				break
			}
		}
	}
	return out
}
