package article

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsreap/newsreap/internal/content"
)

func TestMsgIDStableUntilReset(t *testing.T) {
	a := New("subject", "tester <t@example.com>", "alt.test")
	id := a.MsgID(false)
	require.NotEmpty(t, id)
	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@example.com>"))
	assert.Equal(t, id, a.MsgID(false))

	fresh := a.MsgID(true)
	assert.NotEqual(t, id, fresh)
	assert.Equal(t, fresh, a.MessageID)
}

func TestMsgIDHostFallback(t *testing.T) {
	a := New("subject", "anonymous")
	assert.True(t, strings.HasSuffix(a.MsgID(false), "@newsreap>"))
}

func TestWriteToSynthesizesHeaders(t *testing.T) {
	a := New("hello", "tester <t@example.com>", "alt.test", "alt.other")
	a.Body = "body line\r\n"

	text := a.String()
	head, body, found := strings.Cut(text, "\r\n\r\n")
	require.True(t, found, "missing blank line separator")
	assert.Contains(t, head, "Subject: hello")
	assert.Contains(t, head, "From: tester <t@example.com>")
	assert.Contains(t, head, "Newsgroups: alt.test,alt.other")
	assert.Contains(t, head, "Message-Id: <")
	assert.Equal(t, "body line\r\n", body)
}

func TestApplyTemplateExpandsTokens(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/archive.part1.rar"
	require.NoError(t, os.WriteFile(path, make([]byte, 600), 0644))

	p, err := NewSegmentedPost(path,
		`"{{filename}}" yEnc ({{part}}/{{total_parts}})`,
		"tester <t@example.com>", "alt.test")
	require.NoError(t, err)
	require.NoError(t, p.Split(dir, 256))
	p.ApplyTemplate()
	defer p.Release()

	require.Len(t, p.Articles, 3)
	first := p.Articles[0]
	assert.Equal(t, `"archive.part1.rar" yEnc (001/003)`, first.Subject)
	assert.Equal(t, first.Subject, first.Header.Get("Subject"))
	assert.Equal(t, "tester <t@example.com>", first.Header.Get("From"))
	assert.Equal(t, "alt.test", first.Header.Get("Newsgroups"))
	assert.NotEmpty(t, first.Header.Get("Message-Id"))
}

func TestPartsOrderNumericallyPastTen(t *testing.T) {
	a := New("subject", "poster")
	for _, part := range []int{10, 2, 1, 11, 3} {
		c := &content.Content{Filename: "a.rar", Part: part}
		require.NoError(t, a.Add(c))
	}
	var got []int
	for _, p := range a.Parts() {
		got = append(got, p.Part)
	}
	assert.Equal(t, []int{1, 2, 3, 10, 11}, got)
}

func TestSplitAssembleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 31)
	}
	src := dir + "/payload.bin"
	require.NoError(t, os.WriteFile(src, data, 0644))

	p, err := NewSegmentedPost(src, "subject", "poster", "alt.test")
	require.NoError(t, err)
	require.NoError(t, p.Split(dir, 1500))
	require.Len(t, p.Articles, 4)

	outDir := t.TempDir()
	dest, err := p.Assemble(dir, outDir)
	require.NoError(t, err)
	assert.Equal(t, outDir+"/payload.bin", dest)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	p.Release()
}

func TestNZBSaveLoadRoundTrip(t *testing.T) {
	subject := `An Upload [1/2] "file1.rar" yEnc (1/2)`
	p1 := NewManifestPost("file1.rar", subject, "tester <t@example.com>",
		[]string{"alt.test", "alt.test"})
	p1.Posted = time.Date(2014, 8, 11, 8, 33, 7, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		a := New(subject, "tester <t@example.com>", "alt.test")
		a.No = i
		a.Bytes = int64(1000 * i)
		a.MessageID = a.MsgID(true)
		p1.Articles = append(p1.Articles, a)
	}
	p2 := NewManifestPost("file2.rar", `"file2.rar" yEnc (1/1)`, "tester <t@example.com>",
		[]string{"alt.test"})
	a := New(p2.Subject, "tester <t@example.com>", "alt.test")
	a.MessageID = a.MsgID(true)
	a.Bytes = 512
	p2.Articles = append(p2.Articles, a)

	n := &NZB{Posts: []*SegmentedPost{p1, p2}}
	require.True(t, n.IsValid())
	require.Equal(t, 3, n.Segments())

	path := t.TempDir() + "/out.nzb"
	require.NoError(t, n.Save(path))

	loaded, err := LoadNZB(path)
	require.NoError(t, err)
	require.True(t, loaded.IsValid())
	require.Len(t, loaded.Posts, 2)
	assert.Equal(t, 3, loaded.Segments())

	got := loaded.Posts[0]
	assert.Equal(t, "file1.rar", got.Filename)
	assert.Equal(t, subject, got.Subject)
	// duplicate groups collapse on save
	assert.Equal(t, []string{"alt.test"}, got.Groups)
	assert.Equal(t, int64(3000), got.TotalSize)
	assert.Equal(t, p1.Posted, got.Posted, "the date attribute survives the round trip")
	assert.False(t, loaded.Posts[1].Posted.IsZero(), "an unset date falls back to save time")
	for i, seg := range got.Articles {
		assert.Equal(t, i+1, seg.No)
		assert.Equal(t, p1.Articles[i].MessageID, seg.MessageID)
	}
}

func TestNZBIterRestarts(t *testing.T) {
	n := &NZB{Posts: []*SegmentedPost{
		NewManifestPost("a", "a", "p", nil),
		NewManifestPost("b", "b", "p", nil),
	}}
	it := n.Iter()
	var names []string
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		names = append(names, p.Filename)
	}
	require.Equal(t, []string{"a", "b"}, names)

	it.Reset()
	p, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "a", p.Filename)
}

func TestFileNameFromSubject(t *testing.T) {
	assert.Equal(t, "file.rar",
		fileNameFromSubject(`A Package [001/001] "file.rar" yEnc (001/001)`))
	assert.Equal(t, "no quotes here", fileNameFromSubject("no quotes here"))
}
