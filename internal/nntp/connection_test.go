package nntp

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsreap/newsreap/internal/article"
	"github.com/newsreap/newsreap/internal/codec"
	"github.com/newsreap/newsreap/internal/config"
)

const (
	welcomePosting   = "200 news.test server ready - posting allowed\r\n"
	welcomeNoPosting = "201 news.test server ready - no posting\r\n"
)

func authScript(user, pass string) scriptFunc {
	return func(cmd string, br *bufio.Reader, w io.Writer) string {
		switch cmd {
		case "AUTHINFO USER " + user:
			return "381 password required\r\n"
		case "AUTHINFO PASS " + pass:
			return "281 authentication accepted\r\n"
		case "XFEATURE COMPRESS GZIP":
			return "290 feature enabled\r\n"
		}
		if strings.HasPrefix(cmd, "AUTHINFO USER ") {
			return "481 authentication rejected\r\n"
		}
		return ""
	}
}

func TestConnectAuthAndCompression(t *testing.T) {
	srv := newTestServer(t, welcomePosting, authScript("valid", "valid"))

	cfg := srv.Config()
	cfg.Username = "valid"
	cfg.Password = "valid"
	cfg.Compress = true

	c := New(cfg, t.TempDir(), nil)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.True(t, c.CanPost())
	assert.True(t, c.Compressed())
}

func TestConnectAuthRejected(t *testing.T) {
	srv := newTestServer(t, welcomePosting, authScript("valid", "valid"))

	cfg := srv.Config()
	cfg.Username = "invalid"
	cfg.Password = "invalid"

	c := New(cfg, t.TempDir(), nil)
	defer c.Close()

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.False(t, c.Connected())
}

func TestConnectCompressionDowngrade(t *testing.T) {
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if cmd == "XFEATURE COMPRESS GZIP" {
			return "500 command not recognized\r\n"
		}
		return ""
	})

	cfg := srv.Config()
	cfg.Compress = true

	c := New(cfg, t.TempDir(), nil)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.False(t, c.Compressed())
}

func TestGroupCursors(t *testing.T) {
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if cmd == "GROUP alt.binaries.l2g.znb" {
			return "211 709278590 69039573 778318162 alt.binaries.l2g.znb\r\n"
		}
		return ""
	})

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	count, low, high, err := c.Group(context.Background(), "alt.binaries.l2g.znb")
	require.NoError(t, err)
	assert.Equal(t, int64(709278590), count)
	assert.Equal(t, int64(69039573), low)
	assert.Equal(t, int64(778318162), high)

	name, gc, _, _ := c.CurrentGroup()
	assert.Equal(t, "alt.binaries.l2g.znb", name)
	assert.Equal(t, int64(709278590), gc)
}

func TestGroupMissing(t *testing.T) {
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "GROUP ") {
			return "411 no such newsgroup\r\n"
		}
		return ""
	})

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	_, _, _, err := c.Group(context.Background(), "alt.nope")
	require.ErrorIs(t, err, ErrNoSuchGroup)
}

const activeList = "alt.binaries.test 4000 100 y\r\n" +
	"alt.binaries.sounds 900 10 y\r\n" +
	"comp.lang.misc 50 1 y\r\n" +
	"alt.binaries.pictures 20 30 y\r\n"

func TestGroupsFilterAndLazyCache(t *testing.T) {
	listCalls := 0
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if cmd == "LIST ACTIVE" {
			listCalls++
			return "215 list of newsgroups follows\r\n" + activeList + ".\r\n"
		}
		return ""
	})

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	ctx := context.Background()
	groups, err := c.Groups(ctx, []string{"alt.binaries"}, true)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	for _, g := range groups {
		assert.True(t, strings.HasPrefix(g.Name, "alt.binaries"), g.Name)
		if g.Name == "alt.binaries.pictures" {
			// high < low marks an empty group
			assert.Equal(t, int64(0), g.Count)
		}
	}

	// lazy hit must not re-query
	all, err := c.Groups(ctx, nil, true)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, 1, listCalls)
}

func TestGroupsGzipBody(t *testing.T) {
	var zbody bytes.Buffer
	zw := gzip.NewWriter(&zbody)
	_, err := zw.Write([]byte(activeList))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		switch cmd {
		case "XFEATURE COMPRESS GZIP":
			return "290 feature enabled\r\n"
		case "LIST ACTIVE":
			return "215 list follows [COMPRESS=GZIP]\r\n" + zbody.String() + "\r\n.\r\n"
		}
		return ""
	})

	cfg := srv.Config()
	cfg.Compress = true
	c := New(cfg, t.TempDir(), nil)
	defer c.Close()

	groups, err := c.Groups(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Len(t, groups, 4)
}

func TestXoverOverviewParse(t *testing.T) {
	over := "100\t" +
		`A Package [001/001] "file.rar" yEnc (001/001)` + "\t" +
		"poster <poster@example.com>\t" +
		"Mon, 11 Aug 2014 08:33:07 -0000\t" +
		"<pkg100@example.com>\t\t1061463\t8160\t" +
		"Xref: news.example.com alt.binaries.test:100\r\n"

	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "XOVER ") {
			return "224 overview follows\r\n" + over + ".\r\n"
		}
		return ""
	})

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	recs, err := c.Xover(context.Background(), "", 100, 100, codec.SortByArticleNo)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, int64(100), r.ArticleNo)
	assert.Equal(t, `A Package [001/001] "file.rar" yEnc (001/001)`, r.Subject)
	assert.Equal(t, int64(1061463), r.Size)
	assert.Equal(t, int64(8160), r.Lines)
	assert.Equal(t, time.Date(2014, 8, 11, 8, 33, 7, 0, time.UTC), r.Date)
	assert.Equal(t, int64(100), r.Xref["alt.binaries.test"])
}

func TestXoverRetriesTransientFailures(t *testing.T) {
	attempts := 0
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "XOVER ") {
			attempts++
			if attempts < 3 {
				return "503 overview store temporarily offline\r\n"
			}
			return "224 overview follows\r\n" +
				"5\tsubj\tposter\tMon, 11 Aug 2014 08:33:07 -0000\t<a5@x>\t\t10\t1\tXref: x alt.test:5\r\n" +
				".\r\n"
		}
		return ""
	})

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	recs, err := c.Xover(context.Background(), "", 5, 5, codec.SortByArticleNo)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(10), recs[0].Size)
	assert.Equal(t, 3, attempts)
}

func TestXoverTruncatedBodyResyncs(t *testing.T) {
	over := "7\tsubj\tposter <p@x>\tMon, 11 Aug 2014 08:33:07 -0000\t<a7@x>\t\t512\t4\tXref: x alt.test:7\r\n"

	var calls int32
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		switch {
		case strings.HasPrefix(cmd, "GROUP "):
			return "211 1 7 7 alt.test\r\n"
		case strings.HasPrefix(cmd, "XOVER "):
			if atomic.AddInt32(&calls, 1) == 1 {
				// status and a partial body, then silence
				io.WriteString(w, "224 overview follows\r\n"+over)
				time.Sleep(2 * time.Second)
				return ""
			}
			return "224 overview follows\r\n" + over + ".\r\n"
		}
		return ""
	})

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()
	c.readTimeout = 150 * time.Millisecond

	recs, err := c.Xover(context.Background(), "alt.test", 7, 7, codec.SortByArticleNo)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(7), recs[0].ArticleNo)
	assert.Equal(t, int64(512), recs[0].Size)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	// nothing from the abandoned body may bleed into the next exchange
	_, _, _, err = c.Group(context.Background(), "alt.test")
	require.NoError(t, err)
}

func TestGroupsCorruptGzipFailsFast(t *testing.T) {
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		switch cmd {
		case "XFEATURE COMPRESS GZIP":
			return "290 feature enabled\r\n"
		case "LIST ACTIVE":
			return "215 list follows [COMPRESS=GZIP]\r\nnot a gzip stream\r\n.\r\n"
		}
		return ""
	})

	cfg := srv.Config()
	cfg.Compress = true
	c := New(cfg, t.TempDir(), nil)
	defer c.Close()

	start := time.Now()
	_, err := c.Groups(context.Background(), nil, false)
	require.ErrorIs(t, err, ErrFetch)
	assert.Less(t, time.Since(start), 10*time.Second,
		"a broken stream with the terminator present must not wait out the read timeout")
	assert.False(t, c.Connected())
}

func TestStatMissFailsOverToBackup(t *testing.T) {
	backup := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "STAT ") {
			return "223 0 <want@x> article exists\r\n"
		}
		return ""
	})
	primary := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "STAT ") {
			return "430 no such article\r\n"
		}
		return ""
	})

	cfg := primary.Config()
	cfg.Backups = []config.ServerConfig{backup.Config()}

	c := New(cfg, t.TempDir(), nil)
	defer c.Close()

	hdr, err := c.Stat(context.Background(), "want@x", false, "")
	require.NoError(t, err)
	assert.Equal(t, "<want@x>", hdr.Get("Message-Id"))
}

func TestStatMissWithoutBackup(t *testing.T) {
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "STAT ") {
			return "430 no such article\r\n"
		}
		return ""
	})

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	_, err := c.Stat(context.Background(), "gone@x", false, "")
	require.ErrorIs(t, err, ErrNoSuchArticle)
}

func TestStatHead(t *testing.T) {
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "HEAD ") {
			return "221 0 <want@x> head follows\r\n" +
				"Message-Id: <want@x>\r\n" +
				"Subject: a head\r\n" +
				"From: poster <p@x>\r\n" +
				"\r\n" +
				".\r\n"
		}
		return ""
	})

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	hdr, err := c.Stat(context.Background(), "want@x", true, "")
	require.NoError(t, err)
	assert.Equal(t, "<want@x>", hdr.Get("Message-Id"))
	assert.Equal(t, "a head", hdr.Get("Subject"))
}

func TestStatUseHeadSendsHead(t *testing.T) {
	var statCalls int32
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		switch {
		case strings.HasPrefix(cmd, "STAT "):
			atomic.AddInt32(&statCalls, 1)
			return "223 0 <want@x> article exists\r\n"
		case strings.HasPrefix(cmd, "HEAD "):
			return "221 0 <want@x> head follows\r\n" +
				"Message-Id: <want@x>\r\n" +
				"Subject: a head\r\n" +
				"\r\n" +
				".\r\n"
		}
		return ""
	})

	cfg := srv.Config()
	cfg.UseHead = true
	c := New(cfg, t.TempDir(), nil)
	defer c.Close()

	hdr, err := c.Stat(context.Background(), "want@x", false, "")
	require.NoError(t, err)
	assert.Equal(t, "<want@x>", hdr.Get("Message-Id"))
	assert.Equal(t, "a head", hdr.Get("Subject"))
	assert.Zero(t, atomic.LoadInt32(&statCalls), "use_head existence checks go through HEAD")
}

// yencArticle serializes a small article whose body is the yEnc encoding of
// payload, dot-stuffed and terminated for the wire.
func yencArticle(t *testing.T, payload []byte) string {
	t.Helper()
	var body strings.Builder
	_, err := codec.YencEncode(&body, bytes.NewReader(payload), "blob.bin",
		1, 1, 0, int64(len(payload)), int64(len(payload)))
	require.NoError(t, err)

	text := "Message-Id: <blob@x>\r\n" +
		"Subject: blob.bin\r\n" +
		"From: poster <p@x>\r\n" +
		"\r\n" +
		body.String()
	return dotStuff(text)
}

func TestGetMissFailsOverToBackup(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	art := yencArticle(t, payload)

	backup := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "ARTICLE ") {
			return "220 0 <blob@x> article follows\r\n" + art
		}
		return ""
	})
	primary := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "ARTICLE ") {
			return "430 no such article\r\n"
		}
		return ""
	})

	cfg := primary.Config()
	cfg.Backups = []config.ServerConfig{backup.Config()}

	c := New(cfg, t.TempDir(), nil)
	defer c.Close()

	a, err := c.Get(context.Background(), "blob@x", t.TempDir(), "")
	require.NoError(t, err)
	defer a.Release()

	assert.Equal(t, "<blob@x>", a.MessageID)
	assert.Equal(t, "blob.bin", a.Subject)
	require.Equal(t, 1, a.PartCount())

	got, err := a.Parts()[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, a.IsValid())
}

func TestGetServerErrorClosesPrimary(t *testing.T) {
	payload := []byte("failover payload")
	art := yencArticle(t, payload)

	backup := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "ARTICLE ") {
			return "220 0 <blob@x> article follows\r\n" + art
		}
		return ""
	})
	primary := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "ARTICLE ") {
			return "503 internal fault\r\n"
		}
		return ""
	})

	cfg := primary.Config()
	cfg.Backups = []config.ServerConfig{backup.Config()}

	c := New(cfg, t.TempDir(), nil)
	defer c.Close()

	a, err := c.Get(context.Background(), "blob@x", t.TempDir(), "")
	require.NoError(t, err)
	defer a.Release()

	// the 5xx poisons the primary connection
	assert.False(t, c.Connected())

	got, err := a.Parts()[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPostArticle(t *testing.T) {
	received := make(chan string, 1)
	srv := newTestServer(t, welcomePosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if cmd != "POST" {
			return ""
		}
		if _, err := io.WriteString(w, "340 send article\r\n"); err != nil {
			return ""
		}
		received <- readDotBlock(br)
		return "240 article received\r\n"
	})

	a := article.New("stuffed", "poster <p@x>", "alt.test")
	a.MessageID = "<stuffed@x>"
	a.Body = ".leading dot\r\nplain line\r\n..double\r\n"

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	resp, err := c.Post(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 240, resp.Code())

	payload := <-received
	assert.True(t, strings.HasSuffix(payload, "\r\n.\r\n"))
	assert.Contains(t, payload, "\r\n..leading dot\r\n")
	assert.Contains(t, payload, "\r\n...double\r\n")
	assert.Contains(t, payload, "Subject: stuffed\r\n")
	assert.Contains(t, payload, "Message-Id: <stuffed@x>\r\n")
}

func TestPostRejected(t *testing.T) {
	srv := newTestServer(t, welcomePosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if cmd != "POST" {
			return ""
		}
		if _, err := io.WriteString(w, "340 send article\r\n"); err != nil {
			return ""
		}
		readDotBlock(br)
		return "441 posting failed\r\n"
	})

	a := article.New("rejected", "poster <p@x>", "alt.test")
	a.Body = "body\r\n"

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	resp, err := c.Post(context.Background(), a)
	require.ErrorIs(t, err, ErrPostRejected)
	require.NotNil(t, resp)
	assert.Equal(t, 441, resp.Code())
}

func TestGetEncodingPinsDecoder(t *testing.T) {
	art := yencArticle(t, []byte("payload bytes for the pinned decoder"))
	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "ARTICLE ") {
			return "220 0 <blob@x> article follows\r\n" + art
		}
		return ""
	})

	cfg := srv.Config()
	cfg.Encoding = "uu"
	c := New(cfg, t.TempDir(), nil)
	defer c.Close()

	a, err := c.Get(context.Background(), "blob@x", t.TempDir(), "")
	require.NoError(t, err)
	defer a.Release()

	// the yEnc body stays raw when the server is pinned to uuencode
	assert.Zero(t, a.PartCount())
	assert.Contains(t, a.Body, "=ybegin")
}

func TestSeekByDate(t *testing.T) {
	base := time.Date(2016, 3, 1, 0, 0, 0, 0, time.UTC)
	const low, high = 100, 5000

	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "GROUP ") {
			return fmt.Sprintf("211 %d %d %d alt.test\r\n", high-low+1, low, high)
		}
		if strings.HasPrefix(cmd, "XOVER ") {
			var from, to int64
			if _, err := fmt.Sscanf(cmd, "XOVER %d-%d", &from, &to); err != nil {
				return ""
			}
			var b strings.Builder
			b.WriteString("224 overview follows\r\n")
			for n := from; n <= to && n <= high; n++ {
				date := base.Add(time.Duration(n) * time.Minute)
				fmt.Fprintf(&b, "%d\tsubject %d\tposter <p@x>\t%s\t<a%d@x>\t\t100\t2\tXref: x alt.test:%d\r\n",
					n, n, date.Format("Mon, 2 Jan 2006 15:04:05 -0700"), n, n)
			}
			b.WriteString(".\r\n")
			return b.String()
		}
		return ""
	})

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	ctx := context.Background()

	// exact hit
	ref := base.Add(3000 * time.Minute)
	no, err := c.SeekByDate(ctx, ref, "alt.test")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), no)

	// between articles: the first at or after ref wins
	ref = base.Add(1234*time.Minute + 30*time.Second)
	no, err = c.SeekByDate(ctx, ref, "alt.test")
	require.NoError(t, err)
	assert.Equal(t, int64(1235), no)

	// past the newest article: the group head
	ref = base.Add(24 * 365 * time.Hour)
	no, err = c.SeekByDate(ctx, ref, "alt.test")
	require.NoError(t, err)
	assert.Equal(t, int64(high), no)
}

func TestDecoderChainResetIdempotence(t *testing.T) {
	payload := []byte("same input, same output, twice over")
	art := yencArticle(t, payload)

	srv := newTestServer(t, welcomeNoPosting, func(cmd string, br *bufio.Reader, w io.Writer) string {
		if strings.HasPrefix(cmd, "ARTICLE ") {
			return "220 0 <blob@x> article follows\r\n" + art
		}
		return ""
	})

	c := New(srv.Config(), t.TempDir(), nil)
	defer c.Close()

	ctx := context.Background()
	first, err := c.Get(ctx, "blob@x", t.TempDir(), "")
	require.NoError(t, err)
	defer first.Release()
	second, err := c.Get(ctx, "blob@x", t.TempDir(), "")
	require.NoError(t, err)
	defer second.Release()

	require.Equal(t, first.PartCount(), second.PartCount())
	b1, err := first.Parts()[0].Bytes()
	require.NoError(t, err)
	b2, err := second.Parts()[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}
