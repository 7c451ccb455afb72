// Package nntp implements the client protocol engine: one Connection per
// server, speaking RFC 3977 with the XFEATURE COMPRESS GZIP extension,
// feeding multi-line bodies through the codec decoder chain, and failing
// over to backup connections on miss or server error.
package nntp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/newsreap/newsreap/internal/article"
	"github.com/newsreap/newsreap/internal/codec"
	"github.com/newsreap/newsreap/internal/config"
	"github.com/newsreap/newsreap/internal/logger"
	"github.com/newsreap/newsreap/internal/netx"
)

// xoverRetries bounds re-sends of an XOVER query after transient failures.
const xoverRetries = 5

// Connection is the protocol engine for one server. It is not safe for
// concurrent use; the manager binds each Connection to exactly one worker.
type Connection struct {
	cfg     config.ServerConfig
	workDir string
	log     *logger.Logger

	sock *netx.Conn

	connected bool
	canPost   bool
	gzip      bool

	group      string
	groupCount int64
	groupLow   int64
	groupHigh  int64
	groupIndex int64

	lastCode int
	lastText string

	groupCache []codec.GroupInfo

	backups []*Connection

	rdbuf   []byte
	pending []byte

	// readTimeout overrides defaultReadTimeout when positive.
	readTimeout time.Duration
}

// New builds a Connection for a server record, including one nested
// Connection per configured backup.
func New(cfg config.ServerConfig, workDir string, log *logger.Logger) *Connection {
	if log == nil {
		log = logger.Discard()
	}
	c := &Connection{
		cfg:     cfg,
		workDir: workDir,
		log:     log,
		rdbuf:   make([]byte, recvChunk),
	}
	for _, b := range cfg.Backups {
		b.Backups = nil // backups do not nest further
		c.backups = append(c.backups, New(b, workDir, log))
	}
	return c
}

func (c *Connection) Connected() bool  { return c.connected }
func (c *Connection) CanPost() bool    { return c.canPost }
func (c *Connection) Compressed() bool { return c.gzip }
func (c *Connection) Host() string     { return c.cfg.Host }

// LastResponse returns the code and text of the most recent status line.
func (c *Connection) LastResponse() (int, string) { return c.lastCode, c.lastText }

// CurrentGroup returns the selected group's cursors.
func (c *Connection) CurrentGroup() (name string, count, low, high int64) {
	return c.group, c.groupCount, c.groupLow, c.groupHigh
}

// Connect dials the server, reads the welcome, authenticates, negotiates
// compression and re-joins a previously selected group. Backups are dialed
// lazily on first use.
func (c *Connection) Connect(ctx context.Context) error {
	if c.connected {
		return nil
	}

	d := &netx.Dialer{
		Host:   c.cfg.Host,
		Port:   c.cfg.Port,
		TLS:    c.cfg.TLS,
		Verify: c.cfg.TLSVerify,
		Log:    c.log,
	}
	sock, err := d.Dial(ctx)
	if err != nil {
		return err
	}
	c.sock = sock
	c.pending = c.pending[:0]

	welcome, err := c.readResponse(nil, true)
	if err != nil {
		c.drop()
		return err
	}
	switch welcome.Code() {
	case 200:
		c.canPost = true
	case 201:
		c.canPost = false
	default:
		c.drop()
		return fmt.Errorf("%w: welcome %q", ErrBadResponse, welcome.CodeString())
	}

	if err := c.auth(); err != nil {
		c.drop()
		return err
	}

	if c.cfg.Compress {
		resp, err := c.command("XFEATURE COMPRESS GZIP", nil, true)
		if err != nil {
			c.drop()
			return err
		}
		if resp.Code() == 290 {
			c.gzip = true
		} else {
			// server refused; stay on the plain stream
			c.gzip = false
			c.log.Debug("%s rejected XFEATURE COMPRESS GZIP: %s", c.cfg.Host, resp.CodeString())
		}
	}

	c.connected = true
	c.log.Info("connected to %s (posting=%v compress=%v)", c.cfg.Addr(), c.canPost, c.gzip)

	if c.group != "" {
		name := c.group
		c.group = ""
		if _, _, _, err := c.Group(ctx, name); err != nil {
			c.log.Warn("could not re-join %s on %s: %v", name, c.cfg.Host, err)
		}
	}
	return nil
}

func (c *Connection) auth() error {
	if c.cfg.Username == "" {
		return nil
	}
	resp, err := c.command("AUTHINFO USER "+c.cfg.Username, nil, true)
	if err != nil {
		return err
	}
	switch resp.Code() {
	case 281:
		return nil
	case 381:
	default:
		return fmt.Errorf("%w: %s", ErrAuthFailed, resp.CodeString())
	}

	resp, err = c.command("AUTHINFO PASS "+c.cfg.Password, nil, true)
	if err != nil {
		return err
	}
	if resp.Code() != 281 {
		return fmt.Errorf("%w: %s", ErrAuthFailed, resp.CodeString())
	}
	return nil
}

// command writes one line and reads its response through the given decoder
// chain.
func (c *Connection) command(cmd string, decoders []codec.Decoder, forceSingle bool) (*Response, error) {
	if c.sock == nil {
		return nil, ErrNotConnected
	}
	if err := c.sock.Write([]byte(cmd + "\r\n")); err != nil {
		c.drop()
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return c.readResponse(decoders, forceSingle)
}

// drop tears the socket down without QUIT.
func (c *Connection) drop() {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.connected = false
	c.canPost = false
	c.gzip = false
	c.pending = c.pending[:0]
}

// reconnect re-dials after a lost connection, preserving the group cursor.
func (c *Connection) reconnect(ctx context.Context) error {
	c.drop()
	return c.Connect(ctx)
}

// Close sends QUIT when possible and resets state. Backups are closed too.
func (c *Connection) Close() {
	if c.connected && c.sock != nil {
		if err := c.sock.Write([]byte("QUIT\r\n")); err == nil {
			// best effort; the goodbye line is not interesting
			_, _ = c.readResponse(nil, true)
		}
	}
	c.drop()
	c.group = ""
	c.groupCount, c.groupLow, c.groupHigh, c.groupIndex = 0, 0, 0, 0
	for _, b := range c.backups {
		b.Close()
	}
}

// Group selects a newsgroup and updates the cursors. Returns the server's
// count, low and high water marks.
func (c *Connection) Group(ctx context.Context, name string) (count, low, high int64, err error) {
	if !c.connected {
		if err = c.Connect(ctx); err != nil {
			return 0, 0, 0, err
		}
	}
	resp, err := c.command("GROUP "+name, nil, true)
	if err != nil {
		return 0, 0, 0, err
	}
	if resp.Code() == 411 {
		return 0, 0, 0, fmt.Errorf("%w: %s", ErrNoSuchGroup, name)
	}
	if resp.Code() != 211 {
		return 0, 0, 0, fmt.Errorf("%w: GROUP %s: %s", ErrBadResponse, name, resp.CodeString())
	}

	// 211 count low high name
	fields := strings.Fields(resp.CodeString())
	if len(fields) < 5 {
		return 0, 0, 0, fmt.Errorf("%w: GROUP %s: %s", ErrBadResponse, name, resp.CodeString())
	}
	count, err1 := strconv.ParseInt(fields[1], 10, 64)
	low, err2 := strconv.ParseInt(fields[2], 10, 64)
	high, err3 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, fmt.Errorf("%w: GROUP %s: %s", ErrBadResponse, name, resp.CodeString())
	}

	c.group = fields[4]
	c.groupCount = count
	c.groupLow = low
	c.groupHigh = high
	c.groupIndex = low
	return count, low, high, nil
}

// Groups fetches LIST ACTIVE and applies the group filters. With lazy set
// the parsed list is cached on the connection and reused.
func (c *Connection) Groups(ctx context.Context, filters []string, lazy bool) ([]codec.GroupInfo, error) {
	if !c.connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}
	if lazy && c.groupCache != nil {
		return codec.FilterGroups(c.groupCache, filters), nil
	}

	dec := codec.NewGroupListDecoder()
	resp, err := c.command("LIST ACTIVE", []codec.Decoder{dec}, false)
	if err != nil {
		return nil, err
	}
	if resp.Code() != 215 {
		return nil, fmt.Errorf("%w: LIST ACTIVE: %s", ErrBadResponse, resp.CodeString())
	}
	groups := dec.Groups()
	if lazy {
		c.groupCache = groups
	}
	return codec.FilterGroups(groups, filters), nil
}

// Xover fetches overview records for [start, end] in a group, retrying
// transient failures with a full decoder reset between attempts.
func (c *Connection) Xover(ctx context.Context, group string, start, end int64, policy codec.OverviewSort) ([]codec.Overview, error) {
	if !c.connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}
	if group != "" && group != c.group {
		if _, _, _, err := c.Group(ctx, group); err != nil {
			return nil, err
		}
	}

	dec := codec.NewXoverDecoder()
	var lastErr error
	for attempt := 0; attempt < xoverRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dec.Reset()

		resp, err := c.command(fmt.Sprintf("XOVER %d-%d", start, end), []codec.Decoder{dec}, false)
		if err == nil && resp.Code() == 224 {
			recs := dec.List()
			codec.SortOverviews(recs, policy)
			return recs, nil
		}
		if err == nil {
			if resp.Code() == 412 {
				return nil, fmt.Errorf("%w: no group selected for XOVER", ErrBadResponse)
			}
			err = fmt.Errorf("%w: XOVER: %s", ErrBadResponse, resp.CodeString())
		}
		lastErr = err
		if !retryableFetch(err) {
			return nil, err
		}
		c.log.Debug("xover %d-%d attempt %d/%d on %s failed: %v",
			start, end, attempt+1, xoverRetries, c.cfg.Host, err)
		if !c.connected {
			if rerr := c.reconnect(ctx); rerr != nil {
				return nil, rerr
			}
		}
	}
	return nil, fmt.Errorf("xover retries exhausted: %w", lastErr)
}

func retryableFetch(err error) bool {
	return errors.Is(err, ErrFetch) ||
		errors.Is(err, ErrBadResponse) ||
		errors.Is(err, ErrConnectionLost)
}

// Stat checks whether an article exists. With full set (or use_head on the
// server) it sends HEAD and returns the parsed header block; otherwise a
// bare STAT answers with a minimal header carrying only the Message-ID. A
// miss consults the backups in order and surfaces ErrNoSuchArticle when
// none has it.
func (c *Connection) Stat(ctx context.Context, id string, full bool, group string) (codec.Header, error) {
	if !c.connected {
		if err := c.Connect(ctx); err != nil {
			return codec.Header{}, err
		}
	}
	if group != "" && c.cfg.JoinGroup && group != c.group {
		if _, _, _, err := c.Group(ctx, group); err != nil {
			return codec.Header{}, err
		}
	}

	id = bracketMsgID(id)
	useHead := full || c.cfg.UseHead
	var (
		resp *Response
		err  error
	)
	if useHead {
		dec := codec.NewHeaderDecoder()
		resp, err = c.command("HEAD "+id, []codec.Decoder{dec}, false)
	} else {
		resp, err = c.command("STAT "+id, nil, true)
	}
	if err != nil {
		return c.statFailover(ctx, id, full, group, err)
	}

	switch {
	case useHead && resp.Code() == 221:
		hdr := resp.Header()
		if hdr.Get("Message-Id") == "" {
			hdr.Set("Message-Id", id)
		}
		return hdr, nil
	case !useHead && resp.Code() == 223:
		hdr := codec.NewHeader()
		hdr.Set("Message-Id", id)
		return hdr, nil
	case resp.Code() == 423 || resp.Code() == 430:
		return c.statFailover(ctx, id, full, group, fmt.Errorf("%w: %s", ErrNoSuchArticle, id))
	case resp.Code() >= 500:
		c.drop()
		return c.statFailover(ctx, id, full, group,
			fmt.Errorf("%w: %s", ErrServerError, resp.CodeString()))
	default:
		return codec.Header{}, fmt.Errorf("%w: STAT %s: %s", ErrBadResponse, id, resp.CodeString())
	}
}

func (c *Connection) statFailover(ctx context.Context, id string, full bool, group string, cause error) (codec.Header, error) {
	for _, b := range c.backups {
		hdr, err := b.Stat(ctx, id, full, group)
		if err == nil {
			return hdr, nil
		}
	}
	return codec.Header{}, cause
}

// Get fetches an article by Message-ID through the decoder chain and
// returns it with the decoded contents attached. workDir receives the
// decoded payload files. A miss or server error falls through the backups.
func (c *Connection) Get(ctx context.Context, id, workDir, group string) (*article.Article, error) {
	if !c.connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}
	if group != "" && c.cfg.JoinGroup && group != c.group {
		if _, _, _, err := c.Group(ctx, group); err != nil {
			return nil, err
		}
	}
	if workDir == "" {
		workDir = c.workDir
	}

	id = bracketMsgID(id)
	cmd := "ARTICLE "
	decoders := []codec.Decoder{codec.NewHeaderDecoder()}
	// a configured encoding pins the body decoder; default tries both
	switch strings.ToLower(c.cfg.Encoding) {
	case "yenc":
		decoders = append(decoders, codec.NewYencDecoder(workDir))
	case "uu", "uuencode":
		decoders = append(decoders, codec.NewUUDecoder(workDir))
	default:
		decoders = append(decoders, codec.NewYencDecoder(workDir), codec.NewUUDecoder(workDir))
	}
	if c.cfg.UseBody {
		cmd = "BODY "
		decoders = decoders[1:]
	}

	resp, err := c.command(cmd+id, decoders, false)
	if err != nil {
		return c.getFailover(ctx, id, workDir, group, err)
	}

	switch {
	case resp.Code() == 220 || resp.Code() == 222:
		a := article.New("", "")
		if group != "" {
			a.Groups = []string{group}
		}
		if err := a.Load(resp); err != nil {
			return nil, err
		}
		if a.MessageID == "" {
			a.MessageID = id
		}
		return a, nil
	case resp.Code() == 423 || resp.Code() == 430:
		resp.Release()
		return c.getFailover(ctx, id, workDir, group,
			fmt.Errorf("%w: %s", ErrNoSuchArticle, id))
	case resp.Code() >= 500:
		resp.Release()
		c.drop()
		return c.getFailover(ctx, id, workDir, group,
			fmt.Errorf("%w: %s", ErrServerError, resp.CodeString()))
	default:
		resp.Release()
		return nil, fmt.Errorf("%w: %s%s: %s", ErrBadResponse, cmd, id, resp.CodeString())
	}
}

func (c *Connection) getFailover(ctx context.Context, id, workDir, group string, cause error) (*article.Article, error) {
	for _, b := range c.backups {
		a, err := b.Get(ctx, id, workDir, group)
		if err == nil {
			return a, nil
		}
	}
	return nil, cause
}

// Post submits an article: POST, wait for 340, stream the dot-stuffed
// serialized form, read the final verdict.
func (c *Connection) Post(ctx context.Context, a *article.Article) (*Response, error) {
	if !c.connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.command("POST", nil, true)
	if err != nil {
		return nil, err
	}
	if resp.Code() == 440 {
		return resp, fmt.Errorf("%w: %s", ErrPostRejected, resp.CodeString())
	}
	if resp.Code() != 340 {
		return resp, fmt.Errorf("%w: POST: %s", ErrBadResponse, resp.CodeString())
	}

	payload := dotStuff(a.String())
	if err := c.sock.Write([]byte(payload)); err != nil {
		c.drop()
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	final, err := c.readResponse(nil, true)
	if err != nil {
		return nil, err
	}
	if final.Code() != 240 {
		return final, fmt.Errorf("%w: %s", ErrPostRejected, final.CodeString())
	}
	return final, nil
}

// dotStuff normalizes line endings to CRLF, doubles leading dots and
// appends the lone dot terminator.
func dotStuff(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/64 + 8)

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	// a trailing newline produces one empty trailing element; drop it so the
	// terminator is not preceded by a blank line the poster never wrote
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			b.WriteByte('.')
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	return b.String()
}

func bracketMsgID(id string) string {
	if id == "" {
		return id
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}
	return id
}
