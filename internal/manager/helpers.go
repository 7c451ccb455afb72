package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newsreap/newsreap/internal/article"
	"github.com/newsreap/newsreap/internal/codec"
	"github.com/newsreap/newsreap/internal/nntp"
)

// GroupStatus is the parsed outcome of a GROUP command.
type GroupStatus struct {
	Name  string
	Count int64
	Low   int64
	High  int64
}

// do submits a single-action request and waits for its result.
func (m *Manager) do(act Action) (any, error) {
	req := m.Put(NewRequest(act))
	if err := req.Wait(m.ctx); err != nil {
		return nil, err
	}
	rs := req.Responses()
	if len(rs) == 0 {
		return nil, ErrClosed
	}
	return rs[0].Value, rs[0].Err
}

// Group selects a newsgroup on a pooled connection.
func (m *Manager) Group(name string) (GroupStatus, error) {
	v, err := m.do(func(ctx context.Context, c *nntp.Connection) (any, error) {
		count, low, high, err := c.Group(ctx, name)
		if err != nil {
			return nil, err
		}
		return GroupStatus{Name: name, Count: count, Low: low, High: high}, nil
	})
	if err != nil {
		return GroupStatus{}, err
	}
	return v.(GroupStatus), nil
}

// Groups lists newsgroups, filtered and optionally served from the
// connection's cached LIST ACTIVE.
func (m *Manager) Groups(filters []string, lazy bool) ([]codec.GroupInfo, error) {
	v, err := m.do(func(ctx context.Context, c *nntp.Connection) (any, error) {
		return c.Groups(ctx, filters, lazy)
	})
	if err != nil {
		return nil, err
	}
	return v.([]codec.GroupInfo), nil
}

// Stat checks an article's presence; full requests the HEAD block.
func (m *Manager) Stat(id string, full bool, group string) (codec.Header, error) {
	v, err := m.do(func(ctx context.Context, c *nntp.Connection) (any, error) {
		return c.Stat(ctx, id, full, group)
	})
	if err != nil {
		return codec.Header{}, err
	}
	return v.(codec.Header), nil
}

// Xover fetches overview records for an article range.
func (m *Manager) Xover(group string, start, end int64, policy codec.OverviewSort) ([]codec.Overview, error) {
	v, err := m.do(func(ctx context.Context, c *nntp.Connection) (any, error) {
		return c.Xover(ctx, group, start, end, policy)
	})
	if err != nil {
		return nil, err
	}
	return v.([]codec.Overview), nil
}

// SeekByDate locates the first article posted at or after ref.
func (m *Manager) SeekByDate(ref time.Time, group string) (int64, error) {
	v, err := m.do(func(ctx context.Context, c *nntp.Connection) (any, error) {
		return c.SeekByDate(ctx, ref, group)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Get fetches by whatever x is: a Message-ID string, an *article.Article,
// an *article.SegmentedPost or an *article.NZB. The non-string forms are
// loaded in place and the same value is returned.
func (m *Manager) Get(x any, workDir, group string) (any, error) {
	switch v := x.(type) {
	case string:
		return m.GetID(v, workDir, group)
	case *article.Article:
		return v, m.GetArticle(v, workDir, group)
	case *article.SegmentedPost:
		return v, m.GetPost(v, workDir)
	case *article.NZB:
		return v, m.GetNZB(v, workDir)
	default:
		return nil, fmt.Errorf("manager: cannot fetch %T", x)
	}
}

// GetID fetches one article by Message-ID.
func (m *Manager) GetID(id, workDir, group string) (*article.Article, error) {
	v, err := m.do(func(ctx context.Context, c *nntp.Connection) (any, error) {
		return c.Get(ctx, id, workDir, group)
	})
	if err != nil {
		return nil, err
	}
	return v.(*article.Article), nil
}

// GetArticle fetches an article stub in place.
func (m *Manager) GetArticle(a *article.Article, workDir, group string) error {
	if group == "" && len(a.Groups) > 0 {
		group = a.Groups[0]
	}
	fetched, err := m.GetID(a.MsgID(false), workDir, group)
	if err != nil {
		return err
	}
	return adoptFetched(a, fetched)
}

// GetPost fetches every segment of a post in parallel and loads the
// decoded parts back into their stubs.
func (m *Manager) GetPost(p *article.SegmentedPost, workDir string) error {
	m.GrowTo(len(p.Articles))

	group := ""
	if len(p.Groups) > 0 {
		group = p.Groups[0]
	}

	reqs := make([]*Request, len(p.Articles))
	for i, stub := range p.Articles {
		id := stub.MsgID(false)
		reqs[i] = m.Put(NewRequest(func(ctx context.Context, c *nntp.Connection) (any, error) {
			return c.Get(ctx, id, workDir, group)
		}))
	}

	var errs []error
	for i, req := range reqs {
		stub := p.Articles[i]
		if err := req.Wait(m.ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		rs := req.Responses()
		if len(rs) == 0 {
			errs = append(errs, ErrClosed)
			continue
		}
		if rs[0].Err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", stub.No, rs[0].Err))
			continue
		}
		fetched := rs[0].Value.(*article.Article)
		if fetched.MessageID != stub.MsgID(false) {
			errs = append(errs, fmt.Errorf("segment %d: got %s, wanted %s",
				stub.No, fetched.MessageID, stub.MessageID))
			continue
		}
		if err := adoptFetched(stub, fetched); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetNZB fetches every post of a manifest, growing the pool to
// min(segments, threads) first.
func (m *Manager) GetNZB(n *article.NZB, workDir string) error {
	m.GrowTo(n.Segments())

	var errs []error
	it := n.Iter()
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		if err := m.GetPost(p, workDir); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Filename, err))
		}
	}
	return errors.Join(errs...)
}

// adoptFetched moves a fetched article's header, body and decoded parts
// into the stub the caller handed out.
func adoptFetched(stub, fetched *article.Article) error {
	stub.Header = fetched.Header
	stub.Body = fetched.Body
	if fetched.Subject != "" {
		stub.Subject = fetched.Subject
	}
	if fetched.Poster != "" {
		stub.Poster = fetched.Poster
	}
	if !fetched.IsValid() {
		stub.SetValid(false)
	}
	for _, part := range fetched.Parts() {
		if err := stub.Add(part); err != nil {
			return err
		}
	}
	return nil
}

// Post submits whatever x is: an *article.Article, an
// *article.SegmentedPost or an *article.NZB.
func (m *Manager) Post(x any) error {
	switch v := x.(type) {
	case *article.Article:
		return m.PostArticle(v)
	case *article.SegmentedPost:
		return m.PostSegmented(v)
	case *article.NZB:
		return m.PostNZB(v)
	default:
		return fmt.Errorf("manager: cannot post %T", x)
	}
}

// PostArticle posts one article on a pooled connection.
func (m *Manager) PostArticle(a *article.Article) error {
	_, err := m.do(func(ctx context.Context, c *nntp.Connection) (any, error) {
		return c.Post(ctx, a)
	})
	return err
}

// SubmitPost enqueues a post without waiting. The caller collects the
// request later.
func (m *Manager) SubmitPost(a *article.Article) *Request {
	return m.Put(NewRequest(func(ctx context.Context, c *nntp.Connection) (any, error) {
		return c.Post(ctx, a)
	}))
}

// PostSegmented posts every article of a post in parallel.
func (m *Manager) PostSegmented(p *article.SegmentedPost) error {
	m.GrowTo(len(p.Articles))

	reqs := make([]*Request, len(p.Articles))
	for i, a := range p.Articles {
		reqs[i] = m.SubmitPost(a)
	}

	var errs []error
	for i, req := range reqs {
		if err := req.Wait(m.ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := req.Err(); err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", p.Articles[i].No, err))
		}
	}
	return errors.Join(errs...)
}

// PostNZB posts every file of a manifest.
func (m *Manager) PostNZB(n *article.NZB) error {
	m.GrowTo(n.Segments())

	var errs []error
	it := n.Iter()
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		if err := m.PostSegmented(p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Filename, err))
		}
	}
	return errors.Join(errs...)
}
