// Package postfactory runs the staged posting pipeline: prepare (archive +
// recovery volumes), stage (split, encode, persist), upload, verify, clean.
// Every stage is resumable off the durable staging store next to the
// source.
package postfactory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/newsreap/newsreap/internal/article"
	"github.com/newsreap/newsreap/internal/codec"
	"github.com/newsreap/newsreap/internal/config"
	"github.com/newsreap/newsreap/internal/content"
	"github.com/newsreap/newsreap/internal/logger"
)

// ErrStageVetoed is returned when a pre hook refuses a stage.
var ErrStageVetoed = errors.New("stage vetoed by pre hook")

// ErrIntegrity marks a local chunk whose SHA-1 no longer matches the
// staging store. Fatal for that file's upload.
var ErrIntegrity = errors.New("staged chunk integrity failure")

// Poster is the slice of the connection manager the factory needs.
// Implemented by manager.Manager.
type Poster interface {
	PostArticle(a *article.Article) error
	Stat(id string, full bool, group string) (codec.Header, error)
}

// Stages selects which pipeline stages Run executes. The zero value means
// all of them, in order.
type Stages struct {
	Prepare bool
	Stage   bool
	Upload  bool
	Verify  bool
	Clean   bool
}

func (s Stages) none() bool {
	return !s.Prepare && !s.Stage && !s.Upload && !s.Verify && !s.Clean
}

// Factory drives the staged posting pipeline for one source path.
type Factory struct {
	path string
	cfg  *config.Config
	mgr  Poster
	log  *logger.Logger

	Hooks *HookRegistry

	mu    sync.Mutex
	store *StagedStore
}

// New builds a factory for a source file or directory.
func New(path string, cfg *config.Config, mgr Poster, log *logger.Logger) *Factory {
	if log == nil {
		log = logger.Discard()
	}
	return &Factory{
		path:  path,
		cfg:   cfg,
		mgr:   mgr,
		log:   log,
		Hooks: NewHookRegistry(log),
	}
}

func (f *Factory) nrwsDir() string   { return f.path + ".nrws" }
func (f *Factory) prepDir() string   { return filepath.Join(f.nrwsDir(), "prep") }
func (f *Factory) stagedDir() string { return filepath.Join(f.nrwsDir(), "staged") }
func (f *Factory) dbPath() string    { return filepath.Join(f.nrwsDir(), "staged.db") }
func (f *Factory) nzbPath() string   { return f.path + ".nzb" }

// Store opens the staging store on first use and caches it.
func (f *Factory) Store() (*StagedStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store != nil {
		return f.store, nil
	}
	s, err := OpenStore(f.cfg.Database.Engine, f.dbPath())
	if err != nil {
		return nil, err
	}
	f.store = s
	return s, nil
}

func (f *Factory) closeStore() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store != nil {
		f.store.Close()
		f.store = nil
	}
}

// Run executes the selected stages in pipeline order, each wrapped by its
// pre and post hooks.
func (f *Factory) Run(ctx context.Context, st Stages, groups []string) error {
	if st.none() {
		st = Stages{Prepare: true, Stage: true, Upload: true, Verify: true, Clean: true}
	}

	type step struct {
		name string
		run  func() error
	}
	steps := []step{}
	if st.Prepare {
		steps = append(steps, step{"prepare", func() error {
			return f.Prepare(ctx, f.cfg.Posting.MaxArchiveSize)
		}})
	}
	if st.Stage {
		steps = append(steps, step{"stage", func() error {
			return f.Stage(ctx, groups, f.cfg.Posting.MaxArticleSize,
				f.cfg.Posting.Poster, f.cfg.Posting.Subject)
		}})
	}
	if st.Upload {
		steps = append(steps, step{"upload", func() error {
			return f.Upload(ctx, groups)
		}})
	}
	if st.Verify {
		steps = append(steps, step{"verify", func() error {
			return f.Verify(ctx)
		}})
	}
	if st.Clean {
		steps = append(steps, step{"clean", func() error {
			return f.Clean()
		}})
	}

	for _, s := range steps {
		if err := f.runStage(s.name, s.run); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func (f *Factory) runStage(name string, run func() error) error {
	if !f.Hooks.RunPre(name, f.path) {
		f.Hooks.RunPost(name, f.path, false)
		return ErrStageVetoed
	}
	err := run()
	f.Hooks.RunPost(name, f.path, err == nil)
	return err
}

// Prepare archives the source into split rar volumes plus par2 recovery
// files under prep/. Any failure removes prep/ entirely.
func (f *Factory) Prepare(ctx context.Context, archiveSize string) error {
	ar, err := newArchiver()
	if err != nil {
		return err
	}

	total, err := pathSize(f.path)
	if err != nil {
		return err
	}
	var vol int64
	if archiveSize == "" || strings.EqualFold(archiveSize, "auto") {
		vol = DetectSplitSize(total)
	} else if vol, err = ParseSize(archiveSize); err != nil {
		return err
	}

	prep := f.prepDir()
	if err := os.MkdirAll(prep, 0755); err != nil {
		return err
	}

	f.log.Info("archiving %s into %d byte volumes", f.path, vol)
	if err := ar.Archive(ctx, f.path, prep, vol); err != nil {
		os.RemoveAll(prep)
		return err
	}
	if err := ar.Recovery(ctx, prep); err != nil {
		os.RemoveAll(prep)
		return err
	}
	return nil
}

// Stage walks prep/ in sorted order, splits each file into chunks of at
// most splitSize bytes, encodes each chunk to yEnc text under staged/, and
// persists one StagedArticle row per chunk.
func (f *Factory) Stage(ctx context.Context, groups []string, splitSize int64, poster, subject string) error {
	if splitSize <= 0 {
		splitSize = 768 * 1024
	}
	store, err := f.Store()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.stagedDir(), 0755); err != nil {
		return err
	}

	entries, err := os.ReadDir(f.prepDir())
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	batch := ksuid.New().String()
	f.log.Info("staging %d files (batch %s)", len(files), batch)

	for sortNo, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(f.prepDir(), name)
		post, err := article.NewSegmentedPost(src, subject, poster, groups...)
		if err != nil {
			return err
		}
		post.SortNo = sortNo
		if err := post.Split(f.stagedDir(), splitSize); err != nil {
			return err
		}
		if err := post.Encode(); err != nil {
			post.Release()
			return err
		}
		post.ApplyTemplate()

		for _, a := range post.Articles {
			staged := filepath.Join(f.stagedDir(),
				fmt.Sprintf("%05d.%05d.yenc", sortNo, a.No))
			if err := os.WriteFile(staged, []byte(a.Body), 0644); err != nil {
				return err
			}
			sum, err := content.FromFile(staged).SHA1()
			if err != nil {
				return err
			}
			info, err := os.Stat(staged)
			if err != nil {
				return err
			}

			row := &StagedArticle{
				MessageID:  a.MsgID(false),
				LocalFile:  staged,
				RemoteFile: post.Filename,
				Subject:    a.Subject,
				Poster:     a.Poster,
				Size:       info.Size(),
				SHA1:       sum,
				SequenceNo: a.No,
				SortNo:     sortNo,
				BatchID:    batch,
				Groups:     groups,
				Header:     a.Header.Clone(),
			}
			if err := store.Insert(row); err != nil {
				return err
			}
		}
		post.Release()
	}
	return nil
}

// Upload posts every staged row that has not been posted yet, in
// (sort_no, sequence_no) order. Each row's chunk is integrity-checked
// against its stored SHA-1; a mismatch aborts the rest of that file.
// Message-ID collisions found via STAT get a regenerated ID. After the
// posts finish, the NZB manifest is saved next to the source.
func (f *Factory) Upload(ctx context.Context, defaultGroups []string) error {
	store, err := f.Store()
	if err != nil {
		return err
	}
	rows, err := store.All()
	if err != nil {
		return err
	}

	type job struct {
		row *StagedArticle
		a   *article.Article
	}
	var (
		jobs     []job
		errs     []error
		skipSort = map[int]bool{}
	)

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if row.PostedDate != nil || skipSort[row.SortNo] {
			continue
		}

		sum, err := content.FromFile(row.LocalFile).SHA1()
		if err != nil || sum != row.SHA1 {
			skipSort[row.SortNo] = true
			errs = append(errs, fmt.Errorf("%w: %s (segment %d of %s)",
				ErrIntegrity, row.LocalFile, row.SequenceNo, row.RemoteFile))
			continue
		}

		groups := row.Groups
		if len(groups) == 0 {
			groups = defaultGroups
		}

		// one collision probe per row
		if _, err := f.mgr.Stat(row.MessageID, false, firstOf(groups)); err == nil {
			stub := article.New(row.Subject, row.Poster)
			stub.No = row.SequenceNo
			newID := stub.MsgID(true)
			f.log.Warn("message-id collision for %s, renamed to %s", row.MessageID, newID)
			if err := store.Rename(row.MessageID, newID); err != nil {
				return err
			}
			row.MessageID = newID
		}

		body, err := os.ReadFile(row.LocalFile)
		if err != nil {
			return err
		}
		a := article.New(row.Subject, row.Poster, groups...)
		a.No = row.SequenceNo
		a.MessageID = row.MessageID
		a.Body = string(body)
		a.Header = row.Header.Clone()
		a.Header.Set("Subject", row.Subject)
		a.Header.Set("From", row.Poster)
		a.Header.Set("Newsgroups", strings.Join(groups, ","))
		a.Header.Set("Message-Id", row.MessageID)

		jobs = append(jobs, job{row: row, a: a})
	}

	// fan the posts out over the pool, bounded by the thread count
	threads := f.cfg.Processing.Threads
	if threads <= 0 {
		threads = 1
	}
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		posted []string
		sem    = make(chan struct{}, threads)
	)
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := f.mgr.PostArticle(j.a); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("post %s: %w", j.row.MessageID, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			posted = append(posted, j.row.MessageID)
			mu.Unlock()
		}(j)
	}
	wg.Wait()

	// single writer: commit the posted timestamps in one pass
	now := time.Now().UTC()
	for _, id := range posted {
		if err := store.MarkPosted(id, now); err != nil {
			errs = append(errs, err)
		}
	}

	if err := f.saveNZB(store); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// saveNZB writes the manifest of every posted row next to the source.
func (f *Factory) saveNZB(store *StagedStore) error {
	rows, err := store.All()
	if err != nil {
		return err
	}

	bySort := map[int]*article.SegmentedPost{}
	var order []int
	for _, row := range rows {
		if row.PostedDate == nil {
			continue
		}
		post, ok := bySort[row.SortNo]
		if !ok {
			post = article.NewManifestPost(row.RemoteFile, row.Subject, row.Poster, row.Groups)
			post.SortNo = row.SortNo
			bySort[row.SortNo] = post
			order = append(order, row.SortNo)
		}
		// the file's manifest date is when its last article went out
		if row.PostedDate.After(post.Posted) {
			post.Posted = row.PostedDate.UTC()
		}
		a := article.New(row.Subject, row.Poster, row.Groups...)
		a.No = row.SequenceNo
		a.Bytes = row.Size
		a.MessageID = row.MessageID
		post.Articles = append(post.Articles, a)
		post.TotalSize += row.Size
	}
	if len(order) == 0 {
		return nil
	}
	sort.Ints(order)

	n := &article.NZB{}
	for _, s := range order {
		n.Posts = append(n.Posts, bySort[s])
	}
	return n.Save(f.nzbPath())
}

// Verify HEADs every posted-but-unverified row in the first group it was
// posted to and records the verification time on a parsed header answer.
func (f *Factory) Verify(ctx context.Context) error {
	store, err := f.Store()
	if err != nil {
		return err
	}
	rows, err := store.All()
	if err != nil {
		return err
	}

	var errs []error
	now := time.Now().UTC()
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if row.PostedDate == nil || row.VerifiedDate != nil {
			continue
		}
		hdr, err := f.mgr.Stat(row.MessageID, true, firstOf(row.Groups))
		if err != nil {
			errs = append(errs, fmt.Errorf("verify %s: %w", row.MessageID, err))
			continue
		}
		if hdr.Len() == 0 {
			errs = append(errs, fmt.Errorf("verify %s: empty header", row.MessageID))
			continue
		}
		if err := store.MarkVerified(row.MessageID, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clean removes the whole staging area.
func (f *Factory) Clean() error {
	f.closeStore()
	return os.RemoveAll(f.nrwsDir())
}

func firstOf(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	return groups[0]
}

// pathSize sums the bytes under a file or directory.
func pathSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}
