// Package manager runs the worker pool: a shared FIFO of Requests executed
// by workers, each bound 1:1 to an NNTP connection. Workers spawn lazily up
// to the configured thread count.
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/newsreap/newsreap/internal/config"
	"github.com/newsreap/newsreap/internal/logger"
	"github.com/newsreap/newsreap/internal/nntp"
)

// ErrClosed is returned for requests submitted to or drained by a closed
// manager.
var ErrClosed = errors.New("manager closed")

type worker struct {
	id   int
	conn *nntp.Connection
}

// Manager owns the request queue and the worker pool.
type Manager struct {
	servers []config.ServerConfig
	threads int
	workDir string
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	q *queue

	mu        sync.Mutex
	workers   []*worker
	available int
	closed    bool

	wg sync.WaitGroup
}

// New builds a manager over the configured servers. Workers are not
// started until the first request arrives.
func New(cfg *config.Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	servers := append([]config.ServerConfig(nil), cfg.Servers...)
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].Priority < servers[j].Priority
	})

	threads := cfg.Processing.Threads
	if threads <= 0 {
		threads = 1
	}

	// a configured ramdisk takes decoded payloads instead of work_dir
	workDir := cfg.Global.WorkDir
	if cfg.Processing.Ramdisk != "" {
		workDir = cfg.Processing.Ramdisk
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		servers: servers,
		threads: threads,
		workDir: workDir,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		q:       newQueue(),
	}
}

// Put enqueues a request, spawning a worker first when none is idle and
// the pool has headroom. The request is returned for non-blocking use.
func (m *Manager) Put(req *Request) *Request {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		req.Cancel()
		return req
	}
	if m.available == 0 && len(m.workers) < m.threads {
		m.spawnLocked()
	}
	m.mu.Unlock()

	if !m.q.Put(req) {
		req.Cancel()
	}
	return req
}

// GrowTo spawns workers until the pool holds min(n, threads) of them. Used
// before fanning a segmented fetch or post out.
func (m *Manager) GrowTo(n int) {
	if n > m.threads {
		n = m.threads
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for len(m.workers) < n {
		m.spawnLocked()
	}
}

func (m *Manager) spawnLocked() {
	id := len(m.workers)
	srv := m.servers[id%len(m.servers)]
	w := &worker{id: id, conn: nntp.New(srv, m.workDir, m.log)}
	m.workers = append(m.workers, w)
	m.available++
	m.wg.Add(1)
	go m.runWorker(w)
	m.log.Debug("spawned worker %d for %s", id, srv.Addr())
}

func (m *Manager) runWorker(w *worker) {
	defer m.wg.Done()
	for {
		req, ok := m.q.Get()
		if !ok {
			break
		}
		m.mu.Lock()
		m.available--
		m.mu.Unlock()

		m.execute(w, req)

		m.mu.Lock()
		m.available++
		m.mu.Unlock()
	}
	w.conn.Close()
}

func (m *Manager) execute(w *worker, req *Request) {
	if req.IsCancelled() {
		req.finish()
		return
	}
	req.Started = time.Now()
	for _, act := range req.actions {
		val, err := act(m.ctx, w.conn)
		req.record(Result{Value: val, Err: err})
		if err != nil {
			break
		}
	}
	if req.IsCancelled() {
		// finished on the wire, but nobody wants it anymore
		req.discard()
	}
	req.finish()
}

// Stats reports pool occupancy for the status surface.
func (m *Manager) Stats() (total, available, queued int) {
	m.mu.Lock()
	total = len(m.workers)
	available = m.available
	m.mu.Unlock()
	return total, available, m.q.Len()
}

// Close drains the queue (cancelling pending requests), unblocks and joins
// every worker, and closes the pooled connections.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	for _, r := range m.q.Close() {
		r.Cancel()
	}
	m.wg.Wait()
	m.cancel()
}
