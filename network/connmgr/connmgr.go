// Package connmgr bounds concurrent block transfers and governs bandwidth
// over a sliding time window.
package connmgr

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultWindow is the bandwidth accounting window.
const DefaultWindow = time.Second

// Config sizes a Manager.
type Config struct {
	MaxConnections int
	Window         time.Duration
}

type queued struct {
	work     func()
	dequeued bool
}

// Manager hands out transfer slots and tracks bytes moved per window.
type Manager struct {
	clk    clock.Clock
	window time.Duration

	mu     sync.Mutex
	max    int
	active int
	queue  *list.List

	sent *slidingWindow
	recv *slidingWindow
}

// New creates a manager. A nil clock uses the wall clock.
func New(cfg Config, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Manager{
		clk:    clk,
		window: cfg.Window,
		max:    cfg.MaxConnections,
		queue:  list.New(),
		sent:   &slidingWindow{},
		recv:   &slidingWindow{},
	}
}

// Window returns the bandwidth accounting window.
func (m *Manager) Window() time.Duration { return m.window }

// TryAcquire takes a slot if one is free.
func (m *Manager) TryAcquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active < m.max {
		m.active++
		return true
	}
	return false
}

// Queue runs work on its own goroutine once it holds a slot, immediately if
// one is free, otherwise in FIFO order as slots are released. work owns the
// slot and must call Release.
func (m *Manager) Queue(work func()) {
	m.enqueue(work)
}

func (m *Manager) enqueue(work func()) *queued {
	m.mu.Lock()
	if m.active < m.max {
		m.active++
		m.mu.Unlock()
		go work()
		return nil
	}
	q := &queued{work: work}
	m.queue.PushBack(q)
	m.mu.Unlock()
	return q
}

// Acquire blocks until a slot is held or ctx ends. On error no slot is held.
func (m *Manager) Acquire(ctx context.Context) error {
	if m.TryAcquire() {
		return nil
	}
	ready := make(chan struct{})
	q := m.enqueue(func() {
		select {
		case ready <- struct{}{}:
		case <-ctx.Done():
			m.Release()
		}
	})
	if q == nil {
		// a slot freed up between TryAcquire and enqueue
		select {
		case <-ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		if !q.dequeued {
			q.dequeued = true
			m.removeLocked(q)
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *Manager) removeLocked(target *queued) {
	for e := m.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*queued) == target {
			m.queue.Remove(e)
			return
		}
	}
}

// Release frees a slot and hands free slots to queued work.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	var run []func()
	for m.active < m.max && m.queue.Len() > 0 {
		q := m.queue.Remove(m.queue.Front()).(*queued)
		if q.dequeued {
			continue
		}
		q.dequeued = true
		m.active++
		run = append(run, q.work)
	}
	m.mu.Unlock()

	for _, work := range run {
		go work()
	}
}

// RecordSent charges bytes against the outbound budget. It returns false,
// recording nothing, when the window would exceed limit. limit <= 0 is unlimited.
func (m *Manager) RecordSent(bytes int, limit int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent.record(m.clk.Now(), m.window, int64(bytes), limit)
}

// RecordReceived is RecordSent for the inbound budget.
func (m *Manager) RecordReceived(bytes int, limit int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recv.record(m.clk.Now(), m.window, int64(bytes), limit)
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Active   int   `json:"active"`
	Queued   int   `json:"queued"`
	Max      int   `json:"max"`
	BytesIn  int64 `json:"bytes_in_window"`
	BytesOut int64 `json:"bytes_out_window"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	m.sent.evict(now, m.window)
	m.recv.evict(now, m.window)
	return Stats{
		Active:   m.active,
		Queued:   m.queue.Len(),
		Max:      m.max,
		BytesIn:  m.recv.total,
		BytesOut: m.sent.total,
	}
}
