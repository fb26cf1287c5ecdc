package repo

import (
	"sync"

	"github.com/javanhut/Ivaldi-graph/internal/locks"
)

// hub fans pushed changes out to subscribers. Each subscriber has an unbounded mailbox drained
// by its own goroutine, so a slow sink never stalls a commit.
type hub struct {
	mu   sync.Mutex
	subs map[string]*mailbox
}

func newHub() *hub { return &hub{subs: make(map[string]*mailbox)} }

type mailbox struct {
	sink   Sink
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func(Sink)
	closed bool
	done   chan struct{}
}

func (h *hub) subscribe(viewID string, sink Sink) func() {
	m := &mailbox{sink: sink, done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.run()

	h.mu.Lock()
	if old := h.subs[viewID]; old != nil {
		old.close()
	}
	h.subs[viewID] = m
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		if h.subs[viewID] == m {
			delete(h.subs, viewID)
		}
		h.mu.Unlock()
		m.close()
	}
}

func (h *hub) publish(b Batch) {
	h.each(func(m *mailbox) { m.post(func(s Sink) { s.Invalidate(b) }) })
}

func (h *hub) lockChanged(n locks.Notification) {
	if len(n.States) == 0 {
		return
	}
	h.each(func(m *mailbox) { m.post(func(s Sink) { s.LockChanged(n) }) })
}

func (h *hub) each(fn func(m *mailbox)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.subs {
		fn(m)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*mailbox)
	h.mu.Unlock()
	for _, m := range subs {
		m.close()
	}
}

func (m *mailbox) post(fn func(Sink)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, fn)
	m.cond.Signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Signal()
	m.mu.Unlock()
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn(m.sink)
	}
}
