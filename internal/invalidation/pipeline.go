// Package invalidation delivers batches of remote changes to a view in timestamp order.
//
// Each view owns one Pipeline: a bounded queue drained by a single worker goroutine. Batches
// that arrive out of order are re-ordered in a small heap; a batch whose timestamp is not newer
// than the last applied one is a redelivery and is dropped.
package invalidation

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/javanhut/Ivaldi-graph/internal/gerrors"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
)

// DefaultQueueSize bounds the number of undelivered batches per view.
const DefaultQueueSize = 64

// Batch is the set of changes committed by one transaction.
type Batch struct {
	Branch    string
	Timestamp int64
	// Author is the id of the committing view.
	Author   string
	Changed  []revision.Key
	Detached []ident.ID
	// Deltas holds, for some changed objects, the delta from their previous revision.
	Deltas map[ident.ID]*revision.Delta
}

func (b Batch) String() string {
	return fmt.Sprintf("batch %s@%d by %s (%d changed, %d detached)",
		b.Branch, b.Timestamp, b.Author, len(b.Changed), len(b.Detached))
}

// Applier processes batches. ApplyBatch is called from the pipeline worker only, strictly in
// timestamp order.
type Applier interface {
	ApplyBatch(b Batch)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(Batch)

func (f ApplierFunc) ApplyBatch(b Batch) { f(b) }

// Pipeline is the per-view invalidation queue.
type Pipeline struct {
	in      chan Batch
	applier Applier
	log     *logrus.Entry

	last    atomic.Int64
	applied atomic.Uint64
	dropped atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New starts a pipeline delivering to applier. start is the timestamp the view is already
// consistent with.
func New(applier Applier, queueSize int, start int64, log *logrus.Entry) *Pipeline {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pipeline{
		in:      make(chan Batch, queueSize),
		applier: applier,
		log:     log.WithField("component", "invalidation"),
		stop:    make(chan struct{}),
	}
	p.last.Store(start)
	p.wg.Add(1)
	go p.run()
	return p
}

// Push enqueues b, blocking while the queue is full.
func (p *Pipeline) Push(ctx context.Context, b Batch) error {
	select {
	case <-p.stop:
		return gerrors.ErrViewClosed.New("invalidation pipeline")
	default:
	}
	select {
	case p.in <- b:
		return nil
	case <-p.stop:
		return gerrors.ErrViewClosed.New("invalidation pipeline")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastApplied returns the timestamp of the newest applied batch.
func (p *Pipeline) LastApplied() int64 { return p.last.Load() }

// Stats returns the number of applied and dropped batches.
func (p *Pipeline) Stats() (applied, dropped uint64) { return p.applied.Load(), p.dropped.Load() }

// Close stops the worker. Queued batches are discarded. Close waits for a batch being applied
// to finish, so it must not be called from inside ApplyBatch.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	var pending batchHeap
	for {
		select {
		case <-p.stop:
			return
		case b := <-p.in:
			heap.Push(&pending, b)
		}
		// Collect whatever else is already queued so it can be re-ordered.
	drain:
		for {
			select {
			case b := <-p.in:
				heap.Push(&pending, b)
			default:
				break drain
			}
		}
		for pending.Len() > 0 {
			select {
			case <-p.stop:
				return
			default:
			}
			b := heap.Pop(&pending).(Batch)
			if b.Timestamp <= p.last.Load() {
				p.dropped.Add(1)
				p.log.WithField("timestamp", b.Timestamp).Debug("dropping redelivered batch")
				continue
			}
			p.applier.ApplyBatch(b)
			p.last.Store(b.Timestamp)
			p.applied.Add(1)
		}
	}
}

type batchHeap []Batch

func (h batchHeap) Len() int            { return len(h) }
func (h batchHeap) Less(i, j int) bool  { return h[i].Timestamp < h[j].Timestamp }
func (h batchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *batchHeap) Push(x interface{}) { *h = append(*h, x.(Batch)) }

func (h *batchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	b := old[n-1]
	*h = old[:n-1]
	return b
}
