package view

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/javanhut/Ivaldi-graph/internal/ident"
)

// prefetchWorkers bounds the concurrent FetchRevisions calls of one Prefetch.
const prefetchWorkers = 4

// Prefetch loads id and the objects it references, breadth first up to depth levels, into the
// shared revision cache. It never fails: errors are logged and the walk stops at that level.
func (v *View) Prefetch(ctx context.Context, id ident.ID, depth int) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	point := v.point
	log := v.log
	v.mu.Unlock()

	seen := map[ident.ID]bool{id: true}
	frontier := []ident.ID{id}
	for level := 0; level <= depth && len(frontier) > 0; level++ {
		var (
			mu   sync.Mutex
			next []ident.ID
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(prefetchWorkers)
		for start := 0; start < len(frontier); start += v.opts.PrefetchChunk {
			end := start + v.opts.PrefetchChunk
			if end > len(frontier) {
				end = len(frontier)
			}
			chunk := frontier[start:end]
			g.Go(func() error {
				revs, err := v.repo.FetchRevisions(gctx, chunk, point, 0)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				for _, r := range revs {
					v.revs.Put(r)
					for _, ref := range r.References() {
						if ref.IsPersistent() && !seen[ref] {
							seen[ref] = true
							next = append(next, ref)
						}
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.WithError(err).WithField("level", level).Warn("prefetch")
			return
		}
		frontier = next
	}
	log.WithField("objects", len(seen)).Debug("prefetched")
}
