package view

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("ivaldi.view")
	meter  = otel.Meter("ivaldi.view")
)

var (
	revisionHits   metric.Int64Counter
	revisionMisses metric.Int64Counter
	revisionLoads  metric.Float64Histogram
	commits        metric.Int64Counter
	rollbacks      metric.Int64Counter
	conflicts      metric.Int64Counter
	invalidations  metric.Int64Counter
	lockRequests   metric.Int64Counter
	lockWait       metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments on first use.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		counters := []struct {
			dst  *metric.Int64Counter
			name string
			desc string
		}{
			{&revisionHits, "view_revision_cache_hits_total", "Revisions served from the shared revision cache"},
			{&revisionMisses, "view_revision_cache_misses_total", "Revisions fetched from the repository"},
			{&commits, "view_commits_total", "Commit attempts by outcome"},
			{&rollbacks, "view_rollbacks_total", "Transactions rolled back"},
			{&conflicts, "view_conflicts_total", "Local changes overtaken by remote commits"},
			{&invalidations, "view_invalidations_total", "Handles invalidated by remote commits"},
			{&lockRequests, "view_lock_requests_total", "Lock requests sent to the repository"},
		}
		for _, c := range counters {
			*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
			if err != nil {
				metricsErr = err
				return
			}
		}
		revisionLoads, err = meter.Float64Histogram(
			"view_revision_load_duration_seconds",
			metric.WithDescription("Duration of revision loads from the repository"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		lockWait, err = meter.Float64Histogram(
			"view_lock_wait_duration_seconds",
			metric.WithDescription("Time spent waiting for lock requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordCacheHit(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	revisionHits.Add(ctx, 1)
}

func recordCacheMiss(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	revisionMisses.Add(ctx, 1)
}

func recordLoad(ctx context.Context, d time.Duration, found bool) {
	if err := initMetrics(); err != nil {
		return
	}
	revisionLoads.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("found", found)))
}

func recordCommit(ctx context.Context, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	commits.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordRollback(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	rollbacks.Add(ctx, 1)
}

func recordConflict(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	conflicts.Add(ctx, 1)
}

func recordInvalidation(ctx context.Context, to string) {
	if err := initMetrics(); err != nil {
		return
	}
	invalidations.Add(ctx, 1, metric.WithAttributes(attribute.String("state", to)))
}

func recordLockRequest(ctx context.Context, typ string, granted bool, wait time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", typ), attribute.Bool("granted", granted))
	lockRequests.Add(ctx, 1, attrs)
	lockWait.Record(ctx, wait.Seconds(), attrs)
}
