package timeline

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/airlog-audio/airlog/internal/observe"
	"github.com/airlog-audio/airlog/pkg/streamlog"
)

// View is one materialized snapshot of the index: time-windowed at
// ingestion, deduplicated by start offset, ordered by timestamp descending.
// Snapshots are deep copies; consumers may hold them as long as they like.
type View []*SessionRecord

// DefaultWindow keeps the timeline to the last two days of sessions.
const DefaultWindow = 48 * time.Hour

// Index folds the metadata change stream of one channel into a sequence of
// [View] snapshots. It is single-owner: one Build call consumes one record
// sequence, and the emitted views are the only way state leaves the index.
type Index struct {
	partition int
	window    time.Duration
	now       func() time.Time
	metrics   *observe.Metrics

	byStart map[int64]*SessionRecord
}

// IndexOption configures an [Index].
type IndexOption func(*Index)

// WithClock overrides the wall clock consulted for the ingestion window.
func WithClock(now func() time.Time) IndexOption {
	return func(ix *Index) { ix.now = now }
}

// WithMetrics reports accepted upserts to m.
func WithMetrics(m *observe.Metrics) IndexOption {
	return func(ix *Index) { ix.metrics = m }
}

// NewIndex builds an index that accepts records from one partition of the
// metadata topic and admits only sessions younger than window. A window of
// zero or less means DefaultWindow.
func NewIndex(partition int, window time.Duration, opts ...IndexOption) *Index {
	ix := &Index{
		partition: partition,
		window:    window,
		now:       time.Now,
		byStart:   make(map[int64]*SessionRecord),
	}
	if ix.window <= 0 {
		ix.window = DefaultWindow
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// Build consumes records until the sequence or ctx ends, emitting a new
// snapshot after every accepted upsert. An empty snapshot is emitted first,
// before any record arrives, so downstream can tell "confirmed empty" from
// "still loading". The returned channel closes when consumption stops.
//
// The time window applies at ingestion only: a record older than the window
// is discarded on arrival, but entries already indexed are never evicted.
// Window changes take effect by replaying the compacted feed into a fresh
// index, not by filtering an existing one.
func (ix *Index) Build(ctx context.Context, records <-chan streamlog.Record) <-chan View {
	views := make(chan View, 1)

	go func() {
		defer close(views)

		if !ix.emit(ctx, views) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-records:
				if !ok {
					return
				}
				if !ix.ingest(rec) {
					continue
				}
				if ix.metrics != nil {
					ix.metrics.TimelineUpserts.Add(ctx, 1)
				}
				if !ix.emit(ctx, views) {
					return
				}
			}
		}
	}()

	return views
}

// ingest applies one record, reporting whether the index changed.
func (ix *Index) ingest(rec streamlog.Record) bool {
	if rec.Partition != ix.partition {
		return false
	}
	sr, err := ParseSessionRecord(rec.Value)
	if err != nil {
		slog.Warn("timeline: skipping record", "topic", rec.Topic, "offset", rec.Offset, "err", err)
		return false
	}
	cutoff := ix.now().Add(-ix.window).UnixMilli()
	if sr.Timestamp < cutoff {
		return false
	}
	// Later records fully replace earlier ones: reaction updates arrive as
	// whole recomputed records, never as deltas to merge.
	ix.byStart[sr.StartOffset] = sr
	return true
}

func (ix *Index) emit(ctx context.Context, views chan<- View) bool {
	select {
	case views <- ix.snapshot():
		return true
	case <-ctx.Done():
		return false
	}
}

func (ix *Index) snapshot() View {
	out := make(View, 0, len(ix.byStart))
	for _, sr := range ix.byStart {
		out = append(out, sr.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].StartOffset > out[j].StartOffset
	})
	return out
}
