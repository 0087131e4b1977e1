package timeline

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/airlog-audio/airlog/internal/observe"
	"github.com/airlog-audio/airlog/pkg/streamlog"
)

var indexNow = time.UnixMilli(1756300000000)

func fixedClock() time.Time { return indexNow }

func metaRecord(t *testing.T, partition int, sr *SessionRecord) streamlog.Record {
	t.Helper()
	value, err := sr.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return streamlog.Record{
		Topic:     "ch.meta",
		Partition: partition,
		Key:       []byte(sr.Key()),
		Value:     value,
	}
}

func session(userID string, start int64, age time.Duration) *SessionRecord {
	return NewSessionRecord(userID, 0, start, start+9, indexNow.Add(-age))
}

// nextView reads one snapshot or fails the test.
func nextView(t *testing.T, views <-chan View) View {
	t.Helper()
	select {
	case v, ok := <-views:
		if !ok {
			t.Fatal("view channel closed early")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("no view emitted")
	}
	return nil
}

func TestIndex_EmitsInitialEmptySnapshot(t *testing.T) {
	t.Parallel()

	records := make(chan streamlog.Record)
	views := NewIndex(0, time.Hour, WithClock(fixedClock)).Build(context.Background(), records)

	v := nextView(t, views)
	if len(v) != 0 {
		t.Errorf("initial snapshot has %d entries, want 0", len(v))
	}

	close(records)
	if _, open := <-views; open {
		t.Error("view channel still open after input closed")
	}
}

func TestIndex_SortsByTimestampDescending(t *testing.T) {
	t.Parallel()

	records := make(chan streamlog.Record, 3)
	records <- metaRecord(t, 0, session("a", 100, 30*time.Minute))
	records <- metaRecord(t, 0, session("b", 200, 10*time.Minute))
	records <- metaRecord(t, 0, session("c", 300, 20*time.Minute))
	close(records)

	views := NewIndex(0, time.Hour, WithClock(fixedClock)).Build(context.Background(), records)
	nextView(t, views) // initial empty
	nextView(t, views)
	nextView(t, views)
	v := nextView(t, views)

	if len(v) != 3 {
		t.Fatalf("snapshot has %d entries, want 3", len(v))
	}
	for i, want := range []string{"b", "c", "a"} {
		if v[i].UserID != want {
			t.Errorf("position %d holds %q, want %q (newest first)", i, v[i].UserID, want)
		}
	}
}

func TestIndex_FiltersForeignPartitions(t *testing.T) {
	t.Parallel()

	records := make(chan streamlog.Record, 2)
	records <- metaRecord(t, 1, session("other", 100, time.Minute))
	records <- metaRecord(t, 0, session("mine", 200, time.Minute))
	close(records)

	views := NewIndex(0, time.Hour, WithClock(fixedClock)).Build(context.Background(), records)
	nextView(t, views)
	v := nextView(t, views)

	if len(v) != 1 || v[0].UserID != "mine" {
		t.Errorf("snapshot = %v, want only the record from partition 0", v)
	}
}

func TestIndex_WindowAppliesAtIngestionOnly(t *testing.T) {
	t.Parallel()

	ix := NewIndex(0, time.Hour, WithClock(fixedClock))

	records := make(chan streamlog.Record, 2)
	records <- metaRecord(t, 0, session("fresh", 100, 30*time.Minute))
	records <- metaRecord(t, 0, session("stale", 200, 2*time.Hour))
	close(records)

	views := ix.Build(context.Background(), records)
	nextView(t, views)
	v := nextView(t, views)
	if len(v) != 1 || v[0].UserID != "fresh" {
		t.Fatalf("snapshot = %v, want only the in-window record", v)
	}

	// The stale record produced no upsert, so no further snapshot follows.
	if extra, open := <-views; open {
		t.Errorf("unexpected snapshot %v for out-of-window record", extra)
	}
}

func TestIndex_UpsertReplacesByStartOffset(t *testing.T) {
	t.Parallel()

	original := session("alice", 100, 30*time.Minute)
	updated := original.ToggleReaction("👍", "bob")

	records := make(chan streamlog.Record, 2)
	records <- metaRecord(t, 0, original)
	records <- metaRecord(t, 0, updated)
	close(records)

	views := NewIndex(0, time.Hour, WithClock(fixedClock)).Build(context.Background(), records)
	nextView(t, views)
	nextView(t, views)
	v := nextView(t, views)

	if len(v) != 1 {
		t.Fatalf("snapshot has %d entries, want 1 (same start offset upserts)", len(v))
	}
	if !v[0].ReactedBy("👍", "bob") {
		t.Error("later record did not replace the earlier one")
	}
}

func TestIndex_ReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	sr := session("alice", 100, 30*time.Minute)
	records := make(chan streamlog.Record, 2)
	records <- metaRecord(t, 0, sr)
	records <- metaRecord(t, 0, sr)
	close(records)

	views := NewIndex(0, time.Hour, WithClock(fixedClock)).Build(context.Background(), records)
	nextView(t, views)
	first := nextView(t, views)
	second := nextView(t, views)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("snapshots %v / %v, want one entry each", first, second)
	}
	if first[0].Key() != second[0].Key() || first[0].Timestamp != second[0].Timestamp {
		t.Error("identical replay changed the view")
	}
}

func TestIndex_SkipsMalformedValues(t *testing.T) {
	t.Parallel()

	records := make(chan streamlog.Record, 2)
	records <- streamlog.Record{Topic: "ch.meta", Partition: 0, Value: []byte("not json")}
	records <- metaRecord(t, 0, session("alice", 100, time.Minute))
	close(records)

	views := NewIndex(0, time.Hour, WithClock(fixedClock)).Build(context.Background(), records)
	nextView(t, views)
	v := nextView(t, views)
	if len(v) != 1 || v[0].UserID != "alice" {
		t.Errorf("snapshot = %v, want the valid record only", v)
	}
}

func TestIndex_SnapshotsDoNotAliasIndexState(t *testing.T) {
	t.Parallel()

	sr := session("alice", 100, time.Minute).ToggleReaction("👍", "bob")
	records := make(chan streamlog.Record, 1)
	records <- metaRecord(t, 0, sr)

	views := NewIndex(0, time.Hour, WithClock(fixedClock)).Build(context.Background(), records)
	nextView(t, views)
	v := nextView(t, views)

	// Mutating the handed-out snapshot must not leak into later ones.
	v[0].Reactions["👍"][0] = "mallory"
	v[0].UserID = "mallory"

	// Upsert an unrelated entry so the next snapshot re-renders the first.
	records <- metaRecord(t, 0, session("carol", 200, time.Minute))
	close(records)
	next := nextView(t, views)
	for _, got := range next {
		if got.StartOffset != 100 {
			continue
		}
		if got.UserID != "alice" || got.Reactions["👍"][0] != "bob" {
			t.Errorf("snapshot aliased index state: %+v", got)
		}
	}
}

func TestIndex_CountsAcceptedUpserts(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	records := make(chan streamlog.Record)
	views := NewIndex(0, time.Hour, WithClock(fixedClock), WithMetrics(metrics)).
		Build(context.Background(), records)
	nextView(t, views)

	records <- metaRecord(t, 0, session("alice", 100, time.Minute))
	nextView(t, views)
	records <- metaRecord(t, 4, session("bob", 200, time.Minute)) // foreign partition
	records <- metaRecord(t, 0, session("carol", 300, 2*time.Hour)) // outside window
	records <- metaRecord(t, 0, session("alice", 100, time.Minute))
	nextView(t, views)
	close(records)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var got int64 = -1
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "airlog.timeline.upserts" {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
					got = sum.DataPoints[0].Value
				}
			}
		}
	}
	// Only the two accepted records count: the filtered partition and the
	// out-of-window session never reach the index.
	if got != 2 {
		t.Errorf("timeline upserts = %d, want 2", got)
	}
}
