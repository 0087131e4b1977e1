package streamlog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/airlog-audio/airlog/pkg/streamlog"
	"github.com/airlog-audio/airlog/pkg/streamlog/mock"
)

func TestProducer_PublishReportsLanding(t *testing.T) {
	t.Parallel()

	pub := &mock.Publisher{BaseOffset: 25570}
	p := streamlog.NewProducer(pub)

	meta, err := p.Publish(context.Background(), "ch.audio", 2, nil, []byte{0x00, 0x00})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if meta.Partition != 2 || meta.Offset != 25570 {
		t.Errorf("landed at (%d, %d), want (2, 25570)", meta.Partition, meta.Offset)
	}

	// Offsets advance per (topic, partition).
	meta, err = p.Publish(context.Background(), "ch.audio", 2, nil, []byte("next"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if meta.Offset != 25571 {
		t.Errorf("second offset = %d, want 25571", meta.Offset)
	}
}

func TestProducer_PublishFailureIsDeliveryError(t *testing.T) {
	t.Parallel()

	cause := errors.New("message timed out")
	pub := &mock.Publisher{PublishError: cause}
	p := streamlog.NewProducer(pub)

	_, err := p.Publish(context.Background(), "ch.audio", streamlog.PartitionAny, nil, []byte("x"))
	var derr *streamlog.DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %T, want *DeliveryError", err)
	}
	if derr.Topic != "ch.audio" {
		t.Errorf("DeliveryError.Topic = %q, want %q", derr.Topic, "ch.audio")
	}
	if !errors.Is(err, cause) {
		t.Error("DeliveryError does not unwrap to the broker cause")
	}
}

func TestProducer_FlushAppliesDefaultDeadline(t *testing.T) {
	t.Parallel()

	pub := &mock.Publisher{}
	p := streamlog.NewProducer(pub, streamlog.WithFlushTimeout(50*time.Millisecond))

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if pub.CallCountFlush != 1 {
		t.Errorf("flush calls = %d, want 1", pub.CallCountFlush)
	}

	// A caller-supplied deadline is left alone.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush with deadline: %v", err)
	}
}

func TestProducer_CloseReleasesPublisher(t *testing.T) {
	t.Parallel()

	pub := &mock.Publisher{}
	p := streamlog.NewProducer(pub)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if pub.CallCountClose != 1 {
		t.Errorf("close calls = %d, want 1", pub.CallCountClose)
	}
}
