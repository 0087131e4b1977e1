package streamlog

import (
	"context"
	"time"
)

// DefaultFlushTimeout bounds the end-of-session flush that precedes the
// session metadata publish.
const DefaultFlushTimeout = 5000 * time.Millisecond

// RecordMeta reports where a published record landed.
type RecordMeta struct {
	Partition int
	Offset    int64
}

// Producer is the thin synchronous publish-and-confirm wrapper around the
// [Publisher] capability. Publish blocks the calling unit of work until the
// broker acknowledges or the context times out; failures surface as a
// [*DeliveryError] for the caller to decide on.
type Producer struct {
	pub          Publisher
	flushTimeout time.Duration
}

// ProducerOption configures a [Producer].
type ProducerOption func(*Producer)

// WithFlushTimeout overrides the default bound applied by [Producer.Flush]
// when the caller's context carries no deadline.
func WithFlushTimeout(d time.Duration) ProducerOption {
	return func(p *Producer) {
		if d > 0 {
			p.flushTimeout = d
		}
	}
}

// NewProducer wraps pub.
func NewProducer(pub Publisher, opts ...ProducerOption) *Producer {
	p := &Producer{pub: pub, flushTimeout: DefaultFlushTimeout}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish appends one record and blocks until the broker acknowledges it,
// reporting the partition and offset it landed at. Pass [PartitionAny] to let
// the broker assign the partition from the key.
func (p *Producer) Publish(ctx context.Context, topic string, partition int, key, value []byte) (RecordMeta, error) {
	outPartition, offset, err := p.pub.Publish(ctx, topic, partition, key, value)
	if err != nil {
		return RecordMeta{}, &DeliveryError{Topic: topic, Err: err}
	}
	return RecordMeta{Partition: outPartition, Offset: offset}, nil
}

// Flush blocks until all in-flight records are acknowledged. When ctx has no
// deadline of its own, the producer's flush timeout applies.
func (p *Producer) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.flushTimeout)
		defer cancel()
	}
	return p.pub.Flush(ctx)
}

// Close releases the underlying publisher.
func (p *Producer) Close() error {
	return p.pub.Close()
}
