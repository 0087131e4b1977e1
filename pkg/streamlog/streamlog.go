// Package streamlog wraps an opaque ordered-log capability into the two
// shapes the rest of airlog consumes: a synchronous publish-and-confirm
// [Producer] and a retrying, cancellable [Consumer].
//
// The capability itself is the [Subscriber] and [Publisher] pair. The
// production implementation lives in streamlog/kafka; streamlog/mock provides
// a scriptable in-memory log for tests. The interfaces are intentionally
// narrow so the state machines here stay decoupled from broker details.
package streamlog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PartitionAny requests broker-side partition assignment on publish.
const PartitionAny = -1

// Record is one entry of a partitioned append-only log. Records are totally
// ordered within a partition by Offset. Key and Value are raw byte sequences;
// either may be nil.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// StartStrategy selects where a group-mode subscription begins when the
// group has no committed offsets.
type StartStrategy string

const (
	StartEarliest StartStrategy = "earliest"
	StartLatest   StartStrategy = "latest"
)

// ErrEndOfStream is returned by [Subscription.Poll] when the source signals
// it is intentionally finished. It is a normal terminal state for the
// consumer, never retried.
var ErrEndOfStream = errors.New("streamlog: end of stream")

// Subscription is one live binding to a topic. Poll blocks for at most the
// given timeout and returns (nil, nil) when no record arrived in time, which
// is how cancellation is observed promptly.
//
// Close releases the subscription: group mode commits offsets and leaves the
// group; direct-assign mode commits nothing.
type Subscription interface {
	Poll(ctx context.Context, timeout time.Duration) (*Record, error)
	Close() error
}

// Subscriber is the consumed subscribe capability of the ordered log.
type Subscriber interface {
	// Subscribe joins the consumer group groupID on topic, starting at the
	// configured strategy when the group holds no committed offsets.
	Subscribe(ctx context.Context, topic, groupID string, start StartStrategy) (Subscription, error)

	// SubscribeAt binds directly to one exact partition at one exact offset,
	// bypassing group coordination. Used for bounded timeline playback.
	SubscribeAt(ctx context.Context, topic string, partition int, offset int64) (Subscription, error)
}

// Publisher is the consumed publish capability of the ordered log. Publish
// blocks until the broker acknowledges the write and reports where the
// record landed. The capability is treated as already-reliable
// infrastructure; airlog's job is sequencing calls to it correctly.
type Publisher interface {
	Publish(ctx context.Context, topic string, partition int, key, value []byte) (outPartition int, offset int64, err error)
	Flush(ctx context.Context) error
	Close() error
}

// DeliveryError wraps a publish that the broker did not acknowledge. The
// immediate caller decides whether to drop, retry, or abort its session; the
// core never silently drops a publish.
type DeliveryError struct {
	Topic string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("streamlog: publish to %q not acknowledged: %v", e.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
