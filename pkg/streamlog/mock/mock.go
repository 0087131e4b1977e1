// Package mock provides scriptable in-memory implementations of the
// [streamlog.Subscriber], [streamlog.Subscription], and [streamlog.Publisher]
// interfaces for use in unit tests.
//
// A [Subscription] serves a fixed script of poll outcomes; a [Subscriber]
// hands out scripted subscriptions in order and records every subscribe call
// for assertion. A [Publisher] appends to per-partition in-memory logs and
// reports realistic offsets.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/airlog-audio/airlog/pkg/streamlog"
)

// ─── Subscription ────────────────────────────────────────────────────────────

// PollOutcome is one scripted result of a [Subscription.Poll] call. Exactly
// one field should be set; a zero PollOutcome behaves like a poll timeout.
type PollOutcome struct {
	// Record is delivered when non-nil.
	Record *streamlog.Record

	// Err is returned when non-nil. Use [streamlog.ErrEndOfStream] to script
	// a clean end of the sequence.
	Err error
}

// Subscription is a mock [streamlog.Subscription] serving Script in order.
// Once the script is exhausted, Poll behaves like a timeout (nil, nil) —
// an idle-but-healthy subscription — until the context is cancelled.
type Subscription struct {
	mu sync.Mutex

	// Script holds the outcomes served by successive Poll calls.
	Script []PollOutcome

	// CallCountPoll and CallCountClose record call counts.
	CallCountPoll  int
	CallCountClose int

	next int
}

// Poll implements [streamlog.Subscription].
func (s *Subscription) Poll(ctx context.Context, timeout time.Duration) (*streamlog.Record, error) {
	s.mu.Lock()
	s.CallCountPoll++
	var out PollOutcome
	scripted := s.next < len(s.Script)
	if scripted {
		out = s.Script[s.next]
		s.next++
	}
	s.mu.Unlock()

	if scripted {
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Record, nil
	}

	// Idle: wait out a shortened timeout so tests stay fast, honoring
	// cancellation like a real poll would.
	select {
	case <-ctx.Done():
		return nil, nil
	case <-time.After(time.Millisecond):
		return nil, nil
	}
}

// Close implements [streamlog.Subscription].
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Closed reports whether Close has been called at least once.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// ─── Subscriber ──────────────────────────────────────────────────────────────

// SubscribeCall records the arguments of one Subscribe or SubscribeAt call.
type SubscribeCall struct {
	Topic     string
	GroupID   string
	Start     streamlog.StartStrategy
	Direct    bool
	Partition int
	Offset    int64
}

// Session is one scripted outcome of a subscribe attempt: either a
// subscription or an error.
type Session struct {
	Sub *Subscription
	Err error
}

// Subscriber is a mock [streamlog.Subscriber]. Each Subscribe/SubscribeAt
// call consumes the next entry of Sessions; calls beyond the script fail.
type Subscriber struct {
	mu sync.Mutex

	// Sessions are consumed in order by subscribe calls.
	Sessions []Session

	// Calls records every subscribe call in order.
	Calls []SubscribeCall

	next int
}

// ErrScriptExhausted is returned by subscribe calls beyond the scripted
// sessions.
var ErrScriptExhausted = errors.New("mock: no scripted session left")

// Subscribe implements [streamlog.Subscriber].
func (s *Subscriber) Subscribe(ctx context.Context, topic, groupID string, start streamlog.StartStrategy) (streamlog.Subscription, error) {
	return s.take(SubscribeCall{Topic: topic, GroupID: groupID, Start: start})
}

// SubscribeAt implements [streamlog.Subscriber].
func (s *Subscriber) SubscribeAt(ctx context.Context, topic string, partition int, offset int64) (streamlog.Subscription, error) {
	return s.take(SubscribeCall{Topic: topic, Direct: true, Partition: partition, Offset: offset})
}

func (s *Subscriber) take(call SubscribeCall) (streamlog.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, call)
	if s.next >= len(s.Sessions) {
		return nil, ErrScriptExhausted
	}
	sess := s.Sessions[s.next]
	s.next++
	if sess.Err != nil {
		return nil, sess.Err
	}
	return sess.Sub, nil
}

// CallCount returns how many subscribe calls have been made.
func (s *Subscriber) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// ─── Publisher ───────────────────────────────────────────────────────────────

type partitionKey struct {
	topic     string
	partition int
}

// Publisher is a mock [streamlog.Publisher] appending to in-memory
// per-partition logs with monotonically increasing offsets.
type Publisher struct {
	mu sync.Mutex

	// PublishError, when set, fails every Publish call.
	PublishError error

	// FlushError, when set, is returned by Flush.
	FlushError error

	// BaseOffset is the offset assigned to the first record of every
	// partition. Useful for scripting known offset ranges.
	BaseOffset int64

	// Published holds every accepted record in publish order, with the
	// assigned partition and offset filled in.
	Published []streamlog.Record

	// CallCountFlush and CallCountClose record call counts.
	CallCountFlush int
	CallCountClose int

	nextOffset map[partitionKey]int64
}

// Publish implements [streamlog.Publisher]. [streamlog.PartitionAny] is
// resolved to partition 0.
func (p *Publisher) Publish(ctx context.Context, topic string, partition int, key, value []byte) (int, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PublishError != nil {
		return 0, 0, p.PublishError
	}
	if partition == streamlog.PartitionAny {
		partition = 0
	}
	if p.nextOffset == nil {
		p.nextOffset = make(map[partitionKey]int64)
	}
	k := partitionKey{topic, partition}
	off, ok := p.nextOffset[k]
	if !ok {
		off = p.BaseOffset
	}
	p.nextOffset[k] = off + 1

	p.Published = append(p.Published, streamlog.Record{
		Topic:     topic,
		Partition: partition,
		Offset:    off,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
	})
	return partition, off, nil
}

// Flush implements [streamlog.Publisher].
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountFlush++
	return p.FlushError
}

// Close implements [streamlog.Publisher].
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return nil
}

// PublishedTo returns the records published to one topic, in order.
func (p *Publisher) PublishedTo(topic string) []streamlog.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []streamlog.Record
	for _, r := range p.Published {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}
