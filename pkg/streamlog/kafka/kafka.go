// Package kafka backs the streamlog capability pair with an Apache Kafka
// cluster via github.com/segmentio/kafka-go.
//
// Publishes are synchronous with acks from all in-sync replicas, so every
// acknowledged Publish reports the exact partition and offset the record
// landed at. Subscriptions come in two modes: group mode with automatic
// offset commits, and direct-assign mode bound to one partition and offset
// for bounded replays.
package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/airlog-audio/airlog/pkg/streamlog"
)

const (
	defaultDialTimeout = 10 * time.Second

	// One record per batch: Publish is a per-record blocking call and must
	// not sit in a batching window.
	writerBatchSize    = 1
	writerBatchTimeout = 10 * time.Millisecond
)

// TLSFiles names the PEM files for mutual TLS against the broker. All three
// are required when TLS is enabled.
type TLSFiles struct {
	CA   string
	Cert string
	Key  string
}

func (t TLSFiles) build() (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(t.Cert, t.Key)
	if err != nil {
		return nil, fmt.Errorf("kafka: load client key pair: %w", err)
	}
	caPEM, err := os.ReadFile(t.CA)
	if err != nil {
		return nil, fmt.Errorf("kafka: read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("kafka: no certificates parsed from %s", t.CA)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Config connects a [Log] to a cluster.
type Config struct {
	Brokers []string

	// TLS enables mutual TLS when non-nil.
	TLS *TLSFiles

	// DialTimeout bounds broker dials; zero means 10 s.
	DialTimeout time.Duration
}

// Log implements [streamlog.Subscriber] and [streamlog.Publisher] against a
// Kafka cluster. Writers are created lazily per (topic, partition) target and
// reused; safe for concurrent use.
type Log struct {
	cfg       Config
	dialer    *kafkago.Dialer
	transport *kafkago.Transport

	mu      sync.Mutex
	writers map[writerKey]*kafkago.Writer
	closed  bool
}

type writerKey struct {
	topic     string
	partition int
}

// New validates cfg and builds the connection plumbing. No broker contact
// happens until the first Subscribe or Publish.
func New(cfg Config) (*Log, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	var tlsCfg *tls.Config
	if cfg.TLS != nil {
		var err error
		if tlsCfg, err = cfg.TLS.build(); err != nil {
			return nil, err
		}
	}

	return &Log{
		cfg: cfg,
		dialer: &kafkago.Dialer{
			Timeout:   cfg.DialTimeout,
			DualStack: true,
			TLS:       tlsCfg,
		},
		transport: &kafkago.Transport{
			DialTimeout: cfg.DialTimeout,
			TLS:         tlsCfg,
		},
		writers: make(map[writerKey]*kafkago.Writer),
	}, nil
}

// ─── Subscriber ───

// Subscribe joins the consumer group groupID on topic. Offsets are committed
// automatically as records are polled; Close commits and leaves the group.
// A preflight dial surfaces broker unavailability here rather than on the
// first poll, so connect failures hit the caller's retry accounting.
func (l *Log) Subscribe(ctx context.Context, topic, groupID string, start streamlog.StartStrategy) (streamlog.Subscription, error) {
	if err := l.preflight(ctx); err != nil {
		return nil, err
	}
	startOffset := kafkago.LastOffset
	if start == streamlog.StartEarliest {
		startOffset = kafkago.FirstOffset
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     l.cfg.Brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: startOffset,
		Dialer:      l.dialer,
	})
	return &subscription{reader: r, topic: topic}, nil
}

// SubscribeAt binds directly to one partition at one offset, bypassing group
// coordination. Nothing is committed; the read position lives only in this
// subscription.
func (l *Log) SubscribeAt(ctx context.Context, topic string, partition int, offset int64) (streamlog.Subscription, error) {
	if err := l.preflight(ctx); err != nil {
		return nil, err
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   l.cfg.Brokers,
		Topic:     topic,
		Partition: partition,
		Dialer:    l.dialer,
	})
	if err := r.SetOffset(offset); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("kafka: seek %s[%d] to %d: %w", topic, partition, offset, err)
	}
	return &subscription{reader: r, topic: topic}, nil
}

// preflight dials one broker to verify the cluster is reachable.
func (l *Log) preflight(ctx context.Context) error {
	conn, err := l.dialer.DialContext(ctx, "tcp", l.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial %s: %w", l.cfg.Brokers[0], err)
	}
	return conn.Close()
}

type subscription struct {
	reader *kafkago.Reader
	topic  string
}

// Poll blocks for at most timeout. (nil, nil) means no record arrived in
// time; the source signalling its end maps to [streamlog.ErrEndOfStream].
func (s *subscription) Poll(ctx context.Context, timeout time.Duration) (*streamlog.Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m, err := s.reader.ReadMessage(pollCtx)
	switch {
	case err == nil:
		return &streamlog.Record{
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
		}, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, nil
	case errors.Is(err, io.EOF):
		return nil, streamlog.ErrEndOfStream
	default:
		return nil, fmt.Errorf("kafka: poll %q: %w", s.topic, err)
	}
}

func (s *subscription) Close() error {
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("kafka: close reader for %q: %w", s.topic, err)
	}
	return nil
}

// ─── Publisher ───

// delivery carries the landing position back from the writer's completion
// callback through Message.WriterData.
type delivery struct {
	partition int
	offset    int64
}

// staticBalancer pins every message of a writer to one partition.
type staticBalancer struct {
	partition int
}

func (b staticBalancer) Balance(_ kafkago.Message, _ ...int) int {
	return b.partition
}

// Publish appends one record and blocks until all in-sync replicas
// acknowledge it, reporting the partition and offset it landed at. Pass
// [streamlog.PartitionAny] to assign the partition by key hash.
func (l *Log) Publish(ctx context.Context, topic string, partition int, key, value []byte) (int, int64, error) {
	w, err := l.writerFor(topic, partition)
	if err != nil {
		return 0, 0, err
	}
	d := &delivery{partition: -1, offset: -1}
	msg := kafkago.Message{Key: key, Value: value, WriterData: d}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return 0, 0, fmt.Errorf("kafka: write to %q: %w", topic, err)
	}
	return d.partition, d.offset, nil
}

func (l *Log) writerFor(topic string, partition int) (*kafkago.Writer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New("kafka: log is closed")
	}
	k := writerKey{topic: topic, partition: partition}
	if w, ok := l.writers[k]; ok {
		return w, nil
	}

	var balancer kafkago.Balancer = &kafkago.Hash{}
	if partition != streamlog.PartitionAny {
		balancer = staticBalancer{partition: partition}
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(l.cfg.Brokers...),
		Topic:        topic,
		Balancer:     balancer,
		RequiredAcks: kafkago.RequireAll,
		BatchSize:    writerBatchSize,
		BatchTimeout: writerBatchTimeout,
		Transport:    l.transport,
		Completion: func(messages []kafkago.Message, err error) {
			if err != nil {
				return
			}
			for _, m := range messages {
				if d, ok := m.WriterData.(*delivery); ok {
					d.partition = m.Partition
					d.offset = m.Offset
				}
			}
		},
	}
	l.writers[k] = w
	return w, nil
}

// Flush is a no-op: writes are synchronous, so an acknowledged Publish has
// nothing left in flight. Kept so callers can sequence "flush, then publish
// the session record" without caring which backend they hold.
func (l *Log) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Close releases every writer. Subscriptions are closed individually by
// their owners.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	for k, w := range l.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: close writer %s[%d]: %w", k.topic, k.partition, err))
		}
	}
	return errors.Join(errs...)
}
