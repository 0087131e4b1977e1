// Package config provides the configuration schema and loader for the airlog
// client.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StartStrategy selects where a fresh consumer group begins reading.
type StartStrategy string

const (
	StartEarliest StartStrategy = "earliest"
	StartLatest   StartStrategy = "latest"
)

// IsValid reports whether s is a recognised start strategy.
func (s StartStrategy) IsValid() bool {
	return s == StartEarliest || s == StartLatest
}

// Config is the root configuration structure for airlog.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	User     UserConfig      `yaml:"user"`
	Broker   BrokerConfig    `yaml:"broker"`
	Consumer ConsumerConfig  `yaml:"consumer"`
	Producer ProducerConfig  `yaml:"producer"`
	Timeline TimelineConfig  `yaml:"timeline"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint listens
	// on (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// UserConfig identifies this client on the shared log.
type UserConfig struct {
	// ID is the user identifier stamped on every published audio frame key
	// and session record. Required.
	ID string `yaml:"id"`
}

// BrokerConfig holds the ordered-log cluster connection settings.
type BrokerConfig struct {
	// Endpoints lists broker addresses (host:port). At least one is required.
	Endpoints []string `yaml:"endpoints"`

	// TLS configures mutual TLS against the brokers. When nil, connections
	// are plaintext.
	TLS *TLSConfig `yaml:"tls"`

	// DialTimeoutMs bounds broker dials in milliseconds. Defaults to 10000.
	DialTimeoutMs int `yaml:"dial_timeout_ms"`
}

// TLSConfig holds the PEM paths for mutual TLS. All three are required when
// the block is present.
type TLSConfig struct {
	// CAFile is the path to the PEM-encoded broker CA certificate.
	CAFile string `yaml:"ca_file"`

	// CertFile is the path to the PEM-encoded client certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded client private key.
	KeyFile string `yaml:"key_file"`
}

// ConsumerConfig tunes the streaming consumer's retry machine. Zero values
// fall back to the package defaults (budget 5, backoff 1000 ms × 1.5 capped
// at 10000 ms, poll timeout 1000 ms).
type ConsumerConfig struct {
	RetryBudget      int           `yaml:"retry_budget"`
	BackoffInitialMs int           `yaml:"backoff_initial_ms"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	BackoffMaxMs     int           `yaml:"backoff_max_ms"`
	PollTimeoutMs    int           `yaml:"poll_timeout_ms"`
	Start            StartStrategy `yaml:"start"`
}

// ProducerConfig tunes publish flush bounds.
type ProducerConfig struct {
	// SessionFlushMs bounds the end-of-session flush before the metadata
	// record is published. Defaults to 5000.
	SessionFlushMs int `yaml:"session_flush_ms"`

	// ReactionFlushMs bounds the reaction republish flush. Defaults to 1000.
	ReactionFlushMs int `yaml:"reaction_flush_ms"`
}

// TimelineConfig tunes the session timeline view.
type TimelineConfig struct {
	// WindowHours is the ingestion window for session records. Records older
	// than this are not indexed. Defaults to 48.
	WindowHours int `yaml:"window_hours"`
}

// ChannelConfig describes one selectable walkie-talkie channel: where its
// audio frames and session metadata live on the log.
type ChannelConfig struct {
	// Name is the channel's display name. Required, unique.
	Name string `yaml:"name"`

	// ID is the numeric channel identifier used in metadata keys. Required,
	// unique.
	ID int `yaml:"id"`

	// AudioTopic carries the Opus frames.
	AudioTopic string `yaml:"audio_topic"`

	// AudioPartition is this channel's partition of the audio topic.
	AudioPartition int `yaml:"audio_partition"`

	// MetaTopic is the compacted topic carrying session records.
	MetaTopic string `yaml:"meta_topic"`

	// MetaPartition is this channel's partition of the metadata topic.
	MetaPartition int `yaml:"meta_partition"`
}
