package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r into a [Config] and validates it.
// Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for structural problems and returns all of them joined.
// Soft issues (tuning values outside their usual range) are logged as
// warnings rather than failing the load.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// User
	if cfg.User.ID == "" {
		errs = append(errs, errors.New("user.id is required"))
	}

	// Broker
	if len(cfg.Broker.Endpoints) == 0 {
		errs = append(errs, errors.New("broker.endpoints must list at least one address"))
	}
	if tls := cfg.Broker.TLS; tls != nil {
		if tls.CAFile == "" || tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("broker.tls requires ca_file, cert_file and key_file"))
		}
	}
	if cfg.Broker.DialTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("broker.dial_timeout_ms %d must not be negative", cfg.Broker.DialTimeoutMs))
	}

	// Consumer
	if cfg.Consumer.Start != "" && !cfg.Consumer.Start.IsValid() {
		errs = append(errs, fmt.Errorf("consumer.start %q is invalid; valid values: earliest, latest", cfg.Consumer.Start))
	}
	if cfg.Consumer.RetryBudget < 0 {
		errs = append(errs, fmt.Errorf("consumer.retry_budget %d must not be negative", cfg.Consumer.RetryBudget))
	}
	if f := cfg.Consumer.BackoffFactor; f != 0 && f < 1 {
		errs = append(errs, fmt.Errorf("consumer.backoff_factor %.2f must be at least 1", f))
	}
	if cfg.Consumer.PollTimeoutMs > 10000 {
		slog.Warn("consumer.poll_timeout_ms is large; stop requests are only observed at poll boundaries",
			"poll_timeout_ms", cfg.Consumer.PollTimeoutMs)
	}

	// Producer
	if cfg.Producer.SessionFlushMs < 0 || cfg.Producer.ReactionFlushMs < 0 {
		errs = append(errs, errors.New("producer flush bounds must not be negative"))
	}

	// Timeline
	if cfg.Timeline.WindowHours < 0 {
		errs = append(errs, fmt.Errorf("timeline.window_hours %d must not be negative", cfg.Timeline.WindowHours))
	}

	// Channels
	if len(cfg.Channels) == 0 {
		errs = append(errs, errors.New("channels must list at least one channel"))
	}
	namesSeen := make(map[string]int, len(cfg.Channels))
	idsSeen := make(map[int]int, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		prefix := fmt.Sprintf("channels[%d]", i)
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[ch.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of channels[%d]", prefix, ch.Name, prev))
			}
			namesSeen[ch.Name] = i
		}
		if prev, ok := idsSeen[ch.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %d is a duplicate of channels[%d]", prefix, ch.ID, prev))
		}
		idsSeen[ch.ID] = i
		if ch.AudioTopic == "" {
			errs = append(errs, fmt.Errorf("%s.audio_topic is required", prefix))
		}
		if ch.MetaTopic == "" {
			errs = append(errs, fmt.Errorf("%s.meta_topic is required", prefix))
		}
		if ch.AudioPartition < 0 || ch.MetaPartition < 0 {
			errs = append(errs, fmt.Errorf("%s partitions must not be negative", prefix))
		}
	}

	return errors.Join(errs...)
}
