package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; broker and user
// changes require a restart and are deliberately absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// WindowChanged means the timeline ingestion window moved. The window is
	// applied at ingestion only, so applying it means replaying the metadata
	// feed into a fresh index.
	WindowChanged bool

	ChannelsChanged bool          // true if any channel was added, removed, or rerouted
	ChannelChanges  []ChannelDiff // per-channel diffs
}

// ChannelDiff describes what changed for a single channel between two configs.
type ChannelDiff struct {
	Name          string
	TopicsChanged bool // audio or metadata topic/partition moved
	Added         bool
	Removed       bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Timeline.WindowHours != new.Timeline.WindowHours {
		d.WindowChanged = true
	}

	oldChannels := make(map[string]*ChannelConfig, len(old.Channels))
	for i := range old.Channels {
		oldChannels[old.Channels[i].Name] = &old.Channels[i]
	}
	newChannels := make(map[string]*ChannelConfig, len(new.Channels))
	for i := range new.Channels {
		newChannels[new.Channels[i].Name] = &new.Channels[i]
	}

	for name, oldCh := range oldChannels {
		newCh, exists := newChannels[name]
		if !exists {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{Name: name, Removed: true})
			d.ChannelsChanged = true
			continue
		}
		if *oldCh != *newCh {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{Name: name, TopicsChanged: true})
			d.ChannelsChanged = true
		}
	}

	for name := range newChannels {
		if _, exists := oldChannels[name]; !exists {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{Name: name, Added: true})
			d.ChannelsChanged = true
		}
	}

	return d
}
