// Package timeline maintains the event-sourced index of completed recording
// sessions. Session metadata lives on a compacted topic as (key, full record)
// pairs; the index replays that stream into a deduplicated, time-windowed,
// timestamp-descending view, and the record type carries the reaction-toggle
// protocol used to republish updates.
package timeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/airlog-audio/airlog/pkg/audio"
)

// SessionRecord is one completed recording session. Identity is
// (ChannelID, StartOffset); every field except Reactions is fixed at
// creation. Updates travel as full-record republications under the same key,
// with broker-side compaction keeping only the latest value.
type SessionRecord struct {
	UserID       string              `json:"userId"`
	ChannelID    int                 `json:"channelId"`
	StartOffset  int64               `json:"startOffset"`
	EndOffset    int64               `json:"endOffset"`
	Timestamp    int64               `json:"timestamp"` // ms since epoch
	MessageCount int64               `json:"messageCount"`
	Reactions    map[string][]string `json:"reactions,omitempty"`
}

// NewSessionRecord builds the record for a session that published frames to
// the inclusive offset range [startOffset, endOffset].
func NewSessionRecord(userID string, channelID int, startOffset, endOffset int64, at time.Time) *SessionRecord {
	return &SessionRecord{
		UserID:       userID,
		ChannelID:    channelID,
		StartOffset:  startOffset,
		EndOffset:    endOffset,
		Timestamp:    at.UnixMilli(),
		MessageCount: endOffset - startOffset + 1,
	}
}

// Key is the compaction key on the metadata topic.
func (r *SessionRecord) Key() string {
	return fmt.Sprintf("msg-%d-%d", r.ChannelID, r.StartOffset)
}

// Duration is the session's play length, one frame block per published
// record.
func (r *SessionRecord) Duration() time.Duration {
	return time.Duration(r.MessageCount) * audio.FrameDuration
}

// DurationDisplay renders the duration the way the timeline shows it,
// tenth-of-a-second precision: 34 frames make "2.0s".
func (r *SessionRecord) DurationDisplay() string {
	return fmt.Sprintf("%.1fs", r.Duration().Seconds())
}

// ToggleReaction returns a copy of r with reaction emoji toggled for userID:
// present becomes absent, absent becomes present. A reactor set left empty
// by the toggle is removed entirely, never persisted as an empty list. The
// toggle is its own inverse. r itself is never mutated; the caller
// republishes the returned record under the same key.
func (r *SessionRecord) ToggleReaction(emoji, userID string) *SessionRecord {
	out := r.Clone()
	if out.Reactions == nil {
		out.Reactions = make(map[string][]string)
	}

	users := out.Reactions[emoji]
	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(out.Reactions, emoji)
			} else {
				out.Reactions[emoji] = users
			}
			if len(out.Reactions) == 0 {
				out.Reactions = nil
			}
			return out
		}
	}
	out.Reactions[emoji] = append(users, userID)
	return out
}

// ReactedBy reports whether userID currently has emoji applied.
func (r *SessionRecord) ReactedBy(emoji, userID string) bool {
	for _, u := range r.Reactions[emoji] {
		if u == userID {
			return true
		}
	}
	return false
}

// Clone deep-copies r, including the reaction map, so snapshots handed to
// consumers never alias index-owned state.
func (r *SessionRecord) Clone() *SessionRecord {
	out := *r
	if r.Reactions != nil {
		out.Reactions = make(map[string][]string, len(r.Reactions))
		for emoji, users := range r.Reactions {
			sorted := append([]string(nil), users...)
			sort.Strings(sorted)
			out.Reactions[emoji] = sorted
		}
	}
	return &out
}

// Encode renders r as the JSON wire value for the metadata topic.
func (r *SessionRecord) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("timeline: encode session record: %w", err)
	}
	return b, nil
}

// ParseError wraps a metadata value that could not be decoded. The index
// skips such records rather than aborting the replay.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("timeline: malformed session record: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseSessionRecord decodes a metadata topic value. Unknown fields are
// ignored so newer writers stay readable.
func ParseSessionRecord(value []byte) (*SessionRecord, error) {
	var r SessionRecord
	if err := json.Unmarshal(value, &r); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &r, nil
}
