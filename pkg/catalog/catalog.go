// Package catalog describes the streams a sync writes and how each stream
// is written to the destination.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
)

// SyncMode is how records are read from the source.
type SyncMode string

const (
	SyncModeFullRefresh SyncMode = "full_refresh"
	SyncModeIncremental SyncMode = "incremental"
)

// DestinationSyncMode is how records are written to the destination.
type DestinationSyncMode string

const (
	// DestinationSyncModeAppend adds records without touching existing ones.
	DestinationSyncModeAppend DestinationSyncMode = "append"

	// DestinationSyncModeOverwrite purges every existing record of the
	// stream before the first new record is written.
	DestinationSyncModeOverwrite DestinationSyncMode = "overwrite"

	// DestinationSyncModeAppendDedup replaces records sharing a primary key.
	DestinationSyncModeAppendDedup DestinationSyncMode = "append_dedup"
)

// Stream identifies a source stream.
type Stream struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// ID returns the stream identifier used to tag chunks.
func (s Stream) ID() string {
	return StreamIdentifier(s.Namespace, s.Name)
}

// ConfiguredStream is a stream together with its sync settings.
type ConfiguredStream struct {
	Stream              Stream              `json:"stream"`
	SyncMode            SyncMode            `json:"sync_mode"`
	DestinationSyncMode DestinationSyncMode `json:"destination_sync_mode"`
	PrimaryKey          [][]string          `json:"primary_key,omitempty"`
}

// Catalog is the set of configured streams for one sync.
type Catalog struct {
	Streams []ConfiguredStream `json:"streams"`
}

// StreamIdentifier joins a namespace and a stream name. Streams without a
// namespace are identified by their name alone.
func StreamIdentifier(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "_" + name
}

// OverwriteStreams returns the identifiers of streams configured with the
// overwrite destination sync mode, in catalog order.
func (c *Catalog) OverwriteStreams() []string {
	if c == nil {
		return nil
	}

	var ids []string
	for _, s := range c.Streams {
		if s.DestinationSyncMode == DestinationSyncModeOverwrite {
			ids = append(ids, s.Stream.ID())
		}
	}
	return ids
}

// Lookup finds a configured stream by identifier.
func (c *Catalog) Lookup(streamID string) (ConfiguredStream, bool) {
	if c == nil {
		return ConfiguredStream{}, false
	}
	for _, s := range c.Streams {
		if s.Stream.ID() == streamID {
			return s, true
		}
	}
	return ConfiguredStream{}, false
}

// Validate checks stream names and destination sync modes.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Streams))
	for i, s := range c.Streams {
		if s.Stream.Name == "" {
			return fmt.Errorf("stream %d has no name", i)
		}
		switch s.DestinationSyncMode {
		case DestinationSyncModeAppend, DestinationSyncModeOverwrite, DestinationSyncModeAppendDedup:
		default:
			return fmt.Errorf("stream %s: unknown destination sync mode %q", s.Stream.ID(), s.DestinationSyncMode)
		}
		id := s.Stream.ID()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("stream %s configured twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Decode reads and validates a JSON catalog.
func Decode(r io.Reader) (*Catalog, error) {
	var c Catalog
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &c, nil
}
