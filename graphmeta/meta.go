// Package graphmeta holds the immutable, per-graph configuration: fan-out,
// chunk size, layer count, spatial bit budget, root-counter bits, and lock
// expiry. A Meta is built once when a graph is opened and never mutated;
// all derived values (the idcodec.Layout) are computed eagerly at
// construction time, following a load-validate-freeze configuration
// lifecycle.
package graphmeta

import (
	"encoding/json"
	"fmt"

	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/pkg/errs"
)

// GraphSettings is the serializable, immutable configuration of one graph.
// A copy of this struct (as JSON) is the payload stored in the
// GraphSettings row so a reopening process can detect drift.
type GraphSettings struct {
	FanOut              uint32    `json:"fan_out" mapstructure:"fan_out"`
	AtomicSpatialBits   int       `json:"s_1" mapstructure:"s_1"`
	LayerCount          int       `json:"layer_count" mapstructure:"layer_count"`
	ChunkSize           [3]uint32 `json:"chunk_size" mapstructure:"chunk_size"`
	RootCounterBits     int       `json:"root_counter_bits" mapstructure:"root_counter_bits"`
	LockExpirySeconds   int       `json:"lock_expiry_seconds" mapstructure:"lock_expiry_seconds"`
	UseSkipConnections  bool      `json:"use_skip_connections" mapstructure:"use_skip_connections"`
	MaxLockTries        int       `json:"max_lock_tries" mapstructure:"max_lock_tries"`
	DefaultBBoxOffset   [3]int    `json:"default_bbox_offset" mapstructure:"default_bbox_offset"`
}

// Validate checks the settings for internal consistency, independent of
// any previously persisted settings.
func (s GraphSettings) Validate() error {
	if s.FanOut < 2 {
		return errs.BadRequest("fan_out must be >= 2")
	}
	if s.AtomicSpatialBits < 1 {
		return errs.BadRequest("s_1 must be >= 1")
	}
	if s.LayerCount < 2 || s.LayerCount > idcodec.MaxLayer {
		return errs.BadRequest("layer_count out of range")
	}
	if s.ChunkSize[0] == 0 || s.ChunkSize[1] == 0 || s.ChunkSize[2] == 0 {
		return errs.BadRequest("chunk_size dimensions must be positive")
	}
	if s.RootCounterBits < 0 || s.RootCounterBits > 16 {
		return errs.BadRequest("root_counter_bits out of range")
	}
	if s.LockExpirySeconds < 1 {
		return errs.BadRequest("lock_expiry_seconds must be positive")
	}
	if s.UseSkipConnections {
		return errs.BadRequest("skip connections not implemented")
	}
	if s.MaxLockTries < 1 {
		return errs.BadRequest("max_lock_tries must be positive")
	}
	return nil
}

// Equal reports whether two settings are identical in every field that must
// remain fixed for the lifetime of a graph.
func (s GraphSettings) Equal(o GraphSettings) bool {
	return s.FanOut == o.FanOut &&
		s.AtomicSpatialBits == o.AtomicSpatialBits &&
		s.LayerCount == o.LayerCount &&
		s.ChunkSize == o.ChunkSize &&
		s.RootCounterBits == o.RootCounterBits
}

// Meta is the frozen, validated configuration of an open graph, including
// its derived identity layout. It is safe for concurrent read-only use;
// nothing in Meta is ever mutated after NewMeta returns.
type Meta struct {
	settings GraphSettings
	layout   *idcodec.Layout
}

// NewMeta validates settings and derives the identity layout from them.
func NewMeta(settings GraphSettings) (*Meta, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	layout, err := idcodec.NewLayout(settings.FanOut, settings.AtomicSpatialBits, settings.LayerCount)
	if err != nil {
		return nil, err
	}
	return &Meta{settings: settings, layout: layout}, nil
}

// Settings returns the graph's serializable settings.
func (m *Meta) Settings() GraphSettings { return m.settings }

// Layout returns the derived identity codec layout.
func (m *Meta) Layout() *idcodec.Layout { return m.layout }

// RootLayer is the coarsest layer of the graph.
func (m *Meta) RootLayer() int { return m.settings.LayerCount }

// ChunkSize returns the atomic chunk size, in world (voxel) units.
func (m *Meta) ChunkSize() [3]uint32 { return m.settings.ChunkSize }

// RootCounterShards returns the number of independent counter shards used
// for root-chunk segment id allocation.
func (m *Meta) RootCounterShards() uint32 {
	return 1 << uint(m.settings.RootCounterBits)
}

// LockExpirySeconds is the time window after which an unreleased root lock
// is considered stale.
func (m *Meta) LockExpirySeconds() int { return m.settings.LockExpirySeconds }

// MaxLockTries is the retry budget for lock_roots.
func (m *Meta) MaxLockTries() int { return m.settings.MaxLockTries }

// DefaultBBoxOffset is the default bounding-box inflation used by Multicut
// when the caller does not supply one.
func (m *Meta) DefaultBBoxOffset() [3]int { return m.settings.DefaultBBoxOffset }

// MarshalBlob serializes the settings for storage in the GraphSettings row.
func (s GraphSettings) MarshalBlob() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBlob decodes a previously persisted GraphSettings blob.
func UnmarshalBlob(blob []byte) (GraphSettings, error) {
	var s GraphSettings
	if err := json.Unmarshal(blob, &s); err != nil {
		return GraphSettings{}, errs.Wrap(errs.CodeBadRequest, "corrupt GraphSettings row", err)
	}
	return s, nil
}

// ValidateAgainstPersisted compares settings supplied at open time against
// the blob already stored in the graph's GraphSettings row, failing with
// BadRequest on any immutable-field mismatch, mirroring the original's
// assert-on-reopen behavior.
func ValidateAgainstPersisted(supplied GraphSettings, persistedBlob []byte) error {
	persisted, err := UnmarshalBlob(persistedBlob)
	if err != nil {
		return err
	}
	if !supplied.Equal(persisted) {
		return errs.BadRequest(fmt.Sprintf(
			"graph settings mismatch: supplied %+v does not match persisted %+v", supplied, persisted))
	}
	return nil
}
