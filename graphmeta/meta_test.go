package graphmeta

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func defaultSettings() GraphSettings {
	return GraphSettings{
		FanOut:            2,
		AtomicSpatialBits: 10,
		LayerCount:        4,
		ChunkSize:         [3]uint32{512, 512, 128},
		RootCounterBits:   0,
		LockExpirySeconds: 180,
		MaxLockTries:      7,
		DefaultBBoxOffset: [3]int{240, 240, 24},
	}
}

func TestNewMetaValid(t *testing.T) {
	m, err := NewMeta(defaultSettings())
	require.NoError(t, err)
	require.Equal(t, 4, m.RootLayer())
	require.NotNil(t, m.Layout())
}

func TestNewMetaRejectsSkipConnections(t *testing.T) {
	s := defaultSettings()
	s.UseSkipConnections = true
	_, err := NewMeta(s)
	require.Error(t, err)
}

func TestNewMetaRejectsBadFanOut(t *testing.T) {
	s := defaultSettings()
	s.FanOut = 1
	_, err := NewMeta(s)
	require.Error(t, err)
}

func TestBlobRoundTrip(t *testing.T) {
	s := defaultSettings()
	blob, err := s.MarshalBlob()
	require.NoError(t, err)

	err = ValidateAgainstPersisted(s, blob)
	require.NoError(t, err)
}

func TestValidateAgainstPersistedMismatch(t *testing.T) {
	s := defaultSettings()
	blob, err := s.MarshalBlob()
	require.NoError(t, err)

	other := s
	other.FanOut = 4
	err = ValidateAgainstPersisted(other, blob)
	require.Error(t, err)
}

func TestRootCounterShards(t *testing.T) {
	s := defaultSettings()
	s.RootCounterBits = 3
	m, err := NewMeta(s)
	require.NoError(t, err)
	require.Equal(t, uint32(8), m.RootCounterShards())
}
