package ingest

import (
	"sync"

	"github.com/connectomics/chunkedgraph/idcodec"
)

// Status is ChunkBuilder's own read-only build progress surface: counts of
// chunks built, still pending, and failed (with per-chunk reasons), queried
// directly rather than round-tripped through an external task queue. A
// queue still owns scheduling; this only reports what ChunkBuilder itself
// has observed.
type Status struct {
	mu      sync.Mutex
	built   int
	pending int
	failed  map[idcodec.ChunkID]string
}

// NewStatus returns a Status tracking pending chunks out of total.
func NewStatus(total int) *Status {
	return &Status{pending: total, failed: make(map[idcodec.ChunkID]string)}
}

// RecordSuccess marks chunk built, moving it out of the pending count.
func (s *Status) RecordSuccess(chunk idcodec.ChunkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.built++
	if s.pending > 0 {
		s.pending--
	}
	delete(s.failed, chunk)
}

// RecordFailure marks chunk failed with reason, moving it out of the
// pending count. A chunk that later succeeds is cleared from the failed set
// by RecordSuccess, mirroring a requeue-and-retry workflow.
func (s *Status) RecordFailure(chunk idcodec.ChunkID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		s.pending--
	}
	s.failed[chunk] = reason
}

// Snapshot is the point-in-time counters a status query returns.
type Snapshot struct {
	Built     int
	Pending   int
	Failed    int
	FailedIDs []idcodec.ChunkID
}

// Snapshot reports the current counters.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]idcodec.ChunkID, 0, len(s.failed))
	for id := range s.failed {
		ids = append(ids, id)
	}
	return Snapshot{Built: s.built, Pending: s.pending, Failed: len(s.failed), FailedIDs: ids}
}

// FailedInfo returns the recorded failure reason for chunk, if any.
func (s *Status) FailedInfo(chunk idcodec.ChunkID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.failed[chunk]
	return reason, ok
}

// Empty clears every tracked failure, the equivalent of an operator
// command to drop a stuck retry queue and let the next pass start clean.
func (s *Status) Empty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = make(map[idcodec.ChunkID]string)
}
