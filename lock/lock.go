// Package lock implements the time-bounded per-root conditional-write lock
// that every edit operation acquires before mutating the graph. A root that
// crashes mid-edit self-recovers once its lock's timestamp ages past the
// configured expiry, rather than needing an external watchdog.
package lock

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/connectomics/chunkedgraph/graphmeta"
	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/pkg/errs"
	"github.com/connectomics/chunkedgraph/pkg/utils"
	"github.com/connectomics/chunkedgraph/store"
)

// RootResolver resolves a root id to its current latest root ids; Lineage
// satisfies this. Declared here (rather than imported from graph) so lock
// does not depend on graph, which itself depends on lock for EditEngine.
type RootResolver interface {
	Latest(ctx context.Context, root idcodec.NodeID) ([]idcodec.NodeID, error)
}

// Manager implements the root lock discipline: acquire, acquire-many
// with rollback-and-retry, renew, release, and an indefinite variant used
// just before the write phase of an edit.
type Manager struct {
	backend store.Backend
	meta    *graphmeta.Meta
	clock   utils.Clock
	logger  utils.Logger
}

// NewManager builds a lock Manager over backend using meta's expiry and
// retry budget. clock defaults to utils.NewRealClock() when nil, and logger
// defaults to a no-op Logger when nil.
func NewManager(backend store.Backend, meta *graphmeta.Meta, clock utils.Clock, logger utils.Logger) *Manager {
	if clock == nil {
		clock = utils.NewRealClock()
	}
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	return &Manager{backend: backend, meta: meta, clock: clock, logger: logger}
}

const lockValueLen = 9 // 8 bytes operation id + 1 byte indefinite flag

func encodeLockValue(operationID uint64, indefinite bool) []byte {
	buf := make([]byte, lockValueLen)
	binary.BigEndian.PutUint64(buf, operationID)
	if indefinite {
		buf[8] = 1
	}
	return buf
}

func decodeLockValue(v []byte) (operationID uint64, indefinite bool, ok bool) {
	if len(v) < 8 {
		return 0, false, false
	}
	operationID = binary.BigEndian.Uint64(v[:8])
	indefinite = len(v) >= lockValueLen && v[8] == 1
	return operationID, indefinite, true
}

func (m *Manager) expiry() time.Duration {
	return time.Duration(m.meta.LockExpirySeconds()) * time.Second
}

// LockSingle attempts to acquire root's lock for operationID. It fails (no
// error, acquired=false) when the root is currently locked within the
// expiry window, or when the root has already been superseded (carries a
// NewParent cell) — both cases mean the caller should resolve to the
// latest root and/or back off, not retry the same root blindly.
func (m *Manager) LockSingle(ctx context.Context, root idcodec.NodeID, operationID uint64) (bool, error) {
	now := m.clock.Now()
	cutoff := now.Add(-m.expiry())

	pred := func(existing store.Row) bool {
		if cells := existing[store.ColLock]; len(cells) > 0 && !cells[0].Timestamp.Before(cutoff) {
			return true
		}
		if cells := existing[store.ColNewParent]; len(cells) > 0 {
			return true
		}
		return false
	}

	failed, err := m.backend.ConditionalWrite(ctx, store.NodeRowKey(root), pred,
		nil,
		map[store.Column][]byte{store.ColLock: encodeLockValue(operationID, false)},
	)
	if err != nil {
		return false, err
	}
	return !failed, nil
}

// Unlock releases root's lock iff it is still held (unexpired) by
// operationID; used both for the normal release path and to roll back
// partial acquisitions in LockRoots.
func (m *Manager) Unlock(ctx context.Context, root idcodec.NodeID, operationID uint64) error {
	cutoff := m.clock.Now().Add(-m.expiry())
	pred := func(existing store.Row) bool {
		cells := existing[store.ColLock]
		if len(cells) == 0 || cells[0].Timestamp.Before(cutoff) {
			return false
		}
		opID, _, ok := decodeLockValue(cells[0].Value)
		return ok && opID == operationID
	}
	_, err := m.backend.ConditionalDelete(ctx, store.NodeRowKey(root), pred, []store.Column{store.ColLock})
	return err
}

// dedupeRoots returns roots with duplicates removed, order-preserving.
func dedupeRoots(roots []idcodec.NodeID) []idcodec.NodeID {
	seen := make(map[idcodec.NodeID]struct{}, len(roots))
	out := make([]idcodec.NodeID, 0, len(roots))
	for _, r := range roots {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// LockRoots resolves each requested root to its latest root id(s) via
// resolver, then attempts to lock the deduped latest set. On any single
// failure it rolls back every lock acquired so far in this attempt and
// retries up to meta.MaxLockTries(), sleeping 0.5s between attempts. It
// reports the actually-locked root set, which may differ from rootIDs.
func (m *Manager) LockRoots(ctx context.Context, resolver RootResolver, rootIDs []idcodec.NodeID, operationID uint64) ([]idcodec.NodeID, error) {
	maxTries := m.meta.MaxLockTries()
	const backoff = 500 * time.Millisecond

	var latest []idcodec.NodeID
	for try := 0; try < maxTries; try++ {
		var resolved []idcodec.NodeID
		for _, root := range rootIDs {
			future, err := resolver.Latest(ctx, root)
			if err != nil {
				return nil, err
			}
			if len(future) == 0 {
				resolved = append(resolved, root)
			} else {
				resolved = append(resolved, future...)
			}
		}
		latest = dedupeRoots(resolved)

		acquired := true
		var locked []idcodec.NodeID
		for _, root := range latest {
			ok, err := m.LockSingle(ctx, root, operationID)
			if err != nil {
				for _, l := range locked {
					_ = m.Unlock(ctx, l, operationID)
				}
				return nil, err
			}
			if !ok {
				acquired = false
				for _, l := range locked {
					_ = m.Unlock(ctx, l, operationID)
				}
				break
			}
			locked = append(locked, root)
		}

		if acquired {
			return latest, nil
		}

		m.logger.Debug("root lock attempt failed, retrying", "operation_id", operationID, "try", try, "roots", len(latest))

		if try < maxTries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-m.clock.After(backoff):
			}
		}
	}
	m.logger.Warn("root lock exhausted retry budget", "operation_id", operationID, "roots", len(latest))
	return nil, errs.Lock("could not acquire root lock within max_tries")
}

// Renew implements store.LockRenewer: every rootID's lock must currently be
// held by operationID (regardless of expiry — a renewal call implies the
// caller already believes it holds the lock) and the root must not have
// been superseded; on success the lock cell's timestamp is refreshed.
func (m *Manager) Renew(ctx context.Context, rootIDs []idcodec.NodeID, operationID uint64) error {
	for _, root := range rootIDs {
		pred := func(existing store.Row) bool {
			cells := existing[store.ColLock]
			if len(cells) == 0 {
				return true
			}
			opID, _, ok := decodeLockValue(cells[0].Value)
			if !ok || opID != operationID {
				return true
			}
			if newParent := existing[store.ColNewParent]; len(newParent) > 0 {
				return true
			}
			return false
		}
		failed, err := m.backend.ConditionalWrite(ctx, store.NodeRowKey(root), pred,
			nil,
			map[store.Column][]byte{store.ColLock: encodeLockValue(operationID, false)},
		)
		if err != nil {
			return err
		}
		if failed {
			return errs.Lock("could not renew root lock")
		}
	}
	return nil
}

// LockIndefinitely re-takes every root's lock without a time-expiry
// predicate, conditioned on no existing indefinite lock on that root; used
// immediately before the write phase so a renewed-but-still-expiring lock
// cannot lapse mid bulk-write.
func (m *Manager) LockIndefinitely(ctx context.Context, rootIDs []idcodec.NodeID, operationID uint64) error {
	var locked []idcodec.NodeID
	for _, root := range rootIDs {
		pred := func(existing store.Row) bool {
			cells := existing[store.ColLock]
			if len(cells) == 0 {
				return false
			}
			_, indefinite, ok := decodeLockValue(cells[0].Value)
			return ok && indefinite
		}
		failed, err := m.backend.ConditionalWrite(ctx, store.NodeRowKey(root), pred,
			nil,
			map[store.Column][]byte{store.ColLock: encodeLockValue(operationID, true)},
		)
		if err != nil {
			for _, l := range locked {
				_ = m.Unlock(ctx, l, operationID)
			}
			return err
		}
		if failed {
			for _, l := range locked {
				_ = m.Unlock(ctx, l, operationID)
			}
			return errs.Lock("root already locked indefinitely")
		}
		locked = append(locked, root)
	}
	return nil
}
