package graph

import (
	"context"
	"time"

	"github.com/connectomics/chunkedgraph/graphmeta"
	"github.com/connectomics/chunkedgraph/idcodec"
	"github.com/connectomics/chunkedgraph/store"
)

// Lineage answers root-history questions: where a root's ids went after an
// edit (FutureRoots/Latest) or came from (PastRoots), and what operation
// produced any given transition (ChangeLog). It satisfies lock.RootResolver
// via Latest.
type Lineage struct {
	backend store.Backend
	meta    *graphmeta.Meta
}

// NewLineage builds a Lineage reader over backend.
func NewLineage(backend store.Backend, meta *graphmeta.Meta) *Lineage {
	return &Lineage{backend: backend, meta: meta}
}

func (l *Lineage) readOne(ctx context.Context, id idcodec.NodeID, columns []store.Column) (store.Row, error) {
	rows, err := store.BatchedReadRows(ctx, l.backend, []store.RowKey{store.NodeRowKey(id)}, columns, nil, nil)
	if err != nil {
		return nil, err
	}
	return rows[store.NodeRowKey(id)], nil
}

// successorsSince returns root's NewParent successors, paired with the
// timestamp of the cell that named them.
func (l *Lineage) successorsSince(ctx context.Context, root idcodec.NodeID) ([]idcodec.NodeID, time.Time, error) {
	row, err := l.readOne(ctx, root, []store.Column{store.ColNewParent})
	if err != nil {
		return nil, time.Time{}, err
	}
	cells := row[store.ColNewParent]
	if len(cells) == 0 {
		return nil, time.Time{}, nil
	}
	return decodeNodeIDs(cells[0].Value), cells[0].Timestamp, nil
}

func (l *Lineage) predecessors(ctx context.Context, root idcodec.NodeID) ([]idcodec.NodeID, time.Time, error) {
	row, err := l.readOne(ctx, root, []store.Column{store.ColFormerParent})
	if err != nil {
		return nil, time.Time{}, err
	}
	cells := row[store.ColFormerParent]
	if len(cells) == 0 {
		return nil, time.Time{}, nil
	}
	return decodeNodeIDs(cells[0].Value), cells[0].Timestamp, nil
}

// FutureRoots BFS-walks NewParent edges forward from root, stopping a branch
// once its transition timestamp exceeds until. Returns every descendant
// root reached, excluding root itself.
func (l *Lineage) FutureRoots(ctx context.Context, root idcodec.NodeID, until time.Time) ([]idcodec.NodeID, error) {
	visited := map[idcodec.NodeID]bool{root: true}
	var out []idcodec.NodeID
	frontier := []idcodec.NodeID{root}
	for len(frontier) > 0 {
		var next []idcodec.NodeID
		for _, r := range frontier {
			successors, ts, err := l.successorsSince(ctx, r)
			if err != nil {
				return nil, err
			}
			if len(successors) == 0 || ts.After(until) {
				continue
			}
			for _, s := range successors {
				if visited[s] {
					continue
				}
				visited[s] = true
				out = append(out, s)
				next = append(next, s)
			}
		}
		frontier = next
	}
	return out, nil
}

// PastRoots is FutureRoots' mirror, walking FormerParent backward and
// stopping once a transition predates since.
func (l *Lineage) PastRoots(ctx context.Context, root idcodec.NodeID, since time.Time) ([]idcodec.NodeID, error) {
	visited := map[idcodec.NodeID]bool{root: true}
	var out []idcodec.NodeID
	frontier := []idcodec.NodeID{root}
	for len(frontier) > 0 {
		var next []idcodec.NodeID
		for _, r := range frontier {
			preds, ts, err := l.predecessors(ctx, r)
			if err != nil {
				return nil, err
			}
			if len(preds) == 0 || ts.Before(since) {
				continue
			}
			for _, p := range preds {
				if visited[p] {
					continue
				}
				visited[p] = true
				out = append(out, p)
				next = append(next, p)
			}
		}
		frontier = next
	}
	return out, nil
}

// Latest walks NewParent forward to exhaustion (no time bound) and returns
// every leaf root reached; a root with no NewParent cell is its own latest.
// This is the method that satisfies lock.RootResolver.
func (l *Lineage) Latest(ctx context.Context, root idcodec.NodeID) ([]idcodec.NodeID, error) {
	visited := map[idcodec.NodeID]bool{root: true}
	var leaves []idcodec.NodeID
	frontier := []idcodec.NodeID{root}
	for len(frontier) > 0 {
		var next []idcodec.NodeID
		for _, r := range frontier {
			successors, _, err := l.successorsSince(ctx, r)
			if err != nil {
				return nil, err
			}
			if len(successors) == 0 {
				leaves = append(leaves, r)
				continue
			}
			for _, s := range successors {
				if visited[s] {
					continue
				}
				visited[s] = true
				next = append(next, s)
			}
		}
		frontier = next
	}
	if len(leaves) == 0 {
		return []idcodec.NodeID{root}, nil
	}
	return leaves, nil
}

// History returns the union of root's past roots (since pastCutoff), root
// itself, and its future roots (until futureCutoff).
func (l *Lineage) History(ctx context.Context, root idcodec.NodeID, pastCutoff, futureCutoff time.Time) ([]idcodec.NodeID, error) {
	past, err := l.PastRoots(ctx, root, pastCutoff)
	if err != nil {
		return nil, err
	}
	future, err := l.FutureRoots(ctx, root, futureCutoff)
	if err != nil {
		return nil, err
	}
	out := make([]idcodec.NodeID, 0, len(past)+1+len(future))
	out = append(out, past...)
	out = append(out, root)
	out = append(out, future...)
	return out, nil
}

// ChangeLogEntry describes a single predecessor->successor transition:
// the operation that produced it, and whether it added or removed an edge.
type ChangeLogEntry struct {
	Root          idcodec.NodeID
	OperationID   uint64
	IsMerge       bool
	AddedEdges    []Edge
	RemovedEdges  []Edge
	UserID        string
	Timestamp     time.Time
}

// ChangeLog walks FormerParent backward from root until predating since,
// and for each predecessor recovers the operation that split or merged it
// by reading its Lock cell (the operation id that last held it) and that
// operation's log row.
func (l *Lineage) ChangeLog(ctx context.Context, root idcodec.NodeID, since time.Time) ([]ChangeLogEntry, error) {
	visited := map[idcodec.NodeID]bool{root: true}
	var entries []ChangeLogEntry
	frontier := []idcodec.NodeID{root}
	for len(frontier) > 0 {
		var next []idcodec.NodeID
		for _, r := range frontier {
			preds, ts, err := l.predecessors(ctx, r)
			if err != nil {
				return nil, err
			}
			if len(preds) == 0 || ts.Before(since) {
				continue
			}
			for _, p := range preds {
				entry, err := l.entryFor(ctx, p, r, ts)
				if err != nil {
					return nil, err
				}
				if entry != nil {
					entries = append(entries, *entry)
				}
				if !visited[p] {
					visited[p] = true
					next = append(next, p)
				}
			}
		}
		frontier = next
	}
	return entries, nil
}

func (l *Lineage) entryFor(ctx context.Context, predecessor, successor idcodec.NodeID, transitionTime time.Time) (*ChangeLogEntry, error) {
	row, err := l.readOne(ctx, predecessor, []store.Column{store.ColLock})
	if err != nil {
		return nil, err
	}
	cells := row[store.ColLock]
	if len(cells) == 0 {
		return nil, nil
	}
	opID, ok := decodeOperationIDFromLock(cells[0].Value)
	if !ok {
		return nil, nil
	}

	logRows, err := store.BatchedReadRows(ctx, l.backend,
		[]store.RowKey{store.LogRowKey(opID)}, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	logRow := logRows[store.LogRowKey(opID)]
	entry := &ChangeLogEntry{Root: successor, OperationID: opID, Timestamp: transitionTime}
	if cells := logRow[store.ColLogAddedEdge]; len(cells) > 0 {
		entry.AddedEdges = decodeEdges(cells[0].Value)
	}
	if cells := logRow[store.ColLogRemovedEdge]; len(cells) > 0 {
		entry.RemovedEdges = decodeEdges(cells[0].Value)
	}
	if cells := logRow[store.ColLogUserID]; len(cells) > 0 {
		entry.UserID = string(cells[0].Value)
	}
	entry.IsMerge = len(entry.AddedEdges) > 0
	return entry, nil
}

// decodeOperationIDFromLock extracts just the operation id prefix of a lock
// cell value; it does not need to understand the indefinite-flag byte the
// lock package appends, only the 8-byte big-endian id every lock shares.
func decodeOperationIDFromLock(v []byte) (uint64, bool) {
	if len(v) < 8 {
		return 0, false
	}
	ids := decodeUint64s(v[:8])
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}
