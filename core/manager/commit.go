package manager

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

// CommitTransactions validates, logs and applies one batch. txs holds the
// snapshots of every transaction to resolve; ids listed in readOnly (and
// snapshots without writes) are validated as readers and leave no record.
// The returned map has one outcome per submitted id.
func (m *Manager) CommitTransactions(ctx context.Context, txs []transaction.Snapshot, readOnly []transaction.ID) (map[transaction.ID]transaction.Outcome, error) {
	ctx, span := m.tracer.Start(ctx, "manager.CommitTransactions",
		trace.WithAttributes(
			attribute.Int("batch.size", len(txs)),
			attribute.Int("batch.read_only", len(readOnly)),
		))
	defer span.End()

	var outcomes map[transaction.ID]transaction.Outcome
	err := m.do(ctx, func() {
		began := time.Now()
		outcomes = m.commitBatch(txs, readOnly)
		m.observeStep("commit", len(txs), began)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return outcomes, nil
}

// winner is a writer that passed validation and waits for the log append.
type winner struct {
	snap     *transaction.Snapshot
	versions map[transaction.ResourceRef]transaction.Version
}

// batchView is the committed table as seen by a batch: committed versions
// overlaid with the versions staged by earlier winners of the same batch.
type batchView struct {
	table     *table
	staged    map[transaction.ResourceRef]transaction.Version
	writtenBy map[transaction.ResourceRef]transaction.ID
}

func (v *batchView) version(ref transaction.ResourceRef) transaction.Version {
	if staged, ok := v.staged[ref]; ok {
		return staged
	}
	return v.table.version(ref)
}

// readsCurrent reports whether every observed version still matches.
func (v *batchView) readsCurrent(readSet map[transaction.ResourceRef]transaction.Version) bool {
	for ref, observed := range readSet {
		if v.version(ref) != observed {
			return false
		}
	}
	return true
}

func (m *Manager) commitBatch(txs []transaction.Snapshot, readOnly []transaction.ID) map[transaction.ID]transaction.Outcome {
	now := m.opts.Clock()
	outcomes := make(map[transaction.ID]transaction.Outcome, len(txs)+len(readOnly))

	readOnlyIDs := make(map[transaction.ID]struct{}, len(readOnly))
	for _, id := range readOnly {
		readOnlyIDs[id] = struct{}{}
	}

	var writers, readers []*transaction.Snapshot
	seen := make(map[transaction.ID]struct{}, len(txs))
	for i := range txs {
		snap := &txs[i]
		if _, dup := seen[snap.ID]; dup {
			continue
		}
		seen[snap.ID] = struct{}{}
		_, ro := readOnlyIDs[snap.ID]
		if ro || snap.ReadOnly || len(snap.WriteSet) == 0 {
			readers = append(readers, snap)
		} else {
			writers = append(writers, snap)
		}
	}
	// A read-only id without a snapshot read nothing.
	for id := range readOnlyIDs {
		if _, ok := seen[id]; !ok {
			readers = append(readers, &transaction.Snapshot{ID: id, ReadOnly: true})
		}
	}
	sort.Slice(writers, func(i, j int) bool { return writers[i].ID < writers[j].ID })
	sort.Slice(readers, func(i, j int) bool { return readers[i].ID < readers[j].ID })

	view := &batchView{
		table:     m.table,
		staged:    make(map[transaction.ResourceRef]transaction.Version),
		writtenBy: make(map[transaction.ResourceRef]transaction.ID),
	}

	// Writers in ascending id order: the lower id wins a write-write race.
	var winners []winner
	for _, snap := range writers {
		if o, done := m.checkDeadline(snap, now); done {
			outcomes[snap.ID] = o
			continue
		}
		if !view.readsCurrent(snap.ReadSet) || writesTaken(view, snap) {
			outcomes[snap.ID] = m.abort(snap.ID, transaction.ReasonVersionConflict)
			continue
		}
		w := winner{snap: snap, versions: make(map[transaction.ResourceRef]transaction.Version, len(snap.WriteSet))}
		for ref := range snap.WriteSet {
			v := view.version(ref) + 1
			view.staged[ref] = v
			view.writtenBy[ref] = snap.ID
			w.versions[ref] = v
		}
		winners = append(winners, w)
	}

	// Readers are checked at the decision point, after every winner is staged.
	var validReaders []*transaction.Snapshot
	for _, snap := range readers {
		if o, done := m.checkDeadline(snap, now); done {
			outcomes[snap.ID] = o
			continue
		}
		if !view.readsCurrent(snap.ReadSet) {
			outcomes[snap.ID] = m.abort(snap.ID, transaction.ReasonVersionConflict)
			continue
		}
		validReaders = append(validReaders, snap)
	}

	if len(winners) > 0 {
		firstLSN, err := m.appendWinners(winners, now)
		if err != nil {
			m.logger.Error("Commit log append failed, aborting batch",
				zap.Int("writers", len(winners)),
				zap.Int("readers", len(validReaders)),
				zap.Error(err),
			)
			for _, w := range winners {
				outcomes[w.snap.ID] = m.abort(w.snap.ID, transaction.ReasonSystemFailure)
			}
			for _, snap := range validReaders {
				outcomes[snap.ID] = m.abort(snap.ID, transaction.ReasonSystemFailure)
			}
			return outcomes
		}
		for i, w := range winners {
			lsn := firstLSN + wal.LSN(i)
			for ref, v := range w.versions {
				m.table.put(ref, v, w.snap.WriteSet[ref], lsn)
			}
			outcomes[w.snap.ID] = m.commit(w.snap.ID, uint64(lsn), w.versions)
		}
		m.lastLSN = firstLSN + wal.LSN(len(winners)) - 1
	}
	for _, snap := range validReaders {
		outcomes[snap.ID] = m.commit(snap.ID, 0, nil)
	}
	return outcomes
}

// checkDeadline removes snap from the active set. It decides the outcome
// when the transaction is expired or not active at all.
func (m *Manager) checkDeadline(snap *transaction.Snapshot, now time.Time) (transaction.Outcome, bool) {
	deadline, ok := m.active.deadline(snap.ID)
	if !ok {
		return m.resolveInactive(snap.ID, snap.Deadline, now), true
	}
	m.active.remove(snap.ID)
	m.metrics.ActiveUpDownCounter.Add(context.Background(), -1)
	if now.After(deadline) {
		return m.abort(snap.ID, transaction.ReasonTimeout), true
	}
	return transaction.Outcome{}, false
}

// resolveInactive decides for an id that is not in the active set: it was
// swept after its deadline, already resolved, or never issued.
func (m *Manager) resolveInactive(id transaction.ID, deadline time.Time, now time.Time) transaction.Outcome {
	if id < m.nextID && !deadline.IsZero() && now.After(deadline) {
		return m.abort(id, transaction.ReasonTimeout)
	}
	return m.abort(id, transaction.ReasonUnknownTransaction)
}

func writesTaken(view *batchView, snap *transaction.Snapshot) bool {
	for ref := range snap.WriteSet {
		if _, taken := view.writtenBy[ref]; taken {
			return true
		}
	}
	return false
}

// appendWinners writes one commit record per winner in a single group append.
func (m *Manager) appendWinners(winners []winner, now time.Time) (wal.LSN, error) {
	records := make([]*wal.CommitRecord, len(winners))
	for i, w := range winners {
		refs := make([]transaction.ResourceRef, 0, len(w.versions))
		for ref := range w.versions {
			refs = append(refs, ref)
		}
		sort.Slice(refs, func(a, b int) bool { return refs[a] < refs[b] })

		writes := make([]wal.Write, len(refs))
		for j, ref := range refs {
			writes[j] = wal.Write{Resource: ref, Version: w.versions[ref], Value: w.snap.WriteSet[ref]}
		}
		records[i] = &wal.CommitRecord{
			Type:      wal.RecordTypeCommit,
			TxnID:     w.snap.ID,
			Timestamp: now.UnixNano(),
			Writes:    writes,
		}
	}

	began := time.Now()
	lsn, err := m.log.Append(records...)
	m.metrics.LogAppendHistogram.Record(context.Background(), float64(time.Since(began).Microseconds())/1000)
	return lsn, err
}

func (m *Manager) commit(id transaction.ID, lsn uint64, versions map[transaction.ResourceRef]transaction.Version) transaction.Outcome {
	m.committed++
	m.metrics.CommittedCounter.Add(context.Background(), 1)
	return transaction.Committed(id, lsn, versions)
}
