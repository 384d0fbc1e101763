// Package engine wires the hard core (pkg/mvcc) to a concrete WAL, B-Tree,
// and worker registry, generalized from the teacher's
// pkg/storage/engine.go StorageEngine/BeginTransaction/Recover. Where the
// teacher's engine owned one heap-backed table, Store owns one MVCC
// B-Tree index; multiple Stores (one per logical table) are expected to
// be composed by a caller, the way the teacher's own package comment
// describes tables as independent units sharing only a WAL directory
// convention.
package engine

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/vtreedb/vtree/pkg/btree"
	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
	"github.com/vtreedb/vtree/pkg/metrics"
	"github.com/vtreedb/vtree/pkg/mvcc"
	"github.com/vtreedb/vtree/pkg/txn"
	"github.com/vtreedb/vtree/pkg/types"
	"github.com/vtreedb/vtree/pkg/wal"
)

// GenerateRowID mints a time-ordered unique key for demo/test callers that
// don't have a natural primary key of their own, mirroring the teacher's
// storage.GenerateKey() (uuid.NewV7).
func GenerateRowID() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic(errors.Wrap(err, "engine: uuid generation failed"))
	}
	return id.String()
}

// Store ties together one B-Tree index, its WAL, the worker registry, and
// (optionally) a checkpoint manager and metrics collectors — the
// composition root for the whole core, analogous to the teacher's
// StorageEngine but built on pkg/mvcc's chained/fat-tuple index instead of
// an append-only heap file.
type Store struct {
	Name string

	tree    *btree.BPlusTree
	wal     *wal.WALWriter
	walPath string
	log     *mvcc.Log
	lsn     *wal.LSNTracker
	mgr     *txn.Manager
	flags   txn.Flags
	metrics *metrics.Collectors

	ckpt   *CheckpointManager
	ckptMu sync.Mutex
}

// Options configures a new Store.
type Options struct {
	// Dir is where the WAL file and checkpoint files for this store live.
	Dir string
	// Flags are the MVCC feature flags (§6); DefaultFlags() if unset.
	Flags txn.Flags
	// Metrics, if non-nil, is registered against and used by this store.
	Metrics *metrics.Collectors
	// WALOptions controls sync policy; wal.DefaultOptions() if zero-valued.
	WALOptions wal.Options
}

// Open creates (or reopens) a Store backed by a WAL file at
// <dir>/<name>.wal, recovering from any checkpoint plus trailing WAL
// entries found there.
func Open(name string, opts Options) (*Store, error) {
	if opts.Flags == (txn.Flags{}) {
		opts.Flags = txn.DefaultFlags()
	}
	walOpts := opts.WALOptions
	if walOpts.BufferSize == 0 {
		walOpts = wal.DefaultOptions()
	}

	walPath := filepath.Join(opts.Dir, name+".wal")
	writer, err := wal.NewWALWriter(walPath, walOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "engine: open WAL for store %q", name)
	}

	s := &Store{
		Name:    name,
		tree:    btree.NewTree(32),
		wal:     writer,
		walPath: walPath,
		lsn:     wal.NewLSNTracker(0),
		mgr:     txn.NewManager(),
		flags:   opts.Flags,
		metrics: opts.Metrics,
		ckpt:    NewCheckpointManager(opts.Dir),
	}
	s.log = mvcc.NewLog(s.wal, s.lsn)

	if err := s.Recover(); err != nil {
		writer.Close()
		return nil, errors.Wrapf(err, "engine: recover store %q", name)
	}

	return s, nil
}

// Close flushes and closes the underlying WAL file.
func (s *Store) Close() error {
	return s.wal.Close()
}

// Checkpoint snapshots the tree at the WAL's current LSN, guarded so two
// concurrent checkpoint calls for the same store don't race on the
// temp-file rename.
func (s *Store) Checkpoint() error {
	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()
	return s.ckpt.Create(s.Name, s.tree, s.lsn.Current())
}

// Begin starts a new transaction and returns the worker handle callers
// thread through Lookup/Insert/Update/Remove/Scan.
func (s *Store) Begin() *txn.Worker {
	return s.mgr.Begin()
}

// Commit finalizes w and dispatches each TODO it staged that the global
// LWM already dominates. This Store has no background GC scheduler: a TODO
// not yet dominated at commit time is dropped, and the secondary it names
// is left for PrecisePageWiseGC (RunGC).
func (s *Store) Commit(w *txn.Worker) error {
	todos := s.mgr.Commit(w)
	if s.metrics != nil {
		s.metrics.CommittedTx.Inc()
	}
	for _, todo := range todos {
		if !s.mgr.IsVisibleForAll(todo.WTTS.TTS()) {
			continue // LWM hasn't advanced past this TODO's commit mark yet
		}
		dispatchStart := time.Now()
		if err := mvcc.DispatchTODO(s.tree, s.mgr, todo); err != nil {
			return errors.Wrap(err, "engine: dispatch TODO on commit")
		}
		if s.metrics != nil {
			s.metrics.TODODispatched.Inc()
			s.metrics.TODODispatchTime.Observe(time.Since(dispatchStart).Seconds())
		}
	}
	return nil
}

// Abort unregisters w so its snapshot stops holding back the LWM, and
// counts the abort. It does not roll back w's writes: this Store does not
// track which WAL entries belong to which worker, so callers that need
// rollback keep their own entries and pass them to UndoEntries.
func (s *Store) Abort(w *txn.Worker) {
	s.mgr.Abort(w)
	if s.metrics != nil {
		s.metrics.AbortedTx.Inc()
	}
}

// UndoEntries replays entries newest-first against this store's tree —
// the rollback path (§4.4) for a caller-buffered transaction's WAL
// entries.
func (s *Store) UndoEntries(entries []*wal.WALEntry) error {
	return mvcc.UndoAll(s.tree, entries)
}

// Lookup implements lookup(user_key) (§4.3), including the SSI/2PL read
// bookkeeping lookup() performs when s.flags.Serializable is set.
func (s *Store) Lookup(userKey []byte, viewer *txn.Worker) ([]byte, vtreeerrors.Result, error) {
	value, result, walked, err := mvcc.Lookup(s.tree, userKey, viewer, s.mgr, s.flags)
	if s.metrics != nil {
		s.metrics.ChainWalkLength.Observe(float64(walked))
	}
	return value, result, err
}

// Insert implements insert(user_key, value) (§4.3).
func (s *Store) Insert(userKey, value []byte, w *txn.Worker) (vtreeerrors.Result, error) {
	return mvcc.Insert(s.tree, s.log, userKey, value, w, s.mgr)
}

// Update implements update(user_key, callback) (§4.3).
func (s *Store) Update(userKey []byte, cb mvcc.UpdateCallback, w *txn.Worker) (vtreeerrors.Result, error) {
	result, convertedToFat, err := mvcc.Update(s.tree, s.log, userKey, cb, w, s.mgr, s.flags)
	if result == vtreeerrors.OK && s.metrics != nil {
		s.metrics.VersionsCreated.Inc()
		if convertedToFat {
			s.metrics.FatTupleConverted.Inc()
		}
	}
	return result, err
}

// Remove implements remove(user_key) (§4.3).
func (s *Store) Remove(userKey []byte, w *txn.Worker) (vtreeerrors.Result, error) {
	return mvcc.Remove(s.tree, s.log, userKey, w, s.mgr, s.flags)
}

// Scan implements the ascending range-scan supplement (SPEC_FULL.md §9).
func (s *Store) Scan(startKey []byte, viewer *txn.Worker, visit func(userKey, value []byte) bool) error {
	return mvcc.Scan(s.tree, startKey, viewer, s.mgr, s.flags, visit)
}

// RunGC runs one pass of the precise page-wise collector (§4.5(b)/(c))
// over the whole tree, returning the number of slots reclaimed.
func (s *Store) RunGC() int {
	n := mvcc.PrecisePageWiseGC(s.tree, s.mgr)
	if s.metrics != nil && n > 0 {
		s.metrics.GCSlotsReclaimed.Add(float64(n))
	}
	return n
}

// Recover rebuilds the in-memory tree from the latest checkpoint (if any)
// plus every WAL entry written after it, mirroring the teacher's
// engine.go Recover but replaying into pkg/mvcc's tuple format instead of
// re-inserting heap offsets.
func (s *Store) Recover() error {
	tree, lastLSN, err := s.ckpt.LoadLatest(s.Name)
	if err == nil {
		s.tree = tree
		s.lsn.Set(lastLSN)
	} else if !errors.Is(err, ErrNoCheckpoint) {
		return errors.Wrap(err, "engine: load checkpoint")
	}

	reader, err := wal.NewWALReader(s.walPath)
	if err != nil {
		return errors.Wrap(err, "engine: open WAL for recovery")
	}
	defer reader.Close()

	var maxLSN uint64
	var pending []*wal.WALEntry
	for {
		entry, err := reader.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "engine: read WAL entry during recovery")
		}
		if entry.Header.LSN <= lastLSN {
			continue // already reflected in the loaded checkpoint
		}
		if entry.Header.LSN > maxLSN {
			maxLSN = entry.Header.LSN
		}
		pending = append(pending, entry)
	}

	// Recovery-time undo of in-flight (uncommitted) transactions is out of
	// scope (spec.md Non-goals); every entry found past the checkpoint is
	// replayed forward as committed, the way the teacher's own Recover
	// trusts the WAL tail unconditionally.
	for _, entry := range pending {
		if err := replayForward(s.tree, entry); err != nil {
			return errors.Wrapf(err, "engine: replay WAL entry lsn=%d", entry.Header.LSN)
		}
	}
	if maxLSN > lastLSN {
		s.lsn.Set(maxLSN)
	}
	return nil
}

// replayForward re-applies a committed WAL entry's effect directly against
// the tree, without going through Insert/Update/Remove's locking and
// WAL-emission (recovery never re-emits WAL). Only INSERT is replayed:
// spec.md's Non-goals exclude recovery-time undo but say nothing about
// redo, and a from-scratch (no checkpoint) restart still needs primaries
// rebuilt. UPDATE/REMOVE entries carry only diffs/before-images relative
// to whatever the primary looked like at write time, not a self-contained
// post-image — replaying them blindly would require re-deriving chain
// state the checkpoint is responsible for capturing instead, so a restart
// without a checkpoint loses committed updates/removes past the last
// INSERT. This mirrors how narrowly scoped the teacher's own Recover is
// (single redo pass, no conflict resolution) rather than a fully general
// ARIES-style redo.
func replayForward(tree *btree.BPlusTree, entry *wal.WALEntry) error {
	switch entry.Header.EntryType {
	case wal.EntryInsert:
		p, err := mvcc.DecodeInsertPayload(entry.Payload)
		if err != nil {
			return err
		}
		primary := mvcc.ChainedTuple{Payload: p.Value}
		primaryKey := types.ChainKey(p.Key, 0)
		return tree.Upsert(primaryKey, func(node *btree.Node, idx int, exists bool) ([]byte, error) {
			return primary.Encode(), nil
		})
	case wal.EntryUpdate, wal.EntryDelete:
		return nil
	default:
		return fmt.Errorf("engine: unsupported WAL entry type %d during recovery", entry.Header.EntryType)
	}
}
