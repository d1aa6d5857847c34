package rocks

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tecbot/gorocksdb"
	"go.uber.org/zap"

	"github.com/rocks2redis/rocks2redis/storage"
)

const defaultPollInterval = 100 * time.Millisecond

// Engine opens a RocksDB database read-only and exposes its WAL as a change
// log plus point lookups and snapshots for the decoder and full sync. The
// writing process keeps owning the database; this process never mutates it.
type Engine struct {
	db           *gorocksdb.DB
	opts         *gorocksdb.Options
	cfOpts       []*gorocksdb.Options
	cfNames      []string
	handles      map[string]*gorocksdb.ColumnFamilyHandle
	ro           *gorocksdb.ReadOptions
	pollInterval time.Duration
}

func Open(dir string, pollInterval time.Duration) (*Engine, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	// Options objects are C allocations and stay owned by the engine until
	// Close.
	opts := gorocksdb.NewDefaultOptions()
	cfNames, err := gorocksdb.ListColumnFamilies(opts, dir)
	if err != nil {
		opts.Destroy()
		return nil, errors.Annotatef(err, "list column families of %s", dir)
	}
	cfOpts := make([]*gorocksdb.Options, len(cfNames))
	for i := range cfOpts {
		cfOpts[i] = gorocksdb.NewDefaultOptions()
	}
	destroyOpts := func() {
		opts.Destroy()
		for _, o := range cfOpts {
			o.Destroy()
		}
	}
	db, cfHandles, err := gorocksdb.OpenDbForReadOnlyColumnFamilies(opts, dir, cfNames, cfOpts, false)
	if err != nil {
		destroyOpts()
		return nil, errors.Annotatef(err, "open %s read-only", dir)
	}
	handles := make(map[string]*gorocksdb.ColumnFamilyHandle, len(cfNames))
	for i, name := range cfNames {
		handles[name] = cfHandles[i]
	}
	if handles[storage.CfMetadata] == nil {
		for _, h := range cfHandles {
			h.Destroy()
		}
		db.Close()
		destroyOpts()
		return nil, errors.Errorf("database %s has no %q column family", dir, storage.CfMetadata)
	}
	ro := gorocksdb.NewDefaultReadOptions()
	ro.SetFillCache(false)
	log.Info("opened source database", zap.String("dir", dir), zap.Strings("column-families", cfNames))
	return &Engine{
		db:           db,
		opts:         opts,
		cfOpts:       cfOpts,
		cfNames:      cfNames,
		handles:      handles,
		ro:           ro,
		pollInterval: pollInterval,
	}, nil
}

func (e *Engine) Close() {
	e.ro.Destroy()
	// Handles must go before the database they belong to.
	for _, h := range e.handles {
		h.Destroy()
	}
	e.db.Close()
	e.opts.Destroy()
	for _, o := range e.cfOpts {
		o.Destroy()
	}
}

func (e *Engine) LatestSequence() uint64 {
	return e.db.GetLatestSequenceNumber()
}

func (e *Engine) LookupMetadata(key []byte) ([]byte, error) {
	slice, err := e.db.GetCF(e.ro, e.handles[storage.CfMetadata], key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer slice.Free()
	if !slice.Exists() {
		return nil, nil
	}
	value := make([]byte, len(slice.Data()))
	copy(value, slice.Data())
	return value, nil
}

// columnGroup maps a write-batch column family id back to its name. Id 0 is
// always the default column family.
func (e *Engine) columnGroup(cf int) (string, bool) {
	if cf < 0 || cf >= len(e.cfNames) {
		return "", false
	}
	return e.cfNames[cf], true
}

func (e *Engine) OpenChangeCursor(fromSeq uint64) (storage.ChangeCursor, error) {
	c := &walCursor{eng: e, next: fromSeq, closed: make(chan struct{})}
	// A fresh log position right after the newest record is valid even though
	// the iterator has nothing to return yet.
	if fromSeq <= e.LatestSequence() {
		iter, err := e.db.GetUpdatesSince(fromSeq)
		if err != nil {
			return nil, errors.Annotatef(err, "open WAL iterator at %d", fromSeq)
		}
		if !iter.Valid() {
			iter.Destroy()
			return nil, errors.Annotatef(storage.ErrSequencePurged, "sequence %d", fromSeq)
		}
		batch, seq := iter.GetBatch()
		batch.Destroy()
		if seq != fromSeq {
			iter.Destroy()
			return nil, errors.Annotatef(storage.ErrSequencePurged, "sequence %d, log starts at %d", fromSeq, seq)
		}
		c.iter = iter
	}
	return c, nil
}

type walCursor struct {
	eng       *Engine
	next      uint64
	iter      *gorocksdb.WalIterator
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *walCursor) Next(ctx context.Context) (*storage.RawBatch, error) {
	for {
		select {
		case <-c.closed:
			return nil, errors.Trace(storage.ErrCursorClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if c.iter == nil && c.eng.LatestSequence() >= c.next {
			iter, err := c.eng.db.GetUpdatesSince(c.next)
			if err != nil {
				return nil, errors.Annotatef(err, "reopen WAL iterator at %d", c.next)
			}
			if iter.Valid() {
				c.iter = iter
			} else {
				iter.Destroy()
			}
		}
		if c.iter != nil && c.iter.Valid() {
			batch, err := c.take()
			if err != nil {
				return nil, err
			}
			if batch != nil {
				return batch, nil
			}
			continue
		}
		c.releaseIter()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, errors.Trace(storage.ErrCursorClosed)
		case <-time.After(c.eng.pollInterval):
		}
	}
}

// take converts the iterator's current batch and advances past it. A nil
// batch with nil error means the entry carried no replayable records.
func (c *walCursor) take() (*storage.RawBatch, error) {
	wb, seq := c.iter.GetBatch()
	defer wb.Destroy()
	if seq < c.next {
		// The iterator may hand back the batch containing an interior
		// sequence; a checkpoint always sits on a batch boundary, so this
		// indicates a log inconsistency.
		return nil, errors.Annotatef(storage.ErrSequencePurged, "batch %d behind cursor %d", seq, c.next)
	}
	if seq > c.next {
		return nil, errors.Annotatef(storage.ErrSequencePurged, "change log gap: want %d, got %d", c.next, seq)
	}
	count := wb.Count()
	records, err := c.records(wb)
	if err != nil {
		return nil, err
	}
	c.next = seq + uint64(count)
	c.iter.Next()
	if !c.iter.Valid() {
		c.releaseIter()
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &storage.RawBatch{Sequence: seq, Count: count, Records: records}, nil
}

func (c *walCursor) records(wb *gorocksdb.WriteBatch) ([]storage.RawRecord, error) {
	var records []storage.RawRecord
	it := wb.NewIterator()
	for it.Next() {
		rec := it.Record()
		var kind storage.RecordKind
		switch rec.Type {
		case gorocksdb.WriteBatchValueRecord, gorocksdb.WriteBatchCFValueRecord:
			kind = storage.KindPut
		case gorocksdb.WriteBatchDeletionRecord, gorocksdb.WriteBatchCFDeletionRecord,
			gorocksdb.WriteBatchSingleDeletionRecord, gorocksdb.WriteBatchCFSingleDeletionRecord:
			kind = storage.KindDelete
		default:
			// Merge and log-data records never appear in the source engine's
			// write path.
			log.Warn("skipping unsupported write batch record", zap.Int("type", int(rec.Type)))
			continue
		}
		cg, ok := c.eng.columnGroup(rec.CF)
		if !ok {
			return nil, errors.Errorf("write batch references unknown column family id %d", rec.CF)
		}
		key := make([]byte, len(rec.Key))
		copy(key, rec.Key)
		var value []byte
		if kind == storage.KindPut {
			value = make([]byte, len(rec.Value))
			copy(value, rec.Value)
		}
		records = append(records, storage.RawRecord{
			Kind:        kind,
			ColumnGroup: cg,
			Key:         key,
			Value:       value,
		})
	}
	return records, nil
}

func (c *walCursor) releaseIter() {
	if c.iter != nil {
		c.iter.Destroy()
		c.iter = nil
	}
}

func (c *walCursor) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// GetSnapshot pins a consistent view for full sync. The sequence number is
// captured before the snapshot so the follow-up incremental sync can only
// re-apply, never skip.
func (e *Engine) GetSnapshot() storage.Snapshot {
	seq := e.db.GetLatestSequenceNumber()
	snap := e.db.NewSnapshot()
	ro := gorocksdb.NewDefaultReadOptions()
	ro.SetFillCache(false)
	ro.SetSnapshot(snap)
	return &rocksSnapshot{eng: e, seq: seq, snap: snap, ro: ro}
}

type rocksSnapshot struct {
	eng  *Engine
	seq  uint64
	snap *gorocksdb.Snapshot
	ro   *gorocksdb.ReadOptions
}

func (s *rocksSnapshot) Sequence() uint64 { return s.seq }

func (s *rocksSnapshot) NewIterator(cf string, prefix []byte) storage.KVIterator {
	handle := s.eng.handles[cf]
	if handle == nil {
		return &emptyIterator{}
	}
	it := s.eng.db.NewIteratorCF(s.ro, handle)
	it.Seek(prefix)
	return &rocksIterator{it: it}
}

func (s *rocksSnapshot) Close() {
	s.ro.Destroy()
	s.eng.db.ReleaseSnapshot(s.snap)
}

type rocksIterator struct {
	it *gorocksdb.Iterator
}

func (r *rocksIterator) Valid() bool   { return r.it.Valid() }
func (r *rocksIterator) Next()         { r.it.Next() }
func (r *rocksIterator) Key() []byte   { return r.it.Key().Data() }
func (r *rocksIterator) Value() []byte { return r.it.Value().Data() }
func (r *rocksIterator) Close()        { r.it.Close() }

type emptyIterator struct{}

func (emptyIterator) Valid() bool   { return false }
func (emptyIterator) Next()         {}
func (emptyIterator) Key() []byte   { return nil }
func (emptyIterator) Value() []byte { return nil }
func (emptyIterator) Close()        {}
