package storage

import (
	"context"

	"github.com/pingcap/errors"
)

// Column group (column family) names used by the source engine.
const (
	CfMetadata  = "metadata"
	CfSubkey    = "default"
	CfZSetScore = "zset_score"
)

var (
	// ErrCursorClosed is returned by ChangeCursor.Next after Close.
	ErrCursorClosed = errors.New("change cursor closed")
	// ErrSequencePurged is returned by OpenChangeCursor when the requested
	// sequence is no longer covered by the engine's change log.
	ErrSequencePurged = errors.New("requested sequence purged from change log")
)

// RecordKind is the kind of a single low-level write record.
type RecordKind byte

const (
	KindPut RecordKind = iota
	KindDelete
)

func (k RecordKind) String() string {
	if k == KindPut {
		return "put"
	}
	return "delete"
}

// RawRecord is one Put/Delete entry inside a committed write batch, in the
// engine's native key/value encoding.
type RawRecord struct {
	Kind        RecordKind
	ColumnGroup string
	Key         []byte
	Value       []byte // Put only
}

// RawBatch is one unit of the engine's change log. Sequence is the sequence
// number of the first record; a batch occupies Count consecutive sequence
// slots.
type RawBatch struct {
	Sequence uint64
	Count    int
	Records  []RawRecord
}

// EndSequence is the last sequence number occupied by the batch.
func (b *RawBatch) EndSequence() uint64 {
	if b.Count == 0 {
		return b.Sequence
	}
	return b.Sequence + uint64(b.Count) - 1
}

// ChangeCursor is a forward cursor over the engine's change log. Batches are
// delivered in strictly increasing sequence order.
type ChangeCursor interface {
	// Next blocks until a new batch is committed upstream, the context is
	// canceled, or the cursor is closed (ErrCursorClosed).
	Next(ctx context.Context) (*RawBatch, error)
	// Close is idempotent and wakes any blocked Next.
	Close()
}

// ChangeSource is the read-only boundary to the source engine's change log.
type ChangeSource interface {
	// LatestSequence returns the sequence number of the most recent committed
	// record, 0 if the engine is empty.
	LatestSequence() uint64
	// OpenChangeCursor opens a cursor positioned at fromSeq. It fails with
	// ErrSequencePurged when the log no longer starts at fromSeq.
	OpenChangeCursor(fromSeq uint64) (ChangeCursor, error)
	// LookupMetadata reads the current metadata record for a raw metadata-CF
	// key, nil if absent.
	LookupMetadata(key []byte) ([]byte, error)
}

// KVIterator iterates key/value pairs in ascending key order.
type KVIterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Close()
}

// Snapshot is a consistent point-in-time view of the engine, used by the
// full-sync bootstrap.
type Snapshot interface {
	// Sequence is a sequence number at or below the snapshot's view; resuming
	// the change log from Sequence+1 never skips a write the snapshot missed.
	Sequence() uint64
	// NewIterator iterates a column group starting at prefix; the caller stops
	// once keys no longer carry the prefix.
	NewIterator(columnGroup string, prefix []byte) KVIterator
	Close()
}

// SnapshotSource is implemented by engines that can serve full-sync reads.
type SnapshotSource interface {
	GetSnapshot() Snapshot
}
