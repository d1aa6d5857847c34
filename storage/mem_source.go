package storage

import (
	"bytes"
	"context"
	"sync"

	"github.com/petar/GoLLRB/llrb"
	"github.com/pingcap/errors"
)

// MemSource is a ChangeSource backed by memory for testing the pipeline
// without a real engine. Appended records are applied to in-memory column
// groups and retained as change-log batches.
type MemSource struct {
	mu          sync.Mutex
	cfs         map[string]*llrb.LLRB
	batches     []*RawBatch
	nextSeq     uint64
	purgedBelow uint64
	notify      chan struct{}
}

func NewMemSource() *MemSource {
	return &MemSource{
		cfs:         make(map[string]*llrb.LLRB),
		nextSeq:     1,
		purgedBelow: 1,
		notify:      make(chan struct{}),
	}
}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) Less(than llrb.Item) bool {
	return bytes.Compare(it.key, than.(memItem).key) < 0
}

func (s *MemSource) tree(cf string) *llrb.LLRB {
	t := s.cfs[cf]
	if t == nil {
		t = llrb.New()
		s.cfs[cf] = t
	}
	return t
}

// Append commits the records as one write batch and returns its sequence
// number. Any cursor blocked in Next is woken.
func (s *MemSource) Append(records ...RawRecord) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := &RawBatch{
		Sequence: s.nextSeq,
		Count:    len(records),
		Records:  records,
	}
	for _, rec := range records {
		t := s.tree(rec.ColumnGroup)
		switch rec.Kind {
		case KindPut:
			t.ReplaceOrInsert(memItem{rec.Key, rec.Value})
		case KindDelete:
			t.Delete(memItem{key: rec.Key})
		}
	}
	s.batches = append(s.batches, batch)
	s.nextSeq += uint64(len(records))
	close(s.notify)
	s.notify = make(chan struct{})
	return batch.Sequence
}

// PurgeTo drops retained batches below seq, simulating WAL compaction.
func (s *MemSource) PurgeTo(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for i < len(s.batches) && s.batches[i].EndSequence() < seq {
		i++
	}
	s.batches = s.batches[i:]
	if seq > s.purgedBelow {
		s.purgedBelow = seq
	}
}

func (s *MemSource) LatestSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq - 1
}

func (s *MemSource) LookupMetadata(key []byte) ([]byte, error) {
	return s.Get(CfMetadata, key), nil
}

// Get reads the current value of a key from a column group, nil if absent.
func (s *MemSource) Get(cf string, key []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.tree(cf).Get(memItem{key: key})
	if res == nil {
		return nil
	}
	return res.(memItem).value
}

func (s *MemSource) OpenChangeCursor(fromSeq uint64) (ChangeCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromSeq < s.purgedBelow {
		return nil, errors.Trace(ErrSequencePurged)
	}
	// fromSeq must be a batch boundary or the tail of the log.
	if fromSeq != s.nextSeq {
		found := false
		for _, b := range s.batches {
			if b.Sequence == fromSeq {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Trace(ErrSequencePurged)
		}
	}
	return &memCursor{src: s, next: fromSeq, closed: make(chan struct{})}, nil
}

type memCursor struct {
	src       *MemSource
	next      uint64
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *memCursor) Next(ctx context.Context) (*RawBatch, error) {
	for {
		select {
		case <-c.closed:
			return nil, errors.Trace(ErrCursorClosed)
		default:
		}
		c.src.mu.Lock()
		var batch *RawBatch
		for _, b := range c.src.batches {
			if b.Sequence == c.next {
				batch = b
				break
			}
		}
		notify := c.src.notify
		c.src.mu.Unlock()
		if batch != nil {
			c.next = batch.EndSequence() + 1
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, errors.Trace(ErrCursorClosed)
		case <-notify:
		}
	}
}

func (c *memCursor) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// GetSnapshot returns a consistent copy of the current column groups.
func (s *MemSource) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfs := make(map[string]*llrb.LLRB, len(s.cfs))
	for name, t := range s.cfs {
		clone := llrb.New()
		if t.Len() > 0 {
			t.AscendGreaterOrEqual(t.Min(), func(i llrb.Item) bool {
				clone.ReplaceOrInsert(i)
				return true
			})
		}
		cfs[name] = clone
	}
	return &memSnapshot{seq: s.nextSeq - 1, cfs: cfs}
}

type memSnapshot struct {
	seq uint64
	cfs map[string]*llrb.LLRB
}

func (s *memSnapshot) Sequence() uint64 { return s.seq }

func (s *memSnapshot) NewIterator(cf string, prefix []byte) KVIterator {
	it := &memIterator{}
	t := s.cfs[cf]
	if t == nil {
		return it
	}
	t.AscendGreaterOrEqual(memItem{key: prefix}, func(i llrb.Item) bool {
		it.items = append(it.items, i.(memItem))
		return true
	})
	return it
}

func (s *memSnapshot) Close() {}

type memIterator struct {
	items []memItem
	pos   int
}

func (it *memIterator) Valid() bool   { return it.pos < len(it.items) }
func (it *memIterator) Next()         { it.pos++ }
func (it *memIterator) Key() []byte   { return it.items[it.pos].key }
func (it *memIterator) Value() []byte { return it.items[it.pos].value }
func (it *memIterator) Close()        {}
