package decoder

import (
	"bytes"
	"math"
	"strconv"

	"github.com/pingcap/errors"

	"github.com/rocks2redis/rocks2redis/storage"
)

// ListIndexOrigin is the initial head/tail of an empty list. Starting in the
// middle of the index space lets both ends grow without wrapping.
const ListIndexOrigin = uint64(math.MaxUint64) / 2

// Operation is a decoded, protocol-ready command for the target server.
type Operation struct {
	Cmd  string
	Key  string
	Args [][]byte
}

// CommandArgs flattens the operation for a redis pipeline Do call.
func (op Operation) CommandArgs() []interface{} {
	args := make([]interface{}, 0, len(op.Args)+2)
	args = append(args, op.Cmd, op.Key)
	for _, a := range op.Args {
		args = append(args, a)
	}
	return args
}

// MetadataReader resolves the current metadata record for entities whose
// metadata is not part of the batch being decoded. Backed by the read-only
// engine in production, by a map in tests.
type MetadataReader interface {
	LookupMetadata(key []byte) ([]byte, error)
}

// Decoder translates raw write batches into ordered logical operations for
// one namespace. It is stateless across batches; per-batch scratch state
// implements the version fencing and metadata-before-elements ordering.
type Decoder struct {
	ns   []byte
	meta MetadataReader
}

func New(namespace string, meta MetadataReader) *Decoder {
	return &Decoder{ns: []byte(namespace), meta: meta}
}

// NamespacePrefix is the metadata-CF key prefix of every entity in the
// decoder's namespace.
func (d *Decoder) NamespacePrefix() []byte {
	return EncodeMetadataKey(d.ns, nil)
}

// entityState is the per-batch scratch record of one entity.
type entityState struct {
	meta        *Metadata // final metadata Put in this batch, nil otherwise
	metaDeleted bool      // final metadata record in this batch is a Delete
	sawDelete   bool      // any metadata Delete appeared in this batch
	subkeys     int       // subkey records touching the entity in this batch
	structural  bool
	looked      bool // engine lookup already performed
	lookedMeta  *Metadata
}

// DecodeBatch decodes one raw batch into target operations, preserving record
// order except that an entity's structural event (deletion) always precedes
// its element operations and expiration changes are appended after content.
// Unresolvable records are skipped and reported through the returned error;
// the returned operations are still valid for best-effort replication.
func (d *Decoder) DecodeBatch(batch *storage.RawBatch) ([]Operation, error) {
	states := make(map[string]*entityState)
	var firstErr error
	recordErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
		malformedRecordCounter.Inc()
	}

	// First pass: collect the batch's metadata events so fencing and ordering
	// decisions see the whole batch before any operation is emitted.
	for i := range batch.Records {
		rec := &batch.Records[i]
		switch rec.ColumnGroup {
		case storage.CfMetadata:
			ns, key, err := DecodeMetadataKey(rec.Key)
			if err != nil {
				recordErr(errors.Trace(err))
				continue
			}
			if !bytes.Equal(ns, d.ns) {
				continue
			}
			st := d.state(states, key)
			if rec.Kind == storage.KindDelete {
				st.sawDelete = true
				st.metaDeleted = true
				st.meta = nil
				continue
			}
			m, err := DecodeMetadataValue(rec.Value)
			if err != nil {
				recordErr(errors.Annotatef(err, "metadata for key %q", key))
				continue
			}
			st.meta = m
			st.metaDeleted = false
		case storage.CfSubkey:
			ns, key, _, _, err := DecodeSubkey(rec.Key)
			if err != nil {
				// Reported again by the emission pass; count it once there.
				continue
			}
			if !bytes.Equal(ns, d.ns) {
				continue
			}
			d.state(states, key).subkeys++
		}
	}

	var ops, tail []Operation
	for i := range batch.Records {
		rec := &batch.Records[i]
		switch rec.ColumnGroup {
		case storage.CfMetadata:
			ns, key, err := DecodeMetadataKey(rec.Key)
			if err != nil || !bytes.Equal(ns, d.ns) {
				continue
			}
			ops, tail = d.ensureStructural(states[string(key)], key, ops, tail)
		case storage.CfSubkey:
			op, err := d.decodeSubkeyRecord(states, rec, &ops, &tail)
			if err != nil {
				recordErr(err)
				continue
			}
			if op != nil {
				ops = append(ops, *op)
			}
		case storage.CfZSetScore:
			// Score index records duplicate the member subkey; nothing to emit.
		default:
			recordErr(errors.Errorf("unrecognized column group %q", rec.ColumnGroup))
		}
	}
	ops = append(ops, tail...)
	return ops, firstErr
}

func (d *Decoder) state(states map[string]*entityState, key []byte) *entityState {
	st := states[string(key)]
	if st == nil {
		st = &entityState{}
		states[string(key)] = st
	}
	return st
}

// ensureStructural emits an entity's structural operations the first time any
// of its records is reached, so deletions precede element operations and
// expiration changes trail the batch's content operations.
func (d *Decoder) ensureStructural(st *entityState, key []byte, ops, tail []Operation) ([]Operation, []Operation) {
	if st == nil || st.structural {
		return ops, tail
	}
	st.structural = true
	userKey := string(key)
	if st.sawDelete {
		ops = append(ops, Operation{Cmd: "DEL", Key: userKey})
	}
	m := st.meta
	if m == nil {
		return ops, tail
	}
	if m.Type == TypeString {
		ops = append(ops, Operation{Cmd: "SET", Key: userKey, Args: [][]byte{m.Payload}})
		if m.ExpireAtMillis > 0 {
			ops = append(ops, expireOp(userKey, m.ExpireAtMillis))
		}
		return ops, tail
	}
	if m.ExpireAtMillis > 0 {
		tail = append(tail, expireOp(userKey, m.ExpireAtMillis))
	} else if st.subkeys == 0 && !st.sawDelete {
		// A bare metadata rewrite with no expiration and no element changes is
		// an upstream PERSIST.
		tail = append(tail, Operation{Cmd: "PERSIST", Key: userKey})
	}
	return ops, tail
}

func expireOp(key string, atMillis uint64) Operation {
	return Operation{
		Cmd:  "PEXPIREAT",
		Key:  key,
		Args: [][]byte{[]byte(strconv.FormatUint(atMillis, 10))},
	}
}

// currentMeta resolves the entity's current metadata: the batch's own
// metadata record wins, otherwise the engine's committed state is consulted.
func (d *Decoder) currentMeta(st *entityState, nsKey []byte) (*Metadata, error) {
	if st.meta != nil {
		return st.meta, nil
	}
	if st.metaDeleted {
		return nil, nil
	}
	if st.looked {
		return st.lookedMeta, nil
	}
	st.looked = true
	if d.meta == nil {
		return nil, nil
	}
	raw, err := d.meta.LookupMetadata(EncodeMetadataKey(d.ns, nsKey))
	if err != nil {
		return nil, errors.Annotatef(err, "lookup metadata for key %q", nsKey)
	}
	if raw == nil {
		return nil, nil
	}
	m, err := DecodeMetadataValue(raw)
	if err != nil {
		return nil, errors.Annotatef(err, "stored metadata for key %q", nsKey)
	}
	st.lookedMeta = m
	return m, nil
}

func (d *Decoder) decodeSubkeyRecord(states map[string]*entityState, rec *storage.RawRecord, ops, tail *[]Operation) (*Operation, error) {
	ns, key, version, sub, err := DecodeSubkey(rec.Key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !bytes.Equal(ns, d.ns) {
		return nil, nil
	}
	st := states[string(key)]
	*ops, *tail = d.ensureStructural(st, key, *ops, *tail)
	if st.metaDeleted && st.meta == nil {
		// The entity's final state in this batch is deleted; a single DEL
		// already covers its element changes.
		return nil, nil
	}
	m, err := d.currentMeta(st, key)
	if err != nil {
		return nil, err
	}
	if m == nil || !m.Type.composite() {
		staleSubkeyCounter.Inc()
		return nil, nil
	}
	if version != m.Version {
		// Version fencing: the subkey belongs to a superseded incarnation of
		// the entity and must not resurrect its data.
		staleSubkeyCounter.Inc()
		return nil, nil
	}
	userKey := string(key)
	put := rec.Kind == storage.KindPut
	switch m.Type {
	case TypeHash:
		if put {
			return &Operation{Cmd: "HSET", Key: userKey, Args: [][]byte{sub, rec.Value}}, nil
		}
		return &Operation{Cmd: "HDEL", Key: userKey, Args: [][]byte{sub}}, nil
	case TypeSet:
		if put {
			return &Operation{Cmd: "SADD", Key: userKey, Args: [][]byte{sub}}, nil
		}
		return &Operation{Cmd: "SREM", Key: userKey, Args: [][]byte{sub}}, nil
	case TypeZSet:
		if put {
			score, err := DecodeScore(rec.Value)
			if err != nil {
				return nil, errors.Annotatef(err, "zset member %q of key %q", sub, key)
			}
			return &Operation{
				Cmd:  "ZADD",
				Key:  userKey,
				Args: [][]byte{[]byte(formatScore(score)), sub},
			}, nil
		}
		return &Operation{Cmd: "ZREM", Key: userKey, Args: [][]byte{sub}}, nil
	case TypeList:
		return d.decodeListRecord(userKey, m, sub, rec)
	}
	return nil, errors.Errorf("unhandled type %s for key %q", m.Type, key)
}

// decodeListRecord maps a list subkey write onto a push, pop or in-place set
// by comparing the element index against the metadata's post-write index
// window [Head, Tail).
func (d *Decoder) decodeListRecord(userKey string, m *Metadata, sub []byte, rec *storage.RawRecord) (*Operation, error) {
	index, err := DecodeListIndex(sub)
	if err != nil {
		return nil, errors.Annotatef(err, "list key %q", userKey)
	}
	if rec.Kind == storage.KindPut {
		switch {
		case index == m.Head:
			return &Operation{Cmd: "LPUSH", Key: userKey, Args: [][]byte{rec.Value}}, nil
		case index == m.Tail-1:
			return &Operation{Cmd: "RPUSH", Key: userKey, Args: [][]byte{rec.Value}}, nil
		case index > m.Head && index < m.Tail:
			pos := strconv.FormatUint(index-m.Head, 10)
			return &Operation{Cmd: "LSET", Key: userKey, Args: [][]byte{[]byte(pos), rec.Value}}, nil
		}
		return nil, errors.Errorf("list element index %d of key %q outside window [%d, %d)", index, userKey, m.Head, m.Tail)
	}
	switch index {
	case m.Head - 1:
		return &Operation{Cmd: "LPOP", Key: userKey}, nil
	case m.Tail:
		return &Operation{Cmd: "RPOP", Key: userKey}, nil
	}
	return nil, errors.Errorf("unexpected interior list deletion at index %d of key %q", index, userKey)
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'g', -1, 64)
}
