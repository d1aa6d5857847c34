package decoder

import (
	"bytes"

	"github.com/pingcap/errors"

	"github.com/rocks2redis/rocks2redis/storage"
)

// EntityDumpOperations rebuilds one entity from a snapshot: the operations
// that, applied in order to the target, reproduce the entity's current state.
// Returns no operations for entities outside the decoder's namespace or past
// their expiration.
func (d *Decoder) EntityDumpOperations(snap storage.Snapshot, metaKey, metaValue []byte, nowMillis uint64) ([]Operation, error) {
	ns, key, err := DecodeMetadataKey(metaKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !bytes.Equal(ns, d.ns) {
		return nil, nil
	}
	m, err := DecodeMetadataValue(metaValue)
	if err != nil {
		return nil, errors.Annotatef(err, "metadata for key %q", key)
	}
	if m.Expired(nowMillis) {
		return nil, nil
	}
	userKey := string(key)
	if m.Type == TypeString {
		ops := []Operation{{Cmd: "SET", Key: userKey, Args: [][]byte{m.Payload}}}
		if m.ExpireAtMillis > 0 {
			ops = append(ops, expireOp(userKey, m.ExpireAtMillis))
		}
		return ops, nil
	}

	// Clear whatever the target holds under the key so a dump onto a dirty
	// target still converges.
	ops := []Operation{{Cmd: "DEL", Key: userKey}}
	prefix := SubkeyPrefix(ns, key, m.Version)
	it := snap.NewIterator(storage.CfSubkey, prefix)
	defer it.Close()
	for ; it.Valid() && bytes.HasPrefix(it.Key(), prefix); it.Next() {
		_, _, _, sub, err := DecodeSubkey(it.Key())
		if err != nil {
			return nil, errors.Annotatef(err, "subkey of key %q", key)
		}
		switch m.Type {
		case TypeHash:
			ops = append(ops, Operation{Cmd: "HSET", Key: userKey, Args: [][]byte{dup(sub), dup(it.Value())}})
		case TypeSet:
			ops = append(ops, Operation{Cmd: "SADD", Key: userKey, Args: [][]byte{dup(sub)}})
		case TypeZSet:
			score, err := DecodeScore(it.Value())
			if err != nil {
				return nil, errors.Annotatef(err, "zset member %q of key %q", sub, key)
			}
			ops = append(ops, Operation{Cmd: "ZADD", Key: userKey, Args: [][]byte{[]byte(formatScore(score)), dup(sub)}})
		case TypeList:
			// Subkey order is index order, so appending preserves the list.
			ops = append(ops, Operation{Cmd: "RPUSH", Key: userKey, Args: [][]byte{dup(it.Value())}})
		}
	}
	if m.ExpireAtMillis > 0 {
		ops = append(ops, expireOp(userKey, m.ExpireAtMillis))
	}
	return ops, nil
}

// dup copies iterator-owned bytes that must outlive the iterator position.
func dup(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
