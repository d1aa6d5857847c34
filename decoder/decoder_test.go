package decoder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rocks2redis/rocks2redis/storage"
)

const testNS = "ns1"

func batchOf(records ...storage.RawRecord) *storage.RawBatch {
	return &storage.RawBatch{Sequence: 1, Count: len(records), Records: records}
}

func putMeta(key string, m *Metadata) storage.RawRecord {
	return storage.RawRecord{
		Kind:        storage.KindPut,
		ColumnGroup: storage.CfMetadata,
		Key:         EncodeMetadataKey([]byte(testNS), []byte(key)),
		Value:       EncodeMetadataValue(m),
	}
}

func delMeta(key string) storage.RawRecord {
	return storage.RawRecord{
		Kind:        storage.KindDelete,
		ColumnGroup: storage.CfMetadata,
		Key:         EncodeMetadataKey([]byte(testNS), []byte(key)),
	}
}

func putSub(key string, version uint64, sub, value string) storage.RawRecord {
	return storage.RawRecord{
		Kind:        storage.KindPut,
		ColumnGroup: storage.CfSubkey,
		Key:         EncodeSubkey([]byte(testNS), []byte(key), version, []byte(sub)),
		Value:       []byte(value),
	}
}

func delSub(key string, version uint64, sub string) storage.RawRecord {
	rec := putSub(key, version, sub, "")
	rec.Kind = storage.KindDelete
	rec.Value = nil
	return rec
}

func putListElem(key string, version, index uint64, value string) storage.RawRecord {
	return storage.RawRecord{
		Kind:        storage.KindPut,
		ColumnGroup: storage.CfSubkey,
		Key:         EncodeSubkey([]byte(testNS), []byte(key), version, EncodeListIndex(index)),
		Value:       []byte(value),
	}
}

func delListElem(key string, version, index uint64) storage.RawRecord {
	rec := putListElem(key, version, index, "")
	rec.Kind = storage.KindDelete
	rec.Value = nil
	return rec
}

// metaMap is a MetadataReader over a fixed committed state.
type metaMap map[string][]byte

func (m metaMap) LookupMetadata(key []byte) ([]byte, error) { return m[string(key)], nil }

func (m metaMap) set(key string, md *Metadata) {
	m[string(EncodeMetadataKey([]byte(testNS), []byte(key)))] = EncodeMetadataValue(md)
}

func render(ops []Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		parts := []string{op.Cmd, op.Key}
		for _, a := range op.Args {
			parts = append(parts, string(a))
		}
		out[i] = strings.Join(parts, " ")
	}
	return out
}

func requireOps(t *testing.T, ops []Operation, want ...string) {
	t.Helper()
	require.Equal(t, want, render(ops))
}

func TestDecodeStringSet(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(putMeta("k", &Metadata{Type: TypeString, Payload: []byte("v")})))
	require.NoError(t, err)
	requireOps(t, ops, "SET k v")
}

func TestDecodeStringSetWithExpire(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("k", &Metadata{Type: TypeString, ExpireAtMillis: 1234, Payload: []byte("v")})))
	require.NoError(t, err)
	requireOps(t, ops, "SET k v", "PEXPIREAT k 1234")
}

func TestDecodeDelete(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(delMeta("k")))
	require.NoError(t, err)
	requireOps(t, ops, "DEL k")
}

func TestDecodeHashBatch(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("h", &Metadata{Type: TypeHash, Version: 2, Size: 2}),
		putSub("h", 2, "f1", "a"),
		putSub("h", 2, "f2", "b"),
	))
	require.NoError(t, err)
	requireOps(t, ops, "HSET h f1 a", "HSET h f2 b")
}

func TestDecodeHashDelField(t *testing.T) {
	committed := metaMap{}
	committed.set("h", &Metadata{Type: TypeHash, Version: 2, Size: 1})
	d := New(testNS, committed)
	ops, err := d.DecodeBatch(batchOf(delSub("h", 2, "f1")))
	require.NoError(t, err)
	requireOps(t, ops, "HDEL h f1")
}

func TestExpireTrailsContent(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("h", &Metadata{Type: TypeHash, Version: 2, Size: 2, ExpireAtMillis: 999}),
		putSub("h", 2, "f1", "a"),
		putSub("h", 2, "f2", "b"),
	))
	require.NoError(t, err)
	requireOps(t, ops, "HSET h f1 a", "HSET h f2 b", "PEXPIREAT h 999")
}

func TestSubkeyBeforeMetadataInBatch(t *testing.T) {
	// Record order within a write batch is not guaranteed to put metadata
	// first; decoding must still fence against the batch's own metadata.
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putSub("h", 2, "f1", "a"),
		putMeta("h", &Metadata{Type: TypeHash, Version: 2, Size: 1, ExpireAtMillis: 999}),
	))
	require.NoError(t, err)
	requireOps(t, ops, "HSET h f1 a", "PEXPIREAT h 999")
}

func TestStaleSubkeySameBatch(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("h", &Metadata{Type: TypeHash, Version: 3, Size: 0}),
		putSub("h", 2, "f1", "a"),
	))
	require.NoError(t, err)
	require.Len(t, ops, 0)
}

func TestStaleSubkeyAgainstCommittedMetadata(t *testing.T) {
	committed := metaMap{}
	committed.set("h", &Metadata{Type: TypeHash, Version: 2, Size: 1})
	d := New(testNS, committed)
	ops, err := d.DecodeBatch(batchOf(delSub("h", 1, "f1")))
	require.NoError(t, err)
	require.Len(t, ops, 0)
}

func TestSubkeyWithoutAnyMetadata(t *testing.T) {
	d := New(testNS, metaMap{})
	ops, err := d.DecodeBatch(batchOf(putSub("h", 1, "f1", "a")))
	require.NoError(t, err)
	require.Len(t, ops, 0)
}

func TestDeleteSuppressesSubkeyChurn(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		delMeta("h"),
		delSub("h", 2, "f1"),
		delSub("h", 2, "f2"),
	))
	require.NoError(t, err)
	requireOps(t, ops, "DEL h")
}

func TestDeleteThenRecreateSameBatch(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		delMeta("h"),
		putMeta("h", &Metadata{Type: TypeHash, Version: 5, Size: 1}),
		putSub("h", 5, "f1", "a"),
	))
	require.NoError(t, err)
	requireOps(t, ops, "DEL h", "HSET h f1 a")
}

func TestPersistOnBareMetadataRewrite(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("h", &Metadata{Type: TypeHash, Version: 2, Size: 1})))
	require.NoError(t, err)
	requireOps(t, ops, "PERSIST h")
}

func TestExpireOnlyUpdate(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("h", &Metadata{Type: TypeHash, Version: 2, Size: 1, ExpireAtMillis: 777})))
	require.NoError(t, err)
	requireOps(t, ops, "PEXPIREAT h 777")
}

func TestDecodeSet(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("s", &Metadata{Type: TypeSet, Version: 1, Size: 1}),
		putSub("s", 1, "m1", ""),
		delSub("s", 1, "m2"),
	))
	require.NoError(t, err)
	requireOps(t, ops, "SADD s m1", "SREM s m2")
}

func TestDecodeZSet(t *testing.T) {
	d := New(testNS, nil)
	score := putSub("z", 1, "m1", "")
	score.Value = EncodeScore(1.5)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("z", &Metadata{Type: TypeZSet, Version: 1, Size: 1}),
		score,
		delSub("z", 1, "m2"),
	))
	require.NoError(t, err)
	requireOps(t, ops, "ZADD z 1.5 m1", "ZREM z m2")
}

func TestDecodeZSetBadScore(t *testing.T) {
	d := New(testNS, nil)
	_, err := d.DecodeBatch(batchOf(
		putMeta("z", &Metadata{Type: TypeZSet, Version: 1, Size: 1}),
		putSub("z", 1, "m1", "not-a-score"),
	))
	require.Error(t, err)
}

func TestDecodeListPushes(t *testing.T) {
	d := New(testNS, nil)
	// LPUSH writes the new head; metadata reflects the post-write window.
	ops, err := d.DecodeBatch(batchOf(
		putMeta("l", &Metadata{Type: TypeList, Version: 1, Size: 2,
			Head: ListIndexOrigin - 1, Tail: ListIndexOrigin + 1}),
		putListElem("l", 1, ListIndexOrigin-1, "front"),
	))
	require.NoError(t, err)
	requireOps(t, ops, "LPUSH l front")

	// RPUSH writes at the old tail, one below the post-write tail.
	ops, err = d.DecodeBatch(batchOf(
		putMeta("l", &Metadata{Type: TypeList, Version: 1, Size: 3,
			Head: ListIndexOrigin - 1, Tail: ListIndexOrigin + 2}),
		putListElem("l", 1, ListIndexOrigin+1, "back"),
	))
	require.NoError(t, err)
	requireOps(t, ops, "RPUSH l back")
}

func TestDecodeListSet(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("l", &Metadata{Type: TypeList, Version: 1, Size: 3,
			Head: ListIndexOrigin, Tail: ListIndexOrigin + 3}),
		putListElem("l", 1, ListIndexOrigin+1, "mid"),
	))
	require.NoError(t, err)
	requireOps(t, ops, "LSET l 1 mid")
}

func TestDecodeListPops(t *testing.T) {
	d := New(testNS, nil)
	// LPOP removes the old head, one below the post-pop head.
	ops, err := d.DecodeBatch(batchOf(
		putMeta("l", &Metadata{Type: TypeList, Version: 1, Size: 1,
			Head: ListIndexOrigin, Tail: ListIndexOrigin + 1}),
		delListElem("l", 1, ListIndexOrigin-1),
	))
	require.NoError(t, err)
	requireOps(t, ops, "LPOP l")

	// RPOP removes the element at the post-pop tail.
	ops, err = d.DecodeBatch(batchOf(
		putMeta("l", &Metadata{Type: TypeList, Version: 1, Size: 1,
			Head: ListIndexOrigin, Tail: ListIndexOrigin + 1}),
		delListElem("l", 1, ListIndexOrigin+1),
	))
	require.NoError(t, err)
	requireOps(t, ops, "RPOP l")
}

func TestDecodeListInteriorDeleteFails(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("l", &Metadata{Type: TypeList, Version: 1, Size: 2,
			Head: ListIndexOrigin, Tail: ListIndexOrigin + 3}),
		delListElem("l", 1, ListIndexOrigin+1),
	))
	require.Error(t, err)
	require.Len(t, ops, 0)
}

func TestDecodeListIndexOutsideWindowFails(t *testing.T) {
	d := New(testNS, nil)
	_, err := d.DecodeBatch(batchOf(
		putMeta("l", &Metadata{Type: TypeList, Version: 1, Size: 1,
			Head: ListIndexOrigin, Tail: ListIndexOrigin + 1}),
		putListElem("l", 1, ListIndexOrigin+10, "x"),
	))
	require.Error(t, err)
}

func TestForeignNamespaceIgnored(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		storage.RawRecord{
			Kind:        storage.KindPut,
			ColumnGroup: storage.CfMetadata,
			Key:         EncodeMetadataKey([]byte("other"), []byte("k")),
			Value:       EncodeMetadataValue(&Metadata{Type: TypeString, Payload: []byte("v")}),
		},
		storage.RawRecord{
			Kind:        storage.KindPut,
			ColumnGroup: storage.CfSubkey,
			Key:         EncodeSubkey([]byte("other"), []byte("h"), 1, []byte("f")),
			Value:       []byte("v"),
		},
	))
	require.NoError(t, err)
	require.Len(t, ops, 0)
}

func TestZSetScoreIndexIgnored(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(storage.RawRecord{
		Kind:        storage.KindPut,
		ColumnGroup: storage.CfZSetScore,
		Key:         []byte("whatever"),
	}))
	require.NoError(t, err)
	require.Len(t, ops, 0)
}

func TestUnknownColumnGroupKeepsGoodOps(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		storage.RawRecord{Kind: storage.KindPut, ColumnGroup: "bogus", Key: []byte("k")},
		putMeta("k", &Metadata{Type: TypeString, Payload: []byte("v")}),
	))
	require.Error(t, err)
	requireOps(t, ops, "SET k v")
}

func TestMalformedMetadataValue(t *testing.T) {
	d := New(testNS, nil)
	rec := putMeta("k", &Metadata{Type: TypeString})
	rec.Value = []byte{0xee}
	_, err := d.DecodeBatch(batchOf(rec))
	require.Error(t, err)
}

func TestOrderPreservedAcrossEntities(t *testing.T) {
	d := New(testNS, nil)
	ops, err := d.DecodeBatch(batchOf(
		putMeta("a", &Metadata{Type: TypeString, Payload: []byte("1")}),
		putMeta("h", &Metadata{Type: TypeHash, Version: 1, Size: 1}),
		putSub("h", 1, "f", "x"),
		putMeta("b", &Metadata{Type: TypeString, Payload: []byte("2")}),
	))
	require.NoError(t, err)
	requireOps(t, ops, "SET a 1", "HSET h f x", "SET b 2")
}

func TestCommandArgs(t *testing.T) {
	op := Operation{Cmd: "HSET", Key: "h", Args: [][]byte{[]byte("f"), []byte("v")}}
	require.Equal(t, []interface{}{"HSET", "h", []byte("f"), []byte("v")}, op.CommandArgs())
}
