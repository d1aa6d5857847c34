package decoder

import (
	"encoding/binary"
	"math"

	"github.com/pingcap/errors"
)

// RedisType tags a metadata record with the logical data type it describes.
type RedisType byte

const (
	TypeString RedisType = iota
	TypeHash
	TypeList
	TypeSet
	TypeZSet
)

func (t RedisType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeHash:
		return "hash"
	case TypeList:
		return "list"
	case TypeSet:
		return "set"
	case TypeZSet:
		return "zset"
	}
	return "unknown"
}

func (t RedisType) composite() bool { return t != TypeString }

// Metadata is the decoded form of a metadata column-group value. Strings
// carry their payload inline; composite types carry a version that every
// live subkey must embed, and lists additionally carry the index window
// [Head, Tail).
type Metadata struct {
	Type           RedisType
	ExpireAtMillis uint64 // 0 means no expiration
	Version        uint64
	Size           uint32
	Head           uint64
	Tail           uint64
	Payload        []byte
}

// Expired reports whether the entity is past its expiration at nowMillis.
func (m *Metadata) Expired(nowMillis uint64) bool {
	return m.ExpireAtMillis > 0 && m.ExpireAtMillis <= nowMillis
}

const (
	metaValueFixedLen     = 1 + 8 // type tag + expire
	metaValueCompositeLen = 8 + 4 // version + size
	metaValueListExtraLen = 8 + 8 // head + tail
	subkeyVersionLen      = 8
)

// EncodeMetadataKey packs a namespace and user key into a raw metadata-CF
// key: [1B nsLen][ns][key].
func EncodeMetadataKey(ns, key []byte) []byte {
	buf := make([]byte, 0, 1+len(ns)+len(key))
	buf = append(buf, byte(len(ns)))
	buf = append(buf, ns...)
	buf = append(buf, key...)
	return buf
}

// DecodeMetadataKey splits a raw metadata-CF key into namespace and user key.
func DecodeMetadataKey(raw []byte) (ns, key []byte, err error) {
	if len(raw) < 1 {
		return nil, nil, errors.New("metadata key too short")
	}
	nsLen := int(raw[0])
	if len(raw) < 1+nsLen {
		return nil, nil, errors.Errorf("metadata key shorter than its namespace length %d", nsLen)
	}
	return raw[1 : 1+nsLen], raw[1+nsLen:], nil
}

// EncodeSubkey packs an element key of a composite entity:
// [1B nsLen][ns][4B keyLen][key][8B version][subkey].
func EncodeSubkey(ns, key []byte, version uint64, sub []byte) []byte {
	buf := make([]byte, 0, 1+len(ns)+4+len(key)+8+len(sub))
	buf = append(buf, byte(len(ns)))
	buf = append(buf, ns...)
	var keyLen [4]byte
	binary.BigEndian.PutUint32(keyLen[:], uint32(len(key)))
	buf = append(buf, keyLen[:]...)
	buf = append(buf, key...)
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], version)
	buf = append(buf, ver[:]...)
	buf = append(buf, sub...)
	return buf
}

// SubkeyPrefix is the common prefix of every subkey of one entity version,
// used for range scans during full sync.
func SubkeyPrefix(ns, key []byte, version uint64) []byte {
	return EncodeSubkey(ns, key, version, nil)
}

// DecodeSubkey splits a raw subkey-CF key.
func DecodeSubkey(raw []byte) (ns, key []byte, version uint64, sub []byte, err error) {
	if len(raw) < 1 {
		return nil, nil, 0, nil, errors.New("subkey too short")
	}
	nsLen := int(raw[0])
	rest := raw[1:]
	if len(rest) < nsLen+4 {
		return nil, nil, 0, nil, errors.New("subkey shorter than its namespace and key length")
	}
	ns = rest[:nsLen]
	rest = rest[nsLen:]
	keyLen := int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if len(rest) < keyLen+subkeyVersionLen {
		return nil, nil, 0, nil, errors.Errorf("subkey shorter than its key length %d", keyLen)
	}
	key = rest[:keyLen]
	rest = rest[keyLen:]
	version = binary.BigEndian.Uint64(rest[:subkeyVersionLen])
	sub = rest[subkeyVersionLen:]
	return ns, key, version, sub, nil
}

// EncodeMetadataValue serializes Metadata into its stored form.
func EncodeMetadataValue(m *Metadata) []byte {
	size := metaValueFixedLen
	if m.Type.composite() {
		size += metaValueCompositeLen
		if m.Type == TypeList {
			size += metaValueListExtraLen
		}
	} else {
		size += len(m.Payload)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(m.Type))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], m.ExpireAtMillis)
	buf = append(buf, u64[:]...)
	if !m.Type.composite() {
		return append(buf, m.Payload...)
	}
	binary.BigEndian.PutUint64(u64[:], m.Version)
	buf = append(buf, u64[:]...)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], m.Size)
	buf = append(buf, u32[:]...)
	if m.Type == TypeList {
		binary.BigEndian.PutUint64(u64[:], m.Head)
		buf = append(buf, u64[:]...)
		binary.BigEndian.PutUint64(u64[:], m.Tail)
		buf = append(buf, u64[:]...)
	}
	return buf
}

// DecodeMetadataValue parses a stored metadata value.
func DecodeMetadataValue(raw []byte) (*Metadata, error) {
	if len(raw) < metaValueFixedLen {
		return nil, errors.New("metadata value too short")
	}
	m := &Metadata{Type: RedisType(raw[0])}
	if m.Type > TypeZSet {
		return nil, errors.Errorf("unknown type tag %d in metadata value", raw[0])
	}
	m.ExpireAtMillis = binary.BigEndian.Uint64(raw[1:9])
	rest := raw[metaValueFixedLen:]
	if !m.Type.composite() {
		m.Payload = rest
		return m, nil
	}
	if len(rest) < metaValueCompositeLen {
		return nil, errors.Errorf("%s metadata value too short", m.Type)
	}
	m.Version = binary.BigEndian.Uint64(rest[:8])
	m.Size = binary.BigEndian.Uint32(rest[8:12])
	rest = rest[metaValueCompositeLen:]
	if m.Type == TypeList {
		if len(rest) < metaValueListExtraLen {
			return nil, errors.New("list metadata value missing index window")
		}
		m.Head = binary.BigEndian.Uint64(rest[:8])
		m.Tail = binary.BigEndian.Uint64(rest[8:16])
	}
	return m, nil
}

// EncodeScore serializes a sorted-set score as stored in subkey values.
func EncodeScore(score float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(score))
	return buf[:]
}

// DecodeScore parses a sorted-set score from a subkey value.
func DecodeScore(raw []byte) (float64, error) {
	if len(raw) != 8 {
		return 0, errors.Errorf("sorted set score must be 8 bytes, got %d", len(raw))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
}

// EncodeListIndex serializes a list element index as stored in subkeys.
func EncodeListIndex(index uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return buf[:]
}

// DecodeListIndex parses a list element index from a subkey suffix.
func DecodeListIndex(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, errors.Errorf("list index must be 8 bytes, got %d", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}
