// Package hashkey computes the 128-bit keyed hash used to scope a delta
// chain to a group value.
package hashkey

import (
	"encoding/binary"
	"math"

	"github.com/twmb/murmur3"
)

// Key is a 128-bit keyed hash, equal bit-for-bit on both halves.
type Key struct {
	Hi uint64
	Lo uint64
}

// Zero is the fixed all-zero hash returned for a null/absent group value.
var Zero = Key{}

// Equal reports whether two Keys are bit-for-bit identical.
func (k Key) Equal(other Key) bool {
	return k.Hi == other.Hi && k.Lo == other.Lo
}

// IsZero reports whether k is the null/absent-group sentinel.
func (k Key) IsZero() bool {
	return k == Zero
}

// Hash computes the 128-bit keyed hash of a group value's canonical byte
// representation. seed should be a per-table value (e.g. derived from the
// table id) so that two tables never collide on the same raw bytes; group
// == nil means "no group-by configured" and always yields Zero.
func Hash(seed uint64, group []byte) Key {
	if group == nil {
		return Zero
	}
	hi, lo := murmur3.SeedSum128(seed, seed^0x9e3779b97f4a7c15, group)
	return Key{Hi: hi, Lo: lo}
}

// LockID derives the 64-bit advisory-lock token for (tableID, h) by
// XOR-folding both halves of h together with the table id shifted into the
// upper 32 bits (XOR, not add, so nearby group hashes for different tables
// still separate cleanly).
func LockID(tableID uint32, h Key) uint64 {
	return h.Lo ^ (uint64(tableID) << 32) ^ h.Hi
}

// CanonicalBytes brings a pass-by-value group column (int64, float64, or a
// fixed-width value) to the flat byte range Hash expects, hashing each
// supported type over the raw bits of its canonical representation.
func CanonicalBytes(v any) []byte {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return x
	case string:
		return []byte(x)
	case int64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(x))
		return buf[:]
	case int:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(x)))
		return buf[:]
	case uint64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], x)
		return buf[:]
	case float64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
		return buf[:]
	case bool:
		if x {
			return []byte{1}
		}
		return []byte{0}
	default:
		return nil
	}
}
