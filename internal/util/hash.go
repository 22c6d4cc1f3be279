// Package util contains internal helpers (hashing, partitioning, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hash hashes common key types with xxhash64.
// Supported: string, []byte, [4|6|16|32]byte, all int/uint widths, uintptr, fmt.Stringer.
// Composite keys (5-tuples and the like) should supply their own hasher,
// usually built on HashBytes.
// Panicking on unsupported types is deliberate to avoid silently poor hashing.
func Hash[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return xxhash.Sum64String(v)
	case []byte:
		return xxhash.Sum64(v)
	case [4]byte:
		return xxhash.Sum64(v[:])
	case [6]byte:
		return xxhash.Sum64(v[:])
	case [16]byte:
		return xxhash.Sum64(v[:])
	case [32]byte:
		return xxhash.Sum64(v[:])

	case uint8:
		return HashUint64(uint64(v))
	case uint16:
		return HashUint64(uint64(v))
	case uint32:
		return HashUint64(uint64(v))
	case uint64:
		return HashUint64(v)
	case uint:
		return HashUint64(uint64(v))
	case uintptr:
		return HashUint64(uint64(v))
	case int8:
		return HashUint64(uint64(uint8(v)))
	case int16:
		return HashUint64(uint64(uint16(v)))
	case int32:
		return HashUint64(uint64(uint32(v)))
	case int64:
		return HashUint64(uint64(v))
	case int:
		return HashUint64(uint64(v))

	case fmt.Stringer:
		return xxhash.Sum64String(v.String())
	default:
		panic(fmt.Sprintf("util.Hash: unsupported key type %T; supply a custom hash function", k))
	}
}

// HashUint64 hashes the 8 little-endian bytes of u.
func HashUint64(u uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	return xxhash.Sum64(b[:])
}

// HashBytes hashes b. It exists so callers building composite keys
// do not need to import xxhash themselves.
func HashBytes(b []byte) uint64 { return xxhash.Sum64(b) }
