// Package util contains internal helpers (hashing, partitioning, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is the cache line size of the target architecture,
// taken from golang.org/x/sys/cpu.
const CacheLineSize = int(unsafe.Sizeof(cpu.CacheLinePad{}))

// CacheLinePad is a dummy field used to separate hot fields into distinct
// cache lines and reduce false sharing. Place between groups of hot fields.
type CacheLinePad = cpu.CacheLinePad

// PaddedAtomicInt64 is an atomic int64 padded to exactly one cache line.
// Per-partition counters use it so that workers never share a line.
type PaddedAtomicInt64 struct {
	atomic.Int64
	_ [CacheLineSize - 8]byte
}

// PaddedAtomicUint64 is the uint64 counterpart padded to one cache line.
type PaddedAtomicUint64 struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

// PaddedAtomicInt32 holds a cursor or flag on its own cache line.
type PaddedAtomicInt32 struct {
	atomic.Int32
	_ [CacheLineSize - 4]byte
}

// ---- Compile-time size checks (must be exactly one cache line) ----

var (
	_ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicInt64{}))]byte
	_ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicUint64{}))]byte
	_ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicInt32{}))]byte
)
