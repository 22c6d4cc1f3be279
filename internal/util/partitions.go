package util

import "runtime"

// MaxPartitions bounds the partition count; one partition per core and
// a few hundred cores is the practical ceiling.
const MaxPartitions = 256

// ReasonablePartitionCount picks a default partition count: one per
// schedulable CPU (GOMAXPROCS), clamped to [1..MaxPartitions].
// Unlike shard counts this is not rounded to a power of two, since
// partitions map one-to-one onto worker threads.
func ReasonablePartitionCount() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	if p > MaxPartitions {
		p = MaxPartitions
	}
	return p
}

// PartitionIndex maps a 64-bit hash to a partition, the software
// stand-in for RSS steering. Uses a mask when n is a power of two.
func PartitionIndex(hash uint64, n int) int {
	if n <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(n)) {
		return int(hash & uint64(n-1))
	}
	return int(hash % uint64(n))
}
