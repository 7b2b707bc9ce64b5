package adapter

import "hash/fnv"

// PartitionFor maps a partition key onto one of n partitions with FNV-1a 64.
// The mapping is stable across processes and drivers.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}

// MemberFor picks the member index that owns partition p when n members share a group.
func MemberFor(p, n int) int {
	if n <= 0 {
		return -1
	}
	return p % n
}
