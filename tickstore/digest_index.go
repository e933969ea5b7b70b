package tickstore

import (
	"encoding/binary"

	"qnode/types"
)

// digestIndex maps a transaction digest to its arena offset for the current
// epoch. Open addressing with linear probing; a zero digest marks an
// unoccupied entry, so zero digests are never inserted. When a probe wraps
// back to its starting slot the insert is dropped; capacity equals the
// maximum possible number of insertions, so that only happens when the table
// is completely full.
type digestIndex struct {
	entries []digestIndexEntry
}

type digestIndexEntry struct {
	digest types.Digest
	offset uint64
}

func newDigestIndex(capacity uint64) *digestIndex {
	return &digestIndex{
		entries: make([]digestIndexEntry, capacity),
	}
}

// 哈希取摘要最高 32 位再对容量取模
func (di *digestIndex) hash(digest types.Digest) uint64 {
	return uint64(binary.LittleEndian.Uint32(digest[28:32])) % uint64(len(di.entries))
}

func (di *digestIndex) Insert(digest types.Digest, offset uint64) {
	if digest.IsZero() {
		return
	}
	index := di.hash(digest)
	original := index
	for !di.entries[index].digest.IsZero() {
		index = (index + 1) % uint64(len(di.entries))
		if index == original {
			// no room left in the table
			return
		}
	}
	di.entries[index] = digestIndexEntry{digest: digest, offset: offset}
}

func (di *digestIndex) Find(digest types.Digest) (uint64, bool) {
	if digest.IsZero() {
		return 0, false
	}
	index := di.hash(digest)
	original := index
	for !di.entries[index].digest.IsZero() {
		if di.entries[index].digest == digest {
			return di.entries[index].offset, true
		}
		index = (index + 1) % uint64(len(di.entries))
		if index == original {
			break
		}
	}
	return 0, false
}

func (di *digestIndex) Reset() {
	clear(di.entries)
}
