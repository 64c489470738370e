package sharding

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/exceptions"
	"github.com/spaolacci/murmur3"
)

// HashKind selects the function mapping a key to the shard owning it.
//
// The mapping must be a pure function of the key and the shard count: every
// unit evaluates it independently and all of them must agree, or keys would
// be routed to units that don't own them.
type HashKind int

const (
	// Modulo assigns key k to shard k % numShards. It is the default and the
	// only kind with an arithmetic inverse (local index = k / numShards),
	// which makes local index conversion O(1) without a dictionary.
	Modulo HashKind = iota

	// XXHash assigns key k to shard xxhash64(k) % numShards. Use it when raw
	// key values are skewed (e.g. low ids are much hotter) and modulo would
	// unbalance the shards.
	XXHash

	// Murmur3 assigns key k to shard murmur3_64(k) % numShards.
	Murmur3
)

// String implements fmt.Stringer.
func (h HashKind) String() string {
	switch h {
	case Modulo:
		return "Modulo"
	case XXHash:
		return "XXHash"
	case Murmur3:
		return "Murmur3"
	default:
		return "InvalidHashKind"
	}
}

// Assignment maps a key of one model-parallel table to the shard, and hence
// the unit, owning it. Immutable after construction.
type Assignment struct {
	hash HashKind

	// shardUnits[i] is the global unit id owning shard i.
	shardUnits []int

	// unitShard[u] is the shard ordinal owned by unit u, or -1.
	unitShard []int
}

// NewAssignment builds the assignment of a table sharded over the given
// units: shard i lives on shardUnits[i]. A unit may own at most one shard of
// the same table.
func NewAssignment(hash HashKind, numUnits int, shardUnits []int) Assignment {
	if len(shardUnits) == 0 {
		exceptions.Panicf("sharding.NewAssignment: table must have at least one shard")
	}
	unitShard := make([]int, numUnits)
	for ii := range unitShard {
		unitShard[ii] = -1
	}
	for shard, unit := range shardUnits {
		if unit < 0 || unit >= numUnits {
			exceptions.Panicf("sharding.NewAssignment: shard %d assigned to unit %d, valid units are [0, %d)",
				shard, unit, numUnits)
		}
		if unitShard[unit] != -1 {
			exceptions.Panicf("sharding.NewAssignment: unit %d owns both shard %d and shard %d of the same table",
				unit, unitShard[unit], shard)
		}
		unitShard[unit] = shard
	}
	return Assignment{
		hash:       hash,
		shardUnits: shardUnits,
		unitShard:  unitShard,
	}
}

// NumShards returns the number of shards of the table.
func (a Assignment) NumShards() int { return len(a.shardUnits) }

// Hash returns the hash kind used by the assignment.
func (a Assignment) Hash() HashKind { return a.hash }

// Shard returns the shard ordinal owning the key.
func (a Assignment) Shard(key uint64) int {
	numShards := uint64(len(a.shardUnits))
	switch a.hash {
	case Modulo:
		return int(key % numShards)
	case XXHash:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], key)
		return int(xxhash.Sum64(buf[:]) % numShards)
	case Murmur3:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], key)
		return int(murmur3.Sum64(buf[:]) % numShards)
	default:
		exceptions.Panicf("sharding.Assignment: invalid hash kind %d", a.hash)
	}
	return -1
}

// Owner returns the global unit id owning the key.
func (a Assignment) Owner(key uint64) int {
	return a.shardUnits[a.Shard(key)]
}

// ShardOf returns the shard ordinal owned by the unit, or -1 if the unit
// holds no shard of this table.
func (a Assignment) ShardOf(unitID int) int {
	return a.unitShard[unitID]
}
