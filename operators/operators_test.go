package operators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/embdist/sharding"
)

// mpCollection builds a 2-unit model-parallel setup: one group with two
// features sharing a modulo-sharded table.
func mpCollection(t *testing.T) (*sharding.Collection, *sharding.Placement) {
	col, err := sharding.NewCollection(
		[]sharding.FeatureConfig{
			{Name: "a", TableID: 0, PoolingFactor: 2},
			{Name: "b", TableID: 0, PoolingFactor: 2},
		},
		[]sharding.TableConfig{{Name: "items", VocabularySize: 100}},
		[]sharding.FeatureGroup{{Kind: sharding.ModelParallel, Features: []int{0, 1}}},
		8)
	require.NoError(t, err)
	place, err := sharding.NewPlacement(col, sharding.LocalTopology(2))
	require.NoError(t, err)
	return col, place
}

func TestValidateBucketRange(t *testing.T) {
	ValidateBucketRange([]int32{0, 2, 2, 5}, 5)
	assert.Panics(t, func() { ValidateBucketRange(nil, 0) })
	assert.Panics(t, func() { ValidateBucketRange([]int32{1, 2}, 1) })
	assert.Panics(t, func() { ValidateBucketRange([]int32{0, 3, 2}, 2) })
	assert.Panics(t, func() { ValidateBucketRange([]int32{0, 2}, 3) })
}

func TestFixedBucketRange(t *testing.T) {
	out := make([]int32, 5)
	FixedBucketRange(out, 4, 3)
	assert.Equal(t, []int32{0, 3, 6, 9, 12}, out)

	assert.Panics(t, func() { FixedBucketRange(out, 0, 3) })
	assert.Panics(t, func() { FixedBucketRange(out, 4, 0) })
	assert.Panics(t, func() { FixedBucketRange(out[:2], 4, 1) })
}

func TestFixedFullBatchBucketRange(t *testing.T) {
	out := make([]int32, 2*3+1)
	FixedFullBatchBucketRange(out, []int{2, 1}, 3)
	assert.Equal(t, []int32{0, 2, 4, 6, 7, 8, 9}, out)

	assert.Panics(t, func() { FixedFullBatchBucketRange(out, []int{2, 1}, 0) })
	assert.Panics(t, func() { FixedFullBatchBucketRange(out, []int{2, -1}, 3) })
}

func TestLabelAndCountKeys(t *testing.T) {
	col, place := mpCollection(t)
	op := NewLabelAndCountKeys[int64](col, place, 0)
	assert.Equal(t, 2, op.NumUnits())
	assert.Equal(t, 2, op.NumFeatures())

	// 2 samples, feature-major stream:
	// feature a: s0={4,5} s1={6}; feature b: s0={} s1={7,9}.
	keys := []int64{4, 5, 6, 7, 9}
	bucketRange := []int32{0, 2, 3, 3, 5}
	const samples = 2
	labels := make([]int32, len(keys))
	counts := make([]int32, 2*2*samples)
	op.Run(keys, bucketRange, samples, labels, counts)

	assert.Equal(t, []int32{0, 1, 0, 1, 1}, labels)
	// Feature-major: [feature][destUnit][sample].
	assert.Equal(t, []int32{
		1, 1, // a -> unit 0: s0={4}, s1={6}
		1, 0, // a -> unit 1: s0={5}, s1={}
		0, 0, // b -> unit 0
		0, 2, // b -> unit 1: s1={7,9}
	}, counts)

	assert.Panics(t, func() { op.Run(keys, bucketRange[:3], samples, labels, counts) })
}

func TestTransposeBuckets(t *testing.T) {
	// 2 features, 2 units, 2 samples.
	featMajor := []int32{
		1, 1, // f0 -> u0
		1, 0, // f0 -> u1
		0, 0, // f1 -> u0
		0, 2, // f1 -> u1
	}
	unitMajor := make([]int32, len(featMajor))
	TransposeBuckets(featMajor, unitMajor, 2, 2, 2)
	assert.Equal(t, []int32{
		1, 1, // u0 <- f0
		0, 0, // u0 <- f1
		1, 0, // u1 <- f0
		0, 2, // u1 <- f1
	}, unitMajor)

	// Transposing back with swapped dimensions restores the original.
	back := make([]int32, len(featMajor))
	TransposeBuckets(unitMajor, back, 2, 2, 2)
	assert.Equal(t, featMajor, back)
}

func TestCountKeys(t *testing.T) {
	unitMajor := []int32{1, 1, 0, 0 /* unit 0 */, 1, 0, 0, 2 /* unit 1 */}
	keysPerUnit := make([]int32, 2)
	offsets := make([]int32, len(unitMajor))
	CountKeys(unitMajor, 2, keysPerUnit, offsets)
	assert.Equal(t, []int32{2, 3}, keysPerUnit)
	assert.Equal(t, []int32{0, 1, 2, 2, 2, 3, 3, 3}, offsets)
}

func TestSwizzleKeysStable(t *testing.T) {
	col, place := mpCollection(t)
	op := NewLabelAndCountKeys[int64](col, place, 0)

	// Duplicate keys in a known order: stability means the duplicates keep
	// their original relative order within each destination bucket.
	// feature a: s0={2,4,2} s1={}; feature b: s0={} s1={3,2,3}.
	keys := []int64{2, 4, 2, 3, 2, 3}
	bucketRange := []int32{0, 3, 3, 3, 6}
	const samples = 2
	const numFeatures, numUnits = 2, 2
	labels := make([]int32, len(keys))
	featMajor := make([]int32, numFeatures*numUnits*samples)
	op.Run(keys, bucketRange, samples, labels, featMajor)

	unitMajor := make([]int32, len(featMajor))
	TransposeBuckets(featMajor, unitMajor, numFeatures, numUnits, samples)
	keysPerUnit := make([]int32, numUnits)
	cursors := make([]int32, len(unitMajor))
	CountKeys(unitMajor, numUnits, keysPerUnit, cursors)
	assert.Equal(t, []int32{4, 2}, keysPerUnit)

	sorted := make([]int64, len(keys))
	SwizzleKeys(keys, bucketRange, labels, cursors, numFeatures, numUnits, samples, sorted)

	// Unit 0 block: feature a s0 = {2,4,2} (original order preserved),
	// feature b s1 = {2}; unit 1 block: feature b s1 = {3,3}.
	assert.Equal(t, []int64{2, 4, 2, 2, 3, 3}, sorted)

	// Cursors advanced to each bucket's end offset.
	wantEnds := make([]int32, len(unitMajor))
	ExclusiveCumSumEnds(unitMajor, wantEnds)
	assert.Equal(t, wantEnds, cursors)
}

// ExclusiveCumSumEnds computes each bucket's end offset (inclusive prefix
// sums), used to cross-check SwizzleKeys' cursor movement.
func ExclusiveCumSumEnds(counts, out []int32) {
	var total int32
	for ii, c := range counts {
		total += c
		out[ii] = total
	}
}

func TestCompressOffset(t *testing.T) {
	// 2 features x 3 buckets each, uniform width 2.
	bucketRange := []int32{0, 2, 4, 6, 8, 10, 12}
	out := make([]int32, 3)
	CompressOffset(bucketRange, 3, out)
	assert.Equal(t, []int32{0, 6, 12}, out)

	assert.Panics(t, func() { CompressOffset(bucketRange, 0, out) })
	assert.Panics(t, func() { CompressOffset(bucketRange, 4, out) })
	assert.Panics(t, func() { CompressOffset(bucketRange, 3, out[:1]) })
}
