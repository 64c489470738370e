package distributor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gomlx/embdist/buffers"
	"github.com/gomlx/embdist/comm"
	"github.com/gomlx/embdist/internal/xslices"
	"github.com/gomlx/embdist/operators"
	"github.com/gomlx/embdist/sharding"
)

// newMPEnv builds a distributor over numUnits in-process units with a single
// model-parallel feature (pooling factor 2, modulo-sharded table).
func newMPEnv(t *testing.T, numUnits, maxBatch int) *Distributor[int64] {
	col, err := sharding.NewCollection(
		[]sharding.FeatureConfig{{Name: "item", TableID: 0, PoolingFactor: 2}},
		[]sharding.TableConfig{{Name: "items", VocabularySize: 10}},
		[]sharding.FeatureGroup{{Kind: sharding.ModelParallel, Features: []int{0}}},
		maxBatch)
	require.NoError(t, err)
	topo := sharding.LocalTopology(numUnits)
	place, err := sharding.NewPlacement(col, topo)
	require.NoError(t, err)
	mesh := comm.NewMesh(numUnits)
	comms := make([]comm.Communicator, numUnits)
	for u := range comms {
		comms[u] = mesh.Communicator(u)
	}
	d, err := New[int64](col, place, topo, comms)
	require.NoError(t, err)
	return d
}

// distributeAll drives every unit of a single-process distributor through
// one Distribute call, in parallel, the way a per-unit execution context
// would.
func distributeAll(t *testing.T, d *Distributor[int64], keys [][][]int64, bucketRanges [][][]int32, outputs []Result, batchSize int) {
	var group errgroup.Group
	for u := range outputs {
		group.Go(func() error {
			return d.Distribute(u, keys[u], bucketRanges[u], outputs[u], batchSize)
		})
	}
	require.NoError(t, group.Wait())
}

func indicesOf(input *EmbeddingInput) []int32 {
	return xslices.Copy(buffers.Flat[int32](input.Indices)[:input.NumKeys])
}

func bucketRangeOf(input *EmbeddingInput) []int32 {
	return xslices.Copy(buffers.Flat[int32](input.BucketRange)[:input.NumBuckets+1])
}

// Two units, one model-parallel feature with pooling factor 2, batch size 4,
// shard assignment key % 2: all keys are odd, so unit 1 receives the whole
// batch and unit 0 none, with bucket ranges reconstructing the original four
// sample buckets.
func TestKeyFilteredDistributeAllOdd(t *testing.T) {
	d := newMPEnv(t, 2, 8)
	keys := [][][]int64{
		{{5, 7, 5, 9}}, // unit 0: samples {5,7} and {5,9}
		{{3, 5, 7, 7}}, // unit 1: samples {3,5} and {7,7}
	}
	bucketRanges := [][][]int32{
		{{0, 2, 4}},
		{{0, 2, 4}},
	}
	outputs := []Result{d.AllocateOutput(), d.AllocateOutput()}
	distributeAll(t, d, keys, bucketRanges, outputs, 4)

	// Unit 0 owns the even shard: nothing arrives.
	assert.Equal(t, 0, outputs[0][0].NumKeys)
	assert.Equal(t, []int32{0, 0, 0, 0, 0}, bucketRangeOf(outputs[0][0]))

	// Unit 1 receives every key, source-major, intra-bucket order preserved;
	// local index = key/2 on the odd shard.
	assert.Equal(t, 8, outputs[1][0].NumKeys)
	assert.Equal(t, []int32{2, 3, 2, 4, 1, 2, 3, 3}, indicesOf(outputs[1][0]))
	assert.Equal(t, []int32{0, 2, 4, 6, 8}, bucketRangeOf(outputs[1][0]))
}

func TestKeyFilteredDistributeMixed(t *testing.T) {
	d := newMPEnv(t, 2, 8)
	keys := [][][]int64{
		{{4, 7, 5, 8}}, // unit 0: samples {4,7} and {5,8}
		{{3, 6, 2, 7}}, // unit 1: samples {3,6} and {2,7}
	}
	bucketRanges := [][][]int32{
		{{0, 2, 4}},
		{{0, 2, 4}},
	}
	outputs := []Result{d.AllocateOutput(), d.AllocateOutput()}
	distributeAll(t, d, keys, bucketRanges, outputs, 4)

	// Unit 0 (even shard) receives 4 from sample 0, 8 from sample 1, 6 from
	// sample 2, 2 from sample 3.
	assert.Equal(t, []int32{2, 4, 3, 1}, indicesOf(outputs[0][0]))
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, bucketRangeOf(outputs[0][0]))

	// Unit 1 (odd shard) receives 7, 5, 3, 7.
	assert.Equal(t, []int32{3, 2, 1, 3}, indicesOf(outputs[1][0]))
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, bucketRangeOf(outputs[1][0]))
}

func TestDistributeIdempotent(t *testing.T) {
	d := newMPEnv(t, 2, 8)
	keys := [][][]int64{{{4, 7, 5, 8}}, {{3, 6, 2, 7}}}
	bucketRanges := [][][]int32{{{0, 2, 4}}, {{0, 2, 4}}}
	outputs := []Result{d.AllocateOutput(), d.AllocateOutput()}

	distributeAll(t, d, keys, bucketRanges, outputs, 4)
	first := make([][]int32, 2)
	firstRanges := make([][]int32, 2)
	for u := 0; u < 2; u++ {
		first[u] = indicesOf(outputs[u][0])
		firstRanges[u] = bucketRangeOf(outputs[u][0])
	}

	distributeAll(t, d, keys, bucketRanges, outputs, 4)
	for u := 0; u < 2; u++ {
		assert.Equal(t, first[u], indicesOf(outputs[u][0]), "unit %d indices changed between identical calls", u)
		assert.Equal(t, firstRanges[u], bucketRangeOf(outputs[u][0]), "unit %d bucket range changed between identical calls", u)
	}
}

func TestDataParallelDistribute(t *testing.T) {
	col, err := sharding.NewCollection(
		[]sharding.FeatureConfig{{Name: "user", TableID: 0, PoolingFactor: 2}},
		[]sharding.TableConfig{{Name: "users", VocabularySize: 50}},
		[]sharding.FeatureGroup{{Kind: sharding.DataParallel, Features: []int{0}}},
		8)
	require.NoError(t, err)
	topo := sharding.LocalTopology(2)
	place, err := sharding.NewPlacement(col, topo)
	require.NoError(t, err)
	mesh := comm.NewMesh(2)
	d, err := New[int64](col, place, topo,
		[]comm.Communicator{mesh.Communicator(0), mesh.Communicator(1)})
	require.NoError(t, err)

	// No exchange: each unit keeps its own samples, indices == keys.
	keys := [][][]int64{{{10, 11, 12}}, {{20, 21}}}
	bucketRanges := [][][]int32{{{0, 2, 3}}, {{0, 1, 2}}}
	outputs := []Result{d.AllocateOutput(), d.AllocateOutput()}
	distributeAll(t, d, keys, bucketRanges, outputs, 4)

	assert.Equal(t, []int32{10, 11, 12}, indicesOf(outputs[0][0]))
	assert.Equal(t, []int32{0, 2, 3}, bucketRangeOf(outputs[0][0]))
	assert.Equal(t, []int32{20, 21}, indicesOf(outputs[1][0]))
	assert.Equal(t, []int32{0, 1, 2}, bucketRangeOf(outputs[1][0]))
}

func TestDistributeFullBatchMatchesPerGroup(t *testing.T) {
	d := newMPEnv(t, 2, 8)

	// The same batch once as per-unit group streams, once as a single
	// full-batch stream.
	keys := [][][]int64{{{4, 7, 5, 8}}, {{3, 6, 2, 7}}}
	bucketRanges := [][][]int32{{{0, 2, 4}}, {{0, 2, 4}}}
	perGroup := []Result{d.AllocateOutput(), d.AllocateOutput()}
	distributeAll(t, d, keys, bucketRanges, perGroup, 4)

	fullKeys := []int64{4, 7, 5, 8, 3, 6, 2, 7}
	fullRange := []int32{0, 2, 4, 6, 8}
	fullBatch := []Result{d.AllocateOutput(), d.AllocateOutput()}
	var group errgroup.Group
	for u := 0; u < 2; u++ {
		group.Go(func() error {
			return d.DistributeFullBatch(u, fullKeys, fullRange, fullBatch[u], 4)
		})
	}
	require.NoError(t, group.Wait())

	for u := 0; u < 2; u++ {
		assert.Equal(t, indicesOf(perGroup[u][0]), indicesOf(fullBatch[u][0]), "unit %d", u)
		assert.Equal(t, bucketRangeOf(perGroup[u][0]), bucketRangeOf(fullBatch[u][0]), "unit %d", u)
	}
}

func TestDistributeFullBatchRejectsOverfullBuckets(t *testing.T) {
	// 1 unit, pooling factor 2, max batch 2: staging holds 4 keys. A
	// full-batch stream carrying 3 keys per bucket must fail, not be
	// shortened to fit.
	d := newMPEnv(t, 1, 2)
	output := d.AllocateOutput()

	err := d.DistributeFullBatch(0, []int64{1, 2, 3, 4, 5, 6}, []int32{0, 3, 6}, output, 2)
	require.Error(t, err)
	assert.ErrorContains(t, err, "pooling factor")

	// At exactly full hotness the same shapes go through.
	err = d.DistributeFullBatch(0, []int64{1, 2, 3, 4}, []int32{0, 2, 4}, output, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, output[0].NumKeys)
}

func TestGroupCompressedOffsets(t *testing.T) {
	d := newMPEnv(t, 2, 8)

	// 1 feature with pooling 2, batch 4 -> 2 samples per unit: the group's
	// fixed range is [0 2 4], compressed to the feature boundaries [0 4].
	assert.Equal(t, []int32{0, 4}, d.GroupCompressedOffsets(0, 0, 4))
	assert.Equal(t, []int32{0, 8}, d.GroupCompressedOffsets(1, 0, 8))

	assert.Panics(t, func() { d.GroupCompressedOffsets(0, 1, 4) }, "only one group exists")
	assert.Panics(t, func() { d.GroupCompressedOffsets(0, 0, 3) }, "batch not divisible by units")
}

func TestFixedBucketRangesUsedWhenNil(t *testing.T) {
	d := newMPEnv(t, 2, 8)

	// Full-hotness streams: 2 keys per sample. Passing a nil bucket range
	// must behave exactly like passing the explicit fixed one.
	keys := [][][]int64{{{4, 7, 5, 8}}, {{3, 6, 2, 7}}}
	explicit := []Result{d.AllocateOutput(), d.AllocateOutput()}
	distributeAll(t, d, keys, [][][]int32{{{0, 2, 4}}, {{0, 2, 4}}}, explicit, 4)

	implicit := []Result{d.AllocateOutput(), d.AllocateOutput()}
	distributeAll(t, d, keys, [][][]int32{{nil}, {nil}}, implicit, 4)

	for u := 0; u < 2; u++ {
		assert.Equal(t, indicesOf(explicit[u][0]), indicesOf(implicit[u][0]))
		assert.Equal(t, bucketRangeOf(explicit[u][0]), bucketRangeOf(implicit[u][0]))
	}
}

func TestBucketRangeCache(t *testing.T) {
	d := newMPEnv(t, 2, 8)
	unit := d.units[0]

	ranges4 := unit.fixedBucketRanges(4, 2)
	got4 := xslices.Copy(ranges4[0][:3])
	want := make([]int32, 3)
	operators.FixedFullBatchBucketRange(want, []int{2}, 2)
	assert.Equal(t, want, got4)
	assert.Equal(t, 4, unit.cache.lastBatchSize)

	// Same batch size: no recomputation, bit-identical to a fresh compute.
	again := unit.fixedBucketRanges(4, 2)
	assert.Equal(t, got4, again[0][:3])

	// Batch size change recomputes; switching back matches the original.
	ranges2 := unit.fixedBucketRanges(2, 1)
	assert.Equal(t, []int32{0, 2}, ranges2[0][:2])
	assert.Equal(t, 2, unit.cache.lastBatchSize)
	back := unit.fixedBucketRanges(4, 2)
	assert.Equal(t, got4, back[0][:3])
}

func TestBatchSizeValidation(t *testing.T) {
	d := newMPEnv(t, 1, 4)
	output := d.AllocateOutput()

	err := d.Distribute(0, [][]int64{{3}}, [][]int32{{0, 1}}, output, 0)
	require.Error(t, err)
	assert.ErrorContains(t, err, "positive")

	err = d.Distribute(0, [][]int64{{3}}, [][]int32{{0, 1}}, output, 5)
	require.Error(t, err)
	assert.ErrorContains(t, err, "exceeds")
}

func TestSingleUnitBoundaryBatches(t *testing.T) {
	// One unit owns everything; the exchange degenerates to a self-send.
	d := newMPEnv(t, 1, 4)
	output := d.AllocateOutput()

	// Smallest batch.
	err := d.Distribute(0, [][]int64{{3, 9}}, [][]int32{{0, 2}}, output, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 9}, indicesOf(output[0]))
	assert.Equal(t, []int32{0, 2}, bucketRangeOf(output[0]))

	// Largest configured batch.
	err = d.Distribute(0, [][]int64{{1, 2, 3, 4, 5, 6, 7, 8}}, [][]int32{{0, 2, 4, 6, 8}}, output, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, output[0].NumKeys)
	assert.Equal(t, []int32{0, 2, 4, 6, 8}, bucketRangeOf(output[0]))
}

func TestReceivedCountsMatchPayload(t *testing.T) {
	// Phase 1's counts must exactly size phase 2's payload: after a call,
	// each unit's receive bucket range total equals its received key count.
	d := newMPEnv(t, 2, 8)
	keys := [][][]int64{{{4, 7, 5, 8}}, {{3, 6, 2, 7}}}
	bucketRanges := [][][]int32{{{0, 2, 4}}, {{0, 2, 4}}}
	outputs := []Result{d.AllocateOutput(), d.AllocateOutput()}
	distributeAll(t, d, keys, bucketRanges, outputs, 4)

	totalReceived := 0
	for u := 0; u < 2; u++ {
		unit := d.units[u]
		temp := unit.groups[0].temp
		recvRange := buffers.Flat[int32](temp.recvBucketRange)[:2*1*2+1]
		perUnit := buffers.Flat[int32](temp.keysPerUnitRecv)
		assert.Equal(t, xslices.Last(recvRange), xslices.Sum(perUnit), "unit %d", u)
		assert.Equal(t, int(xslices.Last(recvRange)), outputs[u][0].NumKeys, "unit %d", u)
		totalReceived += outputs[u][0].NumKeys
	}
	// Conservation: every key sent lands somewhere.
	assert.Equal(t, 8, totalReceived)
}

func TestAllocateOutputSizing(t *testing.T) {
	d := newMPEnv(t, 2, 8)
	output := d.AllocateOutput()
	require.Len(t, output, 1)
	// MP feature: worst case the whole global batch lands here.
	assert.Equal(t, 16, output[0].Indices.Size())
	assert.Equal(t, 9, output[0].BucketRange.Size())

	d.FreeOutput(output)
	err := d.Distribute(0, [][]int64{{3}}, [][]int32{{0, 1}}, output, 2)
	require.Error(t, err)
	assert.ErrorContains(t, err, "freed")
}

func TestNewValidation(t *testing.T) {
	col, err := sharding.NewCollection(
		[]sharding.FeatureConfig{{Name: "f", TableID: 0, PoolingFactor: 1}},
		[]sharding.TableConfig{{Name: "t", VocabularySize: 4}},
		[]sharding.FeatureGroup{{Kind: sharding.ModelParallel, Features: []int{0}}},
		7)
	require.NoError(t, err)
	topo := sharding.LocalTopology(2)
	place, err := sharding.NewPlacement(col, topo)
	require.NoError(t, err)
	mesh := comm.NewMesh(2)

	// Max batch not divisible by the unit count.
	_, err = New[int64](col, place, topo,
		[]comm.Communicator{mesh.Communicator(0), mesh.Communicator(1)})
	assert.ErrorContains(t, err, "not divisible")

	col2, err := sharding.NewCollection(
		[]sharding.FeatureConfig{{Name: "f", TableID: 0, PoolingFactor: 1}},
		[]sharding.TableConfig{{Name: "t", VocabularySize: 4}},
		[]sharding.FeatureGroup{{Kind: sharding.ModelParallel, Features: []int{0}}},
		8)
	require.NoError(t, err)

	// Wrong communicator count and wrong ranks.
	_, err = New[int64](col2, place, topo, []comm.Communicator{mesh.Communicator(0)})
	assert.ErrorContains(t, err, "communicators")
	_, err = New[int64](col2, place, topo,
		[]comm.Communicator{mesh.Communicator(1), mesh.Communicator(0)})
	assert.ErrorContains(t, err, "rank")
}
