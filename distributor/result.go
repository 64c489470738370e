package distributor

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/embdist/buffers"
	"github.com/gomlx/embdist/sharding"
)

// EmbeddingInput is one feature's distribution result: the local table
// indices the unit must look up, and the bucket range partitioning them into
// samples. It is what the embedding engine consumes for pooling/lookup.
//
// For model-parallel features the bucket range covers the global batch (the
// unit received keys from every peer); for data-parallel features it covers
// only the unit's own samples. Buffers are refilled in place every call, no
// cross-call aliasing.
type EmbeddingInput struct {
	FeatureID int

	// Indices are local table indices, valid in [0:NumKeys].
	Indices *buffers.Buffer

	// BucketRange partitions Indices into samples, valid in [0:NumBuckets+1].
	BucketRange *buffers.Buffer

	NumKeys    int
	NumBuckets int
}

// Result is the output of one distribution call: one EmbeddingInput per
// feature, ordered by feature id.
type Result []*EmbeddingInput

// AllocateOutput allocates a Result sized for the maximum configured batch,
// to be refilled by every Distribute call.
func (d *Distributor[K]) AllocateOutput() Result {
	result := make(Result, d.col.NumFeatures())
	for featureID, feature := range d.col.Features {
		groupID := d.col.GroupOf(featureID)
		var maxKeys, maxBuckets int
		switch d.col.Groups[groupID].Kind {
		case sharding.ModelParallel:
			// Worst case: every key of the global batch lands on this unit.
			maxKeys = d.col.MaxBatchSize * feature.PoolingFactor
			maxBuckets = d.col.MaxBatchSize
		case sharding.DataParallel:
			maxKeys = d.maxSamples * feature.PoolingFactor
			maxBuckets = d.maxSamples
		}
		result[featureID] = &EmbeddingInput{
			FeatureID:   featureID,
			Indices:     d.alloc.Alloc(dtypes.Int32, maxKeys),
			BucketRange: d.alloc.Alloc(dtypes.Int32, maxBuckets+1),
		}
	}
	return result
}

// FreeOutput returns the Result's buffers to the allocator.
func (d *Distributor[K]) FreeOutput(result Result) {
	for _, input := range result {
		if input == nil {
			continue
		}
		d.alloc.Free(input.Indices)
		d.alloc.Free(input.BucketRange)
	}
}
