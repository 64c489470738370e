package operators

import (
	"github.com/gomlx/exceptions"
)

// FixedBucketRange fills out[0:batchSize+1] with the bucket range of one
// feature at full hotness: bucket i spans [i*poolingFactor, (i+1)*poolingFactor).
func FixedBucketRange(out []int32, batchSize, poolingFactor int) {
	if batchSize <= 0 {
		exceptions.Panicf("FixedBucketRange: batch size must be positive, got %d", batchSize)
	}
	if poolingFactor <= 0 {
		exceptions.Panicf("FixedBucketRange: pooling factor must be positive, got %d", poolingFactor)
	}
	if len(out) < batchSize+1 {
		exceptions.Panicf("FixedBucketRange: output holds %d offsets, need %d", len(out), batchSize+1)
	}
	for ii := 0; ii <= batchSize; ii++ {
		out[ii] = int32(ii * poolingFactor)
	}
}

// FixedFullBatchBucketRange fills out with the feature-major full-hotness
// bucket range of the whole batch across all features: bucket (f, s) spans
// poolingFactors[f] keys. out must hold len(poolingFactors)*batchSize+1
// offsets.
func FixedFullBatchBucketRange(out []int32, poolingFactors []int, batchSize int) {
	if batchSize <= 0 {
		exceptions.Panicf("FixedFullBatchBucketRange: batch size must be positive, got %d", batchSize)
	}
	numBuckets := len(poolingFactors) * batchSize
	if len(out) < numBuckets+1 {
		exceptions.Panicf("FixedFullBatchBucketRange: output holds %d offsets, need %d", len(out), numBuckets+1)
	}
	out[0] = 0
	offset := int32(0)
	ii := 1
	for _, pooling := range poolingFactors {
		if pooling <= 0 {
			exceptions.Panicf("FixedFullBatchBucketRange: pooling factor must be positive, got %d", pooling)
		}
		for s := 0; s < batchSize; s++ {
			offset += int32(pooling)
			out[ii] = offset
			ii++
		}
	}
}
