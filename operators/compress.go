package operators

import (
	"github.com/gomlx/exceptions"
)

// CompressOffset collapses a bucket range whose layout is statically uniform
// (a fixed number of buckets per feature) into one offset per feature
// boundary: out[f] = bucketRange[f*bucketsPerFeature]. The compressed form
// keeps full addressability -- any bucket offset inside a feature block is
// recoverable when the per-bucket widths are uniform -- at a fraction of the
// size.
func CompressOffset(bucketRange []int32, bucketsPerFeature int, out []int32) {
	if bucketsPerFeature <= 0 {
		exceptions.Panicf("CompressOffset: bucketsPerFeature must be positive, got %d", bucketsPerFeature)
	}
	numBuckets := len(bucketRange) - 1
	if numBuckets%bucketsPerFeature != 0 {
		exceptions.Panicf("CompressOffset: %d buckets not divisible by %d buckets per feature",
			numBuckets, bucketsPerFeature)
	}
	numFeatures := numBuckets / bucketsPerFeature
	if len(out) < numFeatures+1 {
		exceptions.Panicf("CompressOffset: output holds %d offsets, need %d", len(out), numFeatures+1)
	}
	for f := 0; f <= numFeatures; f++ {
		out[f] = bucketRange[f*bucketsPerFeature]
	}
}
