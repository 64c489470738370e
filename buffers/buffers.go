// Package buffers provides the typed, sized, zero-initialized device-like
// buffers consumed by the key distributor, and the Allocator interface that
// produces them.
//
// The default implementation (Pool) recycles buffers per (dtype, size) the
// same way a device allocator would, so that a distributor issuing the same
// shapes every call never re-allocates.
package buffers

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// Buffer holds a dtype, logical dimensions and a reference to the flat data.
//
// The flat data is always a slice of the Go type corresponding to the DType.
// Buffers are owned by whoever allocated them and are never shared across
// units.
type Buffer struct {
	dtype dtypes.DType
	dims  []int
	valid bool

	// flat is always a slice of the underlying data type (dtype.GoType()).
	flat any
}

// DType of the buffer elements.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Dimensions of the buffer. Owned by the buffer, don't mutate.
func (b *Buffer) Dimensions() []int { return b.dims }

// Size is the total number of elements.
func (b *Buffer) Size() int {
	size := 1
	for _, dim := range b.dims {
		size *= dim
	}
	return size
}

// Valid reports whether the buffer is live, that is, allocated and not yet
// freed.
func (b *Buffer) Valid() bool { return b != nil && b.valid }

// Zero resets all elements to zero.
func (b *Buffer) Zero() {
	switch flat := b.flat.(type) {
	case []int32:
		clear(flat)
	case []int64:
		clear(flat)
	case []uint32:
		clear(flat)
	case []uint64:
		clear(flat)
	default:
		v := reflect.ValueOf(b.flat)
		zero := reflect.Zero(v.Type().Elem())
		for ii := 0; ii < v.Len(); ii++ {
			v.Index(ii).Set(zero)
		}
	}
}

// Flat returns the flat data of the buffer as a slice of the requested type.
// It panics if T does not correspond to the buffer's dtype.
func Flat[T dtypes.Supported](b *Buffer) []T {
	flat, ok := b.flat.([]T)
	if !ok {
		var v T
		exceptions.Panicf("buffers.Flat[%T]: buffer dtype is %s", v, b.dtype)
	}
	return flat
}

// CopyFlatRange copies count elements from src[srcOff:] into dst[dstOff:].
// Both buffers must have the same dtype.
func CopyFlatRange(dst *Buffer, dstOff int, src *Buffer, srcOff, count int) {
	if dst.dtype != src.dtype {
		exceptions.Panicf("buffers.CopyFlatRange: dtype mismatch, %s to %s", src.dtype, dst.dtype)
	}
	if count == 0 {
		return
	}
	dstV := reflect.ValueOf(dst.flat).Slice(dstOff, dstOff+count)
	srcV := reflect.ValueOf(src.flat).Slice(srcOff, srcOff+count)
	reflect.Copy(dstV, srcV)
}

// Allocator produces typed, sized, zero-initialized buffers. The distributor
// consumes it as an opaque service; Pool is the default implementation.
type Allocator interface {
	// Alloc returns a zero-initialized buffer of the given dtype and
	// dimensions.
	Alloc(dtype dtypes.DType, dims ...int) *Buffer

	// Free returns the buffer to the allocator. Any reference to the buffer
	// must be dropped after this.
	Free(b *Buffer)
}

// Pool is an Allocator that recycles buffers per (dtype, size).
type Pool struct {
	pools sync.Map // poolKey -> *sync.Pool

	// totalBytes is the cumulative size of buffers created (not recycled),
	// for logging only.
	totalBytes atomic.Int64
}

type poolKey struct {
	dtype dtypes.DType
	size  int
}

// NewPool creates an empty buffer pool.
func NewPool() *Pool {
	return &Pool{}
}

// Compile-time check:
var _ Allocator = (*Pool)(nil)

func (p *Pool) getPool(dtype dtypes.DType, size int) *sync.Pool {
	key := poolKey{dtype: dtype, size: size}
	poolInterface, ok := p.pools.Load(key)
	if !ok {
		poolInterface, _ = p.pools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				p.totalBytes.Add(int64(size * dtype.Size()))
				if klog.V(2).Enabled() {
					klog.Infof("buffers.Pool: new %s[%d] buffer, %s total allocated",
						dtype, size, humanize.Bytes(uint64(p.totalBytes.Load())))
				}
				return &Buffer{
					dtype: dtype,
					flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface(),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// Alloc returns a zero-initialized buffer of the given dtype and dimensions.
// Dimensions must be positive.
func (p *Pool) Alloc(dtype dtypes.DType, dims ...int) *Buffer {
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("buffers.Pool.Alloc(%s, %v): dimensions must be positive", dtype, dims)
		}
		size *= dim
	}
	buf := p.getPool(dtype, size).Get().(*Buffer)
	buf.dims = dims
	buf.valid = true
	buf.Zero()
	return buf
}

// Free returns the buffer to the pool. After this any references to the
// buffer should be dropped.
func (p *Pool) Free(b *Buffer) {
	if b == nil || !b.valid {
		return
	}
	b.valid = false
	p.getPool(b.dtype, b.Size()).Put(b)
}

// TotalBytes returns the cumulative size of buffers created so far.
func (p *Pool) TotalBytes() int64 { return p.totalBytes.Load() }
