package comm

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/embdist/buffers"
	"github.com/gomlx/embdist/internal/xslices"
)

// opKind identifies the collective operation a unit entered, so that
// mismatched calls (one unit in a barrier while another exchanges counts)
// are detected instead of deadlocking.
type opKind int

const (
	opCounts opKind = iota
	opPayload
	opBarrier
	opAck
)

func (k opKind) String() string {
	switch k {
	case opCounts:
		return "ExchangeCounts"
	case opPayload:
		return "ExchangePayload"
	case opBarrier:
		return "Barrier"
	case opAck:
		return "ack"
	default:
		return "invalid"
	}
}

// Mesh is an in-process collective group: all units live in the same process,
// one goroutine each, and rendezvous through shared memory. It implements
// the same blocking semantics a real multi-process transport would have,
// except that a missing peer surfaces as an ErrDesync timeout instead of a
// hang.
type Mesh struct {
	numUnits int
	timeout  time.Duration

	mu     sync.Mutex
	rounds map[uint64]*round
}

// MeshOption configures NewMesh.
type MeshOption func(*Mesh)

// WithTimeout sets how long a unit waits for its peers in a collective call
// before reporting desynchronization. Default is one minute.
func WithTimeout(timeout time.Duration) MeshOption {
	return func(m *Mesh) { m.timeout = timeout }
}

// NewMesh creates an in-process collective group of the given size. Use
// Mesh.Communicator to get the per-unit handles.
func NewMesh(numUnits int, opts ...MeshOption) *Mesh {
	m := &Mesh{
		numUnits: numUnits,
		timeout:  time.Minute,
		rounds:   make(map[uint64]*round),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Communicator returns the handle for the given rank. Each rank's handle
// must be driven by its own goroutine.
func (m *Mesh) Communicator(rank int) Communicator {
	if rank < 0 || rank >= m.numUnits {
		return nil
	}
	return &meshComm{mesh: m, rank: rank}
}

// round is one rendezvous: every unit deposits a contribution, the last
// arrival releases the group, and the round is discarded once every unit has
// picked up the contributions.
type round struct {
	kind     opKind
	arrived  int
	released int
	mismatch bool
	contribs []any
	done     chan struct{}
}

// rendezvous deposits this rank's contribution into the round identified by
// op, waits for all units, and returns every unit's contribution. The
// contribution must stay immutable until a later round guarantees all peers
// are done with it.
func (m *Mesh) rendezvous(rank int, op uint64, kind opKind, contribution any) ([]any, error) {
	m.mu.Lock()
	r, ok := m.rounds[op]
	if !ok {
		r = &round{
			kind:     kind,
			contribs: make([]any, m.numUnits),
			done:     make(chan struct{}),
		}
		m.rounds[op] = r
	}
	if r.kind != kind {
		r.mismatch = true
	}
	if r.contribs[rank] != nil {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrDesync, "unit %d entered collective op #%d (%s) twice", rank, op, kind)
	}
	r.contribs[rank] = contribution
	r.arrived++
	last := r.arrived == m.numUnits
	if last {
		close(r.done)
	}
	m.mu.Unlock()

	if !last {
		select {
		case <-r.done:
		case <-time.After(m.timeout):
			return nil, errors.Wrapf(ErrDesync,
				"unit %d timed out after %s waiting for peers in collective op #%d (%s): "+
					"%d of %d units arrived", rank, m.timeout, op, kind, arrivedCount(m, r), m.numUnits)
		}
	}

	m.mu.Lock()
	r.released++
	if r.released == m.numUnits {
		delete(m.rounds, op)
	}
	mismatch := r.mismatch
	m.mu.Unlock()
	if mismatch {
		return nil, errors.Wrapf(ErrDesync, "units issued mismatched collective calls for op #%d: unit %d called %s",
			op, rank, kind)
	}
	return r.contribs, nil
}

func arrivedCount(m *Mesh, r *round) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.arrived
}

// meshComm is one unit's handle to the Mesh. Not safe for concurrent use by
// multiple goroutines -- a unit has exactly one execution context.
type meshComm struct {
	mesh *Mesh
	rank int

	// opIndex counts collective calls issued through this handle. Every unit
	// must issue the same call sequence, so the index identifies the round.
	opIndex uint64
}

// Compile-time check:
var _ Communicator = (*meshComm)(nil)

// Rank implements Communicator.
func (c *meshComm) Rank() int { return c.rank }

// NumUnits implements Communicator.
func (c *meshComm) NumUnits() int { return c.mesh.numUnits }

func (c *meshComm) nextOp() uint64 {
	op := c.opIndex
	c.opIndex++
	return op
}

// ExchangeCounts implements Communicator.
func (c *meshComm) ExchangeCounts(send, recv []int32) error {
	numUnits := c.mesh.numUnits
	if len(send) != len(recv) || len(send)%numUnits != 0 {
		return errors.Errorf("ExchangeCounts: send/recv must have equal length, a multiple of %d units, got %d/%d",
			numUnits, len(send), len(recv))
	}
	op := c.nextOp()
	// The contribution is copied so the caller may reuse send immediately.
	contribs, err := c.mesh.rendezvous(c.rank, op, opCounts, xslices.Copy(send))
	if err != nil {
		return err
	}
	block := len(send) / numUnits
	for source := 0; source < numUnits; source++ {
		peerSend, ok := contribs[source].([]int32)
		if !ok || len(peerSend) != len(send) {
			return errors.Wrapf(ErrDesync, "ExchangeCounts op #%d: unit %d contributed %d counts, expected %d",
				op, source, len(peerSend), len(send))
		}
		copy(recv[source*block:(source+1)*block], peerSend[c.rank*block:(c.rank+1)*block])
	}
	if klog.V(2).Enabled() {
		klog.Infof("mesh: unit %d exchanged counts (op #%d, block=%d)", c.rank, op, block)
	}
	return nil
}

// payloadPart is one unit's contribution to a payload all-to-all: its send
// buffer plus the per-destination element counts slicing it.
type payloadPart struct {
	buf    *buffers.Buffer
	counts []int32
}

// ExchangePayload implements Communicator.
func (c *meshComm) ExchangePayload(send *buffers.Buffer, sendCounts []int32, recv *buffers.Buffer, recvCounts []int32) error {
	numUnits := c.mesh.numUnits
	if len(sendCounts) != numUnits || len(recvCounts) != numUnits {
		return errors.Errorf("ExchangePayload: sendCounts/recvCounts must have one entry per unit (%d), got %d/%d",
			numUnits, len(sendCounts), len(recvCounts))
	}
	op := c.nextOp()
	part := payloadPart{buf: send, counts: xslices.Copy(sendCounts)}
	contribs, err := c.mesh.rendezvous(c.rank, op, opPayload, part)
	if err != nil {
		return err
	}

	total := int(xslices.Sum(recvCounts))
	if total > recv.Size() {
		return errors.Wrapf(ErrDesync, "ExchangePayload op #%d: unit %d receives %d elements, buffer holds %d",
			op, c.rank, total, recv.Size())
	}
	dstOff := 0
	for source := 0; source < numUnits; source++ {
		peer, ok := contribs[source].(payloadPart)
		if !ok {
			return errors.Wrapf(ErrDesync, "ExchangePayload op #%d: unit %d issued a different collective", op, source)
		}
		if peer.buf.DType() != send.DType() {
			return errors.Wrapf(ErrDesync, "ExchangePayload op #%d: unit %d sends dtype %s, unit %d sends %s",
				op, source, peer.buf.DType(), c.rank, send.DType())
		}
		n := int(peer.counts[c.rank])
		if n != int(recvCounts[source]) {
			return errors.Wrapf(ErrDesync,
				"ExchangePayload op #%d: unit %d declared %d elements for unit %d, receiver expected %d",
				op, source, n, c.rank, recvCounts[source])
		}
		srcOff := 0
		for d := 0; d < c.rank; d++ {
			srcOff += int(peer.counts[d])
		}
		buffers.CopyFlatRange(recv, dstOff, peer.buf, srcOff, n)
		dstOff += n
	}

	// Peers read directly from the send buffers, so nobody may leave (and
	// possibly reuse its buffer) before everybody finished copying.
	if _, err := c.mesh.rendezvous(c.rank, c.nextOp(), opAck, ackToken{}); err != nil {
		return err
	}
	if klog.V(2).Enabled() {
		klog.Infof("mesh: unit %d exchanged payload (op #%d, %d elements received)", c.rank, op, total)
	}
	return nil
}

type ackToken struct{}

// Barrier implements Communicator.
func (c *meshComm) Barrier() error {
	_, err := c.mesh.rendezvous(c.rank, c.nextOp(), opBarrier, ackToken{})
	return err
}
