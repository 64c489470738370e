/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package comm defines the collective-communication boundary of the key
// distributor: the two all-to-all operations it needs (counts, then payload)
// plus a barrier, behind an injectable Communicator interface.
//
// Every participating unit must issue the same collective calls in the same
// relative order; the calls synchronize across the whole unit group. A unit
// failing to issue a matching call is a protocol desynchronization, reported
// as an error wrapping ErrDesync -- it is fatal to the distributed call, not
// retryable.
//
// Mesh provides an in-process implementation running all units in one
// process, one goroutine per unit. A multi-process transport (e.g. over
// NCCL/MPI) can be plugged in by implementing Communicator.
package comm

import (
	"github.com/pkg/errors"

	"github.com/gomlx/embdist/buffers"
)

// ErrDesync is wrapped by every error caused by units issuing mismatched or
// missing collective calls. There is no recovery: the distributed call must
// be abandoned as a whole.
var ErrDesync = errors.New("collective protocol desynchronization")

// Communicator is one unit's handle to the collective group. All methods
// synchronize across the group: every unit must call the same method, in the
// same relative order, with compatible arguments.
type Communicator interface {
	// Rank is this unit's global id within the group.
	Rank() int

	// NumUnits is the size of the group.
	NumUnits() int

	// ExchangeCounts performs an all-to-all of fixed-size count blocks.
	// send and recv must both have length NumUnits()*block for the same
	// block size: send[d*block:(d+1)*block] is sent to unit d, and on return
	// recv[s*block:(s+1)*block] holds the block unit s sent here.
	//
	// The call blocks until every unit's counts are available: the caller may
	// use recv to size the payload exchange that follows.
	ExchangeCounts(send, recv []int32) error

	// ExchangePayload performs a variable-size all-to-all. sendCounts[d]
	// elements of send, laid out destination-contiguous, go to unit d;
	// recvCounts[s] elements from unit s land source-contiguous in recv.
	// recvCounts must match what the peers actually send (normally it comes
	// from a preceding ExchangeCounts) or the call fails with ErrDesync.
	ExchangePayload(send *buffers.Buffer, sendCounts []int32, recv *buffers.Buffer, recvCounts []int32) error

	// Barrier blocks until every unit of the group reached it. The
	// distribution call itself never needs it (the two exchanges already
	// synchronize the group); it exists for callers that must fence unit
	// progress around the call, e.g. before reusing output buffers for the
	// next iteration or to line up units at startup.
	Barrier() error
}
