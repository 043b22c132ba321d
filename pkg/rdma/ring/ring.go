// Copyright The Remus Project Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ring implements the fixed-capacity slot disciplines used by
// compute threads: a counter ring for completion and sequence slots and a
// byte ring for carving staging and scratch buffers out of a registered
// region. Both recycle slots in FIFO order while tolerating out-of-order
// release.
package ring

import (
	"fmt"

	"github.com/remus-project/remus/pkg/utils"
)

var (
	// ErrRingFull indicates that no slot is available for acquisition.
	ErrRingFull = fmt.Errorf("ring: no slot available")
	// ErrDoubleRelease indicates a release of a slot that is not in use.
	ErrDoubleRelease = fmt.Errorf("ring: double release")
	// ErrUnknownAddress indicates a release of an address never acquired.
	ErrUnknownAddress = fmt.Errorf("ring: unknown address")
	// ErrTooLarge indicates a request that can never fit the ring.
	ErrTooLarge = fmt.Errorf("ring: request larger than ring")
)

// SlotState tracks the lifecycle of a counter ring slot.
type SlotState uint8

const (
	// Available marks a slot as free for acquisition.
	Available SlotState = iota
	// InUse marks a slot as acquired.
	InUse
	// ToBeFreed marks a slot as released but not yet recycled.
	ToBeFreed
)

// CounterRing hands out slot indices in FIFO order. A released slot becomes
// acquirable again only once every slot acquired before it has also been
// released.
type CounterRing struct {
	slots []SlotState
	start int
	end   int
}

// NewCounterRing creates a counter ring with the given number of slots.
func NewCounterRing(size int) *CounterRing {
	return &CounterRing{
		slots: make([]SlotState, size),
	}
}

// Acquire reserves the slot at the end cursor. It fails with ErrRingFull if
// that slot has not been recycled yet, meaning the configured concurrency
// has been exceeded.
func (r *CounterRing) Acquire() (int, error) {
	if r.slots[r.end] != Available {
		return 0, ErrRingFull
	}
	idx := r.end
	r.slots[idx] = InUse
	r.end = (r.end + 1) % len(r.slots)
	return idx, nil
}

// Release returns a slot to the ring and advances the start cursor over any
// contiguous run of released slots.
func (r *CounterRing) Release(idx int) error {
	if r.slots[idx] != InUse {
		return fmt.Errorf("%w: slot %d", ErrDoubleRelease, idx)
	}
	r.slots[idx] = ToBeFreed
	for r.slots[r.start] == ToBeFreed {
		r.slots[r.start] = Available
		r.start = (r.start + 1) % len(r.slots)
	}
	return nil
}

// Size returns the slot count of the ring.
func (r *CounterRing) Size() int {
	return len(r.slots)
}

// Empty reports whether every slot has been recycled.
func (r *CounterRing) Empty() bool {
	for _, s := range r.slots {
		if s != Available {
			return false
		}
	}
	return true
}

// allocation records the extent of one byte ring acquisition. next is the
// address right past the allocation, or the ring base when the allocation
// ran to the very end of the ring.
type allocation struct {
	next  uint64
	inUse bool
}

// ByteRing carves aligned sub-ranges out of a contiguous address range.
// Padding inserted for alignment or wrap-around is recorded as a not-in-use
// allocation so the start cursor can skip over it during recycling.
type ByteRing struct {
	base        uint64
	size        uint64
	start       uint64
	end         uint64
	allocations map[uint64]allocation
}

// NewByteRing creates a byte ring over [base, base+size).
func NewByteRing(base, size uint64) *ByteRing {
	return &ByteRing{
		base:        base,
		size:        size,
		start:       base,
		end:         base,
		allocations: make(map[uint64]allocation),
	}
}

// keepAlign advances the end cursor to the next align boundary, recording
// the skipped gap as a freed padding allocation.
func (r *ByteRing) keepAlign(align uint64) {
	aligned := utils.AlignUp(r.end, align)
	if aligned != r.end {
		padding := r.end
		r.end = aligned
		r.allocations[padding] = allocation{next: r.end, inUse: false}
	}
}

// place reserves size bytes at the (aligned) end cursor.
func (r *ByteRing) place(size, align uint64) uint64 {
	r.keepAlign(align)
	addr := r.end
	r.end += size
	next := r.end
	if r.end == r.base+r.size {
		next = r.base
	}
	r.allocations[addr] = allocation{next: next, inUse: true}
	return addr
}

// Acquire reserves size bytes aligned to align. align must be a power of
// two. It fails with ErrRingFull when the live allocations leave no
// sufficiently large contiguous span.
func (r *ByteRing) Acquire(size, align uint64) (uint64, error) {
	if utils.AlignUp(r.base, align)+size > r.base+r.size {
		return 0, fmt.Errorf("%w: %d bytes align %d", ErrTooLarge, size, align)
	}
	realSize := size + utils.AlignUp(r.end, align) - r.end

	if r.start == r.end && len(r.allocations) != 0 {
		// The cursors meet while records remain: the ring is full.
		return 0, ErrRingFull
	}

	if r.start <= r.end && r.end+realSize <= r.base+r.size {
		return r.place(size, align), nil
	}

	if r.start <= r.end {
		// Not enough room at the tail, wrap the end cursor. A tail gap is
		// recorded as padding; an end cursor at the very end of the ring
		// leaves no gap, as the allocation before it already points back
		// to the base. The alignment gap is different at the new position.
		if r.end != r.base+r.size {
			r.allocations[r.end] = allocation{next: r.base, inUse: false}
		}
		r.end = r.base
		realSize = size + utils.AlignUp(r.end, align) - r.end
	}

	if r.start == r.end {
		// Only reachable right after wrapping; allocatable only if no
		// record is left, i.e. the ring is empty.
		if len(r.allocations) == 0 {
			return r.place(size, align), nil
		}
		return 0, ErrRingFull
	}

	if r.end+realSize <= r.start {
		return r.place(size, align), nil
	}
	return 0, ErrRingFull
}

// Release frees the allocation at addr and advances the start cursor
// through contiguous freed records.
func (r *ByteRing) Release(addr uint64) error {
	rec, ok := r.allocations[addr]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownAddress, addr)
	}
	if !rec.inUse {
		return fmt.Errorf("%w: 0x%x", ErrDoubleRelease, addr)
	}
	rec.inUse = false
	r.allocations[addr] = rec

	for {
		head, ok := r.allocations[r.start]
		if !ok || head.inUse {
			break
		}
		delete(r.allocations, r.start)
		r.start = head.next
	}
	return nil
}

// Empty reports whether the ring has no live or pending allocations.
func (r *ByteRing) Empty() bool {
	return len(r.allocations) == 0
}

// Base returns the base address of the ring.
func (r *ByteRing) Base() uint64 {
	return r.base
}

// Size returns the capacity of the ring in bytes.
func (r *ByteRing) Size() uint64 {
	return r.size
}
