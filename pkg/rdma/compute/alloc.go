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

package compute

import (
	"sync/atomic"
	"unsafe"

	"github.com/remus-project/remus/pkg/rdma/rptr"
	"github.com/remus-project/remus/pkg/rdma/segment"
	"github.com/remus-project/remus/pkg/utils"
)

// HeaderSize is the per-block bookkeeping prefix: a u64 block size
// followed by a u64 reserved for future synchronization metadata. The
// pointer handed to callers points right past it.
const HeaderSize = 16

// bigClassLimit is the largest request served by the fixed size classes.
const bigClassLimit = 8192

// sizeClass pads a request (header included) to its allocation size:
// small requests round to the next 64, medium ones to the next 1024, and
// big blocks round to 64 and live on their own list.
func sizeClass(n uint64) uint64 {
	switch {
	case n <= 1024:
		return utils.AlignUp(n, 64)
	case n <= bigClassLimit:
		return utils.AlignUp(n, 1024)
	default:
		return utils.AlignUp(n, 64)
	}
}

// bigBlock is one reclaimed block too large for the size-class lists.
type bigBlock struct {
	raw  uint64
	size uint64
}

// allocator holds a thread's private reclaim lists. Freed memory only
// ever returns to the thread that freed it.
type allocator struct {
	freelists map[uint64][]uint64
	bigBlocks []bigBlock
}

func (a *allocator) init() {
	a.freelists = make(map[uint64][]uint64)
}

// popFree takes a reclaimed block of exactly the given class, or the
// first big block large enough when the class exceeds the list limit.
func (a *allocator) popFree(class uint64) (uint64, bool) {
	if class > bigClassLimit {
		for i, blk := range a.bigBlocks {
			if blk.size >= class {
				a.bigBlocks = append(a.bigBlocks[:i], a.bigBlocks[i+1:]...)
				return blk.raw, true
			}
		}
		return 0, false
	}
	list := a.freelists[class]
	if len(list) == 0 {
		return 0, false
	}
	raw := list[len(list)-1]
	a.freelists[class] = list[:len(list)-1]
	return raw, true
}

// push returns a block of the given class to the appropriate list.
func (a *allocator) push(raw, class uint64) {
	if class > bigClassLimit {
		a.bigBlocks = append(a.bigBlocks, bigBlock{raw: raw, size: class})
		return
	}
	a.freelists[class] = append(a.freelists[class], raw)
}

// empty reports whether no reclaimed memory is being held.
func (a *allocator) empty() bool {
	for _, list := range a.freelists {
		if len(list) != 0 {
			return false
		}
	}
	return len(a.bigBlocks) == 0
}

// Allocate reserves n usable bytes of remote memory and returns a pointer
// to them. A reclaimed block of the right class is reused when one is
// held; otherwise bytes are bumped off a segment chosen by the allocation
// policy, reserved with a remote fetch-and-add that cannot be undone, so
// a reservation past the end of the segment is simply abandoned and the
// loop moves on to the policy's next choice. A policy that keeps naming
// exhausted segments never terminates; sizing is the configuration's
// responsibility.
func (t *Thread) Allocate(n uint64) rptr.Ptr {
	class := sizeClass(n + HeaderSize)
	if raw, ok := t.alloc.popFree(class); ok {
		return rptr.FromRaw(raw)
	}

	segSize := uint64(1) << t.node.cfg.SegSizeBits
	for {
		mn, seg := t.segs.Next()
		nodeID := t.node.cfg.FirstMemNode + uint32(mn)
		hint := t.node.AllocHint(nodeID, seg)
		if atomic.LoadUint64(hint)+class > segSize {
			continue
		}

		base := t.node.SegmentBase(nodeID, seg)
		was := t.FetchAndAdd(rptr.New(uint16(nodeID), base+segment.OffAllocated), class)
		t.observeAllocated(hint, was+class)
		if was+class > segSize {
			if log.DebugEnabled() {
				log.Debugf("thread %d: segment %d/%d exhausted at %d", t.id, mn, seg, was)
			}
			continue
		}

		var word uint64 = class
		hdr := unsafe.Slice((*byte)(unsafe.Pointer(&word)), 8)
		t.WriteBytes(rptr.New(uint16(nodeID), base+was), hdr)
		word = 0
		t.WriteBytes(rptr.New(uint16(nodeID), base+was+8), hdr)
		return rptr.New(uint16(nodeID), base+was+HeaderSize)
	}
}

// observeAllocated raises the local bump hint to the observed counter
// value. The CAS loop keeps the hint monotonic under concurrent
// observers so a stale smaller reading never masks a larger one.
func (t *Thread) observeAllocated(hint *uint64, observed uint64) {
	for {
		cur := atomic.LoadUint64(hint)
		if observed <= cur || atomic.CompareAndSwapUint64(hint, cur, observed) {
			return
		}
	}
}

// Deallocate reclaims a block onto this thread's free lists. The block
// size is read back from the header ahead of the pointer; no remote
// operation is issued and no other thread can reuse the memory.
func (t *Thread) Deallocate(p rptr.Ptr) {
	hdr := t.ReadBytes(rptr.New(p.NodeID(), p.Address()-HeaderSize), 8)
	size := *(*uint64)(unsafe.Pointer(&hdr[0]))
	t.alloc.push(p.Raw(), size)
}
