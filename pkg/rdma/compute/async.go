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

	"github.com/remus-project/remus/pkg/rdma/rptr"
	"github.com/remus-project/remus/pkg/rdma/verbs"
)

// Future is one in-flight asynchronous operation. It is cooperative and
// single threaded: only the owning thread's goroutine may drive it, one
// poll attempt per Ready call, and it must be driven to completion before
// the thread shuts down.
type Future struct {
	t       *Thread
	lane    *lane
	ackSlot int
	wrs     int
	entries []seqEntry
	seq     *seqSlot
	done    bool
	values  [][]byte
}

// Ready polls the lane's completion queue once and reports whether the
// operation has completed. Once it returns true the slots are recycled
// and the values are available.
func (f *Future) Ready() bool {
	if f.done {
		return true
	}
	if atomic.LoadUint64(&f.t.acks[f.ackSlot]) != 0 {
		f.t.drainOnce(f.lane)
		if atomic.LoadUint64(&f.t.acks[f.ackSlot]) != 0 {
			return false
		}
	}
	f.lane.put(f.wrs)
	if f.seq != nil {
		f.values = f.t.finishSeq(f.seq)
	} else {
		for _, e := range f.entries {
			if e.gather {
				out := make([]byte, e.size)
				copy(out, mem(e.staging, e.size))
				f.values = append(f.values, out)
			}
			f.t.releaseStaging(e.staging)
		}
		f.t.releaseAck(f.ackSlot)
	}
	f.done = true
	return true
}

// Await drives the future to completion.
func (f *Future) Await() {
	for !f.Ready() {
	}
}

// Value returns the first gathered value. It must not be called before
// Ready reports completion.
func (f *Future) Value() []byte {
	if !f.done {
		log.Fatalf("value of a pending future")
	}
	if len(f.values) == 0 {
		return nil
	}
	return f.values[0]
}

// Values returns every gathered value in issue order.
func (f *Future) Values() [][]byte {
	if !f.done {
		log.Fatalf("values of a pending future")
	}
	return f.values
}

// issueAsync posts one operation and wraps its completion slot in a
// future instead of blocking.
func (t *Thread) issueAsync(p rptr.Ptr, opcode verbs.Opcode, size uint64, payload []byte) *Future {
	l, rkey := t.route(p)
	slot := t.acquireAck()
	staging := t.acquireStaging(size, alignFor(size))
	if opcode == verbs.OpWrite {
		copy(mem(staging, size), payload)
	}
	l.take(1)
	err := l.conn.PostOneSided(&verbs.SendWR{
		WRID: t.ackAddr(slot),
		SGE: verbs.SGE{
			Addr:   staging,
			Length: uint32(size),
			LKey:   l.mr.LKey,
		},
		Opcode:     opcode,
		Signaled:   true,
		Fence:      true,
		RemoteAddr: p.Address(),
		RKey:       rkey,
	})
	if err != nil {
		log.Fatalf("thread %d: posting %s: %v", t.id, opcode, err)
	}
	return &Future{
		t:       t,
		lane:    l,
		ackSlot: slot,
		wrs:     1,
		entries: []seqEntry{{staging: staging, size: size, gather: opcode != verbs.OpWrite}},
	}
}

// ReadAsyncBytes starts an n-byte read at ptr and returns its future.
func (t *Thread) ReadAsyncBytes(p rptr.Ptr, n uint64) *Future {
	atomic.AddUint64(&t.metrics.ReadOps, 1)
	atomic.AddUint64(&t.metrics.ReadBytes, n)
	return t.issueAsync(p, verbs.OpRead, n, nil)
}

// WriteAsyncBytes starts a write at ptr and returns its future.
func (t *Thread) WriteAsyncBytes(p rptr.Ptr, data []byte) *Future {
	atomic.AddUint64(&t.metrics.WriteOps, 1)
	atomic.AddUint64(&t.metrics.WriteBytes, uint64(len(data)))
	return t.issueAsync(p, verbs.OpWrite, uint64(len(data)), data)
}

// FinishSeqAsync posts the open sequenced batch like a terminating
// sequenced op would, but returns a future for its single completion
// instead of blocking. The last appended request becomes the signaled
// tail.
func (t *Thread) FinishSeqAsync() *Future {
	s := t.seq
	if s == nil || s.tail == nil {
		log.Fatalf("thread %d: no open sequenced batch to finish", t.id)
	}
	s.tail.Signaled = true
	s.tail.WRID = t.ackAddr(s.ackSlot)
	t.postSeq(s)
	t.seq = nil
	return &Future{
		t:       t,
		lane:    s.lane,
		ackSlot: s.ackSlot,
		wrs:     len(s.entries),
		seq:     s,
	}
}
