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

// seqEntry remembers one request of a sequenced batch: where its bytes
// were staged and whether a value must be gathered for the caller.
type seqEntry struct {
	staging uint64
	size    uint64
	gather  bool
}

// seqSlot accumulates the work requests of one sequenced batch. The lane
// is pinned when the batch opens; every request is chained unsignaled
// behind the head and only the terminating request carries the signaled
// flag and the completion slot.
type seqSlot struct {
	slot    int
	ackSlot int
	lane    *lane
	node    uint16
	head    *verbs.SendWR
	tail    *verbs.SendWR
	entries []seqEntry
}

// openSeq returns the batch in progress, opening a fresh one pinned to a
// lane of ptr's node if none is.
func (t *Thread) openSeq(p rptr.Ptr) *seqSlot {
	if t.seq != nil {
		if t.seq.node != p.NodeID() {
			log.Fatalf("thread %d: sequenced batch spans nodes %d and %d",
				t.id, t.seq.node, p.NodeID())
		}
		return t.seq
	}
	slot, err := t.seqRing.Acquire()
	if err != nil {
		log.Fatalf("thread %d: sequence ring: %v", t.id, err)
	}
	mn := int(uint32(p.NodeID()) - t.node.cfg.FirstMemNode)
	t.seq = &seqSlot{
		slot:    slot,
		ackSlot: t.acquireAck(),
		lane:    t.node.lane(uint32(p.NodeID()), t.lanes.Lane(mn)),
		node:    p.NodeID(),
	}
	return t.seq
}

// seqAppend adds one request to the open batch; when last is set it posts
// the whole chain, waits for the single terminal completion, and returns
// the gathered values of every non-write request in issue order.
func (t *Thread) seqAppend(p rptr.Ptr, opcode verbs.Opcode, size uint64, payload []byte, last bool) [][]byte {
	s := t.openSeq(p)
	if len(s.entries) >= t.node.cfg.WRsPerSeq {
		log.Fatalf("thread %d: sequenced batch exceeds %d requests",
			t.id, t.node.cfg.WRsPerSeq)
	}

	staging := t.acquireStaging(size, alignFor(size))
	if opcode == verbs.OpWrite {
		copy(mem(staging, size), payload)
	}
	wr := &verbs.SendWR{
		SGE: verbs.SGE{
			Addr:   staging,
			Length: uint32(size),
			LKey:   s.lane.mr.LKey,
		},
		Opcode:     opcode,
		RemoteAddr: p.Address(),
		RKey:       t.node.RKey(p.Raw()),
	}
	if s.head == nil {
		s.head = wr
	} else {
		s.tail.Next = wr
	}
	s.tail = wr
	s.entries = append(s.entries, seqEntry{
		staging: staging,
		size:    size,
		gather:  opcode != verbs.OpWrite,
	})
	if !last {
		return nil
	}

	wr.Signaled = true
	wr.WRID = t.ackAddr(s.ackSlot)
	t.postSeq(s)
	t.seq = nil
	t.await(s.lane, s.ackSlot, len(s.entries))
	return t.finishSeq(s)
}

// postSeq hands the chain head to the pinned lane.
func (t *Thread) postSeq(s *seqSlot) {
	s.lane.take(len(s.entries))
	if err := s.lane.conn.PostOneSided(s.head); err != nil {
		log.Fatalf("thread %d: posting sequenced batch: %v", t.id, err)
	}
}

// finishSeq gathers the staged values of a completed batch and recycles
// every slot it held.
func (t *Thread) finishSeq(s *seqSlot) [][]byte {
	var values [][]byte
	for _, e := range s.entries {
		if e.gather {
			out := make([]byte, e.size)
			copy(out, mem(e.staging, e.size))
			values = append(values, out)
		}
	}
	for _, e := range s.entries {
		t.releaseStaging(e.staging)
	}
	t.releaseAck(s.ackSlot)
	if err := t.seqRing.Release(s.slot); err != nil {
		log.Fatalf("thread %d: sequence ring: %v", t.id, err)
	}
	return values
}

// ReadSeqBytes appends an n-byte read to the open sequenced batch. When
// last is set the batch is posted and the gathered values are returned.
func (t *Thread) ReadSeqBytes(p rptr.Ptr, n uint64, last bool) [][]byte {
	atomic.AddUint64(&t.metrics.ReadOps, 1)
	atomic.AddUint64(&t.metrics.ReadBytes, n)
	return t.seqAppend(p, verbs.OpRead, n, nil, last)
}

// WriteSeqBytes appends a write to the open sequenced batch. When last is
// set the batch is posted and the values of earlier non-write requests
// are returned.
func (t *Thread) WriteSeqBytes(p rptr.Ptr, data []byte, last bool) [][]byte {
	atomic.AddUint64(&t.metrics.WriteOps, 1)
	atomic.AddUint64(&t.metrics.WriteBytes, uint64(len(data)))
	return t.seqAppend(p, verbs.OpWrite, uint64(len(data)), data, last)
}
