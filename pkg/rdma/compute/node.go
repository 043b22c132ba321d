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

// Package compute implements the compute side of the runtime: a node that
// opens queue-pair lanes to every memory node, the threads that issue
// one-sided operations over those lanes, the distributed bump allocator,
// and the root and barrier primitives rooted in segment 0 of the first
// memory node.
package compute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	logger "github.com/remus-project/remus/pkg/log"
	"github.com/remus-project/remus/pkg/rdma/policy"
	"github.com/remus-project/remus/pkg/rdma/rptr"
	"github.com/remus-project/remus/pkg/rdma/segment"
	"github.com/remus-project/remus/pkg/rdma/transport"
	"github.com/remus-project/remus/pkg/rdma/verbs"
	"github.com/remus-project/remus/pkg/utils"
)

var log = logger.Get("compute")

// recvSegSize is the capacity of the staging segment used to receive
// registration records during bring-up.
const recvSegSize = 1 << 20

// Peer names one reachable memory node.
type Peer struct {
	ID      uint32
	Address string
	Port    uint16
}

// Config carries the topology and sizing knobs of one compute node.
type Config struct {
	// NodeID is this node's job-wide id.
	NodeID uint32
	// QPLanes is the number of lanes opened to each memory node.
	QPLanes int
	// Threads is the number of compute threads this node runs.
	Threads int
	// ThreadBufBits sizes each thread's scratch slice at 2^ThreadBufBits
	// bytes. Half of it stages copies, half serves zero-copy callers.
	ThreadBufBits uint
	// SegSizeBits is the published segment size exponent; it defines the
	// mask separating a pointer's segment base from its offset.
	SegSizeBits uint
	// SegsPerMN is the number of segments each memory node publishes.
	SegsPerMN int
	// FirstMemNode and LastMemNode bound the contiguous memory id range.
	FirstMemNode, LastMemNode uint32
	// FirstCompute and LastCompute bound the contiguous compute id range.
	FirstCompute, LastCompute uint32
	// OpsPerThread is the completion slot count per thread.
	OpsPerThread int
	// WRsPerSeq caps the work requests chained into one sequenced batch.
	WRsPerSeq int
	// LanePolicy and SegPolicy are the strategies threads start with.
	LanePolicy policy.LaneKind
	SegPolicy  policy.SegmentKind
}

// numMemNodes is the count of memory nodes in the job.
func (c *Config) numMemNodes() int {
	return int(c.LastMemNode - c.FirstMemNode + 1)
}

// totalThreads is the job-wide compute thread count.
func (c *Config) totalThreads() int {
	return c.Threads * int(c.LastCompute-c.FirstCompute+1)
}

// topology converts the id ranges into the policy package's shape.
func (c *Config) topology() policy.Topology {
	return policy.Topology{
		FirstMemNode: int(c.FirstMemNode),
		LastMemNode:  int(c.LastMemNode),
		FirstCompute: int(c.FirstCompute),
		LastCompute:  int(c.LastCompute),
		NodeID:       int(c.NodeID),
		Threads:      c.Threads,
	}
}

// lane is one established connection to a memory node plus the local
// segment's registration under that connection's protection domain and the
// shared in-flight op counter all threads using the lane bump.
type lane struct {
	conn     *transport.Connection
	mr       *verbs.MR
	inflight uint64
}

// take accounts for n freshly posted work requests. Overrunning the
// queue-pair capacity is a sizing bug, not a runtime condition.
func (l *lane) take(n int) {
	if atomic.AddUint64(&l.inflight, uint64(n)) > verbs.MaxWR {
		log.Fatalf("lane overrun: more than %d work requests in flight", verbs.MaxWR)
	}
}

// put retires n completed work requests.
func (l *lane) put(n int) {
	atomic.AddUint64(&l.inflight, ^uint64(n-1))
}

// ComputeNode owns the lanes to every memory node, the registration-record
// tables resolved from them, and the local scratch segment its threads
// carve their buffers out of.
type ComputeNode struct {
	cfg     Config
	backend verbs.Backend

	localSeg  *segment.Segment
	threadBuf uint64
	segMask   uint64

	lanes map[uint32][]*lane

	// rkeys maps nodeID<<48 | segment base to the segment's remote key.
	rkeys     map[uint64]uint32
	segStarts map[uint32][]uint64
	hints     map[uint32][]uint64

	nextThread uint32

	mu      sync.Mutex
	threads []*Thread
}

// New allocates the local scratch segment, sized to the next power of two
// covering every thread's slice, and prepares the lookup tables. Lanes are
// opened by ConnectLocal and ConnectRemote.
func New(b verbs.Backend, cfg Config) (*ComputeNode, error) {
	threadBuf := uint64(1) << cfg.ThreadBufBits
	seg, err := segment.New(utils.NextPow2(uint64(cfg.Threads) * threadBuf))
	if err != nil {
		return nil, err
	}
	log.Infof("node %d: compute node with %d threads, %dB scratch at 0x%x",
		cfg.NodeID, cfg.Threads, seg.Capacity(), seg.Base())
	return &ComputeNode{
		cfg:       cfg,
		backend:   b,
		localSeg:  seg,
		threadBuf: threadBuf,
		segMask:   uint64(1)<<cfg.SegSizeBits - 1,
		lanes:     make(map[uint32][]*lane),
		rkeys:     make(map[uint64]uint32),
		segStarts: make(map[uint32][]uint64),
		hints:     make(map[uint32][]uint64),
	}, nil
}

// ConnectLocal opens loopback lanes to the memory node living in this
// process and injects its registration records without a network round
// trip. The lanes are built on the memory node's protection domain so its
// segment keys remain valid on them.
func (n *ComputeNode) ConnectLocal(pd verbs.PD, records []transport.RegRecord) error {
	lanes := make([]*lane, 0, n.cfg.QPLanes)
	for i := 0; i < n.cfg.QPLanes; i++ {
		conn, err := transport.NewLoopback(n.backend, pd)
		if err != nil {
			return fmt.Errorf("compute: loopback lane %d: %w", i, err)
		}
		mr, err := n.localSeg.Register(n.backend, conn.PD())
		if err != nil {
			return err
		}
		lanes = append(lanes, &lane{conn: conn, mr: mr})
	}
	n.lanes[n.cfg.NodeID] = lanes
	n.saveRecords(n.cfg.NodeID, records)
	log.Infof("node %d: %d loopback lanes up", n.cfg.NodeID, n.cfg.QPLanes)
	return nil
}

// ConnectRemote dials every listed peer over the configured number of
// lanes and stores the registration records each lane ships back. Peers
// with this node's own id are skipped; ConnectLocal covers them.
func (n *ComputeNode) ConnectRemote(ctx context.Context, peers []Peer) error {
	recvSeg, err := segment.New(recvSegSize)
	if err != nil {
		return err
	}
	defer recvSeg.Close()

	for _, peer := range peers {
		if peer.ID == n.cfg.NodeID {
			continue
		}
		lanes := make([]*lane, 0, n.cfg.QPLanes)
		for i := 0; i < n.cfg.QPLanes; i++ {
			conn, err := transport.Dial(ctx, n.backend, peer.Address, peer.Port, n.cfg.NodeID)
			if err != nil {
				return fmt.Errorf("compute: lane %d to node %d: %w", i, peer.ID, err)
			}
			mr, err := n.localSeg.Register(n.backend, conn.PD())
			if err != nil {
				return err
			}

			// Every accepted lane is shipped the full record vector;
			// the contents are identical so only the first is kept.
			recvMR, err := recvSeg.Register(n.backend, conn.PD())
			if err != nil {
				return err
			}
			buf, err := conn.RecvMessage(ctx, recvSeg, recvMR)
			if err != nil {
				return fmt.Errorf("compute: receiving records from node %d: %w", peer.ID, err)
			}
			if i == 0 {
				records, err := transport.UnmarshalRegRecords(buf)
				if err != nil {
					return err
				}
				n.saveRecords(peer.ID, records)
			}
			if err := n.backend.DeregisterMR(recvMR); err != nil {
				return err
			}
			lanes = append(lanes, &lane{conn: conn, mr: mr})
		}
		n.lanes[peer.ID] = lanes
		log.Infof("node %d: %d lanes up to node %d", n.cfg.NodeID, n.cfg.QPLanes, peer.ID)
	}
	return nil
}

// saveRecords indexes one memory node's registration records: the rkey
// table keyed by pointer prefix, the segment base table, and a fresh
// allocation hint per segment starting past the control block.
func (n *ComputeNode) saveRecords(nodeID uint32, records []transport.RegRecord) {
	for _, r := range records {
		n.rkeys[uint64(nodeID)<<rptr.AddressBits|r.Addr&^n.segMask] = r.RKey
		n.segStarts[nodeID] = append(n.segStarts[nodeID], r.Addr)
		n.hints[nodeID] = append(n.hints[nodeID], segment.ControlBlockSize)
	}
	if log.DebugEnabled() {
		log.Debugf("node %d published %d segments", nodeID, len(records))
	}
}

// RegisterThread hands out the next thread id together with the bounds of
// that thread's slice of the local scratch segment.
func (n *ComputeNode) RegisterThread() (int, uint64, uint64) {
	id := int(atomic.AddUint32(&n.nextThread, 1)) - 1
	if id >= n.cfg.Threads {
		log.Fatalf("thread %d registered on a node sized for %d", id, n.cfg.Threads)
	}
	base := n.localSeg.Base() + uint64(id)*n.threadBuf
	return id, base, n.threadBuf
}

// lane resolves the lane with the given index to a memory node.
func (n *ComputeNode) lane(nodeID uint32, idx int) *lane {
	lanes, ok := n.lanes[nodeID]
	if !ok {
		log.Fatalf("no lanes to node %d", nodeID)
	}
	return lanes[idx]
}

// RKey resolves the remote key covering the raw pointer, keyed by the
// owning node and the pointer's segment base.
func (n *ComputeNode) RKey(raw uint64) uint32 {
	rkey, ok := n.rkeys[raw&^n.segMask]
	if !ok {
		log.Fatalf("no registration covers %s", rptr.FromRaw(raw))
	}
	return rkey
}

// SegmentBase returns the base address of one published segment.
func (n *ComputeNode) SegmentBase(nodeID uint32, seg int) uint64 {
	return n.segStarts[nodeID][seg]
}

// AllocHint returns the last-observed bump counter of one segment. The
// word is updated with atomics only.
func (n *ComputeNode) AllocHint(nodeID uint32, seg int) *uint64 {
	return &n.hints[nodeID][seg]
}

// rootPtr addresses the named control block word of segment 0 on the
// first memory node, the job-wide well-known location.
func (n *ComputeNode) rootPtr(off uint64) rptr.Ptr {
	return rptr.New(uint16(n.cfg.FirstMemNode),
		n.segStarts[n.cfg.FirstMemNode][0]+off)
}

// Close deregisters the per-lane registrations and unmaps the scratch
// segment. Threads must have been closed first.
func (n *ComputeNode) Close() error {
	var errs *multierror.Error
	for _, lanes := range n.lanes {
		for _, l := range lanes {
			if left := atomic.LoadUint64(&l.inflight); left != 0 {
				errs = multierror.Append(errs,
					fmt.Errorf("compute: lane closed with %d requests in flight", left))
			}
			errs = multierror.Append(errs, n.backend.DeregisterMR(l.mr))
		}
	}
	errs = multierror.Append(errs, n.localSeg.Close())
	return errs.ErrorOrNil()
}
