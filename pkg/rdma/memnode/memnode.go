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

// Package memnode implements the memory side of the runtime: a node that
// publishes pinned segments, accepts lane connections from compute peers in
// a dedicated goroutine, ships each new peer its registration records, and
// holds teardown until every compute thread has checked out.
package memnode

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	logger "github.com/remus-project/remus/pkg/log"
	"github.com/remus-project/remus/pkg/rdma/segment"
	"github.com/remus-project/remus/pkg/rdma/transport"
	"github.com/remus-project/remus/pkg/rdma/verbs"
)

var log = logger.Get("memnode")

// sendSegSize is the capacity of the staging segment used to ship
// registration records. Far larger than any record vector needs.
const sendSegSize = 1 << 20

// Config carries the topology and sizing knobs of one memory node.
type Config struct {
	// NodeID is this node's job-wide id.
	NodeID uint32
	// Address and Port name the listening endpoint.
	Address string
	Port    uint16
	// Segments is the number of published segments.
	Segments int
	// SegSizeBits sizes each segment at 2^SegSizeBits bytes.
	SegSizeBits uint
	// QPLanes is the number of lanes each compute node opens to us.
	QPLanes int
	// FirstCompute and LastCompute bound the contiguous compute id range.
	FirstCompute, LastCompute uint32
	// ThreadsPerCompute is the compute thread count per compute node.
	ThreadsPerCompute int
}

// totalThreads is the job-wide compute thread count the shutdown counter
// must reach.
func (c *Config) totalThreads() uint64 {
	return uint64(c.ThreadsPerCompute) * uint64(c.LastCompute-c.FirstCompute+1)
}

// remoteConns is the number of inbound connections to expect: every
// compute node that is not this process, times the lanes each one opens.
func (c *Config) remoteConns() int {
	cns := int(c.LastCompute - c.FirstCompute + 1)
	if c.NodeID >= c.FirstCompute && c.NodeID <= c.LastCompute {
		cns--
	}
	return cns * c.QPLanes
}

type segInfo struct {
	seg *segment.Segment
	mr  *verbs.MR
}

// MemoryNode publishes segments and serves lane connections.
type MemoryNode struct {
	cfg     Config
	backend verbs.Backend
	pd      verbs.PD

	listener verbs.Listener
	accepted chan error

	segs    []segInfo
	records []transport.RegRecord

	sendSeg *segment.Segment
	sendMR  *verbs.MR

	conns []*transport.Connection
}

// New maps and registers the configured segments, initializes their control
// blocks, and parks a goroutine on the listening endpoint. Accepting runs
// concurrently with the caller so a process that is both compute and memory
// can dial out while peers dial in.
func New(ctx context.Context, b verbs.Backend, cfg Config) (*MemoryNode, error) {
	log.Infof("node %d: configuring memory node (%d segments at 2^%dB each)",
		cfg.NodeID, cfg.Segments, cfg.SegSizeBits)

	m := &MemoryNode{
		cfg:      cfg,
		backend:  b,
		pd:       b.AllocPD(),
		accepted: make(chan error, 1),
	}

	sendSeg, err := segment.New(sendSegSize)
	if err != nil {
		return nil, err
	}
	m.sendSeg = sendSeg
	m.sendMR, err = sendSeg.Register(b, m.pd)
	if err != nil {
		return nil, err
	}

	for i := 0; i < cfg.Segments; i++ {
		seg, err := segment.New(uint64(1) << cfg.SegSizeBits)
		if err != nil {
			return nil, err
		}
		seg.InitControlBlock()
		mr, err := seg.Register(b, m.pd)
		if err != nil {
			return nil, err
		}
		m.segs = append(m.segs, segInfo{seg: seg, mr: mr})
		m.records = append(m.records, transport.RegRecord{
			Addr: seg.Base(),
			RKey: mr.RKey,
		})
	}
	log.Info("shared segments:")
	for _, r := range m.records {
		log.Infof("  0x%x (rk=0x%x)", r.Addr, r.RKey)
	}

	m.listener, err = b.Listen(cfg.Address, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("memnode: listening on %s:%d: %w",
			cfg.Address, cfg.Port, err)
	}

	log.Infof("memory node %d listening on %s:%d, awaiting %d connections",
		cfg.NodeID, cfg.Address, cfg.Port, cfg.remoteConns())
	go func() {
		m.accepted <- m.handleConnections(ctx)
	}()
	return m, nil
}

// handleConnections accepts the expected number of lane connections and
// ships the registration records to each.
func (m *MemoryNode) handleConnections(ctx context.Context) error {
	payload := transport.MarshalRegRecords(m.records)
	for remaining := m.cfg.remoteConns(); remaining > 0; remaining-- {
		cr, err := m.listener.Next()
		if err != nil {
			return fmt.Errorf("memnode: accepting: %w", err)
		}
		peer := cr.PrivateData()
		if peer == m.cfg.NodeID {
			cr.Reject()
			return fmt.Errorf("memnode: connection request from self")
		}

		conn, err := transport.Accept(m.backend, cr, m.pd)
		if err != nil {
			return err
		}
		m.conns = append(m.conns, conn)

		if err := conn.SendMessage(ctx, payload, m.sendSeg, m.sendMR); err != nil {
			return fmt.Errorf("memnode: shipping records to node %d: %w", peer, err)
		}
		if log.DebugEnabled() {
			log.Debugf("accepted lane from node %d, %d connections to go",
				peer, remaining-1)
		}
	}
	return nil
}

// InitDone blocks until the listening goroutine has accepted every
// expected connection, then stops the listener. Call once bring-up of the
// whole job is known to be underway.
func (m *MemoryNode) InitDone() error {
	log.Info("stopping listening goroutine...")
	err := <-m.accepted
	if cerr := m.listener.Close(); err == nil {
		err = cerr
	}
	return err
}

// PD returns the protection domain every published segment is registered
// under. Co-located compute nodes build their loopback lanes on it.
func (m *MemoryNode) PD() verbs.PD {
	return m.pd
}

// LocalRecords returns the registration records of this node's segments,
// for a co-located compute node that cannot ship them to itself over the
// network.
func (m *MemoryNode) LocalRecords() []transport.RegRecord {
	out := make([]transport.RegRecord, len(m.records))
	copy(out, m.records)
	return out
}

// ControlFlag reads the shutdown counter in segment 0.
func (m *MemoryNode) ControlFlag() uint64 {
	return atomic.LoadUint64(m.segs[0].seg.Word(segment.OffControlFlag))
}

// Close waits until every compute thread in the job has bumped the
// shutdown counter, then tears down registrations and segments. Peers must
// never touch a segment of a node whose Close returned.
func (m *MemoryNode) Close(ctx context.Context) error {
	total := m.cfg.totalThreads()
	waitLog := logger.RateLimit(log, logger.MinimumInterval(5*time.Second))
	for m.ControlFlag() != total {
		select {
		case <-ctx.Done():
			return fmt.Errorf("memnode: waiting for %d of %d thread checkouts: %w",
				total-m.ControlFlag(), total, ctx.Err())
		default:
			waitLog.Info("waiting for %d of %d thread checkouts",
				total-m.ControlFlag(), total)
			runtime.Gosched()
		}
	}
	log.Infof("memory node %d shutdown", m.cfg.NodeID)

	// Grace period for peers still draining completions of their final
	// control-flag writes.
	time.Sleep(100 * time.Millisecond)

	var errs *multierror.Error
	for _, s := range m.segs {
		errs = multierror.Append(errs, m.backend.DeregisterMR(s.mr))
		errs = multierror.Append(errs, s.seg.Close())
	}
	errs = multierror.Append(errs, m.backend.DeregisterMR(m.sendMR))
	errs = multierror.Append(errs, m.sendSeg.Close())
	return errs.ErrorOrNil()
}
