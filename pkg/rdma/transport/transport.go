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

// Package transport wraps a queue pair and its completion queues into a
// Connection, the unit of peering between nodes. A Connection carries
// one-sided operations for compute threads and the two-sided messages used
// during bring-up.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	logger "github.com/remus-project/remus/pkg/log"
	"github.com/remus-project/remus/pkg/rdma/segment"
	"github.com/remus-project/remus/pkg/rdma/verbs"
)

var log = logger.Get("transport")

// bringupWRID tags the two-sided work requests of the bring-up exchange.
// Bring-up is strictly sequential per connection, so one id suffices.
const bringupWRID = 1

const (
	// dialBackoffFloor is the initial redial delay after a rejection.
	dialBackoffFloor = 100 * time.Microsecond
	// dialBackoffCeiling caps the redial delay.
	dialBackoffCeiling = 5 * time.Second
	// rnrRetryDelay is the pause before resending a message the peer had
	// no receive posted for yet.
	rnrRetryDelay = 100 * time.Microsecond
)

// Connection is one established lane to a peer. It owns a protection
// domain, a queue pair and the pair's completion queues.
type Connection struct {
	backend  verbs.Backend
	pd       verbs.PD
	qp       verbs.QP
	sendCQ   verbs.CQ
	recvCQ   verbs.CQ
	loopback bool
}

// newEndpoint creates the CQs and a Reset-state QP for one connection
// under the given protection domain, or a fresh one when pd is nil.
func newEndpoint(b verbs.Backend, pd verbs.PD) (*Connection, error) {
	if pd == nil {
		pd = b.AllocPD()
	}
	sendCQ := b.CreateCQ(verbs.MaxWR)
	recvCQ := b.CreateCQ(verbs.MaxWR)
	qp, err := b.CreateQP(pd, sendCQ, recvCQ, verbs.DefaultQPCap())
	if err != nil {
		return nil, fmt.Errorf("transport: creating QP: %w", err)
	}
	return &Connection{
		backend: b,
		pd:      pd,
		qp:      qp,
		sendCQ:  sendCQ,
		recvCQ:  recvCQ,
	}, nil
}

// Dial opens a connection to the listener at addr:port, sending the local
// peer id as private data. A rejected or not-yet-listening peer is retried
// with exponential backoff, lightly biased by the local id so that a fleet
// of dialers does not retry in lockstep. ctx bounds the whole attempt.
func Dial(ctx context.Context, b verbs.Backend, addr string, port uint16, localID uint32) (*Connection, error) {
	c, err := newEndpoint(b, nil)
	if err != nil {
		return nil, err
	}

	delay := dialBackoffFloor + time.Duration(localID)*time.Microsecond
	for {
		err := b.Dial(addr, port, localID, c.qp)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, verbs.ErrRejected) && !errors.Is(err, verbs.ErrNoListener) {
			return nil, fmt.Errorf("transport: dialing %s:%d: %w", addr, port, err)
		}

		if log.DebugEnabled() {
			log.Debugf("dial %s:%d: %v, retrying in %s", addr, port, err, delay)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transport: dialing %s:%d: %w", addr, port, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > dialBackoffCeiling {
			delay = dialBackoffCeiling
		}
	}
}

// Accept pairs a pending connection request with a fresh local QP under pd
// and returns the established connection. Listeners accept every peer under
// one protection domain so their segments register once; pd may be nil for
// an ad hoc domain.
func Accept(b verbs.Backend, cr verbs.ConnRequest, pd verbs.PD) (*Connection, error) {
	c, err := newEndpoint(b, pd)
	if err != nil {
		cr.Reject()
		return nil, err
	}
	if err := cr.Accept(c.qp); err != nil {
		return nil, fmt.Errorf("transport: accepting: %w", err)
	}
	return c, nil
}

// NewLoopback builds a connection whose QP is bound to itself, used when a
// node peers with a memory node in the same process. The QP lives under pd
// so the co-located node's registrations stay valid on the lane; nil gets a
// fresh domain. The state transitions are driven manually since no listener
// is involved.
func NewLoopback(b verbs.Backend, pd verbs.PD) (*Connection, error) {
	c, err := newEndpoint(b, pd)
	if err != nil {
		return nil, err
	}
	c.loopback = true
	if err := b.ModifyQPToInit(c.qp); err != nil {
		return nil, err
	}
	if err := b.ModifyQPToRTR(c.qp, c.qp.QPNum()); err != nil {
		return nil, err
	}
	if err := b.ModifyQPToRTS(c.qp); err != nil {
		return nil, err
	}
	return c, nil
}

// PD returns the protection domain owning the connection's QP. Memory used
// with this connection must be registered under it.
func (c *Connection) PD() verbs.PD {
	return c.pd
}

// Loopback reports whether the connection is bound to itself.
func (c *Connection) Loopback() bool {
	return c.loopback
}

// PostOneSided hands a (possibly chained) work request to the QP. The
// request is accepted, not completed.
func (c *Connection) PostOneSided(wr *verbs.SendWR) error {
	return c.backend.PostSend(c.qp, wr)
}

// PollSendCQ drains up to len(wcs) completions from the send queue.
func (c *Connection) PollSendCQ(wcs []verbs.WorkCompletion) int {
	return c.backend.PollCQ(c.sendCQ, wcs)
}

// SendMessage copies msg into the staging segment and sends it two-sided,
// blocking until the send completes. A peer that has not posted its receive
// yet is retried after a short pause.
func (c *Connection) SendMessage(ctx context.Context, msg []byte, seg *segment.Segment, mr *verbs.MR) error {
	if uint64(len(msg)) > seg.Capacity() {
		return fmt.Errorf("transport: message of %d bytes exceeds staging segment", len(msg))
	}
	copy(seg.Bytes(), msg)

	for {
		err := c.backend.PostSend(c.qp, &verbs.SendWR{
			WRID: bringupWRID,
			SGE: verbs.SGE{
				Addr:   seg.Base(),
				Length: uint32(len(msg)),
				LKey:   mr.LKey,
			},
			Opcode:   verbs.OpSend,
			Signaled: true,
		})
		if err != nil {
			return fmt.Errorf("transport: posting send: %w", err)
		}

		wc, err := c.waitCompletion(ctx, c.sendCQ)
		if err != nil {
			return err
		}
		switch wc.Status {
		case verbs.StatusSuccess:
			return nil
		case verbs.StatusRecvInvalid:
			select {
			case <-ctx.Done():
				return fmt.Errorf("transport: sending message: %w", ctx.Err())
			case <-time.After(rnrRetryDelay):
			}
		default:
			return fmt.Errorf("transport: send failed: %s", wc.Status)
		}
	}
}

// RecvMessage posts a receive into the staging segment and blocks until a
// message arrives, returning the received bytes.
func (c *Connection) RecvMessage(ctx context.Context, seg *segment.Segment, mr *verbs.MR) ([]byte, error) {
	err := c.backend.PostRecv(c.qp, bringupWRID, verbs.SGE{
		Addr:   seg.Base(),
		Length: uint32(seg.Capacity()),
		LKey:   mr.LKey,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: posting receive: %w", err)
	}

	wc, err := c.waitCompletion(ctx, c.recvCQ)
	if err != nil {
		return nil, err
	}
	if wc.Status != verbs.StatusSuccess {
		return nil, fmt.Errorf("transport: receive failed: %s", wc.Status)
	}
	return seg.Bytes()[:wc.ByteLen], nil
}

// waitCompletion spins on the given CQ for the bring-up completion.
func (c *Connection) waitCompletion(ctx context.Context, cq verbs.CQ) (verbs.WorkCompletion, error) {
	var wcs [1]verbs.WorkCompletion
	for {
		if n := c.backend.PollCQ(cq, wcs[:]); n > 0 {
			return wcs[0], nil
		}
		select {
		case <-ctx.Done():
			return verbs.WorkCompletion{}, fmt.Errorf("transport: waiting for completion: %w", ctx.Err())
		default:
		}
	}
}
