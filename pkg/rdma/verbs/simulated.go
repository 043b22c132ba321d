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

package verbs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	logger "github.com/remus-project/remus/pkg/log"
)

// Simulated is an in-process Backend. One-sided work requests execute
// synchronously against the registered process memory, so by the time
// PostSend returns the transfer has happened and only the completion
// remains to be polled. Fenced requests are therefore trivially ordered.
type Simulated struct {
	sync.Mutex
	listeners map[string]*simListener
	qps       map[uint32]*simQP
	mrs       map[uint32]*simMR
	nextQPNum uint32
	nextKey   uint32
	nextPDNum uint32

	// rejectNext makes the listener-side rendezvous reject that many
	// upcoming connection requests before accepting again. Used to
	// exercise dial retry paths.
	rejectNext int32
}

var log = logger.Get("verbs")

// NewSimulated creates an empty simulated backend. Nodes that should be
// able to reach each other must share the same backend instance.
func NewSimulated() *Simulated {
	return &Simulated{
		listeners: make(map[string]*simListener),
		qps:       make(map[uint32]*simQP),
		mrs:       make(map[uint32]*simMR),
	}
}

// RejectNext makes the backend reject the next n connection requests
// before any listener sees them.
func (b *Simulated) RejectNext(n int) {
	atomic.StoreInt32(&b.rejectNext, int32(n))
}

type simPD struct {
	num uint32
}

func (*simPD) pd() {}

type simMR struct {
	MR
	pd *simPD
}

type simCQ struct {
	sync.Mutex
	wcs   []WorkCompletion
	depth int
}

func (*simCQ) cq() {}

func (cq *simCQ) push(wc WorkCompletion) {
	cq.Lock()
	defer cq.Unlock()
	if len(cq.wcs) >= cq.depth {
		// Matches a CQ overrun on hardware. The runtime sizes its CQs
		// to the WR budget so this indicates a bookkeeping bug.
		log.Errorf("CQ overrun, dropping completion wr_id=%d", wc.WRID)
		return
	}
	cq.wcs = append(cq.wcs, wc)
}

type postedRecv struct {
	wrID uint64
	sge  SGE
}

type simQP struct {
	sync.Mutex
	num       uint32
	state     QPState
	pd        *simPD
	sendCQ    *simCQ
	recvCQ    *simCQ
	cap       QPCap
	remoteQP  uint32
	recvQueue []postedRecv
}

func (qp *simQP) QPNum() uint32 { return qp.num }

func (qp *simQP) State() QPState {
	qp.Lock()
	defer qp.Unlock()
	return qp.state
}

// AllocPD allocates a protection domain.
func (b *Simulated) AllocPD() PD {
	b.Lock()
	defer b.Unlock()
	b.nextPDNum++
	return &simPD{num: b.nextPDNum}
}

// CreateCQ creates a completion queue of the given depth.
func (b *Simulated) CreateCQ(depth int) CQ {
	return &simCQ{depth: depth}
}

// CreateQP creates a queue pair in the Reset state.
func (b *Simulated) CreateQP(pd PD, sendCQ, recvCQ CQ, cap QPCap) (QP, error) {
	spd, ok := pd.(*simPD)
	if !ok {
		return nil, fmt.Errorf("verbs: foreign PD handle")
	}
	scq, ok := sendCQ.(*simCQ)
	if !ok {
		return nil, fmt.Errorf("verbs: foreign send CQ handle")
	}
	rcq, ok := recvCQ.(*simCQ)
	if !ok {
		return nil, fmt.Errorf("verbs: foreign recv CQ handle")
	}

	b.Lock()
	defer b.Unlock()
	b.nextQPNum++
	qp := &simQP{
		num:    b.nextQPNum,
		state:  QPStateReset,
		pd:     spd,
		sendCQ: scq,
		recvCQ: rcq,
		cap:    cap,
	}
	b.qps[qp.num] = qp
	return qp, nil
}

func (b *Simulated) lookupQP(qp QP) (*simQP, error) {
	sqp, ok := qp.(*simQP)
	if !ok {
		return nil, fmt.Errorf("verbs: foreign QP handle")
	}
	return sqp, nil
}

// ModifyQPToInit transitions Reset -> Init.
func (b *Simulated) ModifyQPToInit(qp QP) error {
	sqp, err := b.lookupQP(qp)
	if err != nil {
		return err
	}
	sqp.Lock()
	defer sqp.Unlock()
	if sqp.state != QPStateReset {
		return fmt.Errorf("%w: %d not in Reset", ErrBadQPState, sqp.state)
	}
	sqp.state = QPStateInit
	return nil
}

// ModifyQPToRTR transitions Init -> RTR, binding the remote QP number.
func (b *Simulated) ModifyQPToRTR(qp QP, remoteQPNum uint32) error {
	sqp, err := b.lookupQP(qp)
	if err != nil {
		return err
	}
	sqp.Lock()
	defer sqp.Unlock()
	if sqp.state != QPStateInit {
		return fmt.Errorf("%w: %d not in Init", ErrBadQPState, sqp.state)
	}
	sqp.state = QPStateRTR
	sqp.remoteQP = remoteQPNum
	return nil
}

// ModifyQPToRTS transitions RTR -> RTS.
func (b *Simulated) ModifyQPToRTS(qp QP) error {
	sqp, err := b.lookupQP(qp)
	if err != nil {
		return err
	}
	sqp.Lock()
	defer sqp.Unlock()
	if sqp.state != QPStateRTR {
		return fmt.Errorf("%w: %d not in RTR", ErrBadQPState, sqp.state)
	}
	sqp.state = QPStateRTS
	return nil
}

// RegisterMR registers [base, base+length) under the protection domain for
// local and remote read/write/atomic access.
func (b *Simulated) RegisterMR(pd PD, base uint64, length uint64) (*MR, error) {
	spd, ok := pd.(*simPD)
	if !ok {
		return nil, fmt.Errorf("verbs: foreign PD handle")
	}
	b.Lock()
	defer b.Unlock()
	b.nextKey++
	key := b.nextKey
	mr := &simMR{
		MR: MR{
			Base:   base,
			Length: length,
			LKey:   key,
			RKey:   key,
		},
		pd: spd,
	}
	b.mrs[key] = mr
	return &mr.MR, nil
}

// DeregisterMR revokes a registration.
func (b *Simulated) DeregisterMR(mr *MR) error {
	b.Lock()
	defer b.Unlock()
	if _, ok := b.mrs[mr.LKey]; !ok {
		return fmt.Errorf("verbs: unknown MR lkey=%d", mr.LKey)
	}
	delete(b.mrs, mr.LKey)
	return nil
}

// checkKey validates a key against the given PD and range and returns the
// registration.
func (b *Simulated) checkKey(key uint32, pd *simPD, addr uint64, length uint32) (*simMR, bool) {
	b.Lock()
	mr, ok := b.mrs[key]
	b.Unlock()
	if !ok || mr.pd.num != pd.num {
		return nil, false
	}
	if addr < mr.Base || addr+uint64(length) > mr.Base+mr.Length {
		return nil, false
	}
	return mr, true
}

// mem returns the process memory at [addr, addr+length) as a byte slice.
func mem(addr uint64, length uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}

// word returns the 64-bit word at addr for atomic access.
func word(addr uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(addr)))
}

// PostSend enqueues a (possibly chained) work request. Each request in the
// chain executes immediately; completions for signaled requests land on the
// QP's send CQ. A failed request completes with its error status and the
// rest of the chain is abandoned, mirroring a QP error on hardware.
func (b *Simulated) PostSend(qp QP, wr *SendWR) error {
	sqp, err := b.lookupQP(qp)
	if err != nil {
		return err
	}
	if sqp.State() != QPStateRTS {
		return fmt.Errorf("%w: send in state %d", ErrBadQPState, sqp.State())
	}

	for ; wr != nil; wr = wr.Next {
		status := b.execute(sqp, wr)
		if wr.Signaled || status != StatusSuccess {
			sqp.sendCQ.push(WorkCompletion{
				WRID:    wr.WRID,
				Status:  status,
				Opcode:  wr.Opcode,
				ByteLen: wr.SGE.Length,
				QPNum:   sqp.num,
			})
		}
		if status != StatusSuccess {
			log.Errorf("qp %d: %s wr_id=%d failed: %s",
				sqp.num, wr.Opcode, wr.WRID, status)
			break
		}
	}
	return nil
}

func (b *Simulated) peer(sqp *simQP) (*simQP, bool) {
	sqp.Lock()
	remote := sqp.remoteQP
	sqp.Unlock()
	b.Lock()
	peer, ok := b.qps[remote]
	b.Unlock()
	return peer, ok
}

func (b *Simulated) execute(sqp *simQP, wr *SendWR) Status {
	peer, ok := b.peer(sqp)
	if !ok {
		return StatusRemoteAccessErr
	}

	switch wr.Opcode {
	case OpRead, OpWrite:
		if _, ok := b.checkKey(wr.SGE.LKey, sqp.pd, wr.SGE.Addr, wr.SGE.Length); !ok {
			return StatusLocalProtectionErr
		}
		if _, ok := b.checkKey(wr.RKey, peer.pd, wr.RemoteAddr, wr.SGE.Length); !ok {
			return StatusRemoteAccessErr
		}
		local := mem(wr.SGE.Addr, wr.SGE.Length)
		remote := mem(wr.RemoteAddr, wr.SGE.Length)
		if wr.Opcode == OpRead {
			copy(local, remote)
		} else {
			copy(remote, local)
		}
		return StatusSuccess

	case OpCompSwap, OpFetchAdd:
		if wr.SGE.Length != 8 {
			return StatusBadOpcode
		}
		if _, ok := b.checkKey(wr.SGE.LKey, sqp.pd, wr.SGE.Addr, 8); !ok {
			return StatusLocalProtectionErr
		}
		if _, ok := b.checkKey(wr.RKey, peer.pd, wr.RemoteAddr, 8); !ok {
			return StatusRemoteAccessErr
		}
		target := word(wr.RemoteAddr)
		var old uint64
		if wr.Opcode == OpCompSwap {
			for {
				old = atomic.LoadUint64(target)
				if old != wr.CompareAdd {
					break
				}
				if atomic.CompareAndSwapUint64(target, old, wr.Swap) {
					break
				}
			}
		} else {
			old = atomic.AddUint64(target, wr.CompareAdd) - wr.CompareAdd
		}
		atomic.StoreUint64(word(wr.SGE.Addr), old)
		return StatusSuccess

	case OpSend:
		if _, ok := b.checkKey(wr.SGE.LKey, sqp.pd, wr.SGE.Addr, wr.SGE.Length); !ok {
			return StatusLocalProtectionErr
		}
		peer.Lock()
		if len(peer.recvQueue) == 0 {
			peer.Unlock()
			return StatusRecvInvalid
		}
		rv := peer.recvQueue[0]
		peer.recvQueue = peer.recvQueue[1:]
		peer.Unlock()
		if rv.sge.Length < wr.SGE.Length {
			return StatusRemoteAccessErr
		}
		copy(mem(rv.sge.Addr, wr.SGE.Length), mem(wr.SGE.Addr, wr.SGE.Length))
		peer.recvCQ.push(WorkCompletion{
			WRID:     rv.wrID,
			Status:   StatusSuccess,
			Opcode:   OpRecv,
			ByteLen:  wr.SGE.Length,
			QPNum:    peer.num,
			SrcQPNum: sqp.num,
		})
		return StatusSuccess
	}
	return StatusBadOpcode
}

// PostRecv posts a receive buffer for a two-sided message.
func (b *Simulated) PostRecv(qp QP, wrID uint64, sge SGE) error {
	sqp, err := b.lookupQP(qp)
	if err != nil {
		return err
	}
	sqp.Lock()
	defer sqp.Unlock()
	if sqp.state == QPStateReset {
		return fmt.Errorf("%w: recv in Reset", ErrBadQPState)
	}
	if len(sqp.recvQueue) >= sqp.cap.MaxRecvWR {
		return fmt.Errorf("verbs: receive queue full")
	}
	sqp.recvQueue = append(sqp.recvQueue, postedRecv{wrID: wrID, sge: sge})
	return nil
}

// PollCQ drains up to len(wcs) completions without blocking and returns the
// number drained.
func (b *Simulated) PollCQ(cq CQ, wcs []WorkCompletion) int {
	scq, ok := cq.(*simCQ)
	if !ok {
		return 0
	}
	scq.Lock()
	defer scq.Unlock()
	n := copy(wcs, scq.wcs)
	scq.wcs = scq.wcs[n:]
	if len(scq.wcs) == 0 {
		scq.wcs = nil
	}
	return n
}

type simConnRequest struct {
	privateData uint32
	dialerQP    *simQP
	backend     *Simulated
	reply       chan connReply
}

type connReply struct {
	qpNum uint32
	err   error
}

// PrivateData returns the 4-byte private data the dialer sent.
func (cr *simConnRequest) PrivateData() uint32 {
	return cr.privateData
}

// Accept pairs the request with the given local QP and releases the dialer.
// The local QP is driven Reset -> RTS against the dialer's QP number as
// part of accepting.
func (cr *simConnRequest) Accept(qp QP) error {
	b := cr.backend
	sqp, err := b.lookupQP(qp)
	if err != nil {
		return err
	}
	if err := b.ModifyQPToInit(sqp); err != nil {
		return err
	}
	if err := b.ModifyQPToRTR(sqp, cr.dialerQP.num); err != nil {
		return err
	}
	if err := b.ModifyQPToRTS(sqp); err != nil {
		return err
	}
	cr.reply <- connReply{qpNum: sqp.num}
	return nil
}

// Reject refuses the request; the dialer observes ErrRejected.
func (cr *simConnRequest) Reject() {
	cr.reply <- connReply{err: ErrRejected}
}

type simListener struct {
	addr     string
	backend  *Simulated
	requests chan *simConnRequest
	done     chan struct{}
	closed   sync.Once
}

// Next blocks for the next inbound request.
func (l *simListener) Next() (ConnRequest, error) {
	select {
	case cr := <-l.requests:
		return cr, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

// Close stops accepting requests.
func (l *simListener) Close() error {
	l.closed.Do(func() {
		close(l.done)
		b := l.backend
		b.Lock()
		delete(b.listeners, l.addr)
		b.Unlock()
	})
	return nil
}

// Listen starts accepting connection requests on addr:port.
func (b *Simulated) Listen(addr string, port uint16) (Listener, error) {
	key := fmt.Sprintf("%s:%d", addr, port)
	b.Lock()
	defer b.Unlock()
	if _, ok := b.listeners[key]; ok {
		return nil, fmt.Errorf("verbs: address in use: %s", key)
	}
	l := &simListener{
		addr:     key,
		backend:  b,
		requests: make(chan *simConnRequest),
		done:     make(chan struct{}),
	}
	b.listeners[key] = l
	return l, nil
}

// Dial connects the given local QP to a listener at addr:port, carrying
// privateData in the request. On success the QP is in RTS, bound to the QP
// the acceptor paired it with.
func (b *Simulated) Dial(addr string, port uint16, privateData uint32, qp QP) error {
	sqp, err := b.lookupQP(qp)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s:%d", addr, port)
	b.Lock()
	l, ok := b.listeners[key]
	b.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoListener, key)
	}

	if n := atomic.LoadInt32(&b.rejectNext); n > 0 &&
		atomic.CompareAndSwapInt32(&b.rejectNext, n, n-1) {
		return ErrRejected
	}

	cr := &simConnRequest{
		privateData: privateData,
		dialerQP:    sqp,
		backend:     b,
		reply:       make(chan connReply, 1),
	}
	select {
	case l.requests <- cr:
	case <-l.done:
		return fmt.Errorf("%w: %s", ErrNoListener, key)
	}

	reply := <-cr.reply
	if reply.err != nil {
		return reply.err
	}

	if err := b.ModifyQPToInit(sqp); err != nil {
		return err
	}
	if err := b.ModifyQPToRTR(sqp, reply.qpNum); err != nil {
		return err
	}
	return b.ModifyQPToRTS(sqp)
}
