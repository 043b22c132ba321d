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

// Package verbs defines the queue-pair transport abstraction the runtime is
// built on. The Backend interface mirrors the ibverbs object model closely
// enough that a hardware implementation can be dropped in behind it, while
// the bundled simulated backend executes work requests against process
// memory so the full runtime can run and be tested without an RNIC.
package verbs

import (
	"fmt"
)

var (
	// ErrRejected indicates that the remote listener rejected a connection
	// request. The caller is expected to back off and retry.
	ErrRejected = fmt.Errorf("verbs: connection rejected")
	// ErrBadQPState indicates an operation in an incompatible QP state.
	ErrBadQPState = fmt.Errorf("verbs: bad QP state")
	// ErrNoListener indicates a dial to an address nobody listens on.
	ErrNoListener = fmt.Errorf("verbs: no listener")
	// ErrListenerClosed indicates an accept on a closed listener.
	ErrListenerClosed = fmt.Errorf("verbs: listener closed")
)

// Opcode identifies the kind of a work request or completion.
type Opcode uint8

const (
	// OpRead is a one-sided RDMA read.
	OpRead Opcode = iota
	// OpWrite is a one-sided RDMA write.
	OpWrite
	// OpCompSwap is a one-sided 64-bit compare and swap.
	OpCompSwap
	// OpFetchAdd is a one-sided 64-bit fetch and add.
	OpFetchAdd
	// OpSend is a two-sided send.
	OpSend
	// OpRecv marks a receive completion.
	OpRecv
)

// String returns the name of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "RDMA_READ"
	case OpWrite:
		return "RDMA_WRITE"
	case OpCompSwap:
		return "ATOMIC_CMP_AND_SWP"
	case OpFetchAdd:
		return "ATOMIC_FETCH_AND_ADD"
	case OpSend:
		return "SEND"
	case OpRecv:
		return "RECV"
	}
	return fmt.Sprintf("OPCODE(%d)", o)
}

// Status is the completion status of a work request.
type Status uint8

const (
	// StatusSuccess indicates successful completion.
	StatusSuccess Status = iota
	// StatusLocalProtectionErr indicates a local key/range violation.
	StatusLocalProtectionErr
	// StatusRemoteAccessErr indicates a remote key/range violation.
	StatusRemoteAccessErr
	// StatusBadOpcode indicates an unsupported opcode.
	StatusBadOpcode
	// StatusRecvInvalid indicates a send with no matching posted receive.
	StatusRecvInvalid
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLocalProtectionErr:
		return "local protection error"
	case StatusRemoteAccessErr:
		return "remote access error"
	case StatusBadOpcode:
		return "bad opcode"
	case StatusRecvInvalid:
		return "receive not posted"
	}
	return fmt.Sprintf("status(%d)", s)
}

// QPState is the connection state of a queue pair.
type QPState uint8

const (
	// QPStateReset is the initial state of a freshly created QP.
	QPStateReset QPState = iota
	// QPStateInit is the initialized state; receives may be posted.
	QPStateInit
	// QPStateRTR is the ready-to-receive state.
	QPStateRTR
	// QPStateRTS is the ready-to-send state; sends may be posted.
	QPStateRTS
)

// SGE is a scatter/gather entry naming a local registered range.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendWR is a send-queue work request. Chained requests are linked through
// Next and executed in order; completion is reported only for requests with
// Signaled set.
type SendWR struct {
	WRID       uint64
	Next       *SendWR
	SGE        SGE
	Opcode     Opcode
	Signaled   bool
	Fence      bool
	RemoteAddr uint64
	RKey       uint32
	// CompareAdd holds the expected value for OpCompSwap and the addend
	// for OpFetchAdd.
	CompareAdd uint64
	// Swap holds the replacement value for OpCompSwap.
	Swap uint64
}

// WorkCompletion reports the completion of a work request.
type WorkCompletion struct {
	WRID     uint64
	Status   Status
	Opcode   Opcode
	ByteLen  uint32
	QPNum    uint32
	ImmData  uint32
	SrcQPNum uint32
}

// QPCap sets the capacity limits of a queue pair.
type QPCap struct {
	MaxSendWR  int
	MaxRecvWR  int
	MaxSendSGE int
	MaxRecvSGE int
	MaxInline  int
}

// DefaultQPCap returns the queue-pair capacities used by the runtime,
// derived from the two-sided buffer capacity and maximum message size.
func DefaultQPCap() QPCap {
	return QPCap{
		MaxSendWR:  MaxWR,
		MaxRecvWR:  MaxWR,
		MaxSendSGE: MaxSGE,
		MaxRecvSGE: 1,
		MaxInline:  0,
	}
}

const (
	// SendRecvCapacity is the size of the two-sided staging area.
	SendRecvCapacity = 1 << 16
	// MaxRecvBytes is the maximum two-sided message size.
	MaxRecvBytes = 64
	// MaxWR is the maximum number of outstanding work requests per QP.
	MaxWR = SendRecvCapacity / MaxRecvBytes
	// MaxSGE is the maximum number of scatter/gather entries per request.
	MaxSGE = 32
)

// ConnRequest is a pending inbound connection on a Listener. The acceptor
// either pairs it with a freshly created QP or rejects it.
type ConnRequest interface {
	// PrivateData returns the 4-byte private data the dialer sent.
	PrivateData() uint32
	// Accept pairs the request with the given local QP and releases the
	// dialer.
	Accept(qp QP) error
	// Reject refuses the request; the dialer observes ErrRejected.
	Reject()
}

// Listener accepts inbound connection requests on an address/port.
type Listener interface {
	// Next blocks for the next inbound request. It fails with
	// ErrListenerClosed once the listener is closed.
	Next() (ConnRequest, error)
	// Close stops accepting requests.
	Close() error
}

// PD is an opaque protection domain handle.
type PD interface {
	pd()
}

// CQ is an opaque completion queue handle.
type CQ interface {
	cq()
}

// QP is a queue pair handle.
type QP interface {
	// QPNum returns the queue pair number.
	QPNum() uint32
	// State returns the current connection state.
	State() QPState
}

// MR is a registered memory region.
type MR struct {
	Base   uint64
	Length uint64
	LKey   uint32
	RKey   uint32
}

// Backend creates and drives transport objects. All methods are safe for
// concurrent use.
type Backend interface {
	// AllocPD allocates a protection domain.
	AllocPD() PD
	// CreateCQ creates a completion queue of the given depth.
	CreateCQ(depth int) CQ
	// CreateQP creates a queue pair in the Reset state.
	CreateQP(pd PD, sendCQ, recvCQ CQ, cap QPCap) (QP, error)
	// ModifyQPToInit transitions Reset -> Init.
	ModifyQPToInit(qp QP) error
	// ModifyQPToRTR transitions Init -> RTR, binding the remote QP number.
	ModifyQPToRTR(qp QP, remoteQPNum uint32) error
	// ModifyQPToRTS transitions RTR -> RTS.
	ModifyQPToRTS(qp QP) error

	// RegisterMR registers [base, base+length) under the protection
	// domain for local and remote read/write/atomic access.
	RegisterMR(pd PD, base uint64, length uint64) (*MR, error)
	// DeregisterMR revokes a registration.
	DeregisterMR(mr *MR) error

	// PostSend enqueues a (possibly chained) work request. The request is
	// accepted, not completed; completions arrive on the QP's send CQ.
	PostSend(qp QP, wr *SendWR) error
	// PostRecv posts a receive buffer for a two-sided message.
	PostRecv(qp QP, wrID uint64, sge SGE) error
	// PollCQ drains up to len(wcs) completions without blocking and
	// returns the number drained.
	PollCQ(cq CQ, wcs []WorkCompletion) int

	// Listen starts accepting connection requests on addr:port.
	Listen(addr string, port uint16) (Listener, error)
	// Dial connects the given local QP to a listener at addr:port,
	// carrying privateData in the request. On success the QP is in RTS.
	Dial(addr string, port uint16, privateData uint32, qp QP) error
}
