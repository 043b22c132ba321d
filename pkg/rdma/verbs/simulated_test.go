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

package verbs_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	. "github.com/remus-project/remus/pkg/rdma/verbs"
)

// endpoint bundles the objects of one side of a connected pair.
type endpoint struct {
	pd     PD
	sendCQ CQ
	recvCQ CQ
	qp     QP
}

func newEndpoint(t *testing.T, b Backend) *endpoint {
	t.Helper()
	pd := b.AllocPD()
	sendCQ := b.CreateCQ(MaxWR)
	recvCQ := b.CreateCQ(MaxWR)
	qp, err := b.CreateQP(pd, sendCQ, recvCQ, DefaultQPCap())
	require.NoError(t, err)
	return &endpoint{pd: pd, sendCQ: sendCQ, recvCQ: recvCQ, qp: qp}
}

// connectPair dials srv from cli and returns once both QPs are in RTS.
func connectPair(t *testing.T, b Backend, cli, srv *endpoint) {
	t.Helper()
	l, err := b.Listen("10.0.0.1", 4444)
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan error, 1)
	go func() {
		cr, err := l.Next()
		if err != nil {
			accepted <- err
			return
		}
		accepted <- cr.Accept(srv.qp)
	}()

	require.NoError(t, b.Dial("10.0.0.1", 4444, 7, cli.qp))
	require.NoError(t, <-accepted)
	require.Equal(t, QPStateRTS, cli.qp.State())
	require.Equal(t, QPStateRTS, srv.qp.State())
}

func addrOf(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

func pollOne(t *testing.T, b Backend, cq CQ) WorkCompletion {
	t.Helper()
	wcs := make([]WorkCompletion, 1)
	require.Equal(t, 1, b.PollCQ(cq, wcs))
	return wcs[0]
}

func TestReadWrite(t *testing.T) {
	b := NewSimulated()
	cli := newEndpoint(t, b)
	srv := newEndpoint(t, b)
	connectPair(t, b, cli, srv)

	local := make([]byte, 64)
	remote := make([]byte, 64)
	lmr, err := b.RegisterMR(cli.pd, addrOf(local), 64)
	require.NoError(t, err)
	rmr, err := b.RegisterMR(srv.pd, addrOf(remote), 64)
	require.NoError(t, err)

	copy(local, "the quick brown fox")
	require.NoError(t, b.PostSend(cli.qp, &SendWR{
		WRID:       1,
		SGE:        SGE{Addr: addrOf(local), Length: 64, LKey: lmr.LKey},
		Opcode:     OpWrite,
		Signaled:   true,
		RemoteAddr: addrOf(remote),
		RKey:       rmr.RKey,
	}))
	wc := pollOne(t, b, cli.sendCQ)
	require.Equal(t, StatusSuccess, wc.Status)
	require.Equal(t, uint64(1), wc.WRID)
	require.Equal(t, []byte("the quick brown fox"), remote[:19])

	readback := make([]byte, 64)
	rbmr, err := b.RegisterMR(cli.pd, addrOf(readback), 64)
	require.NoError(t, err)
	require.NoError(t, b.PostSend(cli.qp, &SendWR{
		WRID:       2,
		SGE:        SGE{Addr: addrOf(readback), Length: 64, LKey: rbmr.LKey},
		Opcode:     OpRead,
		Signaled:   true,
		RemoteAddr: addrOf(remote),
		RKey:       rmr.RKey,
	}))
	wc = pollOne(t, b, cli.sendCQ)
	require.Equal(t, StatusSuccess, wc.Status)
	require.Equal(t, remote, readback)
}

func TestAtomics(t *testing.T) {
	b := NewSimulated()
	cli := newEndpoint(t, b)
	srv := newEndpoint(t, b)
	connectPair(t, b, cli, srv)

	var result uint64
	var target uint64 = 40
	lmr, err := b.RegisterMR(cli.pd, uint64(uintptr(unsafe.Pointer(&result))), 8)
	require.NoError(t, err)
	rmr, err := b.RegisterMR(srv.pd, uint64(uintptr(unsafe.Pointer(&target))), 8)
	require.NoError(t, err)

	require.NoError(t, b.PostSend(cli.qp, &SendWR{
		WRID:       1,
		SGE:        SGE{Addr: uint64(uintptr(unsafe.Pointer(&result))), Length: 8, LKey: lmr.LKey},
		Opcode:     OpFetchAdd,
		Signaled:   true,
		RemoteAddr: uint64(uintptr(unsafe.Pointer(&target))),
		RKey:       rmr.RKey,
		CompareAdd: 2,
	}))
	wc := pollOne(t, b, cli.sendCQ)
	require.Equal(t, StatusSuccess, wc.Status)
	require.Equal(t, uint64(40), result)
	require.Equal(t, uint64(42), target)

	// Matching compare swaps, the old value comes back.
	require.NoError(t, b.PostSend(cli.qp, &SendWR{
		WRID:       2,
		SGE:        SGE{Addr: uint64(uintptr(unsafe.Pointer(&result))), Length: 8, LKey: lmr.LKey},
		Opcode:     OpCompSwap,
		Signaled:   true,
		RemoteAddr: uint64(uintptr(unsafe.Pointer(&target))),
		RKey:       rmr.RKey,
		CompareAdd: 42,
		Swap:       100,
	}))
	wc = pollOne(t, b, cli.sendCQ)
	require.Equal(t, StatusSuccess, wc.Status)
	require.Equal(t, uint64(42), result)
	require.Equal(t, uint64(100), target)

	// Mismatched compare leaves the target alone.
	require.NoError(t, b.PostSend(cli.qp, &SendWR{
		WRID:       3,
		SGE:        SGE{Addr: uint64(uintptr(unsafe.Pointer(&result))), Length: 8, LKey: lmr.LKey},
		Opcode:     OpCompSwap,
		Signaled:   true,
		RemoteAddr: uint64(uintptr(unsafe.Pointer(&target))),
		RKey:       rmr.RKey,
		CompareAdd: 42,
		Swap:       0,
	}))
	wc = pollOne(t, b, cli.sendCQ)
	require.Equal(t, StatusSuccess, wc.Status)
	require.Equal(t, uint64(100), result)
	require.Equal(t, uint64(100), target)
}

func TestSendRecv(t *testing.T) {
	b := NewSimulated()
	cli := newEndpoint(t, b)
	srv := newEndpoint(t, b)
	connectPair(t, b, cli, srv)

	msg := make([]byte, MaxRecvBytes)
	buf := make([]byte, MaxRecvBytes)
	lmr, err := b.RegisterMR(cli.pd, addrOf(msg), MaxRecvBytes)
	require.NoError(t, err)
	rmr, err := b.RegisterMR(srv.pd, addrOf(buf), MaxRecvBytes)
	require.NoError(t, err)

	require.NoError(t, b.PostRecv(srv.qp, 99, SGE{
		Addr: addrOf(buf), Length: MaxRecvBytes, LKey: rmr.LKey,
	}))

	copy(msg, "hello")
	require.NoError(t, b.PostSend(cli.qp, &SendWR{
		WRID:     1,
		SGE:      SGE{Addr: addrOf(msg), Length: MaxRecvBytes, LKey: lmr.LKey},
		Opcode:   OpSend,
		Signaled: true,
	}))

	wc := pollOne(t, b, cli.sendCQ)
	require.Equal(t, StatusSuccess, wc.Status)

	rwc := pollOne(t, b, srv.recvCQ)
	require.Equal(t, StatusSuccess, rwc.Status)
	require.Equal(t, OpRecv, rwc.Opcode)
	require.Equal(t, uint64(99), rwc.WRID)
	require.Equal(t, []byte("hello"), buf[:5])
}

func TestSendWithoutRecv(t *testing.T) {
	b := NewSimulated()
	cli := newEndpoint(t, b)
	srv := newEndpoint(t, b)
	connectPair(t, b, cli, srv)

	msg := make([]byte, 8)
	lmr, err := b.RegisterMR(cli.pd, addrOf(msg), 8)
	require.NoError(t, err)

	require.NoError(t, b.PostSend(cli.qp, &SendWR{
		WRID:   1,
		SGE:    SGE{Addr: addrOf(msg), Length: 8, LKey: lmr.LKey},
		Opcode: OpSend,
	}))
	wc := pollOne(t, b, cli.sendCQ)
	require.Equal(t, StatusRecvInvalid, wc.Status)
}

func TestChainedRequests(t *testing.T) {
	b := NewSimulated()
	cli := newEndpoint(t, b)
	srv := newEndpoint(t, b)
	connectPair(t, b, cli, srv)

	local := make([]byte, 32)
	remote := make([]byte, 32)
	lmr, err := b.RegisterMR(cli.pd, addrOf(local), 32)
	require.NoError(t, err)
	rmr, err := b.RegisterMR(srv.pd, addrOf(remote), 32)
	require.NoError(t, err)

	copy(local, "abcdefgh")
	tail := &SendWR{
		WRID:       2,
		SGE:        SGE{Addr: addrOf(local) + 8, Length: 8, LKey: lmr.LKey},
		Opcode:     OpRead,
		Signaled:   true,
		Fence:      true,
		RemoteAddr: addrOf(remote),
		RKey:       rmr.RKey,
	}
	head := &SendWR{
		WRID:       1,
		Next:       tail,
		SGE:        SGE{Addr: addrOf(local), Length: 8, LKey: lmr.LKey},
		Opcode:     OpWrite,
		RemoteAddr: addrOf(remote),
		RKey:       rmr.RKey,
	}
	require.NoError(t, b.PostSend(cli.qp, head))

	// Only the signaled tail completes, and the fenced read observes the
	// write that preceded it in the chain.
	wc := pollOne(t, b, cli.sendCQ)
	require.Equal(t, uint64(2), wc.WRID)
	require.Equal(t, StatusSuccess, wc.Status)
	require.Equal(t, 0, b.PollCQ(cli.sendCQ, make([]WorkCompletion, 1)))
	require.Equal(t, []byte("abcdefgh"), local[8:16])
}

func TestProtectionErrors(t *testing.T) {
	b := NewSimulated()
	cli := newEndpoint(t, b)
	srv := newEndpoint(t, b)
	connectPair(t, b, cli, srv)

	local := make([]byte, 16)
	remote := make([]byte, 16)
	lmr, err := b.RegisterMR(cli.pd, addrOf(local), 16)
	require.NoError(t, err)
	rmr, err := b.RegisterMR(srv.pd, addrOf(remote), 16)
	require.NoError(t, err)

	// Bad lkey.
	require.NoError(t, b.PostSend(cli.qp, &SendWR{
		WRID:       1,
		SGE:        SGE{Addr: addrOf(local), Length: 16, LKey: 0xbad},
		Opcode:     OpWrite,
		Signaled:   true,
		RemoteAddr: addrOf(remote),
		RKey:       rmr.RKey,
	}))
	require.Equal(t, StatusLocalProtectionErr, pollOne(t, b, cli.sendCQ).Status)

	// Remote range overflow.
	require.NoError(t, b.PostSend(cli.qp, &SendWR{
		WRID:       2,
		SGE:        SGE{Addr: addrOf(local), Length: 16, LKey: lmr.LKey},
		Opcode:     OpWrite,
		Signaled:   true,
		RemoteAddr: addrOf(remote) + 8,
		RKey:       rmr.RKey,
	}))
	require.Equal(t, StatusRemoteAccessErr, pollOne(t, b, cli.sendCQ).Status)

	// Deregistered key.
	require.NoError(t, b.DeregisterMR(rmr))
	require.NoError(t, b.PostSend(cli.qp, &SendWR{
		WRID:       3,
		SGE:        SGE{Addr: addrOf(local), Length: 16, LKey: lmr.LKey},
		Opcode:     OpWrite,
		Signaled:   true,
		RemoteAddr: addrOf(remote),
		RKey:       rmr.RKey,
	}))
	require.Equal(t, StatusRemoteAccessErr, pollOne(t, b, cli.sendCQ).Status)
}

func TestDialErrors(t *testing.T) {
	b := NewSimulated()
	cli := newEndpoint(t, b)

	require.ErrorIs(t,
		b.Dial("10.0.0.9", 1234, 0, cli.qp), ErrNoListener)

	l, err := b.Listen("10.0.0.1", 4444)
	require.NoError(t, err)

	// Forced rejection surfaces as ErrRejected before the listener sees
	// anything.
	b.RejectNext(1)
	require.ErrorIs(t,
		b.Dial("10.0.0.1", 4444, 0, cli.qp), ErrRejected)

	// Listener-side rejection.
	go func() {
		cr, err := l.Next()
		if err == nil {
			cr.Reject()
		}
	}()
	require.ErrorIs(t,
		b.Dial("10.0.0.1", 4444, 0, cli.qp), ErrRejected)

	require.NoError(t, l.Close())
	_, err = l.Next()
	require.ErrorIs(t, err, ErrListenerClosed)
}

func TestPrivateData(t *testing.T) {
	b := NewSimulated()
	cli := newEndpoint(t, b)
	srv := newEndpoint(t, b)

	l, err := b.Listen("10.0.0.1", 4444)
	require.NoError(t, err)
	defer l.Close()

	got := make(chan uint32, 1)
	go func() {
		cr, err := l.Next()
		if err != nil {
			return
		}
		got <- cr.PrivateData()
		cr.Accept(srv.qp)
	}()

	require.NoError(t, b.Dial("10.0.0.1", 4444, 0xdeadbeef, cli.qp))
	require.Equal(t, uint32(0xdeadbeef), <-got)
}

func TestQPStateMachine(t *testing.T) {
	b := NewSimulated()
	e := newEndpoint(t, b)

	require.Equal(t, QPStateReset, e.qp.State())
	require.ErrorIs(t, b.ModifyQPToRTR(e.qp, 1), ErrBadQPState)
	require.ErrorIs(t, b.ModifyQPToRTS(e.qp), ErrBadQPState)

	require.NoError(t, b.ModifyQPToInit(e.qp))
	require.ErrorIs(t, b.ModifyQPToInit(e.qp), ErrBadQPState)
	require.NoError(t, b.ModifyQPToRTR(e.qp, e.qp.QPNum()))
	require.NoError(t, b.ModifyQPToRTS(e.qp))
	require.Equal(t, QPStateRTS, e.qp.State())

	// Sends in any state short of RTS are refused outright.
	e2 := newEndpoint(t, b)
	require.ErrorIs(t, b.PostSend(e2.qp, &SendWR{Opcode: OpWrite}), ErrBadQPState)
	require.ErrorIs(t, b.PostRecv(e2.qp, 0, SGE{}), ErrBadQPState)
}

func TestLoopbackQP(t *testing.T) {
	// A QP bound to its own number moves data within one address space.
	b := NewSimulated()
	e := newEndpoint(t, b)
	require.NoError(t, b.ModifyQPToInit(e.qp))
	require.NoError(t, b.ModifyQPToRTR(e.qp, e.qp.QPNum()))
	require.NoError(t, b.ModifyQPToRTS(e.qp))

	src := make([]byte, 8)
	dst := make([]byte, 8)
	smr, err := b.RegisterMR(e.pd, addrOf(src), 8)
	require.NoError(t, err)
	dmr, err := b.RegisterMR(e.pd, addrOf(dst), 8)
	require.NoError(t, err)

	copy(src, "loopback")
	require.NoError(t, b.PostSend(e.qp, &SendWR{
		WRID:       1,
		SGE:        SGE{Addr: addrOf(src), Length: 8, LKey: smr.LKey},
		Opcode:     OpWrite,
		Signaled:   true,
		RemoteAddr: addrOf(dst),
		RKey:       dmr.RKey,
	}))
	require.Equal(t, StatusSuccess, pollOne(t, b, e.sendCQ).Status)
	require.Equal(t, []byte("loopback"), dst)
}
