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

// Package segment allocates the pinned memory regions the runtime exposes
// over the transport. A segment is a power-of-two sized anonymous mapping
// aligned to its own size, carrying a 64-byte control block at offset 0.
package segment

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	logger "github.com/remus-project/remus/pkg/log"
	"github.com/remus-project/remus/pkg/rdma/verbs"
	"github.com/remus-project/remus/pkg/utils"
)

var log = logger.Get("segment")

// Control block field offsets from the segment base. All fields are 64-bit
// words; the tail of the block is reserved.
const (
	// ControlBlockSize is the size of the control block in bytes.
	ControlBlockSize = 64
	// OffSize holds the immutable segment length.
	OffSize = 0
	// OffAllocated holds the monotonic bump counter, initialized to the
	// control block size.
	OffAllocated = 8
	// OffControlFlag holds the shutdown counter.
	OffControlFlag = 16
	// OffBarrier holds the sense-reversing barrier word.
	OffBarrier = 24
	// OffRoot holds the raw value of the global root pointer.
	OffRoot = 32
)

// minMapAddr is the lowest address considered when scanning for an
// unmapped, aligned window.
const minMapAddr = uint64(1) << 35

const hugePagePath = "/proc/sys/vm/nr_hugepages"

// findMapLocation scans /proc/self/maps for an unmapped window of the given
// power-of-two length, aligned to the length, at or above minAddr. The
// result is only a candidate: another mapping can race in before it is
// claimed, so callers pass it to mmap with MAP_FIXED_NOREPLACE and treat
// failure as fatal.
func findMapLocation(minAddr, length uint64) (uint64, error) {
	if !utils.IsPow2(length) {
		return 0, fmt.Errorf("segment: size 0x%x is not a power of two", length)
	}
	addr := utils.AlignUp(minAddr, length)

	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, fmt.Errorf("segment: reading address map: %w", err)
	}
	defer f.Close()

	// Lines are sorted by start address and ranges do not overlap, so one
	// pass over the start-end pairs finds the first gap that fits.
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var lo, hi uint64
		line := scanner.Text()
		if _, err := fmt.Sscanf(line, "%x-%x", &lo, &hi); err != nil {
			continue
		}
		if addr+length <= lo {
			break
		}
		if addr < hi {
			addr = utils.AlignUp(hi, length)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("segment: reading address map: %w", err)
	}
	if addr+length < addr {
		return 0, fmt.Errorf("segment: address space exhausted")
	}
	return addr, nil
}

// hugePagesAvailable reads the kernel huge page pool size.
func hugePagesAvailable() int {
	data, err := os.ReadFile(hugePagePath)
	if err != nil {
		log.Debugf("failed to read %s: %v", hugePagePath, err)
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &n); err != nil {
		return 0
	}
	return n
}

// Segment is a contiguous region of remotely accessible memory. The size is
// always a power of two and the base is aligned to the size, so the low
// size-bits of any address inside the segment are the intra-segment offset.
type Segment struct {
	base     uint64
	capacity uint64
	fromHuge bool
}

// New maps a segment of the given power-of-two capacity, backed by huge
// pages when the kernel pool has any.
func New(capacity uint64) (*Segment, error) {
	addr, err := findMapLocation(minMapAddr, capacity)
	if err != nil {
		return nil, err
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED_NOREPLACE
	fromHuge := hugePagesAvailable() > 0
	if fromHuge {
		flags |= unix.MAP_HUGETLB
	}

	base, _, errno := unix.Syscall6(unix.SYS_MMAP,
		uintptr(addr), uintptr(capacity),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(flags), ^uintptr(0), 0)
	if errno != 0 && fromHuge {
		// The pool exists but could not serve this mapping. Retry with
		// small pages before giving up.
		fromHuge = false
		flags &^= unix.MAP_HUGETLB
		base, _, errno = unix.Syscall6(unix.SYS_MMAP,
			uintptr(addr), uintptr(capacity),
			uintptr(unix.PROT_READ|unix.PROT_WRITE),
			uintptr(flags), ^uintptr(0), 0)
	}
	if errno != 0 {
		return nil, fmt.Errorf("segment: mmap 0x%x (%d bytes): %w",
			addr, capacity, errno)
	}

	s := &Segment{
		base:     uint64(base),
		capacity: capacity,
		fromHuge: fromHuge,
	}
	if log.DebugEnabled() {
		log.Debugf("mapped region 0x%x (length=0x%x, %s pages)",
			s.base, capacity, map[bool]string{true: "2MB", false: "4KB"}[fromHuge])
	}
	return s, nil
}

// Close unmaps the region. Remote peers must not touch the segment after
// this returns.
func (s *Segment) Close() error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP,
		uintptr(s.base), uintptr(s.capacity), 0)
	if errno != 0 {
		return fmt.Errorf("segment: munmap 0x%x: %w", s.base, errno)
	}
	return nil
}

// Base returns the address of the start of the segment.
func (s *Segment) Base() uint64 {
	return s.base
}

// Capacity returns the segment size in bytes.
func (s *Segment) Capacity() uint64 {
	return s.capacity
}

// Bytes returns the segment memory as a byte slice.
func (s *Segment) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(s.base))), int(s.capacity))
}

// Word returns the 64-bit word at the given byte offset for atomic access.
func (s *Segment) Word(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(s.base + off)))
}

// InitControlBlock writes the initial control block: the segment size, a
// bump counter that already accounts for the block itself, and zeroed
// control, barrier and root words.
func (s *Segment) InitControlBlock() {
	atomic.StoreUint64(s.Word(OffSize), s.capacity)
	atomic.StoreUint64(s.Word(OffAllocated), ControlBlockSize)
	atomic.StoreUint64(s.Word(OffControlFlag), 0)
	atomic.StoreUint64(s.Word(OffBarrier), 0)
	atomic.StoreUint64(s.Word(OffRoot), 0)
}

// Register registers the segment with the given protection domain for
// local and remote read, write and atomic access.
func (s *Segment) Register(b verbs.Backend, pd verbs.PD) (*verbs.MR, error) {
	mr, err := b.RegisterMR(pd, s.base, s.capacity)
	if err != nil {
		return nil, fmt.Errorf("segment: registering 0x%x: %w", s.base, err)
	}
	log.Infof("registered region 0x%x (length=0x%x, rkey=%d)",
		s.base, s.capacity, mr.RKey)
	return mr, nil
}
