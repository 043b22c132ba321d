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
	"unsafe"

	"github.com/remus-project/remus/pkg/rdma/rptr"
)

// bytesOf views a value's in-memory representation.
func bytesOf[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// Read fetches one T from remote memory.
func Read[T any](t *Thread, p rptr.Ptr) T {
	var v T
	copy(bytesOf(&v), t.ReadBytes(p, uint64(unsafe.Sizeof(v))))
	return v
}

// Write stores one T into remote memory.
func Write[T any](t *Thread, p rptr.Ptr, v T) {
	t.WriteBytes(p, bytesOf(&v))
}

// ReadSeq appends a read of one T to the thread's open sequenced batch.
// When last is set the batch is posted and every gathered value is
// decoded in issue order.
func ReadSeq[T any](t *Thread, p rptr.Ptr, last bool) []T {
	var v T
	raw := t.ReadSeqBytes(p, uint64(unsafe.Sizeof(v)), last)
	if raw == nil {
		return nil
	}
	out := make([]T, len(raw))
	for i, b := range raw {
		copy(bytesOf(&out[i]), b)
	}
	return out
}

// WriteSeq appends a write of one T to the thread's open sequenced batch.
func WriteSeq[T any](t *Thread, p rptr.Ptr, v T, last bool) {
	t.WriteSeqBytes(p, bytesOf(&v), last)
}

// ReadAsync starts a read of one T and returns its future. Decode the
// completed future with Value.
func ReadAsync[T any](t *Thread, p rptr.Ptr) *Future {
	var v T
	return t.ReadAsyncBytes(p, uint64(unsafe.Sizeof(v)))
}

// WriteAsync starts a write of one T and returns its future.
func WriteAsync[T any](t *Thread, p rptr.Ptr, v T) *Future {
	return t.WriteAsyncBytes(p, bytesOf(&v))
}

// Value decodes the first gathered value of a completed future as a T.
func Value[T any](f *Future) T {
	var v T
	copy(bytesOf(&v), f.Value())
	return v
}

// AllocateArray reserves remote memory for count elements of T.
func AllocateArray[T any](t *Thread, count int) rptr.Ptr {
	var v T
	return t.Allocate(uint64(count) * uint64(unsafe.Sizeof(v)))
}

// Word constrains the element types remote atomics operate on: the
// transport's atomic opcodes cover exactly one 64-bit word.
type Word interface {
	~uint64 | ~int64 | ~uintptr
}

// Atomic is a typed view of one remotely shared 64-bit word. All methods
// delegate to the owning thread's operation path.
type Atomic[T Word] struct {
	t *Thread
	p rptr.Ptr
}

// NewAtomic binds a remote word to a thread.
func NewAtomic[T Word](t *Thread, p rptr.Ptr) Atomic[T] {
	return Atomic[T]{t: t, p: p}
}

// Ptr returns the bound remote address.
func (a Atomic[T]) Ptr() rptr.Ptr {
	return a.p
}

// Load fetches the current value. A fetch-and-add of zero keeps the load
// atomic with respect to concurrent remote writers.
func (a Atomic[T]) Load() T {
	return T(a.t.FetchAndAdd(a.p, 0))
}

// Store overwrites the value with a plain write.
func (a Atomic[T]) Store(v T) {
	Write(a.t, a.p, uint64(v))
}

// CompareExchange installs next if the word still holds old, returning
// the prior value.
func (a Atomic[T]) CompareExchange(old, next T) T {
	return T(a.t.CompareAndSwap(a.p, uint64(old), uint64(next)))
}

// FetchAdd adds delta and returns the prior value.
func (a Atomic[T]) FetchAdd(delta T) T {
	return T(a.t.FetchAndAdd(a.p, uint64(delta)))
}
