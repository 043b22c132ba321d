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

// Package rptr implements remote pointers, 64-bit handles to memory on
// another machine. The high 16 bits carry the id of the owning node and the
// low 48 bits carry the raw virtual address of the object on that node.
package rptr

import (
	"fmt"
	"unsafe"
)

const (
	// AddressBits is the number of bits used for the address field.
	AddressBits = 48
	// AddressMask extracts the address field from a raw pointer.
	AddressMask = (uint64(1) << AddressBits) - 1
	// NodeMask extracts the node id field from a raw pointer.
	NodeMask = ^uint64(AddressMask)
)

// Ptr is a remote pointer. The zero value is the null pointer.
type Ptr uint64

// Null is the all-zero remote pointer.
const Null = Ptr(0)

// New packs a node id and an address into a remote pointer.
func New(node uint16, addr uint64) Ptr {
	return Ptr(uint64(node)<<AddressBits | addr&AddressMask)
}

// FromRaw reinterprets a raw 64-bit value as a remote pointer.
func FromRaw(raw uint64) Ptr {
	return Ptr(raw)
}

// Raw returns the raw 64-bit value of the pointer.
func (p Ptr) Raw() uint64 {
	return uint64(p)
}

// NodeID returns the id of the node the pointer refers to.
func (p Ptr) NodeID() uint16 {
	return uint16(uint64(p) >> AddressBits)
}

// Address returns the raw virtual address on the owning node.
func (p Ptr) Address() uint64 {
	return uint64(p) & AddressMask
}

// IsNull checks the pointer against Null.
func (p Ptr) IsNull() bool {
	return p == Null
}

// Plus advances the pointer by count elements of elemSize bytes. The address
// wraps within its 48 bits and the node id is preserved.
func (p Ptr) Plus(count int64, elemSize uintptr) Ptr {
	addr := (uint64(p) + uint64(count*int64(elemSize))) & AddressMask
	return Ptr(uint64(p)&NodeMask | addr)
}

// Minus retreats the pointer by count elements of elemSize bytes.
func (p Ptr) Minus(count int64, elemSize uintptr) Ptr {
	return p.Plus(-count, elemSize)
}

// String returns the pointer in <node=N, address=0xA> form.
func (p Ptr) String() string {
	return fmt.Sprintf("<node=%d, address=0x%x>", p.NodeID(), p.Address())
}

// Add advances p by count elements of T.
func Add[T any](p Ptr, count int64) Ptr {
	return p.Plus(count, unsafe.Sizeof(*new(T)))
}

// Sub retreats p by count elements of T.
func Sub[T any](p Ptr, count int64) Ptr {
	return p.Minus(count, unsafe.Sizeof(*new(T)))
}
