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

package transport

import (
	"encoding/binary"
	"fmt"
)

// RegRecord names one remotely accessible segment: its base address on the
// owning node and the key peers use to reach it. Memory nodes ship their
// record vector to every new compute peer during bring-up.
type RegRecord struct {
	Addr uint64
	RKey uint32
}

// RegRecordSize is the wire size of one record: a packed u64 address
// followed by a u32 key.
const RegRecordSize = 12

// MarshalRegRecords encodes records tightly packed in little-endian order.
func MarshalRegRecords(records []RegRecord) []byte {
	buf := make([]byte, len(records)*RegRecordSize)
	for i, r := range records {
		off := i * RegRecordSize
		binary.LittleEndian.PutUint64(buf[off:], r.Addr)
		binary.LittleEndian.PutUint32(buf[off+8:], r.RKey)
	}
	return buf
}

// UnmarshalRegRecords decodes a packed record vector.
func UnmarshalRegRecords(buf []byte) ([]RegRecord, error) {
	if len(buf)%RegRecordSize != 0 {
		return nil, fmt.Errorf("transport: record vector of %d bytes is not a multiple of %d",
			len(buf), RegRecordSize)
	}
	records := make([]RegRecord, len(buf)/RegRecordSize)
	for i := range records {
		off := i * RegRecordSize
		records[i] = RegRecord{
			Addr: binary.LittleEndian.Uint64(buf[off:]),
			RKey: binary.LittleEndian.Uint32(buf[off+8:]),
		}
	}
	return records, nil
}
