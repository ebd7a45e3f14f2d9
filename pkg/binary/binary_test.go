// Copyright 2018 The gVisor Authors.
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

package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newUint64(i uint64) *uint64 {
	return &i
}

func TestSize(t *testing.T) {
	if got, want := Size(uint32(10)), uintptr(4); got != want {
		t.Errorf("got %d, wanted %d", got, want)
	}
	if got, want := Size(record{}), uintptr(0x40); got != want {
		t.Errorf("got %#x, wanted %#x", got, want)
	}
}

func TestPanic(t *testing.T) {
	tests := []struct {
		name string
		f    func([]byte, binary.ByteOrder, interface{})
		data interface{}
		want string
	}{
		{"Unmarshal int", Unmarshal, 5, "invalid type: int"},
		{"Marshal int", func(_ []byte, bo binary.ByteOrder, d interface{}) { Marshal(nil, bo, d) }, 5, "invalid type: int"},
		{"Unmarshal long buffer", func(_ []byte, bo binary.ByteOrder, d interface{}) { Unmarshal(make([]byte, 50), bo, d) }, newUint64(5), "buffer too long by 42 bytes"},
		{"MarshalInto short buffer", func(_ []byte, bo binary.ByteOrder, d interface{}) { MarshalInto(make([]byte, 4), bo, d) }, newUint64(5), "buffer of 4 bytes for 8 bytes"},
		{"MarshalInto long buffer", func(_ []byte, bo binary.ByteOrder, d interface{}) { MarshalInto(make([]byte, 12), bo, d) }, newUint64(5), "buffer of 12 bytes for 8 bytes"},
		{"Size int", func(_ []byte, _ binary.ByteOrder, d interface{}) { Size(d) }, 5, "invalid type: int"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if got := fmt.Sprint(r); !strings.HasPrefix(got, test.want) {
					t.Errorf("got recover() = %q, wanted prefix %q", got, test.want)
				}
			}()

			test.f(nil, LittleEndian, test.data)
		})
	}
}

// record mirrors the shape of the shared-memory structures: named fields at
// fixed offsets separated by blank padding.
type record struct {
	Type  uint8
	_     [7]byte
	Len   uint64
	Regs  [3]uint64
	_     [0x10]byte
	Flags uint32
	Level int32
}

func TestMarshalUnmarshal(t *testing.T) {
	want := record{Type: 2, Len: 0x40, Regs: [3]uint64{1, 2, 3}, Flags: 7, Level: -1}
	buf := Marshal(nil, LittleEndian, &want)
	if len(buf) != 0x40 {
		t.Fatalf("Marshal produced %d bytes, wanted 0x40", len(buf))
	}
	for _, tc := range []struct {
		off  int
		want uint64
	}{
		{0x0, 2},
		{0x8, 0x40},
		{0x10, 1},
		{0x20, 3},
	} {
		if got := LittleEndian.Uint64(buf[tc.off:]); got != tc.want {
			t.Errorf("offset %#x: got %#x, wanted %#x", tc.off, got, tc.want)
		}
	}
	if got := LittleEndian.Uint32(buf[0x38:]); got != 7 {
		t.Errorf("Flags: got %d, wanted 7", got)
	}

	var got record
	Unmarshal(buf, LittleEndian, &got)
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(record{})); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalSkipsPadding(t *testing.T) {
	buf := bytes.Repeat([]byte{0xff}, 0x40)
	var got record
	Unmarshal(buf, LittleEndian, &got)
	if got.Len != ^uint64(0) || got.Level != -1 {
		t.Errorf("got %+v", got)
	}
}

func TestMarshalInto(t *testing.T) {
	page := make([]byte, 0x48)
	MarshalInto(page[8:], LittleEndian, &record{Type: 9})
	if page[8] != 9 {
		t.Errorf("Type: got %d, wanted 9", page[8])
	}
	if page[0] != 0 {
		t.Errorf("MarshalInto wrote before its window")
	}
}

func TestReadUint(t *testing.T) {
	r := bytes.NewReader([]byte{0x80, 0x40, 0x01, 0x02, 0x03, 0x04})
	v16, err := ReadUint16(r, LittleEndian)
	if err != nil || v16 != 0x4080 {
		t.Errorf("ReadUint16: got (%#x, %v), wanted 0x4080", v16, err)
	}
	v32, err := ReadUint32(r, BigEndian)
	if err != nil || v32 != 0x01020304 {
		t.Errorf("ReadUint32: got (%#x, %v), wanted 0x01020304", v32, err)
	}
	if _, err := ReadUint32(r, LittleEndian); err == nil {
		t.Errorf("ReadUint32 past the end succeeded")
	}
}
