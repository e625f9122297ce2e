// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// decodeBit interprets the first bit of a coil/discrete-input read as a
// boolean (spec §4.7).
func decodeBit(raw []byte) (bool, error) {
	if len(raw) == 0 {
		return false, fmt.Errorf("modbus: empty coil read")
	}
	return raw[0]&0x01 != 0, nil
}

// decodeRegisters concatenates dp.registerCount() 16-bit registers per dp.Endianness
// and interprets them per dp.DataType, applying scale*raw+offset (spec
// §4.7/§8). raw must hold exactly 2*dp.registerCount() bytes, the standard
// Modbus on-wire word layout (each 16-bit word itself big-endian).
func decodeRegisters(raw []byte, dp DataPoint) (any, error) {
	words := dp.registerCount()
	if len(raw) != int(words)*2 {
		return nil, fmt.Errorf("modbus: expected %d bytes for %q, got %d", words*2, dp.Name, len(raw))
	}

	scale := dp.Scale
	if scale == 0 {
		scale = 1
	}

	switch dp.DataType {
	case TypeInt16:
		v := int16(binary.BigEndian.Uint16(raw))
		return scale*float64(v) + dp.Offset, nil
	case TypeUint16:
		v := binary.BigEndian.Uint16(raw)
		return scale*float64(v) + dp.Offset, nil
	case TypeInt32, TypeUint32, TypeFloat32:
		ordered := orderWords(raw, dp.Endianness)
		switch dp.DataType {
		case TypeInt32:
			v := int32(binary.BigEndian.Uint32(ordered))
			return scale*float64(v) + dp.Offset, nil
		case TypeUint32:
			v := binary.BigEndian.Uint32(ordered)
			return scale*float64(v) + dp.Offset, nil
		default: // TypeFloat32
			v := math.Float32frombits(binary.BigEndian.Uint32(ordered))
			return scale*float64(v) + dp.Offset, nil
		}
	case TypeString:
		return strings.TrimRight(string(raw), "\x00"), nil
	default:
		return nil, fmt.Errorf("modbus: unsupported data type %q", dp.DataType)
	}
}

// orderWords reorders a multi-word register read so the result is always
// big-endian-within-each-32-bit-value, ready for binary.BigEndian parsing:
// little-endian devices send the low word first, so it must be swapped to
// the high position.
func orderWords(raw []byte, e Endianness) []byte {
	if e != LittleEndian || len(raw) != 4 {
		return raw
	}
	out := make([]byte, 4)
	copy(out[0:2], raw[2:4])
	copy(out[2:4], raw[0:2])
	return out
}
