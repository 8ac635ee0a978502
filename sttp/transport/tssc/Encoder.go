//******************************************************************************************************
//  Encoder.go - Gbtc
//
//  Copyright © 2021, Grid Protection Alliance.  All Rights Reserved.
//
//  Licensed to the Grid Protection Alliance (GPA) under one or more contributor license agreements. See
//  the NOTICE file distributed with this work for additional information regarding copyright ownership.
//  The GPA licenses this file to you under the MIT License (MIT), the "License"; you may not use this
//  file except in compliance with the License. You may obtain a copy of the License at:
//
//      http://opensource.org/licenses/MIT
//
//  Unless agreed to in writing, the subject software distributed under the License is distributed on an
//  "AS-IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. Refer to the
//  License for the specific language governing permissions and limitations.
//
//  Code Modification History:
//  ----------------------------------------------------------------------------------------------------
//  04/11/2018 - J. Ritchie Carroll
//       Generated original version of source code in C++.
//  09/21/2021 - J. Ritchie Carroll
//       Migrated code to Go.
//
//******************************************************************************************************

package tssc

import (
	"math"

	"github.com/gatewayexchange/gep/internal/varint"
)

// Encoder is the encoder for the Time-Series Special Compression (TSSC) algorithm of STTP.
// It is the symmetric counterpart to Decoder, sharing the same adaptive pointMetadata
// machinery with the read side of that type left unset.
type Encoder struct {
	data         []byte
	position     int
	lastPosition int

	prevTimestamp1 int64
	prevTimestamp2 int64

	prevTimeDelta1 int64
	prevTimeDelta2 int64
	prevTimeDelta3 int64
	prevTimeDelta4 int64

	lastPoint *pointMetadata
	points    map[int32]*pointMetadata

	bitStreamBufferIndex int
	bitStreamCount       int32
	bitStreamCache       int32

	// SequenceNumber is the sequence used to synchronize encoding and decoding.
	SequenceNumber uint16
}

// NewEncoder creates a new TSSC encoder.
func NewEncoder() *Encoder {
	te := &Encoder{
		prevTimeDelta1:       math.MaxInt64,
		prevTimeDelta2:       math.MaxInt64,
		prevTimeDelta3:       math.MaxInt64,
		prevTimeDelta4:       math.MaxInt64,
		points:               make(map[int32]*pointMetadata),
		bitStreamBufferIndex: -1,
	}

	te.lastPoint = te.newPointMetadata()

	return te
}

func (te *Encoder) newPointMetadata() *pointMetadata {
	return newPointMetadata(te.writeBits, nil, nil)
}

// Reset restores the encoder to its newly created state, discarding all adaptive
// point metadata and delta-time memory.
func (te *Encoder) Reset() {
	te.data = nil
	te.points = make(map[int32]*pointMetadata)
	te.lastPoint = te.newPointMetadata()
	te.position = 0
	te.lastPosition = 0
	te.clearBitStream()
	te.prevTimeDelta1 = math.MaxInt64
	te.prevTimeDelta2 = math.MaxInt64
	te.prevTimeDelta3 = math.MaxInt64
	te.prevTimeDelta4 = math.MaxInt64
	te.prevTimestamp1 = 0
	te.prevTimestamp2 = 0
}

func (te *Encoder) clearBitStream() {
	te.bitStreamBufferIndex = -1
	te.bitStreamCount = 0
	te.bitStreamCache = 0
}

// SetBuffer assigns the working buffer to use for encoding measurements.
func (te *Encoder) SetBuffer(data []byte) {
	te.clearBitStream()
	te.data = data
	te.position = 0
	te.lastPosition = len(data)
}

// FinishBlock flushes any pending bit-stream state and returns the number of bytes written.
func (te *Encoder) FinishBlock() int {
	te.bitStreamFlush()
	return te.position
}

// TryAddMeasurement attempts to encode the given measurement into the working buffer,
// returning false when fewer than 100 bytes of headroom remain (mirroring the original
// encoder's conservative per-record worst-case reservation).
//
//gocyclo:ignore
func (te *Encoder) TryAddMeasurement(id int32, timestamp int64, stateFlags uint32, value float32) bool {
	if te.lastPosition-te.position < 100 {
		return false
	}

	point, ok := te.points[id]

	if !ok || point == nil {
		point = te.newPointMetadata()
		point.PrevNextPointID1 = id + 1
		te.points[id] = point
	}

	if te.lastPoint.PrevNextPointID1 != id {
		te.writePointIDChange(id)
	}

	if te.prevTimestamp1 != timestamp {
		te.writeTimestampChange(timestamp)
	}

	if point.PrevStateFlags1 != stateFlags {
		te.writeStateFlagsChange(stateFlags, point)
	}

	valueRaw := math.Float32bits(value)

	switch valueRaw {
	case point.PrevValue1:
		te.lastPoint.WriteCode(int32(codeWords.Value1))
	case point.PrevValue2:
		te.lastPoint.WriteCode(int32(codeWords.Value2))
		point.PrevValue2 = point.PrevValue1
		point.PrevValue1 = valueRaw
	case point.PrevValue3:
		te.lastPoint.WriteCode(int32(codeWords.Value3))
		point.PrevValue3 = point.PrevValue2
		point.PrevValue2 = point.PrevValue1
		point.PrevValue1 = valueRaw
	case 0:
		te.lastPoint.WriteCode(int32(codeWords.ValueZero))
		point.PrevValue3 = point.PrevValue2
		point.PrevValue2 = point.PrevValue1
		point.PrevValue1 = 0
	default:
		bitsChanged := valueRaw ^ point.PrevValue1

		switch {
		case bitsChanged <= 0xF:
			te.lastPoint.WriteCode(int32(codeWords.ValueXor4))
			te.writeBits(int32(bitsChanged)&15, 4)
		case bitsChanged <= 0xFF:
			te.lastPoint.WriteCode(int32(codeWords.ValueXor8))
			te.data[te.position] = byte(bitsChanged)
			te.position++
		case bitsChanged <= 0xFFF:
			te.lastPoint.WriteCode(int32(codeWords.ValueXor12))
			te.writeBits(int32(bitsChanged)&15, 4)
			te.data[te.position] = byte(bitsChanged >> 4)
			te.position++
		case bitsChanged <= 0xFFFF:
			te.lastPoint.WriteCode(int32(codeWords.ValueXor16))
			te.data[te.position] = byte(bitsChanged)
			te.data[te.position+1] = byte(bitsChanged >> 8)
			te.position += 2
		case bitsChanged <= 0xFFFFF:
			te.lastPoint.WriteCode(int32(codeWords.ValueXor20))
			te.writeBits(int32(bitsChanged)&15, 4)
			te.data[te.position] = byte(bitsChanged >> 4)
			te.data[te.position+1] = byte(bitsChanged >> 12)
			te.position += 2
		case bitsChanged <= 0xFFFFFF:
			te.lastPoint.WriteCode(int32(codeWords.ValueXor24))
			te.data[te.position] = byte(bitsChanged)
			te.data[te.position+1] = byte(bitsChanged >> 8)
			te.data[te.position+2] = byte(bitsChanged >> 16)
			te.position += 3
		case bitsChanged <= 0xFFFFFFF:
			te.lastPoint.WriteCode(int32(codeWords.ValueXor28))
			te.writeBits(int32(bitsChanged)&15, 4)
			te.data[te.position] = byte(bitsChanged >> 4)
			te.data[te.position+1] = byte(bitsChanged >> 12)
			te.data[te.position+2] = byte(bitsChanged >> 20)
			te.position += 3
		default:
			te.lastPoint.WriteCode(int32(codeWords.ValueXor32))
			te.data[te.position] = byte(bitsChanged)
			te.data[te.position+1] = byte(bitsChanged >> 8)
			te.data[te.position+2] = byte(bitsChanged >> 16)
			te.data[te.position+3] = byte(bitsChanged >> 24)
			te.position += 4
		}

		point.PrevValue3 = point.PrevValue2
		point.PrevValue2 = point.PrevValue1
		point.PrevValue1 = valueRaw
	}

	te.lastPoint = point

	return true
}

func (te *Encoder) writePointIDChange(id int32) {
	bitsChanged := uint32(id ^ te.lastPoint.PrevNextPointID1)

	switch {
	case bitsChanged <= 0xF:
		te.lastPoint.WriteCode(int32(codeWords.PointIDXor4))
		te.writeBits(int32(bitsChanged)&15, 4)
	case bitsChanged <= 0xFF:
		te.lastPoint.WriteCode(int32(codeWords.PointIDXor8))
		te.data[te.position] = byte(bitsChanged)
		te.position++
	case bitsChanged <= 0xFFF:
		te.lastPoint.WriteCode(int32(codeWords.PointIDXor12))
		te.writeBits(int32(bitsChanged)&15, 4)
		te.data[te.position] = byte(bitsChanged >> 4)
		te.position++
	default:
		te.lastPoint.WriteCode(int32(codeWords.PointIDXor16))
		te.data[te.position] = byte(bitsChanged)
		te.data[te.position+1] = byte(bitsChanged >> 8)
		te.position += 2
	}

	te.lastPoint.PrevNextPointID1 = id
}

func (te *Encoder) writeTimestampChange(timestamp int64) {
	switch {
	case te.prevTimestamp2 == timestamp:
		te.lastPoint.WriteCode(int32(codeWords.Timestamp2))
	case te.prevTimestamp1 < timestamp:
		switch {
		case te.prevTimestamp1+te.prevTimeDelta1 == timestamp:
			te.lastPoint.WriteCode(int32(codeWords.TimeDelta1Forward))
		case te.prevTimestamp1+te.prevTimeDelta2 == timestamp:
			te.lastPoint.WriteCode(int32(codeWords.TimeDelta2Forward))
		case te.prevTimestamp1+te.prevTimeDelta3 == timestamp:
			te.lastPoint.WriteCode(int32(codeWords.TimeDelta3Forward))
		case te.prevTimestamp1+te.prevTimeDelta4 == timestamp:
			te.lastPoint.WriteCode(int32(codeWords.TimeDelta4Forward))
		default:
			te.lastPoint.WriteCode(int32(codeWords.TimeXor7Bit))
			varint.Encode64(te.data, &te.position, uint64(timestamp^te.prevTimestamp1))
		}
	default:
		switch {
		case te.prevTimestamp1-te.prevTimeDelta1 == timestamp:
			te.lastPoint.WriteCode(int32(codeWords.TimeDelta1Reverse))
		case te.prevTimestamp1-te.prevTimeDelta2 == timestamp:
			te.lastPoint.WriteCode(int32(codeWords.TimeDelta2Reverse))
		case te.prevTimestamp1-te.prevTimeDelta3 == timestamp:
			te.lastPoint.WriteCode(int32(codeWords.TimeDelta3Reverse))
		case te.prevTimestamp1-te.prevTimeDelta4 == timestamp:
			te.lastPoint.WriteCode(int32(codeWords.TimeDelta4Reverse))
		default:
			te.lastPoint.WriteCode(int32(codeWords.TimeXor7Bit))
			varint.Encode64(te.data, &te.position, uint64(timestamp^te.prevTimestamp1))
		}
	}

	// Save the smallest delta time
	minDelta := abs(te.prevTimestamp1 - timestamp)

	if minDelta < te.prevTimeDelta4 && minDelta != te.prevTimeDelta1 && minDelta != te.prevTimeDelta2 && minDelta != te.prevTimeDelta3 {
		switch {
		case minDelta < te.prevTimeDelta1:
			te.prevTimeDelta4 = te.prevTimeDelta3
			te.prevTimeDelta3 = te.prevTimeDelta2
			te.prevTimeDelta2 = te.prevTimeDelta1
			te.prevTimeDelta1 = minDelta
		case minDelta < te.prevTimeDelta2:
			te.prevTimeDelta4 = te.prevTimeDelta3
			te.prevTimeDelta3 = te.prevTimeDelta2
			te.prevTimeDelta2 = minDelta
		case minDelta < te.prevTimeDelta3:
			te.prevTimeDelta4 = te.prevTimeDelta3
			te.prevTimeDelta3 = minDelta
		default:
			te.prevTimeDelta4 = minDelta
		}
	}

	te.prevTimestamp2 = te.prevTimestamp1
	te.prevTimestamp1 = timestamp
}

func (te *Encoder) writeStateFlagsChange(stateFlags uint32, point *pointMetadata) {
	if point.PrevStateFlags2 == stateFlags {
		te.lastPoint.WriteCode(int32(codeWords.StateFlags2))
	} else {
		te.lastPoint.WriteCode(int32(codeWords.StateFlags7Bit32))
		varint.Encode32(te.data, &te.position, stateFlags)
	}

	point.PrevStateFlags2 = point.PrevStateFlags1
	point.PrevStateFlags1 = stateFlags
}

func (te *Encoder) bitStreamFlush() {
	if te.bitStreamCount <= 0 {
		return
	}

	if te.bitStreamBufferIndex < 0 {
		te.bitStreamBufferIndex = te.position
		te.position++
	}

	te.lastPoint.WriteCode(int32(codeWords.EndOfStream))

	if te.bitStreamCount > 7 {
		te.bitStreamEnd()
	}

	if te.bitStreamCount > 0 {
		// Make up 8 bits by padding
		te.bitStreamCache <<= 8 - te.bitStreamCount
		te.data[te.bitStreamBufferIndex] = byte(te.bitStreamCache)
		te.bitStreamCache = 0
		te.bitStreamBufferIndex = -1
		te.bitStreamCount = 0
	}
}

func (te *Encoder) bitStreamEnd() {
	for te.bitStreamCount > 7 {
		te.data[te.bitStreamBufferIndex] = byte(te.bitStreamCache >> (te.bitStreamCount - 8))
		te.bitStreamCount -= 8

		if te.bitStreamCount > 0 {
			te.bitStreamBufferIndex = te.position
			te.position++
		} else {
			te.bitStreamBufferIndex = -1
		}
	}
}

func (te *Encoder) writeBits(code, length int32) {
	if te.bitStreamBufferIndex < 0 {
		te.bitStreamBufferIndex = te.position
		te.position++
	}

	te.bitStreamCache = (te.bitStreamCache << length) | code
	te.bitStreamCount += length

	if te.bitStreamCount > 7 {
		te.bitStreamEnd()
	}
}
