// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encode provides the versioned blob format used for persisted
// records, along with outpoint keys.
package encode

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

var (
	// IntCoder is the integer byte-encoding order. IntCoder must be BigEndian
	// so that keys sort numerically.
	IntCoder = binary.BigEndian
	// A byte-slice representation of boolean false.
	ByteFalse = []byte{0}
	// A byte-slice representation of boolean true.
	ByteTrue = []byte{1}
)

// OutPointKeyLen is the length of a serialized outpoint key.
const OutPointKeyLen = chainhash.HashSize + 4 + 1

// Uint32Bytes converts the uint32 to a length-4, big-endian encoded byte slice.
func Uint32Bytes(i uint32) []byte {
	b := make([]byte, 4)
	IntCoder.PutUint32(b, i)
	return b
}

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	IntCoder.PutUint64(b, i)
	return b
}

// UnixMilliBytes encodes the time as a uint64 millisecond Unix timestamp.
func UnixMilliBytes(t time.Time) []byte {
	if t.IsZero() {
		return Uint64Bytes(0)
	}
	return Uint64Bytes(uint64(t.UnixMilli()))
}

// DecodeUTime interprets bytes as a uint64 millisecond Unix timestamp. Zero
// decodes to the zero time.
func DecodeUTime(b []byte) time.Time {
	ms := IntCoder.Uint64(b)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// ClearBytes zeroes the byte slice.
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// OutPointKey serializes the outpoint as hash || index || tree.
func OutPointKey(op *wire.OutPoint) []byte {
	b := make([]byte, OutPointKeyLen)
	copy(b, op.Hash[:])
	IntCoder.PutUint32(b[chainhash.HashSize:], op.Index)
	b[OutPointKeyLen-1] = byte(op.Tree)
	return b
}

// DecodeOutPointKey parses a key created with OutPointKey.
func DecodeOutPointKey(b []byte) (wire.OutPoint, error) {
	var op wire.OutPoint
	if len(b) != OutPointKeyLen {
		return op, fmt.Errorf("outpoint key length %d, expected %d", len(b), OutPointKeyLen)
	}
	copy(op.Hash[:], b[:chainhash.HashSize])
	op.Index = IntCoder.Uint32(b[chainhash.HashSize:])
	op.Tree = int8(b[OutPointKeyLen-1])
	return op, nil
}

// ExtractPushes parses the linearly-encoded 2D byte slice into a slice of
// slices. Empty pushes are nil slices.
func ExtractPushes(b []byte, preAlloc ...int) ([][]byte, error) {
	allocPushes := 2
	if len(preAlloc) > 0 {
		allocPushes = preAlloc[0]
	}
	pushes := make([][]byte, 0, allocPushes)
	for len(b) > 0 {
		l := int(b[0])
		b = b[1:]
		if l == 0xff {
			if len(b) < 2 {
				return nil, fmt.Errorf("2 bytes not available for data length")
			}
			l = int(IntCoder.Uint16(b[:2]))
			b = b[2:]
		}
		if len(b) < l {
			return nil, fmt.Errorf("data too short for pop of %d bytes", l)
		}
		if l == 0 {
			pushes = append(pushes, nil)
			continue
		}
		pushes = append(pushes, b[:l])
		b = b[l:]
	}
	return pushes, nil
}

// DecodeBlob decodes a versioned blob into its version and the pushes extracted
// from its data. Empty pushes will be nil.
func DecodeBlob(b []byte, preAlloc ...int) (byte, [][]byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("zero length blob not allowed")
	}
	ver := b[0]
	pushes, err := ExtractPushes(b[1:], preAlloc...)
	return ver, pushes, err
}

// BuildyBytes is a byte-slice with an AddData method for building linearly
// encoded 2D byte slices. Instantiate it with a version byte and chain
// AddData calls:
//
//	b := BuildyBytes{0}.AddData(data1).AddData(data2)
//
// The versioned blob can be decoded with DecodeBlob.
type BuildyBytes []byte

// AddData adds the data to the BuildyBytes, and returns the new BuildyBytes.
// AddData panics for data longer than math.MaxUint16 bytes.
func (b BuildyBytes) AddData(d []byte) BuildyBytes {
	l := len(d)
	if l < 0xff {
		return append(append(b, byte(l)), d...)
	}
	if l > math.MaxUint16 {
		panic("cannot use AddData for pushes > 65535 bytes")
	}
	lBytes := []byte{0xff, 0, 0}
	IntCoder.PutUint16(lBytes[1:], uint16(l))
	return append(append(b, lBytes...), d...)
}
