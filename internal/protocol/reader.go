package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// maxStringLength bounds length-prefixed fields read from the wire.
const maxStringLength = 1 << 22

// PacketReader reads a packet body. The first failure is sticky: later reads
// return zero values and Err reports the original problem.
type PacketReader struct {
	data []byte
	off  int
	err  error

	// Protocol is the negotiated wire version; packets gate fields on it.
	Protocol int
}

// NewPacketReader creates a reader over data for a protocol version.
func NewPacketReader(data []byte, protocol int) *PacketReader {
	return &PacketReader{data: data, Protocol: protocol}
}

// Err returns the first read error, if any.
func (r *PacketReader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.off
}

func (r *PacketReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedPacket, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// Uint8 reads a single byte.
func (r *PacketReader) Uint8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Bool reads a one-byte boolean.
func (r *PacketReader) Bool() bool {
	return r.Uint8() != 0
}

// Uint16 reads a little-endian uint16.
func (r *PacketReader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// Uint32 reads a little-endian uint32.
func (r *PacketReader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Int32 reads a little-endian int32.
func (r *PacketReader) Int32() int32 {
	return int32(r.Uint32())
}

// Int32BE reads a big-endian int32.
func (r *PacketReader) Int32BE() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

// Uint64 reads a little-endian uint64.
func (r *PacketReader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Float32 reads a little-endian float32.
func (r *PacketReader) Float32() float32 {
	return math.Float32frombits(r.Uint32())
}

// VarUint64 reads an unsigned LEB128 integer.
func (r *PacketReader) VarUint64() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		r.err = fmt.Errorf("%w: bad varint at offset %d", ErrMalformedPacket, r.off)
		return 0
	}
	r.off += n
	return v
}

// VarInt64 reads a zigzag-encoded signed varint.
func (r *PacketReader) VarInt64() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.data[r.off:])
	if n <= 0 {
		r.err = fmt.Errorf("%w: bad varint at offset %d", ErrMalformedPacket, r.off)
		return 0
	}
	r.off += n
	return v
}

// VarUint32 reads an unsigned varint that must fit 32 bits.
func (r *PacketReader) VarUint32() uint32 {
	v := r.VarUint64()
	if v > math.MaxUint32 && r.err == nil {
		r.err = fmt.Errorf("%w: varuint32 overflow", ErrMalformedPacket)
		return 0
	}
	return uint32(v)
}

// VarInt32 reads a zigzag varint that must fit 32 bits.
func (r *PacketReader) VarInt32() int32 {
	v := r.VarInt64()
	if (v > math.MaxInt32 || v < math.MinInt32) && r.err == nil {
		r.err = fmt.Errorf("%w: varint32 overflow", ErrMalformedPacket)
		return 0
	}
	return int32(v)
}

// String reads a varuint32 length-prefixed string.
func (r *PacketReader) String() string {
	return string(r.ByteSlice())
}

// ByteSlice reads a varuint32 length-prefixed byte slice.
func (r *PacketReader) ByteSlice() []byte {
	n := r.VarUint32()
	if n > maxStringLength && r.err == nil {
		r.err = fmt.Errorf("%w: field length %d exceeds limit", ErrMalformedPacket, n)
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Bytes reads a copy of the next n bytes.
func (r *PacketReader) Bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Rest returns a copy of all unread bytes.
func (r *PacketReader) Rest() []byte {
	b := r.take(r.Remaining())
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
