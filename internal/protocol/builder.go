package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// PacketBuilder constructs the binary body of a game packet.
// Fixed-width integers are little-endian unless the method says otherwise.
type PacketBuilder struct {
	buf bytes.Buffer

	// Protocol is the negotiated wire version; packets gate fields on it.
	Protocol int
}

// NewPacketBuilder creates a new PacketBuilder for a protocol version.
func NewPacketBuilder(protocol int) *PacketBuilder {
	return &PacketBuilder{Protocol: protocol}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes a boolean as one byte.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	return b.WriteUint32(uint32(v))
}

// WriteInt32BE writes an int32 in big-endian order.
func (b *PacketBuilder) WriteInt32BE(v int32) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint32(nil, uint32(v)))
	return b
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
	return b
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteVarUint32 writes an unsigned LEB128 integer.
func (b *PacketBuilder) WriteVarUint32(v uint32) *PacketBuilder {
	return b.WriteVarUint64(uint64(v))
}

// WriteVarInt32 writes a zigzag-encoded signed varint.
func (b *PacketBuilder) WriteVarInt32(v int32) *PacketBuilder {
	return b.WriteVarUint64(uint64(uint32((v << 1) ^ (v >> 31))))
}

// WriteVarUint64 writes an unsigned LEB128 integer.
func (b *PacketBuilder) WriteVarUint64(v uint64) *PacketBuilder {
	b.buf.Write(binary.AppendUvarint(nil, v))
	return b
}

// WriteVarInt64 writes a zigzag-encoded signed varint.
func (b *PacketBuilder) WriteVarInt64(v int64) *PacketBuilder {
	b.buf.Write(binary.AppendVarint(nil, v))
	return b
}

// WriteString writes a varuint32 length-prefixed string.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	b.WriteVarUint32(uint32(len(s)))
	b.buf.WriteString(s)
	return b
}

// WriteByteSlice writes a varuint32 length-prefixed byte slice.
func (b *PacketBuilder) WriteByteSlice(data []byte) *PacketBuilder {
	b.WriteVarUint32(uint32(len(data)))
	b.buf.Write(data)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
