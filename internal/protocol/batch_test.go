package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePackets() [][]byte {
	c := NewCodec()
	return [][]byte{
		c.Encode(&Text{Message: string(bytes.Repeat([]byte("a"), 600))}, 686),
		c.Encode(&RequestChunkRadius{Radius: 10}, 686),
		c.Encode(&ClientCacheStatus{Enabled: true}, 686),
	}
}

func TestBatchBeforeNegotiation(t *testing.T) {
	packets := samplePackets()
	data, err := EncodeBatch(packets, Compression{})
	require.NoError(t, err)
	assert.Equal(t, GamePacketMarker, data[0])
	assert.NotEqual(t, byte(AlgorithmNone), data[1], "no algorithm byte before negotiation")

	got, err := DecodeBatch(data, Compression{})
	require.NoError(t, err)
	assert.Equal(t, packets, got)
}

func TestBatchCompressionAlgorithms(t *testing.T) {
	packets := samplePackets()
	for _, algo := range []Algorithm{AlgorithmFlate, AlgorithmSnappy} {
		t.Run(algo.String(), func(t *testing.T) {
			c := Compression{Negotiated: true, Algorithm: algo, Level: 7, Threshold: 512}
			data, err := EncodeBatch(packets, c)
			require.NoError(t, err)
			assert.Equal(t, byte(algo), data[1])

			got, err := DecodeBatch(data, c)
			require.NoError(t, err)
			assert.Equal(t, packets, got)
		})
	}
}

func TestBatchBelowThresholdIsNotCompressed(t *testing.T) {
	packets := [][]byte{{0x45, 0x14}}
	c := Compression{Negotiated: true, Algorithm: AlgorithmFlate, Level: 7, Threshold: 512}
	data, err := EncodeBatch(packets, c)
	require.NoError(t, err)
	assert.Equal(t, []byte{GamePacketMarker, byte(AlgorithmNone), 0x02, 0x45, 0x14}, data)
}

func TestBatchLevelZeroNeverCompresses(t *testing.T) {
	c := Compression{Negotiated: true, Algorithm: AlgorithmFlate, Level: 0, Threshold: 0}
	packets := samplePackets()

	data, err := EncodeBatch(packets, c)
	require.NoError(t, err)
	assert.Equal(t, byte(AlgorithmNone), data[1])

	// Raw payload bytes follow the header, so decoding never inflates.
	got, err := DecodeBatch(data, c)
	require.NoError(t, err)
	assert.Equal(t, packets, got)
}

func TestBatchDecompressionFailure(t *testing.T) {
	c := Compression{Negotiated: true, Algorithm: AlgorithmFlate, Level: 7}

	_, err := DecodeBatch([]byte{GamePacketMarker, byte(AlgorithmFlate), 0xff, 0xff, 0xff}, c)
	assert.ErrorIs(t, err, ErrDecompression)

	_, err = DecodeBatch([]byte{GamePacketMarker, byte(AlgorithmSnappy), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, c)
	assert.ErrorIs(t, err, ErrDecompression)

	_, err = DecodeBatch([]byte{GamePacketMarker, 0x7a, 0x00}, c)
	assert.ErrorIs(t, err, ErrDecompression)
}

func TestBatchMalformedFraming(t *testing.T) {
	_, err := DecodeBatch([]byte{0x01, 0x02}, Compression{})
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = DecodeBatch([]byte{GamePacketMarker, 0x05, 0x01}, Compression{})
	assert.ErrorIs(t, err, ErrMalformedPacket)

	got, err := DecodeBatch([]byte{GamePacketMarker}, Compression{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("snappy")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmSnappy, a)

	a, err = ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmFlate, a)

	_, err = ParseAlgorithm("lz4")
	assert.Error(t, err)
}

func TestBatchCompressionDisabledRefusesCompressedInput(t *testing.T) {
	packets := samplePackets()
	compressed, err := EncodeBatch(packets, Compression{Negotiated: true, Algorithm: AlgorithmFlate, Level: 7})
	require.NoError(t, err)
	require.Equal(t, byte(AlgorithmFlate), compressed[1])

	off := Compression{Negotiated: true, Algorithm: AlgorithmNone}
	_, err = DecodeBatch(compressed, off)
	assert.ErrorIs(t, err, ErrDecompression)

	plain, err := EncodeBatch(packets, off)
	require.NoError(t, err)
	got, err := DecodeBatch(plain, off)
	require.NoError(t, err)
	assert.Equal(t, packets, got)
}

func TestAlgorithmWireValues(t *testing.T) {
	assert.Equal(t, uint16(0), AlgorithmFlate.Wire())
	assert.Equal(t, uint16(1), AlgorithmSnappy.Wire())
	assert.Equal(t, uint16(0xffff), AlgorithmNone.Wire())

	for _, a := range []Algorithm{AlgorithmFlate, AlgorithmSnappy, AlgorithmNone} {
		assert.Equal(t, a, AlgorithmFromWire(a.Wire()))
	}
	assert.Equal(t, AlgorithmNone, AlgorithmFromWire(0x0042))
}
