package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/s2"
)

// Algorithm identifies the compression applied to a batch payload.
type Algorithm byte

const (
	AlgorithmFlate  Algorithm = 0x00
	AlgorithmSnappy Algorithm = 0x01
	AlgorithmNone   Algorithm = 0xff
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmFlate:
		return "deflate"
	case AlgorithmSnappy:
		return "snappy"
	case AlgorithmNone:
		return "none"
	}
	return fmt.Sprintf("algorithm(0x%02x)", byte(a))
}

// Wire returns the network_settings value announcing a.
func (a Algorithm) Wire() uint16 {
	if a == AlgorithmNone {
		return 0xffff
	}
	return uint16(a)
}

// AlgorithmFromWire maps a network_settings value back to an algorithm.
// Unknown values mean no compression.
func AlgorithmFromWire(v uint16) Algorithm {
	switch v {
	case uint16(AlgorithmFlate):
		return AlgorithmFlate
	case uint16(AlgorithmSnappy):
		return AlgorithmSnappy
	}
	return AlgorithmNone
}

// ParseAlgorithm maps a configuration name to an algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "deflate", "flate", "zlib":
		return AlgorithmFlate, nil
	case "snappy":
		return AlgorithmSnappy, nil
	case "none":
		return AlgorithmNone, nil
	}
	return AlgorithmNone, fmt.Errorf("unknown compression algorithm %q", name)
}

// MaxBatchSize caps the decompressed size of a single batch.
const MaxBatchSize = 16 << 20

// Compression holds the per-connection batch compression settings.
type Compression struct {
	// Negotiated is set once network settings were exchanged. Before that
	// batches carry no algorithm byte and are never compressed.
	Negotiated bool
	Algorithm  Algorithm
	Level      int
	Threshold  int
}

var (
	flateWriters [10]sync.Pool
	flateReaders sync.Pool
)

func compressFlate(payload []byte, level int) ([]byte, error) {
	if level > flate.BestCompression {
		level = flate.BestCompression
	}
	var buf bytes.Buffer
	w, _ := flateWriters[level].Get().(*flate.Writer)
	if w == nil {
		var err error
		w, err = flate.NewWriter(&buf, level)
		if err != nil {
			return nil, err
		}
	} else {
		w.Reset(&buf)
	}
	defer flateWriters[level].Put(w)

	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressFlate(data []byte) ([]byte, error) {
	src := bytes.NewReader(data)
	r, _ := flateReaders.Get().(io.ReadCloser)
	if r == nil {
		r = flate.NewReader(src)
	} else if err := r.(flate.Resetter).Reset(src, nil); err != nil {
		return nil, err
	}
	defer flateReaders.Put(r)

	out, err := io.ReadAll(io.LimitReader(r, MaxBatchSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxBatchSize {
		return nil, fmt.Errorf("batch exceeds %d bytes", MaxBatchSize)
	}
	return out, nil
}

func decompressSnappy(data []byte) ([]byte, error) {
	n, err := s2.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > MaxBatchSize {
		return nil, fmt.Errorf("batch exceeds %d bytes", MaxBatchSize)
	}
	return s2.Decode(nil, data)
}

// EncodeBatch frames already encoded packets into one datagram payload.
func EncodeBatch(packets [][]byte, c Compression) ([]byte, error) {
	var payload bytes.Buffer
	for _, p := range packets {
		payload.Write(binary.AppendUvarint(nil, uint64(len(p))))
		payload.Write(p)
	}

	out := make([]byte, 0, payload.Len()+2)
	out = append(out, GamePacketMarker)
	if !c.Negotiated {
		return append(out, payload.Bytes()...), nil
	}

	if c.Level <= 0 || c.Algorithm == AlgorithmNone || payload.Len() <= c.Threshold {
		out = append(out, byte(AlgorithmNone))
		return append(out, payload.Bytes()...), nil
	}

	var (
		compressed []byte
		err        error
	)
	switch c.Algorithm {
	case AlgorithmFlate:
		compressed, err = compressFlate(payload.Bytes(), c.Level)
	case AlgorithmSnappy:
		compressed = s2.EncodeSnappy(nil, payload.Bytes())
	default:
		err = fmt.Errorf("unsupported algorithm %s", c.Algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	out = append(out, byte(c.Algorithm))
	return append(out, compressed...), nil
}

// DecodeBatch splits a datagram payload back into encoded packets.
func DecodeBatch(data []byte, c Compression) ([][]byte, error) {
	if len(data) == 0 || data[0] != GamePacketMarker {
		return nil, fmt.Errorf("%w: missing game packet marker", ErrMalformedPacket)
	}
	payload := data[1:]

	if c.Negotiated {
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: missing compression header", ErrMalformedPacket)
		}
		algo := Algorithm(payload[0])
		payload = payload[1:]
		if algo != AlgorithmNone && c.Algorithm == AlgorithmNone {
			return nil, fmt.Errorf("%w: %s batch while compression is disabled", ErrDecompression, algo)
		}

		var err error
		switch algo {
		case AlgorithmNone:
		case AlgorithmFlate:
			payload, err = decompressFlate(payload)
		case AlgorithmSnappy:
			payload, err = decompressSnappy(payload)
		default:
			err = fmt.Errorf("unknown algorithm 0x%02x", byte(algo))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
		}
	}

	var packets [][]byte
	for len(payload) > 0 {
		n, read := binary.Uvarint(payload)
		if read <= 0 || n > uint64(len(payload)-read) {
			return nil, fmt.Errorf("%w: bad batch length prefix", ErrMalformedPacket)
		}
		payload = payload[read:]
		packets = append(packets, payload[:n:n])
		payload = payload[n:]
	}
	return packets, nil
}
