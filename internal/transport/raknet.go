package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Offline message ids.
const (
	idUnconnectedPing      byte = 0x01
	idOpenConnectionReq1   byte = 0x05
	idOpenConnectionReply1 byte = 0x06
	idOpenConnectionReq2   byte = 0x07
	idOpenConnectionReply2 byte = 0x08
	idIncompatibleProtocol byte = 0x19
	idUnconnectedPong      byte = 0x1c
	idConnectedFrame       byte = 0x84
)

const (
	raknetProtocolVersion byte = 11
	frameFlagSplit        byte = 0x10
)

// Frame layout sizes. udpOverhead covers the IPv4 and UDP headers.
const (
	frameHeaderSize   = 4
	messageHeaderSize = 4
	splitHeaderSize   = 10
	udpOverhead       = 28
	maxSplitCount     = 512
	maxDatagramSize   = 1500
)

// Message ids carried inside connected frames.
const (
	idConnectedPing          byte = 0x00
	idConnectedPong          byte = 0x03
	idDisconnectNotification byte = 0x15
	idGamePacket             byte = 0xfe
)

// mtuSizes are tried in order while opening a connection.
var mtuSizes = []int{1492, 1200, 576}

var offlineMagic = []byte{0x00, 0xff, 0xff, 0x00, 0xfe, 0xfe, 0xfe, 0xfe, 0xfd, 0xfd, 0xfd, 0xfd, 0x12, 0x34, 0x56, 0x78}

var errShortMessage = errors.New("short raknet message")

func hasMagic(b []byte, off int) bool {
	return len(b) >= off+len(offlineMagic) && bytes.Equal(b[off:off+len(offlineMagic)], offlineMagic)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func encodeUnconnectedPing(pingTime int64, guid uint64) []byte {
	b := make([]byte, 0, 33)
	b = append(b, idUnconnectedPing)
	b = binary.BigEndian.AppendUint64(b, uint64(pingTime))
	b = append(b, offlineMagic...)
	return binary.BigEndian.AppendUint64(b, guid)
}

func decodeUnconnectedPing(b []byte) (int64, error) {
	if len(b) < 25 || !hasMagic(b, 9) {
		return 0, errShortMessage
	}
	return int64(binary.BigEndian.Uint64(b[1:9])), nil
}

func encodeUnconnectedPong(pingTime int64, guid uint64, data []byte) []byte {
	b := make([]byte, 0, 35+len(data))
	b = append(b, idUnconnectedPong)
	b = binary.BigEndian.AppendUint64(b, uint64(pingTime))
	b = binary.BigEndian.AppendUint64(b, guid)
	b = append(b, offlineMagic...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(data)))
	return append(b, data...)
}

func decodeUnconnectedPong(b []byte) ([]byte, error) {
	if len(b) < 35 || !hasMagic(b, 17) {
		return nil, errShortMessage
	}
	n := int(binary.BigEndian.Uint16(b[33:35]))
	if len(b) < 35+n {
		return nil, errShortMessage
	}
	out := make([]byte, n)
	copy(out, b[35:35+n])
	return out, nil
}

// encodeOpenConnectionRequest1 pads the request to mtu so the reply proves
// the path carries datagrams of that size.
func encodeOpenConnectionRequest1(mtu int) []byte {
	size := mtu - udpOverhead
	b := make([]byte, size)
	b[0] = idOpenConnectionReq1
	copy(b[1:], offlineMagic)
	b[17] = raknetProtocolVersion
	return b
}

func decodeOpenConnectionRequest1(n int, b []byte) (protocol byte, mtu int, err error) {
	if len(b) < 18 || !hasMagic(b, 1) {
		return 0, 0, errShortMessage
	}
	return b[17], n + udpOverhead, nil
}

func encodeOpenConnectionReply1(guid uint64, mtu int) []byte {
	b := make([]byte, 0, 28)
	b = append(b, idOpenConnectionReply1)
	b = append(b, offlineMagic...)
	b = binary.BigEndian.AppendUint64(b, guid)
	b = append(b, 0) // no security
	return binary.BigEndian.AppendUint16(b, uint16(mtu))
}

func decodeOpenConnectionReply1(b []byte) (guid uint64, mtu int, err error) {
	if len(b) < 28 || !hasMagic(b, 1) {
		return 0, 0, errShortMessage
	}
	return binary.BigEndian.Uint64(b[17:25]), int(binary.BigEndian.Uint16(b[26:28])), nil
}

func encodeOpenConnectionRequest2(server *net.UDPAddr, mtu int, guid uint64) []byte {
	b := make([]byte, 0, 64)
	b = append(b, idOpenConnectionReq2)
	b = append(b, offlineMagic...)
	b = appendAddr(b, server)
	b = binary.BigEndian.AppendUint16(b, uint16(mtu))
	return binary.BigEndian.AppendUint64(b, guid)
}

func decodeOpenConnectionRequest2(b []byte) (mtu int, guid uint64, err error) {
	if len(b) < 17 || !hasMagic(b, 1) {
		return 0, 0, errShortMessage
	}
	_, n, err := readAddr(b[17:])
	if err != nil {
		return 0, 0, err
	}
	rest := b[17+n:]
	if len(rest) < 10 {
		return 0, 0, errShortMessage
	}
	return int(binary.BigEndian.Uint16(rest[:2])), binary.BigEndian.Uint64(rest[2:10]), nil
}

func encodeOpenConnectionReply2(guid uint64, client *net.UDPAddr, mtu int) []byte {
	b := make([]byte, 0, 64)
	b = append(b, idOpenConnectionReply2)
	b = append(b, offlineMagic...)
	b = binary.BigEndian.AppendUint64(b, guid)
	b = appendAddr(b, client)
	b = binary.BigEndian.AppendUint16(b, uint16(mtu))
	return append(b, 0)
}

func decodeOpenConnectionReply2(b []byte) (guid uint64, mtu int, err error) {
	if len(b) < 25 || !hasMagic(b, 1) {
		return 0, 0, errShortMessage
	}
	guid = binary.BigEndian.Uint64(b[17:25])
	_, n, err := readAddr(b[25:])
	if err != nil {
		return 0, 0, err
	}
	rest := b[25+n:]
	if len(rest) < 2 {
		return 0, 0, errShortMessage
	}
	return guid, int(binary.BigEndian.Uint16(rest[:2])), nil
}

func encodeIncompatibleProtocol(guid uint64) []byte {
	b := make([]byte, 0, 26)
	b = append(b, idIncompatibleProtocol, raknetProtocolVersion)
	b = append(b, offlineMagic...)
	return binary.BigEndian.AppendUint64(b, guid)
}

// appendAddr writes a RakNet system address. IPv4 octets are inverted.
func appendAddr(b []byte, addr *net.UDPAddr) []byte {
	if ip4 := addr.IP.To4(); ip4 != nil {
		b = append(b, 4)
		for _, o := range ip4 {
			b = append(b, ^o)
		}
		return binary.BigEndian.AppendUint16(b, uint16(addr.Port))
	}
	b = append(b, 6)
	b = binary.LittleEndian.AppendUint16(b, 23) // AF_INET6
	b = binary.BigEndian.AppendUint16(b, uint16(addr.Port))
	b = append(b, 0, 0, 0, 0) // flow info
	b = append(b, addr.IP.To16()...)
	return append(b, 0, 0, 0, 0) // scope id
}

func readAddr(b []byte) (*net.UDPAddr, int, error) {
	if len(b) < 1 {
		return nil, 0, errShortMessage
	}
	switch b[0] {
	case 4:
		if len(b) < 7 {
			return nil, 0, errShortMessage
		}
		ip := net.IPv4(^b[1], ^b[2], ^b[3], ^b[4])
		return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(b[5:7]))}, 7, nil
	case 6:
		if len(b) < 29 {
			return nil, 0, errShortMessage
		}
		ip := make(net.IP, net.IPv6len)
		copy(ip, b[9:25])
		return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(b[3:5]))}, 29, nil
	}
	return nil, 0, fmt.Errorf("unknown address family %d", b[0])
}

// message is one unit of data carried in a connected frame, possibly a
// fragment of a larger payload.
type message struct {
	index      uint32
	split      bool
	splitCount uint32
	splitID    uint16
	splitIndex uint32
	body       []byte
}

func encodeFrame(seq uint32, m message) []byte {
	size := frameHeaderSize + messageHeaderSize + len(m.body)
	if m.split {
		size += splitHeaderSize
	}
	b := make([]byte, size)
	b[0] = idConnectedFrame
	putUint24(b[1:4], seq)
	off := frameHeaderSize
	if m.split {
		b[off] = frameFlagSplit
	}
	putUint24(b[off+1:off+4], m.index)
	off += messageHeaderSize
	if m.split {
		binary.BigEndian.PutUint32(b[off:], m.splitCount)
		binary.BigEndian.PutUint16(b[off+4:], m.splitID)
		binary.BigEndian.PutUint32(b[off+6:], m.splitIndex)
		off += splitHeaderSize
	}
	copy(b[off:], m.body)
	return b
}

func decodeFrame(b []byte) (seq uint32, m message, err error) {
	if len(b) < frameHeaderSize+messageHeaderSize || b[0] != idConnectedFrame {
		return 0, m, errShortMessage
	}
	seq = uint24(b[1:4])
	off := frameHeaderSize
	m.split = b[off]&frameFlagSplit != 0
	m.index = uint24(b[off+1 : off+4])
	off += messageHeaderSize
	if m.split {
		if len(b) < off+splitHeaderSize {
			return 0, m, errShortMessage
		}
		m.splitCount = binary.BigEndian.Uint32(b[off:])
		m.splitID = binary.BigEndian.Uint16(b[off+4:])
		m.splitIndex = binary.BigEndian.Uint32(b[off+6:])
		off += splitHeaderSize
		if m.splitCount == 0 || m.splitCount > maxSplitCount || m.splitIndex >= m.splitCount {
			return 0, m, fmt.Errorf("bad split %d/%d", m.splitIndex, m.splitCount)
		}
	}
	m.body = b[off:]
	return seq, m, nil
}

// fragment cuts body into messages that each fit one frame of mtu bytes.
func fragment(body []byte, mtu int, index uint32, splitID uint16) []message {
	room := mtu - udpOverhead - frameHeaderSize - messageHeaderSize
	if len(body) <= room {
		return []message{{index: index, body: body}}
	}
	room -= splitHeaderSize
	count := (len(body) + room - 1) / room
	out := make([]message, 0, count)
	for i := 0; i < count; i++ {
		end := (i + 1) * room
		if end > len(body) {
			end = len(body)
		}
		out = append(out, message{
			index:      index,
			split:      true,
			splitCount: uint32(count),
			splitID:    splitID,
			splitIndex: uint32(i),
			body:       body[i*room : end],
		})
	}
	return out
}
