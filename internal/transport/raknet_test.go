package transport

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnconnectedPongCarriesData(t *testing.T) {
	pingTime, err := decodeUnconnectedPing(encodeUnconnectedPing(1234, 99))
	require.NoError(t, err)
	assert.Equal(t, int64(1234), pingTime)

	data := []byte("MCPE;motd;686;1.21.2;0;10;1;lvl;Survival;1;19132;19133;")
	got, err := decodeUnconnectedPong(encodeUnconnectedPong(pingTime, 7, data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = decodeUnconnectedPong([]byte{idUnconnectedPong, 1, 2})
	assert.Error(t, err)
}

func TestOpenConnectionMessages(t *testing.T) {
	req1 := encodeOpenConnectionRequest1(1200)
	assert.Len(t, req1, 1200-udpOverhead)
	proto, mtu, err := decodeOpenConnectionRequest1(len(req1), req1)
	require.NoError(t, err)
	assert.Equal(t, raknetProtocolVersion, proto)
	assert.Equal(t, 1200, mtu)

	guid, mtu, err := decodeOpenConnectionReply1(encodeOpenConnectionReply1(42, 1492))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), guid)
	assert.Equal(t, 1492, mtu)

	server := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 19132}
	mtu, guid, err = decodeOpenConnectionRequest2(encodeOpenConnectionRequest2(server, 1200, 77))
	require.NoError(t, err)
	assert.Equal(t, 1200, mtu)
	assert.Equal(t, uint64(77), guid)

	client := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 50000}
	guid, mtu, err = decodeOpenConnectionReply2(encodeOpenConnectionReply2(5, client, 576))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), guid)
	assert.Equal(t, 576, mtu)
}

func TestSystemAddress(t *testing.T) {
	for _, addr := range []*net.UDPAddr{
		{IP: net.IPv4(192, 168, 1, 20), Port: 19132},
		{IP: net.ParseIP("fe80::1"), Port: 19133},
	} {
		b := appendAddr(nil, addr)
		got, n, err := readAddr(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.True(t, addr.IP.Equal(got.IP))
		assert.Equal(t, addr.Port, got.Port)
	}
}

func TestFrameFragmentation(t *testing.T) {
	body := bytes.Repeat([]byte{0xfe, 1, 2, 3}, 1000)
	msgs := fragment(body, 576, 9, 3)
	require.Greater(t, len(msgs), 1)

	var joined []byte
	for i, m := range msgs {
		frame := encodeFrame(uint32(i), m)
		assert.LessOrEqual(t, len(frame), 576-udpOverhead)

		seq, got, err := decodeFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), seq)
		assert.True(t, got.split)
		assert.Equal(t, uint32(9), got.index)
		assert.Equal(t, uint16(3), got.splitID)
		assert.Equal(t, uint32(len(msgs)), got.splitCount)
		joined = append(joined, got.body...)
	}
	assert.Equal(t, body, joined)

	single := fragment([]byte{0xfe, 0x01}, 1492, 1, 0)
	require.Len(t, single, 1)
	assert.False(t, single[0].split)
}

func TestSeqNewer(t *testing.T) {
	assert.True(t, seqNewer(2, 1))
	assert.False(t, seqNewer(1, 2))
	assert.False(t, seqNewer(5, 5))
	assert.True(t, seqNewer(0, 0xffffff), "wraps around the 24-bit space")
}

func TestRateTracker(t *testing.T) {
	rt := newRateTracker(2)
	assert.True(t, rt.allow("10.0.0.1"))
	assert.True(t, rt.allow("10.0.0.1"))
	assert.False(t, rt.allow("10.0.0.1"))
	assert.True(t, rt.allow("10.0.0.2"))
}
