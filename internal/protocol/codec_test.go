package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec()
	packets := []Packet{
		&RequestNetworkSettings{ClientProtocol: 686},
		&NetworkSettings{CompressionThreshold: 512, CompressionAlgorithm: 1, ThrottleScalar: 0.5},
		&Login{ClientProtocol: 686, ConnectionRequest: []byte("chain+client")},
		&PlayStatusPacket{Status: PlayStatusPlayerSpawn},
		&ServerToClientHandshake{Token: "a.b.c"},
		&ClientToServerHandshake{},
		&ResourcePacksInfo{MustAccept: true, Packs: []PackInfo{{UUID: "u", Version: "1.0.0", Size: 42}}},
		&ResourcePackStack{GameVersion: "1.21.2"},
		&ResourcePackClientResponse{Response: PackResponseHaveAllPacks, PackIDs: []string{"x", "y"}},
		&Text{Type: TextTypeChat, SourceName: "steve", Message: "hello world"},
		&StartGame{EntityUniqueID: -7, EntityRuntimeID: 7, PlayerGameMode: 1, Position: [3]float32{1, 64, -3}, Seed: 99, LevelID: "lvl", WorldName: "World", GameVersion: "1.21.2"},
		&RequestChunkRadius{Radius: 10},
		&ChunkRadiusUpdate{Radius: 8},
		&SetLocalPlayerAsInitialized{EntityRuntimeID: 7},
		&ClientCacheStatus{Enabled: true},
	}

	for _, pk := range packets {
		data := c.Encode(pk, 686)
		got, err := c.Decode(data, 686)
		require.NoError(t, err, "%T", pk)
		assert.Equal(t, pk, got)
		assert.Equal(t, data, c.Encode(got, 686), "%T encodes deterministically", pk)
	}
}

func TestDisconnectLayoutFollowsProtocol(t *testing.T) {
	c := NewCodec()
	pk := &Disconnect{Reason: 3, Message: "bye", FilteredMessage: "b*e"}

	tests := []struct {
		protocol int
		want     *Disconnect
	}{
		{600, &Disconnect{Message: "bye"}},
		{662, &Disconnect{Reason: 3, Message: "bye"}},
		{729, &Disconnect{Reason: 3, Message: "bye", FilteredMessage: "b*e"}},
	}
	for _, tt := range tests {
		got, err := c.Decode(c.Encode(pk, tt.protocol), tt.protocol)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "protocol %d", tt.protocol)
	}

	hidden, err := c.Decode(c.Encode(&Disconnect{HideScreen: true, Message: "ignored"}, 729), 729)
	require.NoError(t, err)
	assert.Equal(t, &Disconnect{HideScreen: true}, hidden)
}

func TestDecodeUnknownKeepsPayload(t *testing.T) {
	c := NewCodec()
	raw := []byte{0x90, 0x01, 0xde, 0xad, 0xbe, 0xef}

	pk, err := c.Decode(raw, 686)
	require.NoError(t, err)
	u, ok := pk.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, uint32(0x90), u.ID())
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, u.Payload)
	assert.Equal(t, raw, c.Encode(u, 686))
}

func TestDecodeMalformed(t *testing.T) {
	c := NewCodec()

	_, err := c.Decode(nil, 686)
	assert.ErrorIs(t, err, ErrMalformedPacket)

	truncated := c.Encode(&Text{Message: "hello"}, 686)
	_, err = c.Decode(truncated[:len(truncated)-2], 686)
	assert.ErrorIs(t, err, ErrMalformedPacket)

	trailing := append(c.Encode(&RequestChunkRadius{Radius: 4}, 686), 0x00)
	_, err = c.Decode(trailing, 686)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestPlayStatusNames(t *testing.T) {
	for code := PlayStatusLoginSuccess; code <= PlayStatusFailedServerFull; code++ {
		back, ok := ParsePlayStatus(code.String())
		require.True(t, ok)
		assert.Equal(t, code, back)
	}
	assert.False(t, PlayStatusLoginSuccess.Failed())
	assert.False(t, PlayStatusPlayerSpawn.Failed())
	assert.True(t, PlayStatusFailedServerFull.Failed())
	assert.Equal(t, "unknown", PlayStatus(42).String())
}

func TestPeekID(t *testing.T) {
	id, err := PeekID(NewCodec().Encode(&RequestNetworkSettings{ClientProtocol: 1}, 0))
	require.NoError(t, err)
	assert.Equal(t, IDRequestNetworkSettings, id)
}
