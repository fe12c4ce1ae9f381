// Package protocol implements the game packet codec: packet bodies, the
// packet registry, and the batch framing with optional compression that
// carries packets over a datagram transport.
package protocol

import "errors"

var (
	// ErrMalformedPacket is returned when bytes do not decode into a packet.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrDecompression is returned when a compressed batch cannot be inflated.
	ErrDecompression = errors.New("batch decompression failed")
)

// Game packet ids.
const (
	IDLogin                       uint32 = 0x01
	IDPlayStatus                  uint32 = 0x02
	IDServerToClientHandshake     uint32 = 0x03
	IDClientToServerHandshake     uint32 = 0x04
	IDDisconnect                  uint32 = 0x05
	IDResourcePacksInfo           uint32 = 0x06
	IDResourcePackStack           uint32 = 0x07
	IDResourcePackClientResponse  uint32 = 0x08
	IDText                        uint32 = 0x09
	IDStartGame                   uint32 = 0x0b
	IDRequestChunkRadius          uint32 = 0x45
	IDChunkRadiusUpdate           uint32 = 0x46
	IDSetLocalPlayerAsInitialized uint32 = 0x71
	IDClientCacheStatus           uint32 = 0x81
	IDNetworkSettings             uint32 = 0x8f
	IDRequestNetworkSettings      uint32 = 0xc1
)

// GamePacketMarker prefixes every batch on the wire.
const GamePacketMarker byte = 0xfe

// Protocol versions at which packet layouts change.
const (
	ProtocolDisconnectReason   = 622
	ProtocolDisconnectFiltered = 712
)

// Packet is a logical game packet.
type Packet interface {
	// ID returns the packet id written in the header.
	ID() uint32
	// Marshal writes the packet body.
	Marshal(w *PacketBuilder)
	// Unmarshal reads the packet body.
	Unmarshal(r *PacketReader)
}

// PlayStatus is the status code carried by a play_status packet.
type PlayStatus int32

const (
	PlayStatusLoginSuccess        PlayStatus = 0
	PlayStatusFailedClient        PlayStatus = 1
	PlayStatusFailedSpawn         PlayStatus = 2
	PlayStatusPlayerSpawn         PlayStatus = 3
	PlayStatusFailedInvalidTenant PlayStatus = 4
	PlayStatusFailedVanillaEdu    PlayStatus = 5
	PlayStatusFailedEduVanilla    PlayStatus = 6
	PlayStatusFailedServerFull    PlayStatus = 7
)

var playStatusStrings = map[PlayStatus]string{
	PlayStatusLoginSuccess:        "login_success",
	PlayStatusFailedClient:        "failed_client",
	PlayStatusFailedSpawn:         "failed_spawn",
	PlayStatusPlayerSpawn:         "player_spawn",
	PlayStatusFailedInvalidTenant: "failed_invalid_tenant",
	PlayStatusFailedVanillaEdu:    "failed_vanilla_edu",
	PlayStatusFailedEduVanilla:    "failed_edu_vanilla",
	PlayStatusFailedServerFull:    "failed_server_full",
}

// String returns the wire name of the status.
func (s PlayStatus) String() string {
	if str, ok := playStatusStrings[s]; ok {
		return str
	}
	return "unknown"
}

// ParsePlayStatus maps a status name back to its code.
func ParsePlayStatus(name string) (PlayStatus, bool) {
	for k, v := range playStatusStrings {
		if v == name {
			return k, true
		}
	}
	return 0, false
}

// Failed reports whether the status rejects the session.
func (s PlayStatus) Failed() bool {
	return s != PlayStatusLoginSuccess && s != PlayStatusPlayerSpawn
}

// Resource pack client response codes.
const (
	PackResponseRefused      byte = 1
	PackResponseSendPacks    byte = 2
	PackResponseHaveAllPacks byte = 3
	PackResponseCompleted    byte = 4
)

// Text packet types used by the server broadcast path.
const (
	TextTypeRaw    byte = 0
	TextTypeChat   byte = 1
	TextTypeSystem byte = 6
)
