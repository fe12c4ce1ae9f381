package protocol

// RequestNetworkSettings is the first packet a client sends.
type RequestNetworkSettings struct {
	ClientProtocol int32
}

func (*RequestNetworkSettings) ID() uint32 { return IDRequestNetworkSettings }

func (pk *RequestNetworkSettings) Marshal(w *PacketBuilder) {
	w.WriteInt32BE(pk.ClientProtocol)
}

func (pk *RequestNetworkSettings) Unmarshal(r *PacketReader) {
	pk.ClientProtocol = r.Int32BE()
}

// NetworkSettings carries the compression parameters chosen by the server.
type NetworkSettings struct {
	CompressionThreshold uint16
	CompressionAlgorithm uint16
	ClientThrottle       bool
	ThrottleThreshold    byte
	ThrottleScalar       float32
}

func (*NetworkSettings) ID() uint32 { return IDNetworkSettings }

func (pk *NetworkSettings) Marshal(w *PacketBuilder) {
	w.WriteUint16(pk.CompressionThreshold).
		WriteUint16(pk.CompressionAlgorithm).
		WriteBool(pk.ClientThrottle).
		WriteUint8(pk.ThrottleThreshold).
		WriteFloat32(pk.ThrottleScalar)
}

func (pk *NetworkSettings) Unmarshal(r *PacketReader) {
	pk.CompressionThreshold = r.Uint16()
	pk.CompressionAlgorithm = r.Uint16()
	pk.ClientThrottle = r.Bool()
	pk.ThrottleThreshold = r.Uint8()
	pk.ThrottleScalar = r.Float32()
}

// Login carries the client protocol and the identity connection request.
type Login struct {
	ClientProtocol    int32
	ConnectionRequest []byte
}

func (*Login) ID() uint32 { return IDLogin }

func (pk *Login) Marshal(w *PacketBuilder) {
	w.WriteInt32BE(pk.ClientProtocol).WriteByteSlice(pk.ConnectionRequest)
}

func (pk *Login) Unmarshal(r *PacketReader) {
	pk.ClientProtocol = r.Int32BE()
	pk.ConnectionRequest = r.ByteSlice()
}

// PlayStatusPacket reports login and spawn progress.
type PlayStatusPacket struct {
	Status PlayStatus
}

func (*PlayStatusPacket) ID() uint32 { return IDPlayStatus }

func (pk *PlayStatusPacket) Marshal(w *PacketBuilder) {
	w.WriteInt32BE(int32(pk.Status))
}

func (pk *PlayStatusPacket) Unmarshal(r *PacketReader) {
	pk.Status = PlayStatus(r.Int32BE())
}

// ServerToClientHandshake starts encryption with a signed token.
type ServerToClientHandshake struct {
	Token string
}

func (*ServerToClientHandshake) ID() uint32 { return IDServerToClientHandshake }

func (pk *ServerToClientHandshake) Marshal(w *PacketBuilder) { w.WriteString(pk.Token) }

func (pk *ServerToClientHandshake) Unmarshal(r *PacketReader) { pk.Token = r.String() }

// ClientToServerHandshake acknowledges the server handshake.
type ClientToServerHandshake struct{}

func (*ClientToServerHandshake) ID() uint32 { return IDClientToServerHandshake }

func (*ClientToServerHandshake) Marshal(*PacketBuilder) {}

func (*ClientToServerHandshake) Unmarshal(*PacketReader) {}

// Disconnect closes the session with an optional on-screen message.
type Disconnect struct {
	Reason          int32
	HideScreen      bool
	Message         string
	FilteredMessage string
}

func (*Disconnect) ID() uint32 { return IDDisconnect }

func (pk *Disconnect) Marshal(w *PacketBuilder) {
	if w.Protocol >= ProtocolDisconnectReason {
		w.WriteVarInt32(pk.Reason)
	}
	w.WriteBool(pk.HideScreen)
	if pk.HideScreen {
		return
	}
	w.WriteString(pk.Message)
	if w.Protocol >= ProtocolDisconnectFiltered {
		w.WriteString(pk.FilteredMessage)
	}
}

func (pk *Disconnect) Unmarshal(r *PacketReader) {
	if r.Protocol >= ProtocolDisconnectReason {
		pk.Reason = r.VarInt32()
	}
	pk.HideScreen = r.Bool()
	if pk.HideScreen {
		return
	}
	pk.Message = r.String()
	if r.Protocol >= ProtocolDisconnectFiltered {
		pk.FilteredMessage = r.String()
	}
}

// PackInfo describes one resource pack offered by the server.
type PackInfo struct {
	UUID    string
	Version string
	Size    uint64
}

// ResourcePacksInfo lists the packs the client must hold.
type ResourcePacksInfo struct {
	MustAccept bool
	HasScripts bool
	Packs      []PackInfo
}

func (*ResourcePacksInfo) ID() uint32 { return IDResourcePacksInfo }

func (pk *ResourcePacksInfo) Marshal(w *PacketBuilder) {
	w.WriteBool(pk.MustAccept).WriteBool(pk.HasScripts).WriteUint16(uint16(len(pk.Packs)))
	for _, p := range pk.Packs {
		w.WriteString(p.UUID).WriteString(p.Version).WriteUint64(p.Size)
	}
}

func (pk *ResourcePacksInfo) Unmarshal(r *PacketReader) {
	pk.MustAccept = r.Bool()
	pk.HasScripts = r.Bool()
	n := int(r.Uint16())
	pk.Packs = nil
	for i := 0; i < n && r.Err() == nil; i++ {
		pk.Packs = append(pk.Packs, PackInfo{UUID: r.String(), Version: r.String(), Size: r.Uint64()})
	}
}

// ResourcePackStack orders the accepted packs.
type ResourcePackStack struct {
	MustAccept  bool
	GameVersion string
}

func (*ResourcePackStack) ID() uint32 { return IDResourcePackStack }

func (pk *ResourcePackStack) Marshal(w *PacketBuilder) {
	w.WriteBool(pk.MustAccept).WriteString(pk.GameVersion)
}

func (pk *ResourcePackStack) Unmarshal(r *PacketReader) {
	pk.MustAccept = r.Bool()
	pk.GameVersion = r.String()
}

// ResourcePackClientResponse answers resource pack negotiation.
type ResourcePackClientResponse struct {
	Response byte
	PackIDs  []string
}

func (*ResourcePackClientResponse) ID() uint32 { return IDResourcePackClientResponse }

func (pk *ResourcePackClientResponse) Marshal(w *PacketBuilder) {
	w.WriteUint8(pk.Response).WriteUint16(uint16(len(pk.PackIDs)))
	for _, id := range pk.PackIDs {
		w.WriteString(id)
	}
}

func (pk *ResourcePackClientResponse) Unmarshal(r *PacketReader) {
	pk.Response = r.Uint8()
	n := int(r.Uint16())
	pk.PackIDs = nil
	for i := 0; i < n && r.Err() == nil; i++ {
		pk.PackIDs = append(pk.PackIDs, r.String())
	}
}

// Text is a chat or system message.
type Text struct {
	Type             byte
	NeedsTranslation bool
	SourceName       string
	Message          string
	XUID             string
	PlatformChatID   string
}

func (*Text) ID() uint32 { return IDText }

func (pk *Text) Marshal(w *PacketBuilder) {
	w.WriteUint8(pk.Type).
		WriteBool(pk.NeedsTranslation).
		WriteString(pk.SourceName).
		WriteString(pk.Message).
		WriteString(pk.XUID).
		WriteString(pk.PlatformChatID)
}

func (pk *Text) Unmarshal(r *PacketReader) {
	pk.Type = r.Uint8()
	pk.NeedsTranslation = r.Bool()
	pk.SourceName = r.String()
	pk.Message = r.String()
	pk.XUID = r.String()
	pk.PlatformChatID = r.String()
}

// StartGame hands the client its entity and world parameters.
type StartGame struct {
	EntityUniqueID  int64
	EntityRuntimeID uint64
	PlayerGameMode  int32
	Position        [3]float32
	Rotation        [2]float32
	Seed            uint64
	LevelID         string
	WorldName       string
	GameVersion     string
}

func (*StartGame) ID() uint32 { return IDStartGame }

func (pk *StartGame) Marshal(w *PacketBuilder) {
	w.WriteVarInt64(pk.EntityUniqueID).
		WriteVarUint64(pk.EntityRuntimeID).
		WriteVarInt32(pk.PlayerGameMode)
	for _, f := range pk.Position {
		w.WriteFloat32(f)
	}
	for _, f := range pk.Rotation {
		w.WriteFloat32(f)
	}
	w.WriteUint64(pk.Seed).
		WriteString(pk.LevelID).
		WriteString(pk.WorldName).
		WriteString(pk.GameVersion)
}

func (pk *StartGame) Unmarshal(r *PacketReader) {
	pk.EntityUniqueID = r.VarInt64()
	pk.EntityRuntimeID = r.VarUint64()
	pk.PlayerGameMode = r.VarInt32()
	for i := range pk.Position {
		pk.Position[i] = r.Float32()
	}
	for i := range pk.Rotation {
		pk.Rotation[i] = r.Float32()
	}
	pk.Seed = r.Uint64()
	pk.LevelID = r.String()
	pk.WorldName = r.String()
	pk.GameVersion = r.String()
}

// RequestChunkRadius asks for a view distance in chunks.
type RequestChunkRadius struct {
	Radius int32
}

func (*RequestChunkRadius) ID() uint32 { return IDRequestChunkRadius }

func (pk *RequestChunkRadius) Marshal(w *PacketBuilder) { w.WriteVarInt32(pk.Radius) }

func (pk *RequestChunkRadius) Unmarshal(r *PacketReader) { pk.Radius = r.VarInt32() }

// ChunkRadiusUpdate confirms the view distance granted by the server.
type ChunkRadiusUpdate struct {
	Radius int32
}

func (*ChunkRadiusUpdate) ID() uint32 { return IDChunkRadiusUpdate }

func (pk *ChunkRadiusUpdate) Marshal(w *PacketBuilder) { w.WriteVarInt32(pk.Radius) }

func (pk *ChunkRadiusUpdate) Unmarshal(r *PacketReader) { pk.Radius = r.VarInt32() }

// SetLocalPlayerAsInitialized is the client's spawn acknowledgement.
type SetLocalPlayerAsInitialized struct {
	EntityRuntimeID uint64
}

func (*SetLocalPlayerAsInitialized) ID() uint32 { return IDSetLocalPlayerAsInitialized }

func (pk *SetLocalPlayerAsInitialized) Marshal(w *PacketBuilder) {
	w.WriteVarUint64(pk.EntityRuntimeID)
}

func (pk *SetLocalPlayerAsInitialized) Unmarshal(r *PacketReader) {
	pk.EntityRuntimeID = r.VarUint64()
}

// ClientCacheStatus tells the server whether the blob cache is supported.
type ClientCacheStatus struct {
	Enabled bool
}

func (*ClientCacheStatus) ID() uint32 { return IDClientCacheStatus }

func (pk *ClientCacheStatus) Marshal(w *PacketBuilder) { w.WriteBool(pk.Enabled) }

func (pk *ClientCacheStatus) Unmarshal(r *PacketReader) { pk.Enabled = r.Bool() }

// Unknown holds a packet whose id has no registered layout.
type Unknown struct {
	PacketID uint32
	Payload  []byte
}

func (pk *Unknown) ID() uint32 { return pk.PacketID }

func (pk *Unknown) Marshal(w *PacketBuilder) { w.WriteBytes(pk.Payload) }

func (pk *Unknown) Unmarshal(r *PacketReader) { pk.Payload = r.Rest() }
