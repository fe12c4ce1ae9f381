package protocol

import (
	"fmt"
	"sync"
)

// Codec maps packet ids to packet constructors and converts packets to and
// from their header-prefixed binary form.
type Codec struct {
	mu       sync.RWMutex
	registry map[uint32]func() Packet
}

// NewCodec returns a codec with every built-in packet registered.
func NewCodec() *Codec {
	c := &Codec{registry: make(map[uint32]func() Packet)}
	c.Register(IDLogin, func() Packet { return &Login{} })
	c.Register(IDPlayStatus, func() Packet { return &PlayStatusPacket{} })
	c.Register(IDServerToClientHandshake, func() Packet { return &ServerToClientHandshake{} })
	c.Register(IDClientToServerHandshake, func() Packet { return &ClientToServerHandshake{} })
	c.Register(IDDisconnect, func() Packet { return &Disconnect{} })
	c.Register(IDResourcePacksInfo, func() Packet { return &ResourcePacksInfo{} })
	c.Register(IDResourcePackStack, func() Packet { return &ResourcePackStack{} })
	c.Register(IDResourcePackClientResponse, func() Packet { return &ResourcePackClientResponse{} })
	c.Register(IDText, func() Packet { return &Text{} })
	c.Register(IDStartGame, func() Packet { return &StartGame{} })
	c.Register(IDRequestChunkRadius, func() Packet { return &RequestChunkRadius{} })
	c.Register(IDChunkRadiusUpdate, func() Packet { return &ChunkRadiusUpdate{} })
	c.Register(IDSetLocalPlayerAsInitialized, func() Packet { return &SetLocalPlayerAsInitialized{} })
	c.Register(IDClientCacheStatus, func() Packet { return &ClientCacheStatus{} })
	c.Register(IDNetworkSettings, func() Packet { return &NetworkSettings{} })
	c.Register(IDRequestNetworkSettings, func() Packet { return &RequestNetworkSettings{} })
	return c
}

// Register adds or replaces the constructor for a packet id.
func (c *Codec) Register(id uint32, fn func() Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry[id] = fn
}

// Registered reports whether id has a known layout.
func (c *Codec) Registered(id uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.registry[id]
	return ok
}

// Encode writes the varuint32 packet id followed by the packet body.
func (c *Codec) Encode(pk Packet, protocol int) []byte {
	b := NewPacketBuilder(protocol)
	b.WriteVarUint32(pk.ID())
	pk.Marshal(b)
	return b.Build()
}

// Decode reads one header-prefixed packet. Ids without a registered layout
// decode to *Unknown. Trailing bytes after a known layout are rejected.
func (c *Codec) Decode(data []byte, protocol int) (Packet, error) {
	r := NewPacketReader(data, protocol)
	id := r.VarUint32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("packet header: %w", err)
	}

	c.mu.RLock()
	fn, ok := c.registry[id]
	c.mu.RUnlock()

	var pk Packet
	if ok {
		pk = fn()
	} else {
		pk = &Unknown{PacketID: id}
	}
	pk.Unmarshal(r)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("packet 0x%x: %w", id, err)
	}
	if r.Remaining() > 0 {
		return nil, fmt.Errorf("packet 0x%x: %w: %d trailing bytes", id, ErrMalformedPacket, r.Remaining())
	}
	return pk, nil
}

// PeekID returns the packet id of an encoded packet without decoding it.
func PeekID(data []byte) (uint32, error) {
	r := NewPacketReader(data, 0)
	id := r.VarUint32()
	return id, r.Err()
}
