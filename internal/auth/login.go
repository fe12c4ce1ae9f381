package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/energizer-project/bedrock/internal/protocol"
)

// ExtraData is the player identity carried by a chain token.
type ExtraData struct {
	DisplayName string `json:"displayName"`
	Identity    string `json:"identity"`
	XUID        string `json:"XUID"`
	TitleID     string `json:"titleId,omitempty"`
}

type identityClaims struct {
	ExtraData         ExtraData `json:"extraData"`
	IdentityPublicKey string    `json:"identityPublicKey"`
	IssuedAt          int64     `json:"iat"`
	NotBefore         int64     `json:"nbf"`
	Expiry            int64     `json:"exp"`
}

type chainEnvelope struct {
	Chain []string `json:"chain"`
}

// Profile is the verified identity of a logged in player.
type Profile struct {
	Name string    `json:"name"`
	XUID string    `json:"xuid"`
	UUID uuid.UUID `json:"uuid"`
}

// LoginRequest is the decoded connection request of a login packet.
type LoginRequest struct {
	Profile    Profile
	ClientData map[string]interface{}
}

// EncodeLoginRequest builds the connection request of a login packet: the
// identity chain followed by client data signed with the chain's final key.
func EncodeLoginRequest(creds *Credentials, clientData map[string]interface{}) ([]byte, error) {
	if creds == nil || creds.Key == nil || len(creds.Chain) == 0 {
		return nil, fmt.Errorf("%w: incomplete credentials", ErrIdentity)
	}
	chain, err := json.Marshal(chainEnvelope{Chain: creds.Chain})
	if err != nil {
		return nil, fmt.Errorf("%w: chain: %v", ErrIdentity, err)
	}
	if clientData == nil {
		clientData = map[string]interface{}{}
	}
	data, err := SignToken(creds.Key, clientData)
	if err != nil {
		return nil, err
	}

	w := protocol.NewPacketBuilder(0)
	w.WriteUint32(uint32(len(chain))).WriteBytes(chain)
	w.WriteUint32(uint32(len(data))).WriteBytes([]byte(data))
	return w.Build(), nil
}

// ParseLoginRequest verifies the identity chain of a connection request and
// returns the player it names. Each token must be signed by the key the
// previous token delegated to, and the client data by the last one.
func ParseLoginRequest(raw []byte) (*LoginRequest, error) {
	r := protocol.NewPacketReader(raw, 0)
	chain := r.Bytes(int(r.Uint32()))
	data := r.Bytes(int(r.Uint32()))
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: connection request: %v", ErrIdentity, err)
	}

	var env chainEnvelope
	if err := json.Unmarshal(chain, &env); err != nil {
		return nil, fmt.Errorf("%w: chain: %v", ErrIdentity, err)
	}
	if len(env.Chain) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrIdentity)
	}

	now := time.Now().Unix()
	var (
		extra     *ExtraData
		delegated string
	)
	for i, token := range env.Chain {
		var claims identityClaims
		pub, err := VerifyToken(token, &claims)
		if err != nil {
			return nil, fmt.Errorf("chain token %d: %w", i, err)
		}
		if delegated != "" {
			signer, err := EncodePublicKey(pub)
			if err != nil {
				return nil, err
			}
			if signer != delegated {
				return nil, fmt.Errorf("%w: chain token %d not signed by delegated key", ErrIdentity, i)
			}
		}
		if claims.Expiry != 0 && now >= claims.Expiry {
			return nil, fmt.Errorf("%w: chain token %d expired", ErrIdentity, i)
		}
		if claims.ExtraData.DisplayName != "" {
			e := claims.ExtraData
			extra = &e
		}
		delegated = claims.IdentityPublicKey
	}
	if extra == nil {
		return nil, fmt.Errorf("%w: chain carries no identity", ErrIdentity)
	}

	clientData := map[string]interface{}{}
	pub, err := VerifyToken(string(data), &clientData)
	if err != nil {
		return nil, fmt.Errorf("client data: %w", err)
	}
	signer, err := EncodePublicKey(pub)
	if err != nil {
		return nil, err
	}
	if signer != delegated {
		return nil, fmt.Errorf("%w: client data not signed by identity key", ErrIdentity)
	}

	id, err := uuid.Parse(extra.Identity)
	if err != nil {
		return nil, fmt.Errorf("%w: identity %q: %v", ErrIdentity, extra.Identity, err)
	}
	return &LoginRequest{
		Profile:    Profile{Name: extra.DisplayName, XUID: extra.XUID, UUID: id},
		ClientData: clientData,
	}, nil
}
