// Package auth is the identity boundary of the client: it obtains the
// credentials a login packet carries and parses them back on the server.
// Online account flows are supplied by an external Provider; the package
// itself ships the offline provider and a caching wrapper.
package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/md5"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrIdentity wraps every identity failure.
var ErrIdentity = errors.New("identity failure")

// Flow selects the account authentication flow.
type Flow string

const (
	FlowLive Flow = "live"
	FlowMSAL Flow = "msal"
	FlowSisu Flow = "sisu"
)

// ParseFlow validates a flow name. The empty name selects live.
func ParseFlow(name string) (Flow, error) {
	switch f := Flow(strings.ToLower(name)); f {
	case "":
		return FlowLive, nil
	case FlowLive, FlowMSAL, FlowSisu:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown flow %q", ErrIdentity, name)
	}
}

// DeviceCode is the prompt of a device-code sign in.
type DeviceCode struct {
	UserCode        string
	VerificationURI string
	Message         string
	ExpiresIn       time.Duration
}

// DeviceCodeFunc is called when a provider needs the user to sign in.
type DeviceCodeFunc func(DeviceCode)

// Request describes the identity a client asks for.
type Request struct {
	Username     string
	Flow         Flow
	AuthTitle    string
	OnDeviceCode DeviceCodeFunc
}

// Credentials are what a login packet is built from.
type Credentials struct {
	Username  string            `json:"username"`
	XUID      string            `json:"xuid"`
	UUID      uuid.UUID         `json:"uuid"`
	Chain     []string          `json:"chain"`
	Key       *ecdsa.PrivateKey `json:"-"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Expired reports whether the credentials are no longer usable at t.
func (c *Credentials) Expired(t time.Time) bool {
	return !c.ExpiresAt.IsZero() && !t.Before(c.ExpiresAt)
}

// Provider obtains credentials.
type Provider interface {
	Authenticate(ctx context.Context, req Request) (*Credentials, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (*Credentials, error)

func (f ProviderFunc) Authenticate(ctx context.Context, req Request) (*Credentials, error) {
	return f(ctx, req)
}

// OfflineTTL is how long offline credentials stay valid.
const OfflineTTL = 24 * time.Hour

// OfflineUUID is the deterministic name-based (version 3) UUID of an offline
// player, derived from "OfflinePlayer:<name>".
func OfflineUUID(name string) uuid.UUID {
	sum := md5.Sum([]byte("OfflinePlayer:" + name))
	sum[6] = sum[6]&0x0f | 0x30
	sum[8] = sum[8]&0x3f | 0x80
	return uuid.UUID(sum)
}

// OfflineProvider issues self-signed credentials without contacting any
// account service.
type OfflineProvider struct{}

func (OfflineProvider) Authenticate(ctx context.Context, req Request) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentity, err)
	}
	if strings.TrimSpace(req.Username) == "" {
		return nil, fmt.Errorf("%w: username required", ErrIdentity)
	}

	key, err := NewKey()
	if err != nil {
		return nil, err
	}
	pub, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	id := OfflineUUID(req.Username)
	token, err := SignToken(key, identityClaims{
		ExtraData: ExtraData{
			DisplayName: req.Username,
			Identity:    id.String(),
		},
		IdentityPublicKey: pub,
		IssuedAt:          now.Unix(),
		NotBefore:         now.Add(-time.Minute).Unix(),
		Expiry:            now.Add(OfflineTTL).Unix(),
	})
	if err != nil {
		return nil, err
	}

	return &Credentials{
		Username:  req.Username,
		UUID:      id,
		Chain:     []string{token},
		Key:       key,
		ExpiresAt: now.Add(OfflineTTL),
	}, nil
}
