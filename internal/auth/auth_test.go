package auth

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineUUIDIsNameBased(t *testing.T) {
	a := OfflineUUID("Steve")
	assert.Equal(t, a, OfflineUUID("Steve"))
	assert.NotEqual(t, a, OfflineUUID("Alex"))
	assert.Equal(t, 3, int(a.Version()))
}

func TestParseFlow(t *testing.T) {
	f, err := ParseFlow("")
	require.NoError(t, err)
	assert.Equal(t, FlowLive, f)

	f, err = ParseFlow("SISU")
	require.NoError(t, err)
	assert.Equal(t, FlowSisu, f)

	_, err = ParseFlow("carrier")
	assert.ErrorIs(t, err, ErrIdentity)
}

func TestOfflineLoginRoundTrip(t *testing.T) {
	creds, err := OfflineProvider{}.Authenticate(context.Background(), Request{Username: "Steve"})
	require.NoError(t, err)
	assert.Equal(t, OfflineUUID("Steve"), creds.UUID)
	assert.False(t, creds.Expired(time.Now()))

	raw, err := EncodeLoginRequest(creds, map[string]interface{}{"ThirdPartyName": "Steve", "DeviceOS": float64(7)})
	require.NoError(t, err)

	req, err := ParseLoginRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "Steve", req.Profile.Name)
	assert.Equal(t, creds.UUID, req.Profile.UUID)
	assert.Empty(t, req.Profile.XUID)
	assert.Equal(t, "Steve", req.ClientData["ThirdPartyName"])
	assert.Equal(t, float64(7), req.ClientData["DeviceOS"])
}

func TestOfflineRequiresUsername(t *testing.T) {
	_, err := OfflineProvider{}.Authenticate(context.Background(), Request{Username: "  "})
	assert.ErrorIs(t, err, ErrIdentity)
}

func TestParseLoginRequestRejectsForgery(t *testing.T) {
	creds, err := OfflineProvider{}.Authenticate(context.Background(), Request{Username: "Steve"})
	require.NoError(t, err)

	// Client data signed by a key the chain never delegated to.
	other, err := NewKey()
	require.NoError(t, err)
	forged := *creds
	forged.Key = other
	raw, err := EncodeLoginRequest(&forged, nil)
	require.NoError(t, err)
	_, err = ParseLoginRequest(raw)
	assert.ErrorIs(t, err, ErrIdentity)

	_, err = ParseLoginRequest([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrIdentity)

	_, err = EncodeLoginRequest(&Credentials{}, nil)
	assert.ErrorIs(t, err, ErrIdentity)
}

func TestVerifyTokenDetectsTampering(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	token, err := SignToken(key, map[string]string{"name": "Steve"})
	require.NoError(t, err)

	var claims map[string]string
	_, err = VerifyToken(token, &claims)
	require.NoError(t, err)
	assert.Equal(t, "Steve", claims["name"])

	tampered := token[:len(token)-4] + "AAAA"
	_, err = VerifyToken(tampered, nil)
	assert.ErrorIs(t, err, ErrIdentity)
}

func TestCachedProviderSharesAuthentication(t *testing.T) {
	var calls atomic.Int32
	inner := ProviderFunc(func(ctx context.Context, req Request) (*Credentials, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return OfflineProvider{}.Authenticate(ctx, req)
	})
	p := NewCachedProvider(inner, "")

	var wg sync.WaitGroup
	results := make([]*Credentials, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := p.Authenticate(context.Background(), Request{Username: "Steve"})
			assert.NoError(t, err)
			results[i] = creds
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, c := range results {
		assert.Same(t, results[0], c)
	}

	p.Forget("Steve", FlowLive)
	_, err := p.Authenticate(context.Background(), Request{Username: "Steve"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCachedProviderPersistsProfiles(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	inner := ProviderFunc(func(ctx context.Context, req Request) (*Credentials, error) {
		calls.Add(1)
		if req.OnDeviceCode != nil {
			req.OnDeviceCode(DeviceCode{UserCode: "ABCD", VerificationURI: "https://example.invalid/link"})
		}
		return OfflineProvider{}.Authenticate(ctx, req)
	})

	var prompted string
	req := Request{Username: "Alex", Flow: FlowMSAL, OnDeviceCode: func(dc DeviceCode) { prompted = dc.UserCode }}
	first, err := NewCachedProvider(inner, dir).Authenticate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ABCD", prompted)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "msal_Alex.json", entries[0].Name())

	second, err := NewCachedProvider(inner, dir).Authenticate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first.UUID, second.UUID)
	assert.Equal(t, first.Chain, second.Chain)

	raw, err := EncodeLoginRequest(second, nil)
	require.NoError(t, err)
	parsed, err := ParseLoginRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "Alex", parsed.Profile.Name)
}

func TestCachedProviderPropagatesErrors(t *testing.T) {
	boom := errors.New("account service down")
	p := NewCachedProvider(ProviderFunc(func(context.Context, Request) (*Credentials, error) {
		return nil, boom
	}), "")
	_, err := p.Authenticate(context.Background(), Request{Username: "Steve"})
	assert.ErrorIs(t, err, boom)
}
