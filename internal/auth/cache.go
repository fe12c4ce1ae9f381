package auth

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// CachedProvider remembers the credentials of an inner provider until they
// expire. Concurrent requests for the same identity share one
// authentication. With a profiles folder set, credentials also survive
// restarts as one JSON file per identity.
type CachedProvider struct {
	inner Provider
	cache *gocache.Cache
	group singleflight.Group
	dir   string
}

// NewCachedProvider wraps inner. An empty profilesFolder keeps the cache in
// memory only.
func NewCachedProvider(inner Provider, profilesFolder string) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: gocache.New(gocache.NoExpiration, 10*time.Minute),
		dir:   profilesFolder,
	}
}

type storedProfile struct {
	Credentials
	Key []byte `json:"key"`
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func cacheKey(req Request) string {
	flow := req.Flow
	if flow == "" {
		flow = FlowLive
	}
	return string(flow) + "_" + req.Username
}

// Authenticate returns cached credentials or asks the inner provider.
func (p *CachedProvider) Authenticate(ctx context.Context, req Request) (*Credentials, error) {
	key := cacheKey(req)
	if creds, ok := p.lookup(key); ok {
		return creds, nil
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if creds, ok := p.lookup(key); ok {
			return creds, nil
		}
		if creds, err := p.load(key); err == nil {
			p.remember(key, creds)
			return creds, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("profile", key).Msg("ignoring unreadable cached profile")
		}

		creds, err := p.inner.Authenticate(ctx, req)
		if err != nil {
			return nil, err
		}
		p.remember(key, creds)
		if err := p.store(key, creds); err != nil {
			log.Warn().Err(err).Str("profile", key).Msg("failed to persist profile")
		}
		return creds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credentials), nil
}

// Forget drops the cached credentials of an identity, on disk as well.
func (p *CachedProvider) Forget(username string, flow Flow) {
	key := cacheKey(Request{Username: username, Flow: flow})
	p.cache.Delete(key)
	if p.dir != "" {
		_ = os.Remove(p.path(key))
	}
}

func (p *CachedProvider) lookup(key string) (*Credentials, bool) {
	v, ok := p.cache.Get(key)
	if !ok {
		return nil, false
	}
	creds := v.(*Credentials)
	if creds.Expired(time.Now()) {
		p.cache.Delete(key)
		return nil, false
	}
	return creds, true
}

func (p *CachedProvider) remember(key string, creds *Credentials) {
	ttl := gocache.NoExpiration
	if !creds.ExpiresAt.IsZero() {
		ttl = time.Until(creds.ExpiresAt)
	}
	p.cache.Set(key, creds, ttl)
}

func (p *CachedProvider) path(key string) string {
	return filepath.Join(p.dir, unsafeChars.ReplaceAllString(key, "_")+".json")
}

func (p *CachedProvider) load(key string) (*Credentials, error) {
	if p.dir == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(p.path(key))
	if err != nil {
		return nil, err
	}
	var sp storedProfile
	if err := json.Unmarshal(data, &sp); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if sp.Expired(time.Now()) {
		return nil, os.ErrNotExist
	}
	k, err := x509.ParseECPrivateKey(sp.Key)
	if err != nil {
		return nil, fmt.Errorf("decode profile key: %w", err)
	}
	creds := sp.Credentials
	creds.Key = k
	return &creds, nil
}

func (p *CachedProvider) store(key string, creds *Credentials) error {
	if p.dir == "" || creds.Key == nil {
		return nil
	}
	der, err := x509.MarshalECPrivateKey(creds.Key)
	if err != nil {
		return fmt.Errorf("encode profile key: %w", err)
	}
	data, err := json.MarshalIndent(storedProfile{Credentials: *creds, Key: der}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return fmt.Errorf("create profiles folder: %w", err)
	}
	return os.WriteFile(p.path(key), data, 0600)
}
