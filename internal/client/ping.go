package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/energizer-project/bedrock/internal/advertisement"
	"github.com/energizer-project/bedrock/internal/transport"
)

// DefaultPingTTL is how long a Pinger reuses an advertisement.
const DefaultPingTTL = 5 * time.Second

// Ping asks the server at host:port for its advertisement. It does not
// open a session and bypasses any batching.
func Ping(ctx context.Context, backend transport.Backend, host string, port int) (advertisement.Advertisement, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))
	start := time.Now()

	raw, err := backend.Ping(ctx, address)
	if err != nil {
		return advertisement.Advertisement{}, fmt.Errorf("ping %s: %w", address, err)
	}
	ad, err := advertisement.Parse(raw)
	if err != nil {
		return advertisement.Advertisement{}, fmt.Errorf("ping %s: %w", address, err)
	}

	log.Debug().
		Str("address", address).
		Str("motd", ad.MOTD).
		Str("version", ad.Version).
		Dur("rtt", time.Since(start)).
		Msg("ping answered")
	return ad, nil
}

// Pinger caches advertisements per address. Concurrent pings of the same
// address share one round trip.
type Pinger struct {
	backend transport.Backend
	cache   *gocache.Cache
	group   singleflight.Group
}

// NewPinger creates a Pinger keeping answers for ttl.
func NewPinger(backend transport.Backend, ttl time.Duration) *Pinger {
	if ttl <= 0 {
		ttl = DefaultPingTTL
	}
	return &Pinger{
		backend: backend,
		cache:   gocache.New(ttl, 2*ttl),
	}
}

// Ping returns a cached advertisement or pings the server.
func (p *Pinger) Ping(ctx context.Context, host string, port int) (advertisement.Advertisement, error) {
	key := net.JoinHostPort(host, strconv.Itoa(port))
	if v, ok := p.cache.Get(key); ok {
		return v.(advertisement.Advertisement), nil
	}

	v, err, shared := p.group.Do(key, func() (interface{}, error) {
		ad, err := Ping(ctx, p.backend, host, port)
		if err != nil {
			return nil, err
		}
		p.cache.SetDefault(key, ad)
		return ad, nil
	})
	if err != nil {
		return advertisement.Advertisement{}, err
	}
	if shared {
		log.Trace().Str("address", key).Msg("ping shared")
	}
	return v.(advertisement.Advertisement), nil
}

// Invalidate drops the cached answer for host:port.
func (p *Pinger) Invalidate(host string, port int) {
	p.cache.Delete(net.JoinHostPort(host, strconv.Itoa(port)))
}
