package client

import (
	"context"
	"errors"

	"github.com/energizer-project/bedrock/internal/config"
)

// ErrRealmUnresolved is returned when a realm is requested but no resolver
// can turn it into an address.
var ErrRealmUnresolved = errors.New("realm could not be resolved")

// RealmResolver turns a realm id or invite into the address of the server
// hosting it. Looking realms up needs an authenticated account service,
// which lives outside this module.
type RealmResolver interface {
	Resolve(ctx context.Context, realm config.RealmsConfig) (host string, port int, err error)
}

// RealmResolverFunc adapts a function to RealmResolver.
type RealmResolverFunc func(ctx context.Context, realm config.RealmsConfig) (string, int, error)

func (f RealmResolverFunc) Resolve(ctx context.Context, realm config.RealmsConfig) (string, int, error) {
	return f(ctx, realm)
}

func realmRequested(r config.RealmsConfig) bool {
	return r.RealmID != "" || r.RealmInvite != ""
}
