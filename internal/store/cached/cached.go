// Package cached wraps a store.Store with the kernel's channel cache,
// short-circuiting the HTTP surface's channel lookups. Engine write
// paths always read the channel through their own store.Tx, which this
// wrapper never touches, so commit/modify/resolve keep seeing the
// latest row under lock regardless of cache staleness here.
package cached

import (
	"context"

	"github.com/omniman/kernel/internal/cache"
	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/store"
)

// Store decorates a store.Store's read-only channel lookups with an
// in-process TTL cache. Every other method passes straight through.
type Store struct {
	store.Store
	channels *cache.ChannelCache
}

// New wraps inner with the given channel cache.
func New(inner store.Store, channels *cache.ChannelCache) *Store {
	return &Store{Store: inner, channels: channels}
}

func (s *Store) GetChannelByCode(ctx context.Context, code string) (*domain.Channel, error) {
	if c, ok := s.channels.Get(code); ok {
		return &c, nil
	}
	c, err := s.Store.GetChannelByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.channels.Set(*c)
	return c, nil
}

// Invalidate drops a channel's cached entry. Call after any
// out-of-band update to the channels table (there is no admin-write
// path in this kernel yet, so this exists for operators driving schema
// changes directly against Postgres).
func (s *Store) Invalidate(code string) {
	s.channels.Invalidate(code)
}
