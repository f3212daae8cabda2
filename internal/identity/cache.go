package identity

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/joelkehle/farmchat/internal/chat"
)

// Cached remembers successful lookups for ttl. Misses and errors always go
// to the underlying provider so new or restored accounts show up promptly.
type Cached struct {
	next  chat.IdentityProvider
	cache *expirable.LRU[string, chat.Participant]
}

func NewCached(next chat.IdentityProvider, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, chat.Participant](size, nil, ttl),
	}
}

func (c *Cached) Resolve(ctx context.Context, id string) (chat.Participant, error) {
	if p, ok := c.cache.Get(id); ok {
		return p, nil
	}
	p, err := c.next.Resolve(ctx, id)
	if err != nil {
		return chat.Participant{}, err
	}
	c.cache.Add(id, p)
	return p, nil
}

// ResolveFresh skips the cache and refreshes it with the provider's answer.
func (c *Cached) ResolveFresh(ctx context.Context, id string) (chat.Participant, error) {
	p, err := c.next.Resolve(ctx, id)
	if err != nil {
		if errors.Is(err, chat.ErrParticipantNotFound) {
			c.cache.Remove(id)
		}
		return chat.Participant{}, err
	}
	c.cache.Add(id, p)
	return p, nil
}

// Forget drops id so the next lookup hits the provider.
func (c *Cached) Forget(id string) {
	c.cache.Remove(id)
}

var (
	_ chat.IdentityProvider = (*Cached)(nil)
	_ chat.FreshResolver    = (*Cached)(nil)
)
