package chat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// idGenerator hands out strictly increasing timestamps so that message ids
// sort in creation order even when the clock does not advance between calls.
// Ids are "m-<unix nanos, zero padded>-<node>"; the node tag keeps ids from
// different processes sharing one database apart.
type idGenerator struct {
	mu   sync.Mutex
	last time.Time
	node string
}

func newIDGenerator() *idGenerator {
	return &idGenerator{node: strings.ReplaceAll(uuid.NewString(), "-", "")[:8]}
}

func (g *idGenerator) Next(now time.Time) (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := now.UTC()
	if !t.After(g.last) {
		t = g.last.Add(time.Nanosecond)
	}
	g.last = t
	return fmt.Sprintf("m-%020d-%s", t.UnixNano(), g.node), t
}

// Fence returns a boundary that every id issued before the call is at or
// below and every id issued after it is strictly above.
func (g *idGenerator) Fence(now time.Time) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := now.UTC()
	if t.Before(g.last) {
		t = g.last
	}
	g.last = t
	return t
}
