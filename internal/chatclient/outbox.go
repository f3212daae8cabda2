package chatclient

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joelkehle/farmchat/internal/chat"
)

type EntryState string

const (
	EntryPending EntryState = "pending"
	EntryFailed  EntryState = "failed"
)

// Entry is a locally composed message that the server has not confirmed yet.
type Entry struct {
	LocalID     string
	Token       string
	SenderID    string
	RecipientID string
	ContextID   string
	Body        chat.Body
	CreatedAt   time.Time
	State       EntryState
	Err         string
}

// Outbox holds optimistic messages for one sender until a server message
// replaces them. Correlation is by idempotency token, falling back to
// matching sender, recipient, body and a creation time within Window.
type Outbox struct {
	SenderID string
	Window   time.Duration
	Clock    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

func NewOutbox(senderID string, window time.Duration) *Outbox {
	if window <= 0 {
		window = time.Minute
	}
	return &Outbox{
		SenderID: senderID,
		Window:   window,
		Clock:    time.Now,
		entries:  map[string]*Entry{},
	}
}

// Add records a pending entry and returns it. A missing token is generated.
func (o *Outbox) Add(req SendRequest) Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if req.IdempotencyToken == "" {
		req.IdempotencyToken = uuid.NewString()
	}
	if existing, ok := o.entries[req.IdempotencyToken]; ok {
		return *existing
	}
	e := &Entry{
		LocalID:     "local-" + uuid.NewString(),
		Token:       req.IdempotencyToken,
		SenderID:    o.SenderID,
		RecipientID: req.RecipientID,
		ContextID:   req.ContextID,
		Body:        chat.Body{Text: req.Text, MediaRef: req.MediaRef},
		CreatedAt:   o.Clock().UTC(),
		State:       EntryPending,
	}
	o.entries[e.Token] = e
	return *e
}

func (o *Outbox) Fail(token string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[token]; ok {
		e.State = EntryFailed
		if err != nil {
			e.Err = err.Error()
		}
	}
}

// Discard drops an entry the user gave up on.
func (o *Outbox) Discard(token string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.entries[token]
	delete(o.entries, token)
	return ok
}

// Entries returns unconfirmed entries oldest first.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sortedLocked()
}

func (o *Outbox) sortedLocked() []Entry {
	out := make([]Entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Reconcile removes every entry that one of the server messages confirms and
// returns how many were replaced. Each server message confirms at most one
// entry.
func (o *Outbox) Reconcile(server []chat.Message) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	claimed := make([]bool, len(server))
	replaced := 0

	for i, m := range server {
		if m.SenderID != o.SenderID || m.IdempotencyToken == "" {
			continue
		}
		if _, ok := o.entries[m.IdempotencyToken]; ok {
			delete(o.entries, m.IdempotencyToken)
			claimed[i] = true
			replaced++
		}
	}

	for _, e := range o.sortedLocked() {
		best := -1
		var bestGap time.Duration
		for i, m := range server {
			if claimed[i] || !o.matches(e, m) {
				continue
			}
			gap := absDuration(m.CreatedAt.Sub(e.CreatedAt))
			if best < 0 || gap < bestGap {
				best, bestGap = i, gap
			}
		}
		if best >= 0 {
			claimed[best] = true
			delete(o.entries, e.Token)
			replaced++
		}
	}
	return replaced
}

func (o *Outbox) matches(e Entry, m chat.Message) bool {
	if m.SenderID != e.SenderID || m.RecipientID != e.RecipientID || m.Body != e.Body {
		return false
	}
	// A message with a different token belongs to another entry.
	if m.IdempotencyToken != "" && m.IdempotencyToken != e.Token {
		return false
	}
	return absDuration(m.CreatedAt.Sub(e.CreatedAt)) <= o.Window
}

// Merge overlays unconfirmed entries for one conversation onto the server
// thread, oldest first. Entries are rendered with their local id and no
// delivery state.
func (o *Outbox) Merge(key chat.ConversationKey, server []chat.Message) []chat.Message {
	o.Reconcile(server)
	out := append([]chat.Message(nil), server...)
	for _, e := range o.Entries() {
		k, err := chat.ResolveKey(e.SenderID, e.RecipientID, e.ContextID)
		if err != nil || k != key {
			continue
		}
		out = append(out, chat.Message{
			ID:               e.LocalID,
			ConversationKey:  k,
			SenderID:         e.SenderID,
			RecipientID:      e.RecipientID,
			Body:             e.Body,
			ContextID:        e.ContextID,
			IdempotencyToken: e.Token,
			CreatedAt:        e.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Flush sends every unconfirmed entry with its own token. Confirmed entries
// leave the outbox; failures stay visible as failed. It returns the first
// error encountered.
func (o *Outbox) Flush(ctx context.Context, c *Client) error {
	var first error
	for _, e := range o.Entries() {
		res, err := c.Send(ctx, SendRequest{
			RecipientID:      e.RecipientID,
			Text:             e.Body.Text,
			MediaRef:         e.Body.MediaRef,
			ContextID:        e.ContextID,
			IdempotencyToken: e.Token,
		})
		if err != nil {
			o.Fail(e.Token, err)
			if first == nil {
				first = err
			}
			continue
		}
		o.Reconcile([]chat.Message{res.Message})
	}
	return first
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
