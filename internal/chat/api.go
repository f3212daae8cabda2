package chat

import (
	"context"
	"errors"
	"time"
)

// API is the service interface used by the HTTP layer.
type API interface {
	Send(ctx context.Context, input SendInput) (*Message, bool, error)
	ListConversations(ctx context.Context, input ListConversationsInput) (ConversationPage, error)
	ListMessages(ctx context.Context, input ListMessagesInput) (MessagePage, error)
	MarkRead(ctx context.Context, viewer string, key ConversationKey) (int, error)
	MarkAllRead(ctx context.Context, viewer string) (int, error)
	Participant(ctx context.Context, id string) (Participant, error)
	Health(ctx context.Context) map[string]any
}

// Store is the durable message log. It is the single source of truth:
// conversation summaries and read watermarks are derived from it.
//
// Implementations must make MarkRead and MarkDelivered conditional per row
// (only rows whose timestamp is still unset are touched) so concurrent
// callers never double count.
type Store interface {
	// Append stores m. When m carries an idempotency token that the same
	// sender already used, the existing message is returned with dup=true.
	Append(ctx context.Context, m Message) (stored Message, dup bool, err error)
	FindByToken(ctx context.Context, senderID, token string) (Message, bool, error)
	Get(ctx context.Context, id string) (Message, error)
	// ConversationHeads aggregates the viewer's conversations newest first,
	// skipping conversations whose last message id is >= before.
	ConversationHeads(ctx context.Context, viewer, before string, limit int) ([]ConversationHead, error)
	// ListMessages returns one conversation oldest to newest.
	ListMessages(ctx context.Context, key ConversationKey, q MessageQuery) ([]Message, error)
	// MarkRead sets read_at on unread messages addressed to viewer created at
	// or before through, and advances the viewer's watermark.
	MarkRead(ctx context.Context, viewer string, key ConversationKey, through time.Time) (int, error)
	MarkAllRead(ctx context.Context, viewer string, through time.Time) (map[ConversationKey]int, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	Watermark(ctx context.Context, viewer string, key ConversationKey) (time.Time, bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Publisher pushes events to live subscribers. Publishing is best effort:
// a recipient with no live connection is not an error.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// IdentityProvider resolves participant ids owned by the host platform.
// Unknown ids must be reported with ErrParticipantNotFound; any other error
// is treated as the provider being temporarily unavailable.
type IdentityProvider interface {
	Resolve(ctx context.Context, id string) (Participant, error)
}

var ErrParticipantNotFound = errors.New("participant not found")

// FreshResolver is implemented by providers that cache lookups. ResolveFresh
// always asks the source of truth, so a removed account is not found at once.
type FreshResolver interface {
	ResolveFresh(ctx context.Context, id string) (Participant, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
