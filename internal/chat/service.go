package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/joelkehle/farmchat/internal/preview"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	StoreTimeout        time.Duration
	MaxBodyRunes        int
	MaxMediaRefLen      int
	MaxTokenLen         int
	DefaultPageSize     int
	MaxPageSize         int
	DefaultMessageLimit int
	MaxMessageLimit     int
	PreviewRunes        int
	// SendRate is messages per second per sender. Negative disables limiting.
	SendRate        float64
	SendBurst       int
	LimiterEntries  int
	LimiterTTL      time.Duration
	DispatchQueue   int
	DispatchWorkers int
	PublishTimeout  time.Duration
	Clock           func() time.Time
}

type Deps struct {
	Store     Store
	Identity  IdentityProvider
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *Metrics
	Tracer    trace.Tracer
}

// Service is the send pipeline, conversation aggregator and read-state
// tracker on top of a Store.
type Service struct {
	cfg      Config
	store    Store
	identity IdentityProvider
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	ids      *idGenerator
	dispatch *dispatcher

	limitMu  sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if deps.Identity == nil {
		return nil, errors.New("chat: identity provider is required")
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.MaxBodyRunes <= 0 {
		cfg.MaxBodyRunes = 4000
	}
	if cfg.MaxMediaRefLen <= 0 {
		cfg.MaxMediaRefLen = 1024
	}
	if cfg.MaxTokenLen <= 0 {
		cfg.MaxTokenLen = 128
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	if cfg.DefaultMessageLimit <= 0 {
		cfg.DefaultMessageLimit = 50
	}
	if cfg.MaxMessageLimit <= 0 {
		cfg.MaxMessageLimit = 200
	}
	if cfg.PreviewRunes <= 0 {
		cfg.PreviewRunes = preview.DefaultRunes
	}
	if cfg.SendRate == 0 {
		cfg.SendRate = 5
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 20
	}
	if cfg.LimiterEntries <= 0 {
		cfg.LimiterEntries = 10000
	}
	if cfg.LimiterTTL <= 0 {
		cfg.LimiterTTL = 10 * time.Minute
	}
	if cfg.DispatchQueue <= 0 {
		cfg.DispatchQueue = 1024
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 4
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/joelkehle/farmchat/internal/chat")
	}

	logger := deps.Logger.Named("service")
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		identity: deps.Identity,
		logger:   logger,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		ids:      newIDGenerator(),
		dispatch: newDispatcher(deps.Publisher, cfg.DispatchQueue, cfg.DispatchWorkers, cfg.PublishTimeout, logger.Named("dispatch"), deps.Metrics),
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.LimiterEntries, nil, cfg.LimiterTTL),
	}, nil
}

func (s *Service) now() time.Time {
	return s.cfg.Clock().UTC()
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "chat."+name, trace.WithAttributes(attrs...))
}

func (s *Service) finish(span trace.Span, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
		s.metrics.failure(op, err)
	}
	span.End()
}

func (s *Service) Send(ctx context.Context, input SendInput) (_ *Message, _ bool, err error) {
	start := time.Now()
	ctx, span := s.startSpan(ctx, "send",
		attribute.String("chat.sender", input.SenderID),
		attribute.String("chat.recipient", input.RecipientID))
	defer func() { s.finish(span, "send", err) }()

	input.SenderID = strings.TrimSpace(input.SenderID)
	input.RecipientID = strings.TrimSpace(input.RecipientID)
	input.ContextID = strings.TrimSpace(input.ContextID)
	input.Body.MediaRef = strings.TrimSpace(input.Body.MediaRef)
	input.IdempotencyToken = strings.TrimSpace(input.IdempotencyToken)

	if input.SenderID == "" {
		return nil, false, NewValidationError("sender_id is required")
	}
	if input.RecipientID == "" {
		return nil, false, NewValidationError("recipient_id is required")
	}
	if input.SenderID == input.RecipientID {
		return nil, false, NewValidationError("cannot send a message to yourself")
	}
	if strings.TrimSpace(input.Body.Text) == "" && input.Body.MediaRef == "" {
		return nil, false, NewValidationError("body requires text or media_ref")
	}
	if !utf8.ValidString(input.Body.Text) || !utf8.ValidString(input.Body.MediaRef) {
		return nil, false, NewValidationError("body must be valid UTF-8")
	}
	if utf8.RuneCountInString(input.Body.Text) > s.cfg.MaxBodyRunes {
		return nil, false, NewValidationError("text is too long")
	}
	if len(input.Body.MediaRef) > s.cfg.MaxMediaRefLen {
		return nil, false, NewValidationError("media_ref is too long")
	}
	if len(input.IdempotencyToken) > s.cfg.MaxTokenLen {
		return nil, false, NewValidationError("idempotency_token is too long")
	}
	key, err := ResolveKey(input.SenderID, input.RecipientID, input.ContextID)
	if err != nil {
		return nil, false, err
	}

	if input.IdempotencyToken != "" {
		sctx, cancel := s.storeCtx(ctx)
		existing, ok, ferr := s.store.FindByToken(sctx, input.SenderID, input.IdempotencyToken)
		cancel()
		if ferr != nil {
			return nil, false, StoreError("lookup idempotency token", ferr)
		}
		if ok {
			s.metrics.duplicate()
			span.SetAttributes(attribute.Bool("chat.duplicate", true))
			return &existing, true, nil
		}
	}

	if _, err := s.identity.Resolve(ctx, input.SenderID); err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return nil, false, NewUnauthorizedError("unknown sender")
		}
		return nil, false, identityUnavailable(err)
	}
	if _, err := s.resolveFresh(ctx, input.RecipientID); err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return nil, false, NewNotFoundError("recipient not found")
		}
		return nil, false, identityUnavailable(err)
	}
	if err := s.allowSend(input.SenderID); err != nil {
		return nil, false, err
	}

	id, createdAt := s.ids.Next(s.now())
	m := Message{
		ID:               id,
		ConversationKey:  key,
		SenderID:         input.SenderID,
		RecipientID:      input.RecipientID,
		Body:             input.Body,
		ContextID:        input.ContextID,
		IdempotencyToken: input.IdempotencyToken,
		CreatedAt:        createdAt,
	}
	sctx, cancel := s.storeCtx(ctx)
	stored, dup, err := s.store.Append(sctx, m)
	cancel()
	if err != nil {
		s.logger.Warn("append failed", zap.String("sender", m.SenderID), zap.String("conversation_key", string(key)), zap.Error(err))
		return nil, false, StoreError("store message", err)
	}
	if dup {
		s.metrics.duplicate()
		return &stored, true, nil
	}

	s.metrics.sent()
	s.metrics.observeSend(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("chat.message_id", stored.ID))
	s.dispatch.enqueue(Event{
		Type:            EventNewMessage,
		Recipient:       stored.RecipientID,
		ConversationKey: stored.ConversationKey,
		MessageID:       stored.ID,
		SenderID:        stored.SenderID,
		MessagePreview:  preview.ForBody(stored.Body.Text, stored.Body.MediaRef, s.cfg.PreviewRunes),
		At:              stored.CreatedAt,
	})
	return &stored, false, nil
}

// resolveFresh bypasses identity caches. Sends must not reach deleted accounts.
func (s *Service) resolveFresh(ctx context.Context, id string) (Participant, error) {
	if fr, ok := s.identity.(FreshResolver); ok {
		return fr.ResolveFresh(ctx, id)
	}
	return s.identity.Resolve(ctx, id)
}

func identityUnavailable(err error) error {
	e := newError(CodeUnavailable, "identity provider unavailable", true, time.Second)
	e.Err = err
	return e
}

func (s *Service) allowSend(sender string) error {
	if s.cfg.SendRate < 0 {
		return nil
	}
	s.limitMu.Lock()
	lim, ok := s.limiters.Get(sender)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.SendRate), s.cfg.SendBurst)
		s.limiters.Add(sender, lim)
	}
	s.limitMu.Unlock()
	if lim.AllowN(s.now(), 1) {
		return nil
	}
	retry := time.Duration(float64(time.Second) / s.cfg.SendRate)
	return newError(CodeRateLimited, "too many messages, slow down", true, retry)
}

func (s *Service) clampPage(size int) int {
	if size <= 0 {
		return s.cfg.DefaultPageSize
	}
	if size > s.cfg.MaxPageSize {
		return s.cfg.MaxPageSize
	}
	return size
}

func (s *Service) ListConversations(ctx context.Context, input ListConversationsInput) (_ ConversationPage, err error) {
	ctx, span := s.startSpan(ctx, "list_conversations", attribute.String("chat.viewer", input.Viewer))
	defer func() { s.finish(span, "list_conversations", err) }()

	viewer := strings.TrimSpace(input.Viewer)
	if viewer == "" {
		return ConversationPage{}, NewValidationError("viewer is required")
	}
	cursor, err := decodeCursor(input.PageToken)
	if err != nil {
		return ConversationPage{}, err
	}
	size := s.clampPage(input.PageSize)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	heads, err := s.store.ConversationHeads(sctx, viewer, cursor.Before, size+1)
	if err != nil {
		return ConversationPage{}, StoreError("list conversations", err)
	}

	page := ConversationPage{Conversations: make([]ConversationSummary, 0, min(len(heads), size))}
	for i, h := range heads {
		if i == size {
			page.NextPageToken = encodeCursor(cursorPayload{Before: heads[size-1].LastMessage.ID})
			break
		}
		summary := ConversationSummary{
			Key:          h.Key,
			ContextID:    h.LastMessage.ContextID,
			Counterpart:  s.counterpart(ctx, h.Counterpart),
			LastMessage:  h.LastMessage,
			Preview:      preview.ForBody(h.LastMessage.Body.Text, h.LastMessage.Body.MediaRef, s.cfg.PreviewRunes),
			UnreadCount:  h.UnreadCount,
			LastActivity: h.LastMessage.CreatedAt,
		}
		through, ok, werr := s.store.Watermark(sctx, viewer, h.Key)
		if werr != nil {
			return ConversationPage{}, StoreError("load read watermark", werr)
		}
		if ok {
			summary.ReadThrough = &through
		}
		page.Conversations = append(page.Conversations, summary)
	}
	span.SetAttributes(attribute.Int("chat.conversations", len(page.Conversations)))
	return page, nil
}

// counterpart never fails: history stays visible with a placeholder when the
// identity provider cannot resolve the id.
func (s *Service) counterpart(ctx context.Context, id string) Participant {
	p, err := s.identity.Resolve(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrParticipantNotFound) {
			s.logger.Warn("counterpart lookup failed", zap.String("participant", id), zap.Error(err))
		}
		return Placeholder(id)
	}
	if p.ID == "" {
		p.ID = id
	}
	return p
}

func (s *Service) authorizeKey(viewer string, key ConversationKey) (ParsedKey, error) {
	if strings.TrimSpace(viewer) == "" {
		return ParsedKey{}, NewValidationError("viewer is required")
	}
	parsed, err := ParseKey(key)
	if err != nil {
		return ParsedKey{}, err
	}
	if !parsed.Has(viewer) {
		return ParsedKey{}, NewNotFoundError("conversation not found")
	}
	return parsed, nil
}

func (s *Service) ListMessages(ctx context.Context, input ListMessagesInput) (_ MessagePage, err error) {
	ctx, span := s.startSpan(ctx, "list_messages",
		attribute.String("chat.viewer", input.Viewer),
		attribute.String("chat.conversation_key", string(input.Key)))
	defer func() { s.finish(span, "list_messages", err) }()

	if _, err := s.authorizeKey(input.Viewer, input.Key); err != nil {
		return MessagePage{}, err
	}
	cursor, err := decodeCursor(input.Cursor)
	if err != nil {
		return MessagePage{}, err
	}
	limit := input.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultMessageLimit
	}
	if limit > s.cfg.MaxMessageLimit {
		limit = s.cfg.MaxMessageLimit
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	msgs, err := s.store.ListMessages(sctx, input.Key, MessageQuery{Since: input.Since, AfterID: cursor.After, Limit: limit + 1})
	if err != nil {
		return MessagePage{}, StoreError("list messages", err)
	}
	page := MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.NextCursor = encodeCursor(cursorPayload{After: msgs[limit-1].ID})
	}
	return page, nil
}

// MarkRead marks the viewer's unread messages in one conversation. Messages
// stored after the call started are never touched.
func (s *Service) MarkRead(ctx context.Context, viewer string, key ConversationKey) (_ int, err error) {
	ctx, span := s.startSpan(ctx, "mark_read",
		attribute.String("chat.viewer", viewer),
		attribute.String("chat.conversation_key", string(key)))
	defer func() { s.finish(span, "mark_read", err) }()

	parsed, err := s.authorizeKey(viewer, key)
	if err != nil {
		return 0, err
	}
	through := s.ids.Fence(s.now())

	sctx, cancel := s.storeCtx(ctx)
	n, err := s.store.MarkRead(sctx, viewer, key, through)
	cancel()
	if err != nil {
		return 0, StoreError("mark read", err)
	}
	s.metrics.markedRead(n)
	span.SetAttributes(attribute.Int("chat.marked", n))
	if n > 0 {
		s.dispatch.enqueue(Event{
			Type:            EventMessagesRead,
			Recipient:       parsed.Other(viewer),
			ConversationKey: key,
			ReaderID:        viewer,
			Count:           n,
			At:              through,
		})
	}
	return n, nil
}

// MarkAllRead marks every conversation of the viewer in one store call and
// returns the total.
func (s *Service) MarkAllRead(ctx context.Context, viewer string) (_ int, err error) {
	ctx, span := s.startSpan(ctx, "mark_all_read", attribute.String("chat.viewer", viewer))
	defer func() { s.finish(span, "mark_all_read", err) }()

	viewer = strings.TrimSpace(viewer)
	if viewer == "" {
		return 0, NewValidationError("viewer is required")
	}
	through := s.ids.Fence(s.now())

	sctx, cancel := s.storeCtx(ctx)
	marked, err := s.store.MarkAllRead(sctx, viewer, through)
	cancel()
	if err != nil {
		return 0, StoreError("mark all read", err)
	}
	total := 0
	for key, n := range marked {
		total += n
		parsed, perr := ParseKey(key)
		if perr != nil {
			continue
		}
		s.dispatch.enqueue(Event{
			Type:            EventMessagesRead,
			Recipient:       parsed.Other(viewer),
			ConversationKey: key,
			ReaderID:        viewer,
			Count:           n,
			At:              through,
		})
	}
	s.metrics.markedRead(total)
	span.SetAttributes(attribute.Int("chat.marked", total))
	return total, nil
}

// MarkDelivered records that an event for the message reached a live
// connection. It is advisory and errors are only logged.
func (s *Service) MarkDelivered(ctx context.Context, messageID string) {
	if messageID == "" {
		return
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.store.MarkDelivered(sctx, messageID, s.now()); err != nil {
		s.logger.Debug("mark delivered failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (s *Service) Participant(ctx context.Context, id string) (Participant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Participant{}, NewValidationError("participant id is required")
	}
	p, err := s.identity.Resolve(ctx, id)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return Participant{}, NewNotFoundError("participant not found")
		}
		return Participant{}, identityUnavailable(err)
	}
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

func (s *Service) Health(ctx context.Context) map[string]any {
	out := map[string]any{
		"ok":       true,
		"time":     s.now(),
		"dispatch": s.dispatch.stats(),
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.Ping(sctx); err != nil {
		out["ok"] = false
		out["store_error"] = err.Error()
	}
	return out
}

// Close drains pending events. The store is owned by the caller.
func (s *Service) Close() {
	s.dispatch.close()
}

var _ API = (*Service)(nil)
