package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Indexes mirror the SQL layout: ids per
// participant and per conversation, kept sorted by id.
type MemoryStore struct {
	mu sync.Mutex

	closed bool

	messages      map[string]*Message
	byParticipant map[string][]string
	byKey         map[ConversationKey][]string
	tokens        map[string]string
	watermarks    map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      map[string]*Message{},
		byParticipant: map[string][]string{},
		byKey:         map[ConversationKey][]string{},
		tokens:        map[string]string{},
		watermarks:    map[string]time.Time{},
	}
}

func tokenKey(senderID, token string) string {
	return senderID + "\x1f" + token
}

func watermarkKey(viewer string, key ConversationKey) string {
	return viewer + "\x1f" + string(key)
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func (s *MemoryStore) checkLocked(ctx context.Context) error {
	if s.closed {
		return ErrStoreClosed
	}
	return ctx.Err()
}

func (s *MemoryStore) Append(ctx context.Context, m Message) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return Message{}, false, err
	}
	if m.IdempotencyToken != "" {
		if id, ok := s.tokens[tokenKey(m.SenderID, m.IdempotencyToken)]; ok {
			if existing, ok := s.messages[id]; ok {
				return existing.clone(), true, nil
			}
		}
	}
	if existing, ok := s.messages[m.ID]; ok {
		return existing.clone(), true, nil
	}
	s.appendLocked(m)
	return m.clone(), false, nil
}

func (s *MemoryStore) appendLocked(m Message) {
	cp := m.clone()
	s.messages[m.ID] = &cp
	s.byParticipant[m.SenderID] = insertSorted(s.byParticipant[m.SenderID], m.ID)
	s.byParticipant[m.RecipientID] = insertSorted(s.byParticipant[m.RecipientID], m.ID)
	s.byKey[m.ConversationKey] = insertSorted(s.byKey[m.ConversationKey], m.ID)
	if m.IdempotencyToken != "" {
		s.tokens[tokenKey(m.SenderID, m.IdempotencyToken)] = m.ID
	}
}

func (s *MemoryStore) FindByToken(ctx context.Context, senderID, token string) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return Message{}, false, err
	}
	id, ok := s.tokens[tokenKey(senderID, token)]
	if !ok {
		return Message{}, false, nil
	}
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false, nil
	}
	return m.clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return Message{}, err
	}
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return m.clone(), nil
}

func (s *MemoryStore) ConversationHeads(ctx context.Context, viewer, before string, limit int) ([]ConversationHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}
	ids := s.byParticipant[viewer]
	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			msgs = append(msgs, *m)
		}
	}
	return pageHeads(Aggregate(viewer, msgs), before, limit), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, key ConversationKey, q MessageQuery) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}
	ids := s.byKey[key]
	start := 0
	if q.AfterID != "" {
		start = sort.Search(len(ids), func(i int) bool { return ids[i] > q.AfterID })
	}
	out := []Message{}
	for _, id := range ids[start:] {
		m := s.messages[id]
		if !q.Since.IsZero() && !m.CreatedAt.After(q.Since) {
			continue
		}
		out = append(out, m.clone())
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) markReadLocked(viewer string, key ConversationKey, through time.Time) int {
	n := 0
	for _, id := range s.byKey[key] {
		m := s.messages[id]
		if m.RecipientID != viewer || m.ReadAt != nil || m.CreatedAt.After(through) {
			continue
		}
		at := through
		m.ReadAt = &at
		n++
	}
	wk := watermarkKey(viewer, key)
	if prev, ok := s.watermarks[wk]; !ok || through.After(prev) {
		s.watermarks[wk] = through
	}
	return n
}

func (s *MemoryStore) MarkRead(ctx context.Context, viewer string, key ConversationKey, through time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return 0, err
	}
	return s.markReadLocked(viewer, key, through), nil
}

func (s *MemoryStore) MarkAllRead(ctx context.Context, viewer string, through time.Time) (map[ConversationKey]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}
	keys := map[ConversationKey]struct{}{}
	for _, id := range s.byParticipant[viewer] {
		m := s.messages[id]
		if m.RecipientID == viewer && m.ReadAt == nil && !m.CreatedAt.After(through) {
			keys[m.ConversationKey] = struct{}{}
		}
	}
	out := map[ConversationKey]int{}
	for key := range keys {
		if n := s.markReadLocked(viewer, key, through); n > 0 {
			out[key] = n
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return false, err
	}
	m, ok := s.messages[id]
	if !ok {
		return false, ErrMessageNotFound
	}
	if m.DeliveredAt != nil {
		return false, nil
	}
	t := at.UTC()
	m.DeliveredAt = &t
	return true, nil
}

func (s *MemoryStore) Watermark(ctx context.Context, viewer string, key ConversationKey) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return time.Time{}, false, err
	}
	t, ok := s.watermarks[watermarkKey(viewer, key)]
	return t, ok, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(ctx)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

var _ Store = (*MemoryStore)(nil)
