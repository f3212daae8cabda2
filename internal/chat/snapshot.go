package chat

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type snapshotState struct {
	Messages   []Message            `json:"messages"`
	Watermarks map[string]time.Time `json:"watermarks"`
}

// SnapshotStore keeps the log in memory and rewrites a JSON file after every
// mutation. Meant for single-node development setups.
type SnapshotStore struct {
	inner          *MemoryStore
	path           string
	mu             sync.Mutex
	lastPersistErr string
}

func NewSnapshotStore(path string) (*SnapshotStore, error) {
	s := &SnapshotStore{
		inner: NewMemoryStore(),
		path:  path,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *SnapshotStore) stateSnapshot() snapshotState {
	p.inner.mu.Lock()
	defer p.inner.mu.Unlock()

	state := snapshotState{
		Messages:   make([]Message, 0, len(p.inner.messages)),
		Watermarks: map[string]time.Time{},
	}
	for _, m := range p.inner.messages {
		state.Messages = append(state.Messages, m.clone())
	}
	sort.Slice(state.Messages, func(i, j int) bool { return state.Messages[i].ID < state.Messages[j].ID })
	for k, v := range p.inner.watermarks {
		state.Watermarks[k] = v
	}
	return state
}

func (p *SnapshotStore) applyState(state snapshotState) {
	p.inner.mu.Lock()
	defer p.inner.mu.Unlock()

	for _, m := range state.Messages {
		p.inner.appendLocked(m)
	}
	for k, v := range state.Watermarks {
		p.inner.watermarks[k] = v
	}
}

func (p *SnapshotStore) persist() error {
	if p.path == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.stateSnapshot()
	blob, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		p.lastPersistErr = err.Error()
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		p.lastPersistErr = err.Error()
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		p.lastPersistErr = err.Error()
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.lastPersistErr = err.Error()
		return err
	}
	p.lastPersistErr = ""
	return nil
}

func (p *SnapshotStore) load() error {
	if p.path == "" {
		return nil
	}
	blob, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state snapshotState
	if err := json.Unmarshal(blob, &state); err != nil {
		return err
	}
	p.applyState(state)
	return nil
}

// LastPersistError reports the most recent failed write, or "".
func (p *SnapshotStore) LastPersistError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPersistErr
}

func (p *SnapshotStore) Append(ctx context.Context, m Message) (Message, bool, error) {
	out, dup, err := p.inner.Append(ctx, m)
	if err == nil && !dup {
		if perr := p.persist(); perr != nil {
			return Message{}, false, perr
		}
	}
	return out, dup, err
}

func (p *SnapshotStore) FindByToken(ctx context.Context, senderID, token string) (Message, bool, error) {
	return p.inner.FindByToken(ctx, senderID, token)
}

func (p *SnapshotStore) Get(ctx context.Context, id string) (Message, error) {
	return p.inner.Get(ctx, id)
}

func (p *SnapshotStore) ConversationHeads(ctx context.Context, viewer, before string, limit int) ([]ConversationHead, error) {
	return p.inner.ConversationHeads(ctx, viewer, before, limit)
}

func (p *SnapshotStore) ListMessages(ctx context.Context, key ConversationKey, q MessageQuery) ([]Message, error) {
	return p.inner.ListMessages(ctx, key, q)
}

func (p *SnapshotStore) MarkRead(ctx context.Context, viewer string, key ConversationKey, through time.Time) (int, error) {
	n, err := p.inner.MarkRead(ctx, viewer, key, through)
	if err == nil {
		if perr := p.persist(); perr != nil {
			return 0, perr
		}
	}
	return n, err
}

func (p *SnapshotStore) MarkAllRead(ctx context.Context, viewer string, through time.Time) (map[ConversationKey]int, error) {
	out, err := p.inner.MarkAllRead(ctx, viewer, through)
	if err == nil && len(out) > 0 {
		if perr := p.persist(); perr != nil {
			return nil, perr
		}
	}
	return out, err
}

// MarkDelivered is persisted best effort: the flag is advisory.
func (p *SnapshotStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	ok, err := p.inner.MarkDelivered(ctx, id, at)
	if err == nil && ok {
		_ = p.persist()
	}
	return ok, err
}

func (p *SnapshotStore) Watermark(ctx context.Context, viewer string, key ConversationKey) (time.Time, bool, error) {
	return p.inner.Watermark(ctx, viewer, key)
}

func (p *SnapshotStore) Ping(ctx context.Context) error {
	if err := p.inner.Ping(ctx); err != nil {
		return err
	}
	if msg := p.LastPersistError(); msg != "" {
		return &Error{Code: CodeUnavailable, Message: "snapshot write failing: " + msg, Transient: true, Status: statusForCode(CodeUnavailable)}
	}
	return nil
}

func (p *SnapshotStore) Close() error {
	perr := p.persist()
	if err := p.inner.Close(); err != nil {
		return err
	}
	return perr
}

var _ Store = (*SnapshotStore)(nil)
