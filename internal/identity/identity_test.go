package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joelkehle/farmchat/internal/chat"
)

const sampleDirectory = `
participants:
  - id: farmer-1
    display_name: Amina
    role: farmer
  - id: adopter-1
    display_name: Lena
    role: Adopter
    avatar_ref: avatars/lena.png
  - id: expert-1
    role: expert
`

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "participants.yaml")
	if err := os.WriteFile(path, []byte(sampleDirectory), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := LoadDirectory(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Len() != 3 {
		t.Fatalf("expected 3 participants, got %d", d.Len())
	}
	p, err := d.Resolve(context.Background(), "adopter-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Role != chat.RoleAdopter || p.AvatarRef != "avatars/lena.png" {
		t.Fatalf("unexpected participant %+v", p)
	}
	if p, _ := d.Resolve(context.Background(), "expert-1"); p.DisplayName != "expert-1" {
		t.Fatalf("expected display name to default to id, got %q", p.DisplayName)
	}
	if _, err := d.Resolve(context.Background(), "nobody"); !errors.Is(err, chat.ErrParticipantNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParseDirectoryRejectsBadEntries(t *testing.T) {
	cases := []string{
		"participants:\n  - id: a\n    role: wizard\n",
		"participants:\n  - id: a\n    role: farmer\n  - id: a\n    role: expert\n",
		"participants:\n  - role: farmer\n",
		"participants: [",
	}
	for _, c := range cases {
		if _, err := ParseDirectory([]byte(c)); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestDirectoryPutRemove(t *testing.T) {
	d := NewDirectory(chat.Participant{ID: "a", Role: chat.RoleFarmer})
	d.Put(chat.Participant{ID: "b", Role: chat.RoleExpert})
	d.Remove("a")
	if _, err := d.Resolve(context.Background(), "a"); !errors.Is(err, chat.ErrParticipantNotFound) {
		t.Fatalf("expected a removed, got %v", err)
	}
	if p, err := d.Resolve(context.Background(), "b"); err != nil || p.Role != chat.RoleExpert {
		t.Fatalf("unexpected b: %+v %v", p, err)
	}
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer svc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/participants/farmer 1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"farmer 1","display_name":"Amina","role":"FARMER"}`))
		case "/participants/odd":
			_, _ = w.Write([]byte(`{"display_name":"Odd","role":"superuser"}`))
		case "/participants/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", "svc-token")
	ctx := context.Background()

	got, err := p.Resolve(ctx, "farmer 1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Role != chat.RoleFarmer || got.DisplayName != "Amina" {
		t.Fatalf("unexpected participant %+v", got)
	}
	got, err = p.Resolve(ctx, "odd")
	if err != nil || got.ID != "odd" || got.Role != chat.RoleUnknown {
		t.Fatalf("unexpected odd participant %+v %v", got, err)
	}
	if _, err := p.Resolve(ctx, "gone"); !errors.Is(err, chat.ErrParticipantNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := p.Resolve(ctx, "broken"); err == nil || errors.Is(err, chat.ErrParticipantNotFound) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

type countingProvider struct {
	calls atomic.Int64
	next  chat.IdentityProvider
}

func (c *countingProvider) Resolve(ctx context.Context, id string) (chat.Participant, error) {
	c.calls.Add(1)
	return c.next.Resolve(ctx, id)
}

func TestCachedProvider(t *testing.T) {
	dir := NewDirectory(chat.Participant{ID: "a", DisplayName: "A", Role: chat.RoleFarmer})
	counter := &countingProvider{next: dir}
	cached := NewCached(counter, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cached.Resolve(ctx, "a"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if counter.calls.Load() != 1 {
		t.Fatalf("expected 1 upstream call, got %d", counter.calls.Load())
	}

	for i := 0; i < 2; i++ {
		if _, err := cached.Resolve(ctx, "missing"); !errors.Is(err, chat.ErrParticipantNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if counter.calls.Load() != 3 {
		t.Fatalf("misses must not be cached, got %d calls", counter.calls.Load())
	}

	dir.Put(chat.Participant{ID: "a", DisplayName: "A2", Role: chat.RoleFarmer})
	cached.Forget("a")
	if p, _ := cached.Resolve(ctx, "a"); p.DisplayName != "A2" {
		t.Fatalf("expected refreshed participant, got %+v", p)
	}
}

func TestCachedSendToRemovedRecipient(t *testing.T) {
	dir := NewDirectory(
		chat.Participant{ID: "farmer-1", Role: chat.RoleFarmer},
		chat.Participant{ID: "adopter-1", Role: chat.RoleAdopter},
	)
	svc, err := chat.NewService(chat.Config{}, chat.Deps{
		Store:    chat.NewMemoryStore(),
		Identity: NewCached(dir, 10, time.Minute),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()
	ctx := context.Background()
	in := chat.SendInput{SenderID: "farmer-1", RecipientID: "adopter-1", Body: chat.Body{Text: "hello"}}

	if _, _, err := svc.Send(ctx, in); err != nil {
		t.Fatalf("first send: %v", err)
	}
	dir.Remove("adopter-1")

	_, _, err = svc.Send(ctx, in)
	if chat.ErrorCode(err) != chat.CodeNotFound {
		t.Fatalf("expected not_found after removal, got %v", err)
	}
}

func TestCachedResolveFresh(t *testing.T) {
	dir := NewDirectory(chat.Participant{ID: "a", DisplayName: "A", Role: chat.RoleFarmer})
	counter := &countingProvider{next: dir}
	cached := NewCached(counter, 10, time.Minute)
	ctx := context.Background()

	if _, err := cached.Resolve(ctx, "a"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	dir.Put(chat.Participant{ID: "a", DisplayName: "A2", Role: chat.RoleFarmer})
	p, err := cached.ResolveFresh(ctx, "a")
	if err != nil || p.DisplayName != "A2" {
		t.Fatalf("fresh lookup: %+v %v", p, err)
	}
	if p, _ := cached.Resolve(ctx, "a"); p.DisplayName != "A2" {
		t.Fatalf("fresh lookup should refresh the cache, got %+v", p)
	}

	dir.Remove("a")
	if _, err := cached.ResolveFresh(ctx, "a"); !errors.Is(err, chat.ErrParticipantNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := cached.Resolve(ctx, "a"); !errors.Is(err, chat.ErrParticipantNotFound) {
		t.Fatalf("removed participant still cached: %v", err)
	}
	if counter.calls.Load() != 4 {
		t.Fatalf("expected 4 upstream calls, got %d", counter.calls.Load())
	}
}
