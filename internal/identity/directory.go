// Package identity resolves participant ids owned by the host platform into
// display metadata. Every provider reports unknown ids with
// chat.ErrParticipantNotFound.
package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joelkehle/farmchat/internal/chat"
	"gopkg.in/yaml.v3"
)

type directoryFile struct {
	Participants []directoryEntry `yaml:"participants"`
}

type directoryEntry struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Role        string `yaml:"role"`
	AvatarRef   string `yaml:"avatar_ref"`
}

// Directory is a static in-memory provider, loaded from YAML for development
// and tests.
type Directory struct {
	mu     sync.RWMutex
	people map[string]chat.Participant
}

func NewDirectory(people ...chat.Participant) *Directory {
	d := &Directory{people: map[string]chat.Participant{}}
	for _, p := range people {
		d.people[p.ID] = p
	}
	return d
}

func LoadDirectory(path string) (*Directory, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	return ParseDirectory(blob)
}

func ParseDirectory(blob []byte) (*Directory, error) {
	var file directoryFile
	if err := yaml.Unmarshal(blob, &file); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	d := NewDirectory()
	for i, e := range file.Participants {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("participant %d: id is required", i)
		}
		if _, dup := d.people[id]; dup {
			return nil, fmt.Errorf("participant %q listed twice", id)
		}
		role := chat.Role(strings.ToLower(strings.TrimSpace(e.Role)))
		if !role.Valid() {
			return nil, fmt.Errorf("participant %q: invalid role %q", id, e.Role)
		}
		name := strings.TrimSpace(e.DisplayName)
		if name == "" {
			name = id
		}
		d.people[id] = chat.Participant{ID: id, DisplayName: name, Role: role, AvatarRef: e.AvatarRef}
	}
	return d, nil
}

func (d *Directory) Resolve(_ context.Context, id string) (chat.Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.people[id]
	if !ok {
		return chat.Participant{}, chat.ErrParticipantNotFound
	}
	return p, nil
}

func (d *Directory) Put(p chat.Participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.people[p.ID] = p
}

func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.people, id)
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.people)
}

var _ chat.IdentityProvider = (*Directory)(nil)
