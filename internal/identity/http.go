package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joelkehle/farmchat/internal/chat"
)

// HTTPProvider asks the host platform's participant endpoint:
// GET {base}/participants/{id} -> {"id", "display_name", "role", "avatar_ref"}.
type HTTPProvider struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (p *HTTPProvider) Resolve(ctx context.Context, id string) (chat.Participant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/participants/"+url.PathEscape(id), nil)
	if err != nil {
		return chat.Participant{}, err
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return chat.Participant{}, err
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return chat.Participant{}, chat.ErrParticipantNotFound
	}
	if resp.StatusCode >= 400 {
		return chat.Participant{}, fmt.Errorf("resolve participant %s failed status=%d body=%s", id, resp.StatusCode, string(blob))
	}
	var body struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Role        string `json:"role"`
		AvatarRef   string `json:"avatar_ref"`
	}
	if err := json.Unmarshal(blob, &body); err != nil {
		return chat.Participant{}, fmt.Errorf("decode participant %s: %w", id, err)
	}
	out := chat.Participant{
		ID:          body.ID,
		DisplayName: body.DisplayName,
		Role:        chat.Role(strings.ToLower(body.Role)),
		AvatarRef:   body.AvatarRef,
	}
	if out.ID == "" {
		out.ID = id
	}
	if !out.Role.Valid() {
		out.Role = chat.RoleUnknown
	}
	return out, nil
}

var _ chat.IdentityProvider = (*HTTPProvider)(nil)
