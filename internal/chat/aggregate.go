package chat

import (
	"encoding/base64"
	"encoding/json"
	"sort"
)

// Aggregate groups a viewer's messages into one head per conversation. The
// last message is the newest by id (ids sort by server time) and the unread
// count covers only messages addressed to the viewer that have no read_at.
// Heads are returned newest activity first.
func Aggregate(viewer string, messages []Message) []ConversationHead {
	byKey := map[ConversationKey]*ConversationHead{}
	for _, m := range messages {
		if m.SenderID != viewer && m.RecipientID != viewer {
			continue
		}
		h, ok := byKey[m.ConversationKey]
		if !ok {
			h = &ConversationHead{Key: m.ConversationKey, Counterpart: m.Counterpart(viewer), LastMessage: m}
			byKey[m.ConversationKey] = h
		}
		if m.ID > h.LastMessage.ID {
			h.LastMessage = m
		}
		if m.RecipientID == viewer && m.ReadAt == nil {
			h.UnreadCount++
		}
	}
	out := make([]ConversationHead, 0, len(byKey))
	for _, h := range byKey {
		h.LastMessage = h.LastMessage.clone()
		out = append(out, *h)
	}
	sortHeads(out)
	return out
}

func sortHeads(heads []ConversationHead) {
	sort.Slice(heads, func(i, j int) bool {
		return heads[i].LastMessage.ID > heads[j].LastMessage.ID
	})
}

// pageHeads applies keyset pagination: only heads whose last message is
// older than before are kept, at most limit of them.
func pageHeads(heads []ConversationHead, before string, limit int) []ConversationHead {
	out := make([]ConversationHead, 0, limit)
	for _, h := range heads {
		if before != "" && h.LastMessage.ID >= before {
			continue
		}
		out = append(out, h)
		if len(out) == limit {
			break
		}
	}
	return out
}

type cursorPayload struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

func encodeCursor(p cursorPayload) string {
	blob, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(blob)
}

func decodeCursor(raw string) (cursorPayload, error) {
	var p cursorPayload
	if raw == "" {
		return p, nil
	}
	blob, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return p, newError(CodeValidation, "malformed page token", false, 0)
	}
	if err := json.Unmarshal(blob, &p); err != nil {
		return p, newError(CodeValidation, "malformed page token", false, 0)
	}
	return p, nil
}
