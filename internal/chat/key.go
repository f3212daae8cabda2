package chat

import (
	"net/url"
	"strings"
)

// ConversationKey identifies a direct conversation between two participants,
// optionally scoped to a business context. It is derived, never stored as a
// row of its own.
type ConversationKey string

const keyPrefix = "dm"

// ResolveKey is commutative in a and b: both ends of a relationship always
// land on the same key, no matter who wrote first.
func ResolveKey(a, b, contextID string) (ConversationKey, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", newError(CodeValidation, "invalid participants: both ids are required", false, 0)
	}
	if a == b {
		return "", newError(CodeValidation, "invalid participants: sender and recipient must differ", false, 0)
	}
	if b < a {
		a, b = b, a
	}
	parts := []string{keyPrefix, url.QueryEscape(a), url.QueryEscape(b)}
	if c := strings.TrimSpace(contextID); c != "" {
		parts = append(parts, url.QueryEscape(c))
	}
	return ConversationKey(strings.Join(parts, ":")), nil
}

// ParsedKey is the decoded form of a ConversationKey.
type ParsedKey struct {
	Low       string
	High      string
	ContextID string
}

func (p ParsedKey) Has(participant string) bool {
	return participant == p.Low || participant == p.High
}

// Other returns the counterpart of participant, or "" when participant is
// not part of the conversation.
func (p ParsedKey) Other(participant string) string {
	switch participant {
	case p.Low:
		return p.High
	case p.High:
		return p.Low
	default:
		return ""
	}
}

func ParseKey(key ConversationKey) (ParsedKey, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 3 && len(parts) != 4 {
		return ParsedKey{}, newError(CodeValidation, "malformed conversation key", false, 0)
	}
	if parts[0] != keyPrefix {
		return ParsedKey{}, newError(CodeValidation, "malformed conversation key", false, 0)
	}
	decoded := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		v, err := url.QueryUnescape(p)
		if err != nil || v == "" {
			return ParsedKey{}, newError(CodeValidation, "malformed conversation key", false, 0)
		}
		decoded = append(decoded, v)
	}
	out := ParsedKey{Low: decoded[0], High: decoded[1]}
	if len(decoded) == 3 {
		out.ContextID = decoded[2]
	}
	// Reject keys that ResolveKey would never produce.
	canonical, err := ResolveKey(out.Low, out.High, out.ContextID)
	if err != nil || canonical != key {
		return ParsedKey{}, newError(CodeValidation, "malformed conversation key", false, 0)
	}
	return out, nil
}
