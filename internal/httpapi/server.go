package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joelkehle/farmchat/internal/chat"
	"github.com/joelkehle/farmchat/internal/delivery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// EventSource hands out live subscriptions for the event stream.
type EventSource interface {
	Subscribe(participant string) *delivery.Subscription
	Stats() map[string]any
}

type Options struct {
	// JWTSecret verifies HS256 bearer tokens; the subject is the participant id.
	JWTSecret []byte
	Events    EventSource
	Logger    *zap.Logger

	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer  prometheus.Gatherer
	KeepAlive time.Duration
}

type Server struct {
	api       chat.API
	events    EventSource
	secret    []byte
	logger    *zap.Logger
	keepAlive time.Duration
}

func NewServer(api chat.API, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	s := &Server{
		api:       api,
		events:    opts.Events,
		secret:    opts.JWTSecret,
		logger:    opts.Logger.Named("http"),
		keepAlive: opts.KeepAlive,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/conversations", s.handleConversations)
	mux.HandleFunc("/v1/conversations/", s.handleConversation)
	mux.HandleFunc("/v1/read", s.handleReadAll)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/health", s.handleHealth)
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s.logRequests(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeChatError(w http.ResponseWriter, err error) {
	var ce *chat.Error
	if errors.As(err, &ce) {
		payload := map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":      ce.Code,
				"message":   ce.Message,
				"transient": ce.Transient,
			},
		}
		if ce.RetryAfter > 0 {
			payload["error"].(map[string]any)["retry_after"] = ce.RetryAfter
			w.Header().Set("Retry-After", strconv.Itoa(ce.RetryAfter))
		}
		writeJSON(w, ce.Status, payload)
		return
	}
	writeJSON(w, 500, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      chat.CodeInternal,
			"message":   err.Error(),
			"transient": true,
		},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(blob) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func decodeJSONBytes(blob []byte, dst any) error {
	return json.Unmarshal(blob, dst)
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

type viewer struct {
	ID   string
	Role chat.Role
}

// authenticate verifies the bearer token and looks the subject up with the
// identity provider, which is the source of truth for the role.
func (s *Server) authenticate(r *http.Request) (viewer, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return viewer{}, chat.NewUnauthorizedError("bearer token required")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return viewer{}, chat.NewUnauthorizedError("invalid token")
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return viewer{}, chat.NewUnauthorizedError("token has no subject")
	}
	p, err := s.api.Participant(r.Context(), sub)
	if err != nil {
		if chat.ErrorCode(err) == chat.CodeNotFound {
			return viewer{}, chat.NewUnauthorizedError("unknown participant")
		}
		return viewer{}, err
	}
	return viewer{ID: sub, Role: p.Role}, nil
}

// readTarget resolves whose data a read request is about. Admins may observe
// any participant with ?as=; everyone else only sees their own.
func readTarget(v viewer, r *http.Request) (string, error) {
	as := strings.TrimSpace(r.URL.Query().Get("as"))
	if as == "" || as == v.ID {
		return v.ID, nil
	}
	if v.Role != chat.RoleAdmin {
		return "", chat.NewForbiddenError("only admins may view other participants")
	}
	return as, nil
}

// writeTarget rejects ?as= on mutations: nobody acts on another's behalf.
func writeTarget(v viewer, r *http.Request) error {
	as := strings.TrimSpace(r.URL.Query().Get("as"))
	if as != "" && as != v.ID {
		return chat.NewForbiddenError("cannot act on behalf of another participant")
	}
	return nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	v, err := s.authenticate(r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if err := writeTarget(v, r); err != nil {
		writeChatError(w, err)
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeChatError(w, chat.NewValidationJSONError(err))
		return
	}
	var req struct {
		RecipientID      string `json:"recipient_id"`
		Text             string `json:"text"`
		MediaRef         string `json:"media_ref"`
		ContextID        string `json:"context_id"`
		IdempotencyToken string `json:"idempotency_token"`
	}
	if err := decodeJSONBytes(blob, &req); err != nil {
		writeChatError(w, chat.NewValidationJSONError(err))
		return
	}
	if req.IdempotencyToken == "" {
		req.IdempotencyToken = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	message, duplicate, err := s.api.Send(r.Context(), chat.SendInput{
		SenderID:         v.ID,
		RecipientID:      req.RecipientID,
		Body:             chat.Body{Text: req.Text, MediaRef: req.MediaRef},
		ContextID:        req.ContextID,
		IdempotencyToken: req.IdempotencyToken,
	})
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":        true,
		"message":   message,
		"duplicate": duplicate,
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	v, err := s.authenticate(r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	target, err := readTarget(v, r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	page, err := s.api.ListConversations(r.Context(), chat.ListConversationsInput{
		Viewer:    target,
		PageSize:  parseInt(r.URL.Query().Get("page_size"), 0),
		PageToken: strings.TrimSpace(r.URL.Query().Get("page_token")),
	})
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":              true,
		"conversations":   page.Conversations,
		"next_page_token": page.NextPageToken,
	})
}

// handleConversation serves /v1/conversations/key, /{key}/messages and
// /{key}/read.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/conversations/")
	switch {
	case path == "key":
		s.handleResolveKey(w, r)
	case strings.HasSuffix(path, "/messages"):
		s.handleListMessages(w, r, chat.ConversationKey(strings.TrimSuffix(path, "/messages")))
	case strings.HasSuffix(path, "/read"):
		s.handleMarkRead(w, r, chat.ConversationKey(strings.TrimSuffix(path, "/read")))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleResolveKey(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	v, err := s.authenticate(r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	with := strings.TrimSpace(r.URL.Query().Get("with"))
	key, err := chat.ResolveKey(v.ID, with, r.URL.Query().Get("context"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	counterpart, err := s.api.Participant(r.Context(), with)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":               true,
		"conversation_key": key,
		"counterpart":      counterpart,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, key chat.ConversationKey) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	v, err := s.authenticate(r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	target, err := readTarget(v, r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeChatError(w, chat.NewValidationError("since must be an RFC 3339 timestamp"))
			return
		}
	}
	page, err := s.api.ListMessages(r.Context(), chat.ListMessagesInput{
		Viewer: target,
		Key:    key,
		Since:  since,
		Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		Limit:  parseInt(r.URL.Query().Get("limit"), 0),
	})
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":               true,
		"conversation_key": key,
		"messages":         page.Messages,
		"next_cursor":      page.NextCursor,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, key chat.ConversationKey) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	v, err := s.authenticate(r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if err := writeTarget(v, r); err != nil {
		writeChatError(w, err)
		return
	}
	n, err := s.api.MarkRead(r.Context(), v.ID, key)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "marked": n})
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	v, err := s.authenticate(r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if err := writeTarget(v, r); err != nil {
		writeChatError(w, err)
		return
	}
	n, err := s.api.MarkAllRead(r.Context(), v.ID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "marked": n})
}

// handleEvents streams the viewer's live events as server-sent events. The
// stream carries notifications only; clients re-fetch on reconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	v, err := s.authenticate(r)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if s.events == nil {
		writeChatError(w, chat.NewInternalError("event stream disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeChatError(w, chat.NewInternalError("streaming unsupported"))
		return
	}

	sub := s.events.Subscribe(v.ID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	ctx := r.Context()
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	if _, err := bw.WriteString(": connected\n\n"); err != nil {
		return
	}
	if err := bw.Flush(); err != nil {
		return
	}
	flusher.Flush()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := bw.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			blob, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			seq++
			if _, err := bw.WriteString(fmt.Sprintf("id: %d\n", seq)); err != nil {
				return
			}
			if _, err := bw.WriteString(fmt.Sprintf("event: %s\n", evt.Type)); err != nil {
				return
			}
			if _, err := bw.WriteString("data: "); err != nil {
				return
			}
			if _, err := bw.Write(blob); err != nil {
				return
			}
			if _, err := bw.WriteString("\n\n"); err != nil {
				return
			}
		}
		if err := bw.Flush(); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	out := s.api.Health(r.Context())
	if s.events != nil {
		out["events"] = s.events.Stats()
	}
	status := 200
	if ok, _ := out["ok"].(bool); !ok {
		status = 503
	}
	writeJSON(w, status, out)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
