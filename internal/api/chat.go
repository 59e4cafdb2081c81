package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/abdul-hamid-achik/blog/internal/assistant"
	"github.com/abdul-hamid-achik/blog/internal/content"
	"github.com/abdul-hamid-achik/blog/internal/identity"
	"github.com/abdul-hamid-achik/blog/internal/moderation"
	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/ratelimit"
	"github.com/abdul-hamid-achik/blog/internal/secrets"
	"github.com/abdul-hamid-achik/blog/internal/store"
	"github.com/abdul-hamid-achik/blog/internal/stream"
)

const (
	maxRequestBytes = 256 << 10
	recordTimeout   = 5 * time.Second

	streamErrorMessage = "Failed to generate response"
)

type historyTurn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"max=4000"`
}

type chatRequest struct {
	Message        string        `json:"message" validate:"required,min=1,max=2000"`
	SessionID      string        `json:"sessionId" validate:"required,uuid"`
	History        []historyTurn `json:"history" validate:"max=50,dive"`
	CurrentPageURL string        `json:"currentPageUrl" validate:"omitempty,max=2048"`
}

type usageResponse struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type chatResponse struct {
	Message string        `json:"message"`
	Usage   usageResponse `json:"usage"`
}

type quotaResponse struct {
	Used          int  `json:"used"`
	Limit         int  `json:"limit"`
	Remaining     int  `json:"remaining"`
	Authenticated bool `json:"authenticated"`
}

// admittedTurn is a chat request that passed moderation and admission.
type admittedTurn struct {
	req      chatRequest
	identity identity.Identity
	decision identity.Decision
	locale   string
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := decoder.Decode(&req); err != nil {
		writeText(w, "Invalid input", http.StatusBadRequest)
		return chatRequest{}, false
	}
	if err := s.validate.Struct(req); err != nil {
		writeText(w, "Invalid input", http.StatusBadRequest)
		return chatRequest{}, false
	}
	return req, true
}

// admitChat screens blocked callers, then runs moderation and the
// admission gate. It writes the rejection itself and returns false when
// the turn must stop here.
func (s *Server) admitChat(w http.ResponseWriter, r *http.Request, channel ratelimit.Channel) (admittedTurn, bool) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return admittedTurn{}, false
	}
	ctx := r.Context()
	logger := observability.LoggerFromContext(ctx)
	ip := clientIP(r)
	caller := s.deps.Identities.Resolve(r, req.SessionID)
	admission := identity.Request{
		Identity: caller,
		IP:       ip,
		Message:  req.Message,
		Channel:  channel,
	}
	if s.deps.Gate.Blocked(ctx, admission) {
		writeText(w, "Access denied", http.StatusForbidden)
		return admittedTurn{}, false
	}

	verdict := s.deps.Moderator.Classify(req.Message)
	s.deps.Metrics.Moderation(string(verdict.Verdict), verdict.Reason)
	switch verdict.Verdict {
	case moderation.Block:
		logger.Warn("message blocked by moderation", "reason", verdict.Reason, "ip_hash", secrets.Fingerprint(s.deps.HashKey, ip))
		blockedNow, err := s.deps.Strikes.Strike(ctx, ip)
		if err != nil {
			logger.Error("record abuse strike failed", "error", err)
		}
		if blockedNow {
			writeText(w, "Access denied", http.StatusForbidden)
			return admittedTurn{}, false
		}
		writeText(w, "Message blocked", http.StatusBadRequest)
		return admittedTurn{}, false
	case moderation.Warn:
		logger.Warn("message flagged by moderation", "reason", verdict.Reason, "session_hash", secrets.Fingerprint(s.deps.HashKey, req.SessionID))
	}

	decision, err := s.deps.Gate.Admit(ctx, admission)
	if err != nil {
		logger.Error("admission failed", "error", err)
		writeText(w, "Internal server error", http.StatusInternalServerError)
		return admittedTurn{}, false
	}
	if decision.Outcome == identity.Denied {
		switch decision.Reason {
		case identity.DenyRateLimited:
			writeRateLimited(w, decision.RetryAfter)
		default:
			writeText(w, "Access denied", http.StatusForbidden)
		}
		return admittedTurn{}, false
	}
	return admittedTurn{
		req:      req,
		identity: caller,
		decision: decision,
		locale:   content.NormalizeLocale(r.Header.Get("locale")),
	}, true
}

func (s *Server) turnFor(t admittedTurn) assistant.Turn {
	prompt := assistant.SystemPrompt(t.locale, assistant.PromptParams{
		AuthorName:      s.cfg.AuthorName,
		AuthorLocation:  s.cfg.AuthorLocation,
		AuthorInterests: s.cfg.AuthorInterests,
		CurrentPageURL:  t.req.CurrentPageURL,
	})
	history := make([]store.Message, 0, len(t.req.History))
	for _, turn := range t.req.History {
		history = append(history, store.Message{Role: store.Role(turn.Role), Content: turn.Content})
	}
	return assistant.Turn{
		Messages: assistant.BuildMessages(prompt, history, t.req.Message),
		Tools:    assistant.NewToolbox(s.deps.Catalog, s.deps.Search, t.locale, s.cfg.AuthorName),
	}
}

// ensureSession is best effort. Chat keeps working without it.
func (s *Server) ensureSession(ctx context.Context, caller identity.Identity) {
	if _, err := s.deps.Store.EnsureSession(ctx, caller.SessionID, caller.UserID); err != nil {
		observability.LoggerFromContext(ctx).Error("ensure chat session failed", "error", err)
	}
}

// recordExchange persists the finished turn in the background. Failures
// are logged and never reach the caller.
func (s *Server) recordExchange(ctx context.Context, t admittedTurn, reply assistant.Reply) {
	exchange := store.Exchange{
		SessionID:        t.identity.SessionID,
		UserID:           t.identity.UserID,
		UserMessage:      t.req.Message,
		AssistantMessage: reply.Text,
		PromptTokens:     reply.Usage.PromptTokens,
		CompletionTokens: reply.Usage.CompletionTokens,
		At:               time.Now().UTC(),
	}
	detached := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		writeCtx, cancel := context.WithTimeout(detached, recordTimeout)
		defer cancel()
		if err := s.deps.Store.RecordExchange(writeCtx, exchange); err != nil {
			observability.LoggerFromContext(writeCtx).Error("record chat exchange failed", "error", err)
		}
	}()
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	turn, ok := s.admitChat(w, r, ratelimit.ChannelChat)
	if !ok {
		return
	}
	if turn.decision.Outcome != identity.Proceed {
		writeJSON(w, chatResponse{Message: turn.decision.Message})
		return
	}

	s.ensureSession(r.Context(), turn.identity)
	reply, err := s.deps.Assistant.Respond(r.Context(), s.turnFor(turn))
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		observability.LoggerFromContext(r.Context()).Error("chat generation failed", "error", err)
		writeText(w, streamErrorMessage, http.StatusInternalServerError)
		return
	}
	s.recordExchange(r.Context(), turn, reply)
	writeJSON(w, chatResponse{
		Message: reply.Text,
		Usage: usageResponse{
			PromptTokens:     reply.Usage.PromptTokens,
			CompletionTokens: reply.Usage.CompletionTokens,
			TotalTokens:      reply.Usage.TotalTokens,
		},
	})
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request) {
	turn, ok := s.admitChat(w, r, ratelimit.ChannelStream)
	if !ok {
		return
	}
	switch turn.decision.Outcome {
	case identity.RequireVerification:
		writeText(w, "Authentication required", http.StatusUnauthorized)
		return
	case identity.VerificationSent, identity.VerificationFailed:
		s.streamCanned(w, r, turn.decision.Message)
		return
	}

	writer, err := s.openStream(w)
	if err != nil {
		observability.LoggerFromContext(r.Context()).Error("open event stream failed", "error", err)
		writeText(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.ensureSession(r.Context(), turn.identity)

	ctx, release := s.deps.Streams.Begin(r.Context(), turn.req.SessionID)
	defer release()
	s.deps.Metrics.StreamStarted()
	stopHeartbeat := s.keepAlive(ctx, writer)

	_ = writer.Start()
	reply, err := s.deps.Assistant.RespondStream(ctx, s.turnFor(turn), writer.Delta)
	stopHeartbeat()

	logger := observability.LoggerFromContext(r.Context())
	switch {
	case err == nil:
		if doneErr := writer.Done(); doneErr != nil {
			logger.Warn("write stream terminator failed", "error", doneErr)
		}
		s.deps.Metrics.StreamFinished("done")
		s.recordExchange(r.Context(), turn, reply)
	case ctx.Err() != nil && r.Context().Err() == nil:
		// A newer message from the same session took over. The old
		// stream ends cleanly and records nothing.
		_ = writer.Done()
		s.deps.Metrics.StreamFinished("cancelled")
	case ctx.Err() != nil:
		s.deps.Metrics.StreamFinished("cancelled")
	default:
		logger.Error("stream generation failed", "error", err)
		_ = writer.Error(streamErrorMessage)
		s.deps.Metrics.StreamFinished("error")
	}
}

// streamCanned answers over the event stream without calling the model.
func (s *Server) streamCanned(w http.ResponseWriter, r *http.Request, message string) {
	writer, err := s.openStream(w)
	if err != nil {
		writeText(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err := writer.Delta(message); err != nil {
		observability.LoggerFromContext(r.Context()).Warn("write canned reply failed", "error", err)
		return
	}
	_ = writer.Done()
}

func (s *Server) openStream(w http.ResponseWriter) (*stream.Writer, error) {
	writer, err := stream.NewWriter(w)
	if err != nil {
		return nil, err
	}
	stream.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	return writer, nil
}

// keepAlive writes comment frames until the returned stop is called.
func (s *Server) keepAlive(ctx context.Context, writer *stream.Writer) func() {
	if s.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := writer.KeepAlive(); err != nil && !errors.Is(err, stream.ErrClosed) {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (s *Server) quota(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if err := s.validate.Var(sessionID, "required,uuid"); err != nil {
		writeText(w, "Invalid input", http.StatusBadRequest)
		return
	}
	limit := s.cfg.FreeMessageLimit
	caller := s.deps.Identities.Resolve(r, sessionID)
	if caller.Verified() {
		writeJSON(w, quotaResponse{Limit: limit, Remaining: limit, Authenticated: true})
		return
	}
	used, err := s.deps.Store.CountUserMessages(r.Context(), sessionID)
	if err != nil {
		observability.LoggerFromContext(r.Context()).Error("count free messages failed", "error", err)
		used = limit
	}
	writeJSON(w, quotaResponse{Used: used, Limit: limit, Remaining: max(limit-used, 0)})
}
