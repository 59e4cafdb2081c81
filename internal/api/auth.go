package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/verification"
)

const (
	magicLinkSent       = "Check your email for a verification link."
	magicLinkInvalid    = "Please enter a valid email address."
	magicLinkThrottled  = "Too many requests. Please try again later."
	magicLinkFailed     = "Failed to send verification email. Please try again."
	verifiedRedirect    = "/?verified=true"
	invalidRedirect     = "/?error=invalid-token"
	failedRedirect      = "/?error=verification-failed"
	maxMagicLinkRequest = 4 << 10
)

type magicLinkRequest struct {
	Email string `json:"email"`
}

type magicLinkResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// requestMagicLink never says whether the address already has an account.
func (s *Server) requestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMagicLinkRequest)).Decode(&req); err != nil {
		writeJSONStatus(w, magicLinkResponse{Message: magicLinkInvalid}, http.StatusBadRequest)
		return
	}
	err := s.deps.Issuer.Issue(r.Context(), req.Email)
	switch {
	case err == nil:
		writeJSON(w, magicLinkResponse{Success: true, Message: magicLinkSent})
	case errors.Is(err, verification.ErrInvalidEmail):
		writeJSONStatus(w, magicLinkResponse{Message: magicLinkInvalid}, http.StatusBadRequest)
	case errors.Is(err, verification.ErrIssueRateLimited):
		writeJSONStatus(w, magicLinkResponse{Message: magicLinkThrottled}, http.StatusTooManyRequests)
	default:
		observability.LoggerFromContext(r.Context()).Error("magic link request failed", "error", err)
		writeJSONStatus(w, magicLinkResponse{Message: magicLinkFailed}, http.StatusInternalServerError)
	}
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFromContext(r.Context())
	user, err := s.deps.Redeemer.Redeem(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if errors.Is(err, verification.ErrTokenInvalid) {
			s.redirect(w, r, invalidRedirect)
			return
		}
		logger.Error("verification redemption failed", "error", err)
		s.redirect(w, r, failedRedirect)
		return
	}
	cookie, err := s.deps.Cookies.Issue(user.ID)
	if err != nil {
		logger.Error("issue session cookie failed", "error", err)
		s.redirect(w, r, failedRedirect)
		return
	}
	http.SetCookie(w, cookie)
	logger.Info("user verified", "user_id", user.ID)
	s.redirect(w, r, verifiedRedirect)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, s.deps.Cookies.Clear())
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request, path string) {
	http.Redirect(w, r, s.cfg.AppURL+path, http.StatusTemporaryRedirect)
}
