package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"starchat/internal/auth"
	"starchat/internal/history"
	"starchat/internal/payments"
	"starchat/internal/quota"
	"starchat/internal/telegram"
	"starchat/internal/validation"
)

type loginRequest struct {
	InitData string `json:"initData"`
}

type userView struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Plan            string `json:"plan"`
	TokensUsedToday int64  `json:"tokensUsedToday"`
	DailyTokenLimit int64  `json:"dailyTokenLimit"`
	CreditsStars    int64  `json:"creditsStars"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      userView  `json:"user"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		handleError(w, r, err)
		return
	}
	res, err := s.cfg.Login.Login(r.Context(), req.InitData)
	if err != nil {
		s.countLogin(err)
		handleError(w, r, err)
		return
	}
	s.countLogin(nil)
	u := res.User
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		User: userView{
			ID:              u.ID,
			Username:        u.Username,
			Plan:            u.Plan,
			TokensUsedToday: u.TokensUsedToday,
			DailyTokenLimit: u.DailyTokenLimit,
			CreditsStars:    u.CreditsStars,
		},
	})
}

func (s *Server) countLogin(err error) {
	if s.cfg.Metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrMissingInitData), errors.Is(err, auth.ErrInvalidInitData):
		result = "rejected"
	default:
		result = "error"
	}
	s.cfg.Metrics.Logins.WithLabelValues(result).Inc()
}

type usageResponse struct {
	TokensUsedToday int64     `json:"tokensUsedToday"`
	DailyTokenLimit int64     `json:"dailyTokenLimit"`
	RemainingTokens int64     `json:"remainingTokens"`
	CreditsStars    int64     `json:"creditsStars"`
	Plan            string    `json:"plan"`
	LastResetAt     time.Time `json:"lastResetAt"`
}

func usageView(u quota.Usage) usageResponse {
	return usageResponse{
		TokensUsedToday: u.TokensUsedToday,
		DailyTokenLimit: u.DailyTokenLimit,
		RemainingTokens: u.Remaining(),
		CreditsStars:    u.CreditsStars,
		Plan:            u.Plan,
		LastResetAt:     u.LastResetAt,
	}
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	u, err := s.cfg.Quota.Snapshot(r.Context(), identity(r).UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageView(u))
}

type messagesResponse struct {
	Messages []history.Message `json:"messages"`
}

func (s *Server) userMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity(r).UserID
	limit := queryLimit(r, 20, 200)
	convID := r.URL.Query().Get("conversationId")

	var msgs []history.Message
	var err error
	if convID != "" {
		msgs, err = s.cfg.History.ConversationMessages(r.Context(), userID, convID, limit)
	} else {
		msgs, err = s.cfg.History.Recent(r.Context(), userID, "", limit)
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req payments.InvoiceRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		handleError(w, r, err)
		return
	}
	inv, err := s.cfg.Payments.CreateInvoice(r.Context(), identity(r).UserID, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.UpdatesTotal.Inc()
	}
	if err := s.cfg.Payments.Authorize(r.Header.Get("X-Telegram-Bot-Api-Secret-Token")); err != nil {
		handleError(w, r, err)
		return
	}

	var u telegram.Update
	if err := decodeJSON(w, r, &u, false); err != nil {
		handleError(w, r, payments.ErrInvalidWebhook)
		return
	}
	res, err := s.cfg.Payments.HandleWebhook(r.Context(), r.Header.Get("X-Telegram-Bot-Api-Secret-Token"), u)
	if err != nil {
		handleError(w, r, err)
		return
	}

	if sent, err := s.cfg.Greeter.Greet(r.Context(), u); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Int64("update_id", u.UpdateID).Msg("failed to answer /start")
	} else if sent {
		zerolog.Ctx(r.Context()).Info().Int64("update_id", u.UpdateID).Msg("start greeting sent")
	}
	writeJSON(w, http.StatusOK, res)
}

type conversationsResponse struct {
	Conversations []history.Conversation `json:"conversations"`
}

type conversationResponse struct {
	Conversation history.Conversation `json:"conversation"`
}

type createConversationRequest struct {
	Title *string `json:"title" validate:"omitempty,min=1,max=100"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.History.ListConversations(r.Context(), identity(r).UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: list})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		handleError(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		handleError(w, r, err)
		return
	}
	title := ""
	if req.Title != nil {
		title = *req.Title
	}
	c, err := s.cfg.History.CreateConversation(r.Context(), identity(r).UserID, title)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversationResponse{Conversation: c})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.History.DeleteConversation(r.Context(), identity(r).UserID, chi.URLParam(r, "id")); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) conversationMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.cfg.History.ConversationMessages(r.Context(), identity(r).UserID, chi.URLParam(r, "id"), queryLimit(r, 50, 200))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}
