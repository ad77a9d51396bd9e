package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"linkbot/internal/linking"
	"linkbot/internal/observability"
)

const (
	internalAuthHeader    = "Authorization"
	internalAuthAltHeader = "X-Internal-Key"
	maxBodyBytes          = 64 << 10
	messageSubject        = "New message"
)

// Limiter ограничивает число запросов с одного адреса.
type Limiter interface {
	Allow(key string) bool
}

// API обслуживает внутренние запросы других сервисов.
type API struct {
	accounts    linking.AccountStore
	notifier    linking.Notifier
	internalKey string
	limiter     Limiter
	logger      *slog.Logger
}

// NewAPI создает внутренний API. Пустой internalKey отклоняет все запросы.
func NewAPI(accounts linking.AccountStore, notifier linking.Notifier, internalKey string, limiter Limiter, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		accounts:    accounts,
		notifier:    notifier,
		internalKey: strings.TrimSpace(internalKey),
		limiter:     limiter,
		logger:      logger,
	}
}

// Register подключает маршруты API к mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/send-message", a.HandleSendMessage)
	mux.HandleFunc("/link/status", a.HandleLinkStatus)
}

type sendMessageRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

type sendMessageResponse struct {
	Status         string `json:"status"`
	ChatID         *int64 `json:"chat_id"`
	ChatDelivered  bool   `json:"chat_delivered"`
	EmailDelivered bool   `json:"email_delivered"`
}

type linkStatusResponse struct {
	Email  string `json:"email"`
	Linked bool   `json:"linked"`
	ChatID *int64 `json:"chat_id"`
}

// HandleSendMessage пересылает сообщение в привязанный чат и на email аккаунта.
func (a *API) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.authorize(w, r) {
		return
	}
	var req sendMessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "email and message are required")
		return
	}

	account, err := a.accounts.FindByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, linking.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		a.logger.Error("account lookup failed", slog.String("request_id", observability.RequestIDFromContext(r.Context())), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := sendMessageResponse{Status: "success"}
	if account.Linked() {
		chatID := account.ChatID
		resp.ChatID = &chatID
		if err := a.notifier.SendChatMessage(r.Context(), chatID, req.Message, linking.ChatOptions{}); err != nil {
			a.logger.Warn("chat delivery failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
		} else {
			resp.ChatDelivered = true
		}
	}
	if err := a.notifier.SendEmail(r.Context(), account.Email, messageSubject, req.Message); err != nil {
		a.logger.Warn("email delivery failed", slog.String("error", err.Error()))
	} else {
		resp.EmailDelivered = true
	}
	if !resp.ChatDelivered && !resp.EmailDelivered {
		resp.Status = "failed"
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleLinkStatus сообщает, привязан ли аккаунт к чату.
func (a *API) HandleLinkStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.authorize(w, r) {
		return
	}
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	account, err := a.accounts.FindByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, linking.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		a.logger.Error("account lookup failed", slog.String("request_id", observability.RequestIDFromContext(r.Context())), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp := linkStatusResponse{Email: account.Email, Linked: account.Linked()}
	if account.Linked() {
		chatID := account.ChatID
		resp.ChatID = &chatID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) authorize(w http.ResponseWriter, r *http.Request) bool {
	if a.internalKey == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	altValue := strings.TrimSpace(r.Header.Get(internalAuthAltHeader))
	value := strings.TrimSpace(r.Header.Get(internalAuthHeader))
	if altValue != a.internalKey && value != "Bearer "+a.internalKey {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if a.limiter != nil && !a.limiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
