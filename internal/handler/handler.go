// Package handler содержит HTTP-обработчики API сервиса комплиментов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mkravets/kudos-system/internal/middleware"
	"github.com/mkravets/kudos-system/internal/model"
	"github.com/mkravets/kudos-system/internal/repository"
	"github.com/mkravets/kudos-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password, displayName, email string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	IssueCompliment(ctx context.Context, in service.IssueComplimentInput) (*service.IssuedCompliment, error)
	GetComplimentBySearchCode(ctx context.Context, code string) (*model.Compliment, error)
	GetComplimentByMagicToken(ctx context.Context, token string) (*model.Compliment, error)
	RequestClaim(ctx context.Context, complimentID, requesterID int64) (*model.Claim, error)
	ListClaims(ctx context.Context, issuerID int64) ([]model.Claim, error)
	CreateClaimChannel(ctx context.Context, complimentID, requesterID int64) (string, error)
	ApproveClaim(ctx context.Context, callerID, complimentID, claimerID int64) error
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	ListTransactions(ctx context.Context, userID int64) ([]model.Transaction, error)
	ListChats(ctx context.Context, userID int64) ([]model.Chat, error)
	ListChatMessages(ctx context.Context, chatID string, userID int64) ([]model.ChatMessage, error)
	SendChatMessage(ctx context.Context, chatID string, senderID int64, body string) error
	FindDuplicates(ctx context.Context, callerID int64) ([]service.DuplicateGroup, error)
	SweepBalances(ctx context.Context, callerID, fromUserID, toUserID int64) (int64, error)
}

// Handler реализует HTTP-обработчики API сервиса комплиментов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// writeDomainError переводит доменные ошибки в HTTP-статусы.
// Возвращает false, если ошибка неизвестна и должна логироваться как внутренняя.
func writeDomainError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrPermissionDenied), errors.Is(err, repository.ErrNotParticipant):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrInsufficientFunds):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrAlreadySettled), errors.Is(err, repository.ErrMissingIdentitySetup):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type registerRequest struct {
	Login       string `json:"login"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, req.DisplayName, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type issueRequest struct {
	RecipientName string `json:"recipient_name"`
	Message       string `json:"message"`
	Tip           int64  `json:"tip"`
	Note          string `json:"note"`
	PIN           string `json:"pin"`
}

type issueResponse struct {
	ID         int64  `json:"id"`
	SearchCode string `json:"search_code"`
	MagicLink  string `json:"magic_link"`
	PIN        string `json:"pin"`
}

// IssueCompliment выпускает новый комплимент от текущего пользователя.
func (h *Handler) IssueCompliment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Tip < 0 || req.Message == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	issued, err := h.service.IssueCompliment(r.Context(), service.IssueComplimentInput{
		IssuerID:      userID,
		RecipientName: req.RecipientName,
		Message:       req.Message,
		Tip:           req.Tip,
		Note:          req.Note,
		PIN:           req.PIN,
	})
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("issue compliment error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(issueResponse{
		ID:         issued.ID,
		SearchCode: issued.SearchCode,
		MagicLink:  issued.MagicLink,
		PIN:        issued.PIN,
	}); err != nil {
		h.logger.Error("encode issue response", zap.Error(err))
	}
}

// complimentResponse — публичное представление комплимента.
// PIN и авторитетной суммы здесь нет и быть не может: tip_hint — подсказка для UI.
type complimentResponse struct {
	ID            int64  `json:"id"`
	SenderName    string `json:"sender_name"`
	RecipientName string `json:"recipient_name"`
	Message       string `json:"message"`
	SearchCode    string `json:"search_code"`
	Status        string `json:"status"`
	TipHint       int64  `json:"tip_hint"`
	CreatedAt     string `json:"created_at"`
}

func toComplimentResponse(c *model.Compliment) complimentResponse {
	return complimentResponse{
		ID:            c.ID,
		SenderName:    c.SenderName,
		RecipientName: c.RecipientName,
		Message:       c.Message,
		SearchCode:    c.SearchCode,
		Status:        string(c.Status),
		TipHint:       c.TipHint,
		CreatedAt:     c.CreatedAt.Format(time.RFC3339),
	}
}

// GetComplimentByCode возвращает публичную запись по поисковому коду.
func (h *Handler) GetComplimentByCode(w http.ResponseWriter, r *http.Request) {
	code := pathParam(r, "code")

	c, err := h.service.GetComplimentBySearchCode(r.Context(), code)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("get compliment by code error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, toComplimentResponse(c))
}

// GetComplimentByMagicToken возвращает публичную запись по магической ссылке.
func (h *Handler) GetComplimentByMagicToken(w http.ResponseWriter, r *http.Request) {
	token := pathParam(r, "token")

	c, err := h.service.GetComplimentByMagicToken(r.Context(), token)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("get compliment by token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, toComplimentResponse(c))
}

type claimResponse struct {
	ID            int64  `json:"id"`
	ComplimentID  int64  `json:"compliment_id"`
	RequesterID   int64  `json:"requester_id"`
	RequesterName string `json:"requester_name"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	CreatedAt     string `json:"created_at"`
}

func toClaimResponse(c model.Claim) claimResponse {
	return claimResponse{
		ID:            c.ID,
		ComplimentID:  c.ComplimentID,
		RequesterID:   c.RequesterID,
		RequesterName: c.RequesterName,
		Status:        string(c.Status),
		Amount:        c.Amount,
		CreatedAt:     c.CreatedAt.Format(time.RFC3339),
	}
}

// RequestClaim создаёт заявку текущего пользователя на комплимент.
func (h *Handler) RequestClaim(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	complimentID, ok := complimentIDParam(w, r)
	if !ok {
		return
	}

	claim, err := h.service.RequestClaim(r.Context(), complimentID, userID)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("request claim error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, toClaimResponse(*claim))
}

// ListClaims возвращает заявки на комплименты текущего пользователя.
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	claims, err := h.service.ListClaims(r.Context(), userID)
	if err != nil {
		h.logger.Error("list claims error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(claims) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]claimResponse, 0, len(claims))
	for _, c := range claims {
		resp = append(resp, toClaimResponse(c))
	}

	writeJSON(w, resp)
}

type createClaimResponse struct {
	Success bool   `json:"success"`
	ChatID  string `json:"chatId"`
}

// CreateClaim — серверная операция createClaim: открывает канал переговоров
// между текущим пользователем и отправителем комплимента.
func (h *Handler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	complimentID, ok := complimentIDParam(w, r)
	if !ok {
		return
	}

	chatID, err := h.service.CreateClaimChannel(r.Context(), complimentID, userID)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("create claim error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, createClaimResponse{Success: true, ChatID: chatID})
}

type approveClaimRequest struct {
	ClaimerID int64 `json:"claimer_id"`
}

type approveClaimResponse struct {
	Success bool `json:"success"`
}

// ApproveClaim — серверная операция approveClaim: вручает комплимент
// указанному заявителю от имени текущего пользователя.
func (h *Handler) ApproveClaim(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	complimentID, ok := complimentIDParam(w, r)
	if !ok {
		return
	}

	var req approveClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClaimerID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.ApproveClaim(r.Context(), userID, complimentID, req.ClaimerID)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("approve claim error", zap.Error(err),
			zap.Int64("userID", userID), zap.Int64("complimentID", complimentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, approveClaimResponse{Success: true})
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, balance)
}

type transactionResponse struct {
	ID           int64  `json:"id"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	FromUserID   *int64 `json:"from_user_id,omitempty"`
	ToUserID     *int64 `json:"to_user_id,omitempty"`
	ComplimentID *int64 `json:"compliment_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// ListTransactions возвращает журнал движений средств текущего пользователя.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	transactions, err := h.service.ListTransactions(r.Context(), userID)
	if err != nil {
		h.logger.Error("list transactions error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		resp = append(resp, transactionResponse{
			ID:           t.ID,
			Type:         string(t.Type),
			Amount:       t.Amount,
			FromUserID:   t.FromUserID,
			ToUserID:     t.ToUserID,
			ComplimentID: t.ComplimentID,
			CreatedAt:    t.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

type chatResponse struct {
	ID            string `json:"id"`
	ComplimentID  int64  `json:"compliment_id"`
	ParticipantA  int64  `json:"participant_a"`
	ParticipantB  int64  `json:"participant_b"`
	LastMessage   string `json:"last_message"`
	LastMessageAt string `json:"last_message_at"`
}

// ListChats возвращает каналы переговоров текущего пользователя.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	chats, err := h.service.ListChats(r.Context(), userID)
	if err != nil {
		h.logger.Error("list chats error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(chats) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]chatResponse, 0, len(chats))
	for _, c := range chats {
		resp = append(resp, chatResponse{
			ID:            c.ID,
			ComplimentID:  c.ComplimentID,
			ParticipantA:  c.ParticipantA,
			ParticipantB:  c.ParticipantB,
			LastMessage:   c.LastMessage,
			LastMessageAt: c.LastMessageAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

type chatMessageResponse struct {
	ID        int64  `json:"id"`
	SenderID  *int64 `json:"sender_id,omitempty"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

// ListChatMessages возвращает сообщения канала переговоров.
func (h *Handler) ListChatMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	chatID := pathParam(r, "chatID")

	messages, err := h.service.ListChatMessages(r.Context(), chatID, userID)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("list chat messages error", zap.Error(err), zap.String("chatID", chatID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]chatMessageResponse, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, chatMessageResponse{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Body:      m.Body,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

// SendChatMessage добавляет сообщение текущего пользователя в канал переговоров.
func (h *Handler) SendChatMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	chatID := pathParam(r, "chatID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SendChatMessage(r.Context(), chatID, userID, req.Body); err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("send chat message error", zap.Error(err), zap.String("chatID", chatID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// FindDuplicates возвращает группы вероятных дублей аккаунтов. Только для администратора.
func (h *Handler) FindDuplicates(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	groups, err := h.service.FindDuplicates(r.Context(), userID)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("find duplicates error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(groups) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, groups)
}

type sweepRequest struct {
	FromUserID int64 `json:"from_user_id"`
	ToUserID   int64 `json:"to_user_id"`
}

type sweepResponse struct {
	Moved int64 `json:"moved"`
}

// SweepBalances консолидирует средства дублирующегося аккаунта. Только для администратора.
func (h *Handler) SweepBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FromUserID == 0 || req.ToUserID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	moved, err := h.service.SweepBalances(r.Context(), userID, req.FromUserID, req.ToUserID)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("sweep balances error", zap.Error(err),
			zap.Int64("from", req.FromUserID), zap.Int64("to", req.ToUserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, sweepResponse{Moved: moved})
}

func complimentIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
