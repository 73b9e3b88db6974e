// Package service реализует бизнес-логику сервиса комплиментов.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mkravets/kudos-system/internal/codes"
	"github.com/mkravets/kudos-system/internal/identity"
	"github.com/mkravets/kudos-system/internal/model"
	"github.com/mkravets/kudos-system/internal/notify"
	"github.com/mkravets/kudos-system/internal/repository"
)

// codeRetryAttempts — сколько раз перегенерировать поисковый код при коллизии.
const codeRetryAttempts = 3

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, displayName, email string) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	EnsureOwnerIndex(ctx context.Context, userID int64, candidate string) (string, error)
	GetBalance(ctx context.Context, userID int64) (int64, int64, error)
	IssueCompliment(ctx context.Context, p repository.IssueComplimentParams) (int64, error)
	GetComplimentByID(ctx context.Context, id int64) (*model.Compliment, error)
	GetComplimentBySearchCode(ctx context.Context, code string) (*model.Compliment, error)
	GetComplimentByMagicToken(ctx context.Context, token string) (*model.Compliment, error)
	CreateClaim(ctx context.Context, complimentID, requesterID int64) (*model.Claim, bool, error)
	ListClaimsByIssuer(ctx context.Context, issuerID int64) ([]model.Claim, error)
	OpenChat(ctx context.Context, chatID string, complimentID, requesterID int64, systemMessage string) error
	SettleCompliment(ctx context.Context, callerID, complimentID, claimerID int64) error
	ListTransactions(ctx context.Context, userID int64) ([]model.Transaction, error)
	ListChats(ctx context.Context, userID int64) ([]model.Chat, error)
	ListChatMessages(ctx context.Context, chatID string, userID int64) ([]model.ChatMessage, error)
	AddChatMessage(ctx context.Context, chatID string, senderID int64, body string) error
	ListUsersWithEmail(ctx context.Context) ([]model.User, error)
	SweepBalances(ctx context.Context, fromUserID, toUserID int64) (int64, error)
}

// Service содержит бизнес-логику сервиса комплиментов.
type Service struct {
	repo     Repository
	notifier *notify.Client
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом уведомлений.
func NewService(repo Repository, notifier *notify.Client) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя и сразу выдаёт ему owner index.
func (s *Service) RegisterUser(ctx context.Context, login, password, displayName, email string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, displayName, email)
	if err != nil {
		return 0, err
	}

	// Одноразовый побочный эффект вне транзакции выпуска: без owner index
	// пользователь не может выпускать комплименты.
	candidate, err := newOwnerIndex()
	if err != nil {
		return 0, err
	}
	if _, err := s.repo.EnsureOwnerIndex(ctx, id, candidate); err != nil {
		return 0, err
	}

	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

func newOwnerIndex() (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate owner index: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// IssueComplimentInput — входные данные выпуска комплимента.
type IssueComplimentInput struct {
	IssuerID      int64
	RecipientName string
	Message       string
	Tip           int64
	Note          string
	// PIN задаёт отправитель; при пустом значении генерируется новый.
	PIN string
}

// IssuedCompliment — результат выпуска комплимента.
type IssuedCompliment struct {
	ID         int64
	SearchCode string
	MagicLink  string
	PIN        string
}

// IssueCompliment выпускает комплимент: генерирует коды и атомарно создаёт
// публичную и приватную записи, резервируя чаевые. При коллизии поискового
// кода пробует новый код ограниченное число раз.
func (s *Service) IssueCompliment(ctx context.Context, in IssueComplimentInput) (*IssuedCompliment, error) {
	if in.Tip < 0 {
		return nil, errors.New("tip must not be negative")
	}
	if in.PIN != "" && !codes.IsValidPIN(in.PIN) {
		return nil, errors.New("invalid pin format")
	}

	issuer, err := s.repo.GetUserByID(ctx, in.IssuerID)
	if err != nil {
		return nil, err
	}

	pin := in.PIN
	if pin == "" {
		pin, err = codes.NewPIN()
		if err != nil {
			return nil, err
		}
	}

	token, err := codes.NewMagicToken()
	if err != nil {
		return nil, err
	}

	var complimentID int64
	var searchCode string
	for attempt := 0; attempt < codeRetryAttempts; attempt++ {
		searchCode, err = codes.NewSearchCode()
		if err != nil {
			return nil, err
		}

		complimentID, err = s.repo.IssueCompliment(ctx, repository.IssueComplimentParams{
			IssuerID:      in.IssuerID,
			SenderName:    issuer.DisplayName,
			RecipientName: in.RecipientName,
			Message:       in.Message,
			SearchCode:    searchCode,
			MagicToken:    token,
			PIN:           pin,
			Tip:           in.Tip,
			Note:          in.Note,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrCodeCollision) {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}

	return &IssuedCompliment{
		ID:         complimentID,
		SearchCode: searchCode,
		MagicLink:  MagicLink(token),
		PIN:        pin,
	}, nil
}

// MagicLink строит относительную магическую ссылку по токену.
func MagicLink(token string) string {
	return "/api/compliments/magic/" + token
}

// GetComplimentByID возвращает публичную запись комплимента.
func (s *Service) GetComplimentByID(ctx context.Context, id int64) (*model.Compliment, error) {
	return s.repo.GetComplimentByID(ctx, id)
}

// GetComplimentBySearchCode возвращает публичную запись по поисковому коду.
func (s *Service) GetComplimentBySearchCode(ctx context.Context, code string) (*model.Compliment, error) {
	if !codes.IsValidSearchCode(code) {
		return nil, repository.ErrNotFound
	}
	return s.repo.GetComplimentBySearchCode(ctx, code)
}

// GetComplimentByMagicToken возвращает публичную запись по токену магической ссылки.
func (s *Service) GetComplimentByMagicToken(ctx context.Context, token string) (*model.Compliment, error) {
	return s.repo.GetComplimentByMagicToken(ctx, token)
}

// RequestClaim создаёт заявку на комплимент. Повторный вызов той же пары
// (комплимент, заявитель) возвращает существующую заявку.
func (s *Service) RequestClaim(ctx context.Context, complimentID, requesterID int64) (*model.Claim, error) {
	claim, created, err := s.repo.CreateClaim(ctx, complimentID, requesterID)
	if err != nil {
		return nil, err
	}

	if created && s.notifier != nil {
		// Уведомление только после коммита; ошибка доставки не фатальна.
		_ = s.notifier.Send(ctx, notify.Event{
			UserID:       claim.IssuerID,
			Kind:         notify.EventClaimRequested,
			ComplimentID: complimentID,
			Text:         claim.RequesterName,
		})
	}

	return claim, nil
}

// ListClaims возвращает заявки на комплименты отправителя.
func (s *Service) ListClaims(ctx context.Context, issuerID int64) ([]model.Claim, error) {
	return s.repo.ListClaimsByIssuer(ctx, issuerID)
}

// CreateClaimChannel — мост переговоров: атомарно создаёт канал между
// заявителем и отправителем, публикует системное сообщение и переводит
// комплимент в pending_approval. Возвращает идентификатор канала.
func (s *Service) CreateClaimChannel(ctx context.Context, complimentID, requesterID int64) (string, error) {
	requester, err := s.repo.GetUserByID(ctx, requesterID)
	if err != nil {
		return "", err
	}

	chatID := ChatID(complimentID, requesterID)
	systemMessage := fmt.Sprintf("%s откликнулся на комплимент", requester.DisplayName)

	if err := s.repo.OpenChat(ctx, chatID, complimentID, requesterID, systemMessage); err != nil {
		return "", err
	}

	return chatID, nil
}

// ChatID детерминированно выводит идентификатор канала из пары
// (комплимент, заявитель): повторные попытки переговоров идемпотентны.
func ChatID(complimentID, requesterID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", complimentID, requesterID)))
	return hex.EncodeToString(sum[:16])
}

// ApproveClaim вручает комплимент указанному заявителю от имени отправителя.
func (s *Service) ApproveClaim(ctx context.Context, callerID, complimentID, claimerID int64) error {
	if err := s.repo.SettleCompliment(ctx, callerID, complimentID, claimerID); err != nil {
		return err
	}

	if s.notifier != nil {
		_ = s.notifier.Send(ctx, notify.Event{
			UserID:       claimerID,
			Kind:         notify.EventTipSettled,
			ComplimentID: complimentID,
		})
	}

	return nil
}

// GetBalance возвращает доступный и зарезервированный остаток кошелька.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	current, held, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Current: current,
		Held:    held,
	}, nil
}

// ListTransactions возвращает журнал движений средств пользователя.
func (s *Service) ListTransactions(ctx context.Context, userID int64) ([]model.Transaction, error) {
	return s.repo.ListTransactions(ctx, userID)
}

// ListChats возвращает каналы переговоров пользователя.
func (s *Service) ListChats(ctx context.Context, userID int64) ([]model.Chat, error) {
	return s.repo.ListChats(ctx, userID)
}

// ListChatMessages возвращает сообщения канала для его участника.
func (s *Service) ListChatMessages(ctx context.Context, chatID string, userID int64) ([]model.ChatMessage, error) {
	return s.repo.ListChatMessages(ctx, chatID, userID)
}

// SendChatMessage добавляет сообщение участника в канал переговоров.
func (s *Service) SendChatMessage(ctx context.Context, chatID string, senderID int64, body string) error {
	if body == "" {
		return errors.New("message body must not be empty")
	}
	return s.repo.AddChatMessage(ctx, chatID, senderID, body)
}

// DuplicateUser — краткое представление аккаунта в группе дублей.
type DuplicateUser struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// DuplicateGroup — группа аккаунтов с одинаковым каноническим ключом почты.
type DuplicateGroup struct {
	Key   string          `json:"key"`
	Users []DuplicateUser `json:"users"`
}

// FindDuplicates группирует аккаунты по каноническому ключу почты и возвращает
// группы из двух и более аккаунтов. Только чтение: слияние выполняет
// администратор явной операцией SweepBalances.
func (s *Service) FindDuplicates(ctx context.Context, callerID int64) ([]DuplicateGroup, error) {
	if err := s.requireAdmin(ctx, callerID); err != nil {
		return nil, err
	}

	users, err := s.repo.ListUsersWithEmail(ctx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string][]DuplicateUser)
	var order []string
	for _, u := range users {
		key := identity.Canonicalize(u.Email)
		if len(byKey[key]) == 0 {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], DuplicateUser{
			ID:          u.ID,
			Login:       u.Login,
			DisplayName: u.DisplayName,
			Email:       u.Email,
		})
	}

	var res []DuplicateGroup
	for _, key := range order {
		if len(byKey[key]) < 2 {
			continue
		}
		res = append(res, DuplicateGroup{Key: key, Users: byKey[key]})
	}

	return res, nil
}

// SweepBalances консолидирует средства дублирующегося аккаунта по решению
// администратора. Возвращает перенесённую сумму.
func (s *Service) SweepBalances(ctx context.Context, callerID, fromUserID, toUserID int64) (int64, error) {
	if err := s.requireAdmin(ctx, callerID); err != nil {
		return 0, err
	}
	return s.repo.SweepBalances(ctx, fromUserID, toUserID)
}

func (s *Service) requireAdmin(ctx context.Context, callerID int64) error {
	caller, err := s.repo.GetUserByID(ctx, callerID)
	if err != nil {
		return err
	}
	if !caller.IsAdmin {
		return repository.ErrPermissionDenied
	}
	return nil
}
