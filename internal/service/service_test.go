package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mkravets/kudos-system/internal/model"
	"github.com/mkravets/kudos-system/internal/repository"
)

// memRepo — репозиторий в памяти с той же семантикой транзакций, что и у
// PostgresRepository: либо применяются все эффекты операции, либо ни один.
type memRepo struct {
	users        map[int64]*model.User
	wallets      map[int64]*model.Wallet
	compliments  map[int64]*model.Compliment
	ledgers      map[int64]*model.LedgerEntry
	claims       map[int64]*model.Claim
	chats        map[string]*model.Chat
	messages     []model.ChatMessage
	transactions []model.Transaction

	nextID int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:       make(map[int64]*model.User),
		wallets:     make(map[int64]*model.Wallet),
		compliments: make(map[int64]*model.Compliment),
		ledgers:     make(map[int64]*model.LedgerEntry),
		claims:      make(map[int64]*model.Claim),
		chats:       make(map[string]*model.Chat),
	}
}

func (m *memRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memRepo) addUser(name string, balance int64, admin bool) *model.User {
	id := m.id()
	u := &model.User{
		ID:          id,
		Login:       fmt.Sprintf("user%d", id),
		DisplayName: name,
		Email:       fmt.Sprintf("user%d@example.com", id),
		OwnerIndex:  fmt.Sprintf("owner-%d", id),
		IsAdmin:     admin,
	}
	m.users[id] = u
	m.wallets[id] = &model.Wallet{UserID: id, Balance: balance}
	return u
}

func (m *memRepo) totalCoins() int64 {
	var sum int64
	for _, w := range m.wallets {
		sum += w.Balance + w.Held
	}
	return sum
}

func (m *memRepo) Close() error { return nil }

func (m *memRepo) CreateUser(ctx context.Context, login string, passwordHash []byte, displayName, email string) (int64, error) {
	for _, u := range m.users {
		if u.Login == login {
			return 0, repository.ErrUserExists
		}
	}
	id := m.id()
	m.users[id] = &model.User{ID: id, Login: login, PasswordHash: passwordHash, DisplayName: displayName, Email: email}
	m.wallets[id] = &model.Wallet{UserID: id, Balance: repository.WelcomeCredit}
	m.transactions = append(m.transactions, model.Transaction{
		Type: model.TransactionTypeWelcome, Amount: repository.WelcomeCredit, ToUserID: &id,
	})
	return id, nil
}

func (m *memRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	for _, u := range m.users {
		if u.Login == login {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *memRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func (m *memRepo) EnsureOwnerIndex(ctx context.Context, userID int64, candidate string) (string, error) {
	u, ok := m.users[userID]
	if !ok {
		return "", repository.ErrUserNotFound
	}
	if u.OwnerIndex == "" {
		u.OwnerIndex = candidate
	}
	return u.OwnerIndex, nil
}

func (m *memRepo) GetBalance(ctx context.Context, userID int64) (int64, int64, error) {
	w, ok := m.wallets[userID]
	if !ok {
		return 0, 0, repository.ErrUserNotFound
	}
	return w.Balance, w.Held, nil
}

func (m *memRepo) IssueCompliment(ctx context.Context, p repository.IssueComplimentParams) (int64, error) {
	u, ok := m.users[p.IssuerID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	if u.OwnerIndex == "" {
		return 0, repository.ErrMissingIdentitySetup
	}

	if p.Tip > 0 {
		w := m.wallets[p.IssuerID]
		if w.Balance < p.Tip {
			return 0, repository.ErrInsufficientFunds
		}
		w.Balance -= p.Tip
		w.Held += p.Tip
	}

	id := m.id()
	m.compliments[id] = &model.Compliment{
		ID:          id,
		OwnerIndex:  u.OwnerIndex,
		SenderName:  p.SenderName,
		Message:     p.Message,
		SearchCode:  p.SearchCode,
		MagicToken:  p.MagicToken,
		TokenStatus: model.TokenStatusActive,
		Status:      model.ComplimentStatusPublished,
		TipHint:     p.Tip,
	}
	m.ledgers[id] = &model.LedgerEntry{
		ID: m.id(), ComplimentID: id, IssuerID: p.IssuerID, PIN: p.PIN, Amount: p.Tip, Note: p.Note,
	}
	if p.Tip > 0 {
		issuerID := p.IssuerID
		m.transactions = append(m.transactions, model.Transaction{
			Type: model.TransactionTypeTipHold, Amount: -p.Tip, FromUserID: &issuerID, ComplimentID: &id,
		})
	}
	return id, nil
}

func (m *memRepo) GetComplimentByID(ctx context.Context, id int64) (*model.Compliment, error) {
	c, ok := m.compliments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (m *memRepo) GetComplimentBySearchCode(ctx context.Context, code string) (*model.Compliment, error) {
	for _, c := range m.compliments {
		if c.SearchCode == code {
			return c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) GetComplimentByMagicToken(ctx context.Context, token string) (*model.Compliment, error) {
	for _, c := range m.compliments {
		if c.MagicToken == token && c.TokenStatus == model.TokenStatusActive {
			return c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) CreateClaim(ctx context.Context, complimentID, requesterID int64) (*model.Claim, bool, error) {
	c, ok := m.compliments[complimentID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if c.Status == model.ComplimentStatusClaimed {
		return nil, false, repository.ErrAlreadySettled
	}
	u, ok := m.users[requesterID]
	if !ok {
		return nil, false, repository.ErrUserNotFound
	}

	for _, cl := range m.claims {
		if cl.ComplimentID == complimentID && cl.RequesterID == requesterID && cl.Status != model.ClaimStatusDenied {
			return cl, false, nil
		}
	}

	ledger := m.ledgers[complimentID]
	claim := &model.Claim{
		ID:            m.id(),
		ComplimentID:  complimentID,
		IssuerID:      ledger.IssuerID,
		RequesterID:   requesterID,
		RequesterName: u.DisplayName,
		Status:        model.ClaimStatusPending,
		Amount:        c.TipHint,
	}
	m.claims[claim.ID] = claim
	return claim, true, nil
}

func (m *memRepo) ListClaimsByIssuer(ctx context.Context, issuerID int64) ([]model.Claim, error) {
	var res []model.Claim
	for _, c := range m.claims {
		if c.IssuerID == issuerID {
			res = append(res, *c)
		}
	}
	return res, nil
}

func (m *memRepo) OpenChat(ctx context.Context, chatID string, complimentID, requesterID int64, systemMessage string) error {
	c, ok := m.compliments[complimentID]
	if !ok {
		return repository.ErrNotFound
	}
	ledger := m.ledgers[complimentID]
	if ledger.IssuerID == requesterID {
		return repository.ErrPermissionDenied
	}
	if c.Status == model.ComplimentStatusClaimed {
		return repository.ErrAlreadySettled
	}

	if _, exists := m.chats[chatID]; !exists {
		m.chats[chatID] = &model.Chat{
			ID:           chatID,
			ComplimentID: complimentID,
			ParticipantA: requesterID,
			ParticipantB: ledger.IssuerID,
			LastMessage:  systemMessage,
		}
		m.messages = append(m.messages, model.ChatMessage{
			ID: m.id(), ChatID: chatID, Body: systemMessage,
		})
	}

	c.Status = model.ComplimentStatusPendingApproval
	c.PendingClaimerID = &requesterID
	return nil
}

func (m *memRepo) SettleCompliment(ctx context.Context, callerID, complimentID, claimerID int64) error {
	c, ok := m.compliments[complimentID]
	if !ok {
		return repository.ErrNotFound
	}

	caller, ok := m.users[callerID]
	if !ok {
		return repository.ErrUserNotFound
	}
	if caller.OwnerIndex == "" || caller.OwnerIndex != c.OwnerIndex {
		return repository.ErrPermissionDenied
	}

	if c.Status == model.ComplimentStatusClaimed {
		return repository.ErrAlreadySettled
	}

	ledger, ok := m.ledgers[complimentID]
	if !ok {
		return repository.ErrNotFound
	}

	if _, ok := m.wallets[claimerID]; !ok {
		return repository.ErrUserNotFound
	}

	if ledger.Amount > 0 {
		issuerWallet := m.wallets[callerID]
		if issuerWallet.Held < ledger.Amount {
			return repository.ErrInsufficientFunds
		}
		issuerWallet.Held -= ledger.Amount
		m.wallets[claimerID].Balance += ledger.Amount

		from, to := callerID, claimerID
		m.transactions = append(m.transactions, model.Transaction{
			Type: model.TransactionTypeTipSettle, Amount: ledger.Amount,
			FromUserID: &from, ToUserID: &to, ComplimentID: &complimentID,
		})
	}

	now := time.Now()
	c.Status = model.ComplimentStatusClaimed
	c.TokenStatus = model.TokenStatusConsumed
	c.ClaimedBy = &claimerID
	c.ClaimedAt = &now
	ledger.SettledTo = &claimerID
	ledger.SettledAt = &now

	for _, cl := range m.claims {
		if cl.ComplimentID != complimentID || cl.Status != model.ClaimStatusPending {
			continue
		}
		if cl.RequesterID == claimerID {
			cl.Status = model.ClaimStatusApproved
		} else {
			cl.Status = model.ClaimStatusDenied
		}
	}

	return nil
}

func (m *memRepo) ListTransactions(ctx context.Context, userID int64) ([]model.Transaction, error) {
	var res []model.Transaction
	for _, t := range m.transactions {
		if (t.FromUserID != nil && *t.FromUserID == userID) || (t.ToUserID != nil && *t.ToUserID == userID) {
			res = append(res, t)
		}
	}
	return res, nil
}

func (m *memRepo) ListChats(ctx context.Context, userID int64) ([]model.Chat, error) {
	var res []model.Chat
	for _, c := range m.chats {
		if c.ParticipantA == userID || c.ParticipantB == userID {
			res = append(res, *c)
		}
	}
	return res, nil
}

func (m *memRepo) ListChatMessages(ctx context.Context, chatID string, userID int64) ([]model.ChatMessage, error) {
	c, ok := m.chats[chatID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if c.ParticipantA != userID && c.ParticipantB != userID {
		return nil, repository.ErrNotParticipant
	}
	var res []model.ChatMessage
	for _, msg := range m.messages {
		if msg.ChatID == chatID {
			res = append(res, msg)
		}
	}
	return res, nil
}

func (m *memRepo) AddChatMessage(ctx context.Context, chatID string, senderID int64, body string) error {
	c, ok := m.chats[chatID]
	if !ok {
		return repository.ErrNotFound
	}
	if c.ParticipantA != senderID && c.ParticipantB != senderID {
		return repository.ErrNotParticipant
	}
	m.messages = append(m.messages, model.ChatMessage{ID: m.id(), ChatID: chatID, SenderID: &senderID, Body: body})
	c.LastMessage = body
	return nil
}

func (m *memRepo) ListUsersWithEmail(ctx context.Context) ([]model.User, error) {
	var res []model.User
	for _, u := range m.users {
		if u.Email != "" {
			res = append(res, *u)
		}
	}
	return res, nil
}

func (m *memRepo) SweepBalances(ctx context.Context, fromUserID, toUserID int64) (int64, error) {
	from, ok := m.wallets[fromUserID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	to, ok := m.wallets[toUserID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}

	moved := from.Balance + from.Held
	to.Balance += from.Balance
	to.Held += from.Held
	from.Balance = 0
	from.Held = 0

	if moved > 0 {
		m.transactions = append(m.transactions, model.Transaction{
			Type: model.TransactionTypeAdminSweep, Amount: moved, FromUserID: &fromUserID, ToUserID: &toUserID,
		})
	}
	return moved, nil
}

func issueTestCompliment(t *testing.T, svc *Service, issuerID, tip int64) *IssuedCompliment {
	t.Helper()

	issued, err := svc.IssueCompliment(context.Background(), IssueComplimentInput{
		IssuerID:      issuerID,
		RecipientName: "самому доброму человеку",
		Message:       "спасибо",
		Tip:           tip,
	})
	if err != nil {
		t.Fatalf("IssueCompliment error: %v", err)
	}
	return issued
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestIssueCompliment_HoldsTip(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	svc := NewService(repo, nil)

	issued := issueTestCompliment(t, svc, issuer.ID, 30)

	if issued.SearchCode == "" || len(issued.SearchCode) != 8 {
		t.Fatalf("unexpected search code %q", issued.SearchCode)
	}
	if issued.PIN == "" {
		t.Fatalf("pin must be generated when not supplied")
	}

	w := repo.wallets[issuer.ID]
	if w.Balance != 70 || w.Held != 30 {
		t.Fatalf("wallet after issue = %+v, want balance 70 held 30", w)
	}

	c := repo.compliments[issued.ID]
	if c.Status != model.ComplimentStatusPublished {
		t.Fatalf("status = %s, want published", c.Status)
	}
}

func TestIssueCompliment_InsufficientFunds(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 10, false)
	svc := NewService(repo, nil)

	_, err := svc.IssueCompliment(context.Background(), IssueComplimentInput{
		IssuerID: issuer.ID,
		Message:  "спасибо",
		Tip:      30,
	})
	if !errors.Is(err, repository.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if len(repo.compliments) != 0 || len(repo.ledgers) != 0 {
		t.Fatalf("nothing must be created on failed issue")
	}
	if w := repo.wallets[issuer.ID]; w.Balance != 10 || w.Held != 0 {
		t.Fatalf("wallet must be untouched, got %+v", w)
	}
}

func TestIssueCompliment_MissingIdentitySetup(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	issuer.OwnerIndex = ""
	svc := NewService(repo, nil)

	_, err := svc.IssueCompliment(context.Background(), IssueComplimentInput{
		IssuerID: issuer.ID,
		Message:  "спасибо",
	})
	if !errors.Is(err, repository.ErrMissingIdentitySetup) {
		t.Fatalf("expected ErrMissingIdentitySetup, got %v", err)
	}
}

func TestRequestClaim_Idempotent(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	claimer := repo.addUser("Борис", 0, false)
	svc := NewService(repo, nil)

	issued := issueTestCompliment(t, svc, issuer.ID, 30)

	first, err := svc.RequestClaim(context.Background(), issued.ID, claimer.ID)
	if err != nil {
		t.Fatalf("RequestClaim error: %v", err)
	}
	second, err := svc.RequestClaim(context.Background(), issued.ID, claimer.ID)
	if err != nil {
		t.Fatalf("repeated RequestClaim error: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("repeated claim must return the existing one: %d != %d", first.ID, second.ID)
	}
	if len(repo.claims) != 1 {
		t.Fatalf("claims count = %d, want 1", len(repo.claims))
	}
}

func TestRequestClaim_AfterSettlement(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	claimer := repo.addUser("Борис", 0, false)
	latecomer := repo.addUser("Вера", 0, false)
	svc := NewService(repo, nil)

	issued := issueTestCompliment(t, svc, issuer.ID, 30)
	if err := svc.ApproveClaim(context.Background(), issuer.ID, issued.ID, claimer.ID); err != nil {
		t.Fatalf("ApproveClaim error: %v", err)
	}

	_, err := svc.RequestClaim(context.Background(), issued.ID, latecomer.ID)
	if !errors.Is(err, repository.ErrAlreadySettled) {
		t.Fatalf("claim request on a claimed compliment: expected ErrAlreadySettled, got %v", err)
	}
	if len(repo.claims) != 0 {
		t.Fatalf("no claim must be created after settlement, got %d", len(repo.claims))
	}
}

func TestGetComplimentByMagicToken_ConsumedToken(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	claimer := repo.addUser("Борис", 0, false)
	svc := NewService(repo, nil)

	issued := issueTestCompliment(t, svc, issuer.ID, 30)
	token := repo.compliments[issued.ID].MagicToken

	if _, err := svc.GetComplimentByMagicToken(context.Background(), token); err != nil {
		t.Fatalf("active token must resolve: %v", err)
	}

	if err := svc.ApproveClaim(context.Background(), issuer.ID, issued.ID, claimer.ID); err != nil {
		t.Fatalf("ApproveClaim error: %v", err)
	}

	_, err := svc.GetComplimentByMagicToken(context.Background(), token)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("consumed token must not resolve: got %v", err)
	}
}

func TestCreateClaimChannel_FixesBothParticipants(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	claimer := repo.addUser("Борис", 0, false)
	svc := NewService(repo, nil)

	issued := issueTestCompliment(t, svc, issuer.ID, 30)

	chatID, err := svc.CreateClaimChannel(context.Background(), issued.ID, claimer.ID)
	if err != nil {
		t.Fatalf("CreateClaimChannel error: %v", err)
	}
	if chatID != ChatID(issued.ID, claimer.ID) {
		t.Fatalf("chat id must be deterministic")
	}

	chat := repo.chats[chatID]
	if chat == nil {
		t.Fatalf("chat not created")
	}
	if chat.ParticipantA != claimer.ID || chat.ParticipantB != issuer.ID {
		t.Fatalf("both participants must be fixed at creation, got %+v", chat)
	}

	if repo.compliments[issued.ID].Status != model.ComplimentStatusPendingApproval {
		t.Fatalf("compliment must move to pending_approval")
	}

	// Повторный вызов идемпотентен: тот же канал, без второго системного сообщения.
	again, err := svc.CreateClaimChannel(context.Background(), issued.ID, claimer.ID)
	if err != nil {
		t.Fatalf("repeated CreateClaimChannel error: %v", err)
	}
	if again != chatID {
		t.Fatalf("repeated call must return the same chat id")
	}
	if len(repo.messages) != 1 {
		t.Fatalf("system message must not be duplicated, got %d messages", len(repo.messages))
	}
}

func TestCreateClaimChannel_IssuerCannotClaimOwn(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	svc := NewService(repo, nil)

	issued := issueTestCompliment(t, svc, issuer.ID, 30)

	_, err := svc.CreateClaimChannel(context.Background(), issued.ID, issuer.ID)
	if !errors.Is(err, repository.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestApproveClaim_HappyPath(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	claimer := repo.addUser("Борис", 0, false)
	svc := NewService(repo, nil)

	issued := issueTestCompliment(t, svc, issuer.ID, 30)
	if _, err := svc.RequestClaim(context.Background(), issued.ID, claimer.ID); err != nil {
		t.Fatalf("RequestClaim error: %v", err)
	}
	if _, err := svc.CreateClaimChannel(context.Background(), issued.ID, claimer.ID); err != nil {
		t.Fatalf("CreateClaimChannel error: %v", err)
	}

	before := repo.totalCoins()

	if err := svc.ApproveClaim(context.Background(), issuer.ID, issued.ID, claimer.ID); err != nil {
		t.Fatalf("ApproveClaim error: %v", err)
	}

	iw := repo.wallets[issuer.ID]
	cw := repo.wallets[claimer.ID]
	if iw.Balance != 70 || iw.Held != 0 {
		t.Fatalf("issuer wallet = %+v, want balance 70 held 0", iw)
	}
	if cw.Balance != 30 {
		t.Fatalf("claimer balance = %d, want 30", cw.Balance)
	}
	if repo.totalCoins() != before {
		t.Fatalf("settlement must conserve total coins: %d != %d", repo.totalCoins(), before)
	}

	c := repo.compliments[issued.ID]
	if c.Status != model.ComplimentStatusClaimed || c.ClaimedBy == nil || *c.ClaimedBy != claimer.ID {
		t.Fatalf("compliment not finalized: %+v", c)
	}
	if c.TokenStatus != model.TokenStatusConsumed {
		t.Fatalf("magic token must be consumed at settlement")
	}

	ledger := repo.ledgers[issued.ID]
	if ledger.SettledTo == nil || *ledger.SettledTo != claimer.ID || ledger.SettledAt == nil {
		t.Fatalf("ledger entry not finalized: %+v", ledger)
	}

	var settles int
	for _, tr := range repo.transactions {
		if tr.Type == model.TransactionTypeTipSettle {
			settles++
			if tr.Amount != 30 {
				t.Fatalf("settle transaction amount = %d, want 30", tr.Amount)
			}
		}
	}
	if settles != 1 {
		t.Fatalf("settle transactions = %d, want exactly 1", settles)
	}
}

func TestApproveClaim_NoDoubleSettlement(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	claimerA := repo.addUser("Борис", 0, false)
	claimerB := repo.addUser("Вера", 0, false)
	svc := NewService(repo, nil)

	issued := issueTestCompliment(t, svc, issuer.ID, 30)

	if err := svc.ApproveClaim(context.Background(), issuer.ID, issued.ID, claimerA.ID); err != nil {
		t.Fatalf("first ApproveClaim error: %v", err)
	}

	txCount := len(repo.transactions)
	balanceB := repo.wallets[claimerB.ID].Balance

	err := svc.ApproveClaim(context.Background(), issuer.ID, issued.ID, claimerB.ID)
	if !errors.Is(err, repository.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	if len(repo.transactions) != txCount {
		t.Fatalf("failed settlement must not append transactions")
	}
	if repo.wallets[claimerB.ID].Balance != balanceB {
		t.Fatalf("failed settlement must not mutate wallets")
	}
}

func TestApproveClaim_PermissionDenied(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	stranger := repo.addUser("Борис", 1000, false)
	claimer := repo.addUser("Вера", 0, false)
	svc := NewService(repo, nil)

	issued := issueTestCompliment(t, svc, issuer.ID, 30)

	err := svc.ApproveClaim(context.Background(), stranger.ID, issued.ID, claimer.ID)
	if !errors.Is(err, repository.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestApproveClaim_ZeroTip(t *testing.T) {
	repo := newMemRepo()
	issuer := repo.addUser("Аня", 100, false)
	claimer := repo.addUser("Борис", 0, false)
	svc := NewService(repo, nil)

	issued := issueTestCompliment(t, svc, issuer.ID, 0)

	if err := svc.ApproveClaim(context.Background(), issuer.ID, issued.ID, claimer.ID); err != nil {
		t.Fatalf("ApproveClaim error: %v", err)
	}

	if repo.wallets[claimer.ID].Balance != 0 {
		t.Fatalf("zero-tip settlement must not move coins")
	}
	if repo.compliments[issued.ID].Status != model.ComplimentStatusClaimed {
		t.Fatalf("compliment must still be finalized")
	}
}

func TestChatIDDeterministic(t *testing.T) {
	a := ChatID(1, 2)
	b := ChatID(1, 2)
	c := ChatID(1, 3)

	if a != b {
		t.Fatalf("ChatID must be deterministic")
	}
	if a == c {
		t.Fatalf("different requesters must get different chats")
	}
}

func TestFindDuplicates(t *testing.T) {
	repo := newMemRepo()
	admin := repo.addUser("Админ", 0, true)
	u1 := repo.addUser("Аня", 0, false)
	u2 := repo.addUser("Аня 2", 0, false)
	u1.Email = "a.b+x@gmail.com"
	u2.Email = "ab@googlemail.com"
	svc := NewService(repo, nil)

	groups, err := svc.FindDuplicates(context.Background(), admin.ID)
	if err != nil {
		t.Fatalf("FindDuplicates error: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if len(groups[0].Users) != 2 {
		t.Fatalf("group size = %d, want 2", len(groups[0].Users))
	}
}

func TestFindDuplicates_NonAdmin(t *testing.T) {
	repo := newMemRepo()
	user := repo.addUser("Аня", 0, false)
	svc := NewService(repo, nil)

	_, err := svc.FindDuplicates(context.Background(), user.ID)
	if !errors.Is(err, repository.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestSweepBalances_Conserves(t *testing.T) {
	repo := newMemRepo()
	admin := repo.addUser("Админ", 0, true)
	dup := repo.addUser("Аня дубль", 40, false)
	main := repo.addUser("Аня", 60, false)
	repo.wallets[dup.ID].Held = 5
	svc := NewService(repo, nil)

	before := repo.totalCoins()

	moved, err := svc.SweepBalances(context.Background(), admin.ID, dup.ID, main.ID)
	if err != nil {
		t.Fatalf("SweepBalances error: %v", err)
	}
	if moved != 45 {
		t.Fatalf("moved = %d, want 45", moved)
	}

	if repo.totalCoins() != before {
		t.Fatalf("sweep must conserve total coins")
	}
	if w := repo.wallets[dup.ID]; w.Balance != 0 || w.Held != 0 {
		t.Fatalf("source wallet must be empty, got %+v", w)
	}
	if w := repo.wallets[main.ID]; w.Balance != 100 || w.Held != 5 {
		t.Fatalf("target wallet = %+v, want balance 100 held 5", w)
	}
}
