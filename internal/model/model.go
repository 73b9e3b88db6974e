// Package model содержит доменные сущности сервиса комплиментов.
package model

import "time"

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	DisplayName  string
	Email        string
	// OwnerIndex — псевдонимная ссылка на пользователя, используемая в публичных
	// записях вместо внутреннего идентификатора. Выдаётся один раз.
	OwnerIndex string
	IsAdmin    bool
	CreatedAt  time.Time
}

// Wallet описывает кошелёк пользователя. Валюта целочисленная, без дробной части.
// Held — сумма, зарезервированная под ещё не вручённые комплименты (эскроу).
type Wallet struct {
	UserID  int64
	Balance int64
	Held    int64
}

// ComplimentStatus описывает стадию жизненного цикла комплимента.
type ComplimentStatus string

const (
	ComplimentStatusPublished       ComplimentStatus = "published"
	ComplimentStatusPendingApproval ComplimentStatus = "pending_approval"
	ComplimentStatusClaimed         ComplimentStatus = "claimed"
)

// TokenStatus описывает состояние одноразового токена магической ссылки.
type TokenStatus string

const (
	TokenStatusActive   TokenStatus = "active"
	TokenStatusConsumed TokenStatus = "consumed"
)

// Compliment — публичная запись комплимента. Не содержит PIN;
// TipHint — неавторитетная копия суммы, только для отображения.
type Compliment struct {
	ID            int64
	OwnerIndex    string
	SenderName    string
	RecipientName string
	Message       string
	SearchCode    string
	MagicToken    string
	TokenStatus   TokenStatus
	Status        ComplimentStatus
	TipHint       int64
	// PendingClaimerID — последний заявитель, показанный отправителю.
	// Информационное поле: авторитетный получатель фиксируется только при вручении.
	PendingClaimerID *int64
	ClaimedBy        *int64
	ClaimedAt        *time.Time
	CreatedAt        time.Time
}

// LedgerEntry — приватная запись комплимента: PIN и авторитетная сумма.
// Создаётся атомарно вместе с публичной записью, изменяется ровно один раз —
// при вручении.
type LedgerEntry struct {
	ID           int64
	ComplimentID int64
	IssuerID     int64
	PIN          string
	Amount       int64
	Note         string
	CreatedAt    time.Time
	SettledTo    *int64
	SettledAt    *time.Time
}

// ClaimStatus описывает статус заявки на комплимент.
type ClaimStatus string

const (
	ClaimStatusPending  ClaimStatus = "pending"
	ClaimStatusDenied   ClaimStatus = "denied"
	ClaimStatusApproved ClaimStatus = "approved"
)

// Claim — заявка получателя на комплимент.
type Claim struct {
	ID            int64
	ComplimentID  int64
	IssuerID      int64
	RequesterID   int64
	RequesterName string
	Status        ClaimStatus
	// Amount — копия суммы на момент заявки, только для отображения.
	Amount    int64
	CreatedAt time.Time
}

// Chat — канал переговоров между отправителем и заявителем.
// Идентификатор детерминированно выводится из пары (комплимент, заявитель),
// состав участников фиксируется при создании и не меняется.
type Chat struct {
	ID            string
	ComplimentID  int64
	ParticipantA  int64
	ParticipantB  int64
	CreatedAt     time.Time
	LastMessage   string
	LastMessageAt time.Time
}

// ChatMessage — сообщение в канале переговоров.
// SenderID == nil означает системное сообщение.
type ChatMessage struct {
	ID        int64
	ChatID    string
	SenderID  *int64
	Body      string
	CreatedAt time.Time
}

// TransactionType описывает тип движения средств.
type TransactionType string

const (
	// TransactionTypeWelcome — стартовое начисление при создании кошелька.
	TransactionTypeWelcome TransactionType = "welcome"
	// TransactionTypeTipHold — резервирование чаевых при выпуске комплимента.
	TransactionTypeTipHold TransactionType = "tip_hold"
	// TransactionTypeTipSettle — передача чаевых получателю при вручении.
	TransactionTypeTipSettle TransactionType = "tip_settle"
	// TransactionTypeAdminSweep — консолидация средств дублей по решению администратора.
	TransactionTypeAdminSweep TransactionType = "admin_sweep"
)

// Transaction — запись журнала движений средств. Только добавляется,
// никогда не изменяется и не удаляется.
type Transaction struct {
	ID           int64
	Type         TransactionType
	Amount       int64
	FromUserID   *int64
	ToUserID     *int64
	ComplimentID *int64
	CreatedAt    time.Time
}

// Balance содержит доступный и зарезервированный остаток кошелька.
type Balance struct {
	Current int64 `json:"current"`
	Held    int64 `json:"held"`
}
