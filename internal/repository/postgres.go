// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mkravets/kudos-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotFound возвращается, если комплимент или связанная с ним запись не найдены.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds возвращается, если на кошельке недостаточно средств.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrMissingIdentitySetup возвращается, если у отправителя ещё не выдан owner index.
	ErrMissingIdentitySetup = errors.New("owner index is not provisioned")
	// ErrPermissionDenied возвращается при попытке операции без прав на неё.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAlreadySettled возвращается при повторной попытке вручить уже вручённый комплимент.
	ErrAlreadySettled = errors.New("compliment already settled")
	// ErrCodeCollision возвращается при конфликте поискового кода; вызывающий генерирует новый.
	ErrCodeCollision = errors.New("search code already taken")
	// ErrNotParticipant возвращается при обращении к чату не его участником.
	ErrNotParticipant = errors.New("caller is not a chat participant")
)

// WelcomeCredit — стартовое начисление на новый кошелёк.
const WelcomeCredit int64 = 100

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при конфликте сериализации или дедлоке.
// Конфликт не доходит до пользователя: тело транзакции не имеет побочных
// эффектов вне БД и безопасно для повторного исполнения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт пользователя вместе с кошельком и стартовым начислением.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, displayName, email string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, display_name, email) VALUES ($1, $2, $3, $4) RETURNING id`,
		login, passwordHash, displayName, email,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance) VALUES ($1, $2)`,
		id, WelcomeCredit,
	)
	if err != nil {
		return 0, fmt.Errorf("create wallet: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (type, amount, to_user_id) VALUES ($1, $2, $3)`,
		string(model.TransactionTypeWelcome), WelcomeCredit, id,
	)
	if err != nil {
		return 0, fmt.Errorf("insert welcome transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, display_name, email, COALESCE(owner_index, ''), is_admin, created_at
		 FROM users WHERE login = $1`,
		login,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, display_name, email, COALESCE(owner_index, ''), is_admin, created_at
		 FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.DisplayName, &u.Email, &u.OwnerIndex, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// EnsureOwnerIndex выдаёт пользователю owner index, если он ещё не выдан,
// и возвращает действующее значение. Одноразовый побочный эффект вне
// транзакции выпуска комплимента.
func (r *PostgresRepository) EnsureOwnerIndex(ctx context.Context, userID int64, candidate string) (string, error) {
	var current string
	err := r.pool.QueryRow(ctx,
		`UPDATE users SET owner_index = COALESCE(owner_index, $2) WHERE id = $1 RETURNING owner_index`,
		userID, candidate,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("ensure owner index: %w", err)
	}
	return current, nil
}

// GetBalance возвращает доступный и зарезервированный остаток кошелька.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, int64, error) {
	var balance, held int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance, held FROM wallets WHERE user_id = $1`,
		userID,
	).Scan(&balance, &held)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrUserNotFound
		}
		return 0, 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, held, nil
}

// IssueComplimentParams — входные данные выпуска комплимента.
type IssueComplimentParams struct {
	IssuerID      int64
	SenderName    string
	RecipientName string
	Message       string
	SearchCode    string
	MagicToken    string
	PIN           string
	Tip           int64
	Note          string
}

// IssueCompliment атомарно резервирует чаевые и создаёт пару публичная запись +
// приватная запись. Либо применяются все эффекты, либо ни один. Средства
// переносятся из balance в held отправителя; повторно при вручении они не списываются.
func (r *PostgresRepository) IssueCompliment(ctx context.Context, p IssueComplimentParams) (int64, error) {
	var complimentID int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var ownerIndex *string
		err = tx.QueryRow(ctx, `SELECT owner_index FROM users WHERE id = $1`, p.IssuerID).Scan(&ownerIndex)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("select issuer: %w", err)
		}
		if ownerIndex == nil || *ownerIndex == "" {
			return ErrMissingIdentitySetup
		}

		if p.Tip > 0 {
			var balance int64
			err = tx.QueryRow(ctx,
				`SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`,
				p.IssuerID,
			).Scan(&balance)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrUserNotFound
				}
				return fmt.Errorf("lock wallet: %w", err)
			}

			if balance < p.Tip {
				return ErrInsufficientFunds
			}

			_, err = tx.Exec(ctx,
				`UPDATE wallets SET balance = balance - $2, held = held + $2 WHERE user_id = $1`,
				p.IssuerID, p.Tip,
			)
			if err != nil {
				return fmt.Errorf("hold tip: %w", err)
			}
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO compliments (owner_index, sender_name, recipient_name, message, search_code, magic_token, tip_hint)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id`,
			*ownerIndex, p.SenderName, p.RecipientName, p.Message, p.SearchCode, p.MagicToken, p.Tip,
		).Scan(&complimentID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrCodeCollision
			}
			return fmt.Errorf("insert compliment: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (compliment_id, issuer_id, pin, amount, note)
			 VALUES ($1, $2, $3, $4, $5)`,
			complimentID, p.IssuerID, p.PIN, p.Tip, p.Note,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		if p.Tip > 0 {
			_, err = tx.Exec(ctx,
				`INSERT INTO transactions (type, amount, from_user_id, compliment_id) VALUES ($1, $2, $3, $4)`,
				string(model.TransactionTypeTipHold), -p.Tip, p.IssuerID, complimentID,
			)
			if err != nil {
				return fmt.Errorf("insert hold transaction: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return complimentID, nil
}

const complimentColumns = `id, owner_index, sender_name, recipient_name, message, search_code,
	magic_token, token_status, status, tip_hint, pending_claimer_id, claimed_by, claimed_at, created_at`

func scanCompliment(row pgx.Row) (*model.Compliment, error) {
	var c model.Compliment
	var tokenStatus, status string
	err := row.Scan(&c.ID, &c.OwnerIndex, &c.SenderName, &c.RecipientName, &c.Message, &c.SearchCode,
		&c.MagicToken, &tokenStatus, &status, &c.TipHint, &c.PendingClaimerID, &c.ClaimedBy, &c.ClaimedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan compliment: %w", err)
	}
	c.TokenStatus = model.TokenStatus(tokenStatus)
	c.Status = model.ComplimentStatus(status)
	return &c, nil
}

// GetComplimentByID возвращает публичную запись комплимента.
func (r *PostgresRepository) GetComplimentByID(ctx context.Context, id int64) (*model.Compliment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+complimentColumns+` FROM compliments WHERE id = $1`, id)
	return scanCompliment(row)
}

// GetComplimentBySearchCode возвращает публичную запись по поисковому коду.
func (r *PostgresRepository) GetComplimentBySearchCode(ctx context.Context, code string) (*model.Compliment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+complimentColumns+` FROM compliments WHERE search_code = $1`, code)
	return scanCompliment(row)
}

// GetComplimentByMagicToken возвращает публичную запись по токену магической
// ссылки. Погашенный токен больше не разрешается: ссылка умирает вместе с
// артефактом при вручении.
func (r *PostgresRepository) GetComplimentByMagicToken(ctx context.Context, token string) (*model.Compliment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+complimentColumns+` FROM compliments
		 WHERE magic_token = $1 AND token_status = $2`,
		token, string(model.TokenStatusActive))
	return scanCompliment(row)
}

// CreateClaim создаёт заявку на комплимент или возвращает уже существующую
// неотклонённую заявку той же пары (комплимент, заявитель). Идемпотентность
// обеспечивает частичный уникальный индекс, а не проверка перед записью.
func (r *PostgresRepository) CreateClaim(ctx context.Context, complimentID, requesterID int64) (*model.Claim, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var issuerID, tipHint int64
	var complimentStatus string
	err = tx.QueryRow(ctx,
		`SELECT l.issuer_id, c.tip_hint, c.status
		 FROM compliments c JOIN ledger_entries l ON l.compliment_id = c.id
		 WHERE c.id = $1`,
		complimentID,
	).Scan(&issuerID, &tipHint, &complimentStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("select compliment: %w", err)
	}
	// Вручённый комплимент терминален: новые заявки на него не принимаются.
	if model.ComplimentStatus(complimentStatus) == model.ComplimentStatusClaimed {
		return nil, false, ErrAlreadySettled
	}

	var requesterName string
	err = tx.QueryRow(ctx, `SELECT display_name FROM users WHERE id = $1`, requesterID).Scan(&requesterName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrUserNotFound
		}
		return nil, false, fmt.Errorf("select requester: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO claims (compliment_id, issuer_id, requester_id, requester_name, status, amount)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (compliment_id, requester_id) WHERE status <> 'denied' DO NOTHING`,
		complimentID, issuerID, requesterID, requesterName, string(model.ClaimStatusPending), tipHint,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert claim: %w", err)
	}

	created := cmdTag.RowsAffected() == 1

	var claim model.Claim
	var status string
	err = tx.QueryRow(ctx,
		`SELECT id, compliment_id, issuer_id, requester_id, requester_name, status, amount, created_at
		 FROM claims
		 WHERE compliment_id = $1 AND requester_id = $2 AND status <> 'denied'`,
		complimentID, requesterID,
	).Scan(&claim.ID, &claim.ComplimentID, &claim.IssuerID, &claim.RequesterID,
		&claim.RequesterName, &status, &claim.Amount, &claim.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("select claim: %w", err)
	}
	claim.Status = model.ClaimStatus(status)

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return &claim, created, nil
}

// ListClaimsByIssuer возвращает заявки на комплименты отправителя.
func (r *PostgresRepository) ListClaimsByIssuer(ctx context.Context, issuerID int64) ([]model.Claim, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, compliment_id, issuer_id, requester_id, requester_name, status, amount, created_at
		 FROM claims
		 WHERE issuer_id = $1
		 ORDER BY created_at DESC`,
		issuerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select claims: %w", err)
	}
	defer rows.Close()

	var res []model.Claim
	for rows.Next() {
		var c model.Claim
		var status string
		if err := rows.Scan(&c.ID, &c.ComplimentID, &c.IssuerID, &c.RequesterID,
			&c.RequesterName, &status, &c.Amount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		c.Status = model.ClaimStatus(status)
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// OpenChat атомарно создаёт канал переговоров с зафиксированной парой участников,
// добавляет системное сообщение и переводит комплимент в pending_approval.
// Идентификатор канала детерминирован, поэтому повторный вызов возвращается
// к уже созданному каналу без дублирования системного сообщения.
func (r *PostgresRepository) OpenChat(ctx context.Context, chatID string, complimentID, requesterID int64, systemMessage string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var issuerID int64
		var status string
		err = tx.QueryRow(ctx,
			`SELECT l.issuer_id, c.status
			 FROM compliments c JOIN ledger_entries l ON l.compliment_id = c.id
			 WHERE c.id = $1
			 FOR UPDATE OF c`,
			complimentID,
		).Scan(&issuerID, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select compliment: %w", err)
		}

		if issuerID == requesterID {
			return ErrPermissionDenied
		}
		if model.ComplimentStatus(status) == model.ComplimentStatusClaimed {
			return ErrAlreadySettled
		}

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO chats (id, compliment_id, participant_a, participant_b, last_message)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			chatID, complimentID, requesterID, issuerID, systemMessage,
		)
		if err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}

		if cmdTag.RowsAffected() == 1 {
			_, err = tx.Exec(ctx,
				`INSERT INTO chat_messages (chat_id, sender_id, body) VALUES ($1, NULL, $2)`,
				chatID, systemMessage,
			)
			if err != nil {
				return fmt.Errorf("insert system message: %w", err)
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE compliments SET status = $2, pending_claimer_id = $3 WHERE id = $1`,
			complimentID, string(model.ComplimentStatusPendingApproval), requesterID,
		)
		if err != nil {
			return fmt.Errorf("update compliment status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// SettleCompliment атомарно вручает комплимент: проверяет права отправителя,
// читает авторитетную сумму из приватной записи, переносит средства из резерва
// отправителя получателю, пишет запись журнала и закрывает комплимент.
// Повторный вызов по уже вручённому комплименту завершается ErrAlreadySettled
// без каких-либо изменений.
func (r *PostgresRepository) SettleCompliment(ctx context.Context, callerID, complimentID, claimerID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var ownerIndex, status string
		err = tx.QueryRow(ctx,
			`SELECT owner_index, status FROM compliments WHERE id = $1 FOR UPDATE`,
			complimentID,
		).Scan(&ownerIndex, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select compliment: %w", err)
		}

		var callerIndex *string
		err = tx.QueryRow(ctx, `SELECT owner_index FROM users WHERE id = $1`, callerID).Scan(&callerIndex)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("select caller: %w", err)
		}
		if callerIndex == nil || *callerIndex != ownerIndex {
			return ErrPermissionDenied
		}

		// Единственная точка сериализации гонки двух вручений: строка комплимента
		// уже заблокирована, проигравшая транзакция увидит статус claimed.
		if model.ComplimentStatus(status) == model.ComplimentStatusClaimed {
			return ErrAlreadySettled
		}

		var ledgerID, amount int64
		err = tx.QueryRow(ctx,
			`SELECT id, amount FROM ledger_entries WHERE compliment_id = $1 FOR UPDATE`,
			complimentID,
		).Scan(&ledgerID, &amount)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Нарушение целостности: публичная запись без приватной.
				return ErrNotFound
			}
			return fmt.Errorf("select ledger entry: %w", err)
		}

		if amount > 0 {
			if err := moveHeldToClaimer(ctx, tx, callerID, claimerID, amount); err != nil {
				return err
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO transactions (type, amount, from_user_id, to_user_id, compliment_id)
				 VALUES ($1, $2, $3, $4, $5)`,
				string(model.TransactionTypeTipSettle), amount, callerID, claimerID, complimentID,
			)
			if err != nil {
				return fmt.Errorf("insert settle transaction: %w", err)
			}
		} else {
			var exists bool
			err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, claimerID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check claimer: %w", err)
			}
			if !exists {
				return ErrUserNotFound
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE compliments
			 SET status = $2, token_status = $3, claimed_by = $4, claimed_at = now()
			 WHERE id = $1`,
			complimentID, string(model.ComplimentStatusClaimed), string(model.TokenStatusConsumed), claimerID,
		)
		if err != nil {
			return fmt.Errorf("finalize compliment: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE ledger_entries SET settled_to = $2, settled_at = now() WHERE id = $1`,
			ledgerID, claimerID,
		)
		if err != nil {
			return fmt.Errorf("finalize ledger entry: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE claims SET status = $3 WHERE compliment_id = $1 AND requester_id = $2 AND status = 'pending'`,
			complimentID, claimerID, string(model.ClaimStatusApproved),
		)
		if err != nil {
			return fmt.Errorf("approve claim: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE claims SET status = $3 WHERE compliment_id = $1 AND requester_id <> $2 AND status = 'pending'`,
			complimentID, claimerID, string(model.ClaimStatusDenied),
		)
		if err != nil {
			return fmt.Errorf("deny other claims: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// moveHeldToClaimer переносит amount из резерва отправителя в баланс получателя.
// Кошельки блокируются в порядке возрастания идентификаторов, чтобы встречные
// вручения не дедлочились.
func moveHeldToClaimer(ctx context.Context, tx pgx.Tx, issuerID, claimerID, amount int64) error {
	first, second := issuerID, claimerID
	if claimerID < issuerID {
		first, second = claimerID, issuerID
	}

	var dummy int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM wallets WHERE user_id = $1 FOR UPDATE`, first).Scan(&dummy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock wallet %d: %w", first, err)
	}
	if first != second {
		if err := tx.QueryRow(ctx, `SELECT 1 FROM wallets WHERE user_id = $1 FOR UPDATE`, second).Scan(&dummy); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock wallet %d: %w", second, err)
		}
	}

	var held int64
	if err := tx.QueryRow(ctx, `SELECT held FROM wallets WHERE user_id = $1`, issuerID).Scan(&held); err != nil {
		return fmt.Errorf("select held: %w", err)
	}
	if held < amount {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET held = held - $2 WHERE user_id = $1`, issuerID, amount); err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance + $2 WHERE user_id = $1`, claimerID, amount); err != nil {
		return fmt.Errorf("credit claimer: %w", err)
	}

	return nil
}

// ListTransactions возвращает журнал движений средств пользователя, новые первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, type, amount, from_user_id, to_user_id, compliment_id, created_at
		 FROM transactions
		 WHERE from_user_id = $1 OR to_user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ string
		if err := rows.Scan(&t.ID, &typ, &t.Amount, &t.FromUserID, &t.ToUserID, &t.ComplimentID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(typ)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListChats возвращает каналы переговоров пользователя с кэшем последнего сообщения.
func (r *PostgresRepository) ListChats(ctx context.Context, userID int64) ([]model.Chat, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, compliment_id, participant_a, participant_b, created_at, last_message, last_message_at
		 FROM chats
		 WHERE participant_a = $1 OR participant_b = $1
		 ORDER BY last_message_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select chats: %w", err)
	}
	defer rows.Close()

	var res []model.Chat
	for rows.Next() {
		var c model.Chat
		if err := rows.Scan(&c.ID, &c.ComplimentID, &c.ParticipantA, &c.ParticipantB,
			&c.CreatedAt, &c.LastMessage, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func checkParticipant(ctx context.Context, tx pgx.Tx, chatID string, userID int64) error {
	var a, b int64
	err := tx.QueryRow(ctx,
		`SELECT participant_a, participant_b FROM chats WHERE id = $1`, chatID).Scan(&a, &b)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select chat: %w", err)
	}
	if userID != a && userID != b {
		return ErrNotParticipant
	}
	return nil
}

// ListChatMessages возвращает сообщения канала в порядке отправки.
// Доступ имеют только участники канала.
func (r *PostgresRepository) ListChatMessages(ctx context.Context, chatID string, userID int64) ([]model.ChatMessage, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkParticipant(ctx, tx, chatID, userID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT id, chat_id, sender_id, body, created_at
		 FROM chat_messages
		 WHERE chat_id = $1
		 ORDER BY created_at, id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var res []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return res, nil
}

// AddChatMessage добавляет сообщение участника в канал и обновляет кэш
// последнего сообщения.
func (r *PostgresRepository) AddChatMessage(ctx context.Context, chatID string, senderID int64, body string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkParticipant(ctx, tx, chatID, senderID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_messages (chat_id, sender_id, body) VALUES ($1, $2, $3)`,
		chatID, senderID, body,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE chats SET last_message = $2, last_message_at = now() WHERE id = $1`,
		chatID, body,
	)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ListUsersWithEmail возвращает пользователей с непустым адресом почты
// для поиска дублей на стороне сервиса.
func (r *PostgresRepository) ListUsersWithEmail(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, login, display_name, email, created_at FROM users WHERE email <> '' ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Login, &u.DisplayName, &u.Email, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SweepBalances консолидирует средства дублирующегося аккаунта: переносит
// balance и held целиком с кошелька from на кошелёк to и пишет одну запись
// журнала на суммарное перемещение. Сумма двух кошельков не меняется.
func (r *PostgresRepository) SweepBalances(ctx context.Context, fromUserID, toUserID int64) (int64, error) {
	if fromUserID == toUserID {
		return 0, ErrPermissionDenied
	}

	var moved int64
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		first, second := fromUserID, toUserID
		if toUserID < fromUserID {
			first, second = toUserID, fromUserID
		}

		var dummy int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM wallets WHERE user_id = $1 FOR UPDATE`, first).Scan(&dummy); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock wallet %d: %w", first, err)
		}
		if err := tx.QueryRow(ctx, `SELECT 1 FROM wallets WHERE user_id = $1 FOR UPDATE`, second).Scan(&dummy); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock wallet %d: %w", second, err)
		}

		var balance, held int64
		if err := tx.QueryRow(ctx,
			`SELECT balance, held FROM wallets WHERE user_id = $1`, fromUserID).Scan(&balance, &held); err != nil {
			return fmt.Errorf("select source wallet: %w", err)
		}

		moved = balance + held
		if moved == 0 {
			return tx.Commit(ctx)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE wallets SET balance = 0, held = 0 WHERE user_id = $1`, fromUserID); err != nil {
			return fmt.Errorf("empty source wallet: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE wallets SET balance = balance + $2, held = held + $3 WHERE user_id = $1`,
			toUserID, balance, held); err != nil {
			return fmt.Errorf("credit target wallet: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO transactions (type, amount, from_user_id, to_user_id) VALUES ($1, $2, $3, $4)`,
			string(model.TransactionTypeAdminSweep), moved, fromUserID, toUserID); err != nil {
			return fmt.Errorf("insert sweep transaction: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return moved, nil
}
