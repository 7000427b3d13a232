package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/leadgrid/leadgrid/internal/db"
	"github.com/leadgrid/leadgrid/internal/model"
)

// PostgresLedger implements Ledger on a pgx pool. It shares the pool with
// the Postgres store.
type PostgresLedger struct {
	pool db.Pool
}

// NewPostgres creates a ledger over an existing pool.
func NewPostgres(pool db.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Charge(ctx context.Context, userID string, amount int64, txType, description string, metadata map[string]any) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, eris.Errorf("ledger: charge amount must be positive, got %d", amount)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: begin charge")
	}
	defer tx.Rollback(ctx)

	// The conditional decrement is the whole safety story: the row only
	// changes when the balance covers the charge, so concurrent charges
	// can never drive it negative.
	tag, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1`,
		amount, userID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: debit %s", userID)
	}
	if tag.RowsAffected() == 0 {
		if exists, err := l.userExists(ctx, userID); err != nil {
			return nil, err
		} else if !exists {
			return nil, ErrUserNotFound
		}
		return nil, ErrInsufficientBalance
	}

	rec := &model.CreditTransaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      -amount,
		Type:        txType,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertTx(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "ledger: commit charge")
	}
	return rec, nil
}

func (l *PostgresLedger) Grant(ctx context.Context, userID string, amount int64, description string) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, eris.Errorf("ledger: grant amount must be positive, got %d", amount)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: begin grant")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance + $1 WHERE id = $2`,
		amount, userID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: credit %s", userID)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrUserNotFound
	}

	rec := &model.CreditTransaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      amount,
		Type:        model.TxTypeGrant,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertTx(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "ledger: commit grant")
	}
	return rec, nil
}

func insertTx(ctx context.Context, tx pgx.Tx, rec *model.CreditTransaction) error {
	var metadataJSON []byte
	if rec.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return eris.Wrap(err, "ledger: marshal metadata")
		}
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, type, description, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.UserID, rec.Amount, rec.Type, rec.Description, metadataJSON, rec.CreatedAt,
	)
	return eris.Wrap(err, "ledger: insert transaction")
}

func (l *PostgresLedger) userExists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := l.pool.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1`, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "ledger: check user %s", userID)
	}
	return true, nil
}

func (l *PostgresLedger) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := l.pool.QueryRow(ctx,
		`SELECT id, email, tier, balance, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Email, &u.Tier, &u.Balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get user %s", userID)
	}
	return &u, nil
}

func (l *PostgresLedger) CreateUser(ctx context.Context, email, tier string) (*model.User, error) {
	u := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO users (id, email, tier, balance, created_at) VALUES ($1, $2, $3, 0, $4)`,
		u.ID, u.Email, u.Tier, u.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: create user %s", email)
	}
	return u, nil
}

func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, eris.Wrapf(err, "ledger: balance %s", userID)
	}
	return balance, nil
}

func (l *PostgresLedger) ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.pool.Query(ctx,
		`SELECT id, user_id, amount, type, description, metadata, created_at
		 FROM credit_transactions WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list transactions")
	}
	defer rows.Close()

	var txs []model.CreditTransaction
	for rows.Next() {
		var rec model.CreditTransaction
		var metadataJSON []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Amount, &rec.Type,
			&rec.Description, &metadataJSON, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "ledger: scan transaction")
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
				return nil, eris.Wrap(err, "ledger: unmarshal metadata")
			}
		}
		txs = append(txs, rec)
	}
	return txs, eris.Wrap(rows.Err(), "ledger: list transactions iterate")
}
