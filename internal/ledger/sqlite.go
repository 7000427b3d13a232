package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/leadgrid/leadgrid/internal/model"
)

// SQLiteLedger implements Ledger over the SQLite store's handle.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLite creates a ledger over an existing SQLite handle.
func NewSQLite(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

func (l *SQLiteLedger) Charge(ctx context.Context, userID string, amount int64, txType, description string, metadata map[string]any) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, eris.Errorf("ledger: charge amount must be positive, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: begin charge")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = balance - ? WHERE id = ? AND balance >= ?`,
		amount, userID, amount,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: debit %s", userID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "ledger: rows affected")
	}
	if n == 0 {
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
	if err := insertTxSQLite(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "ledger: commit charge")
	}
	return rec, nil
}

func (l *SQLiteLedger) Grant(ctx context.Context, userID string, amount int64, description string) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, eris.Errorf("ledger: grant amount must be positive, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: begin grant")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + ? WHERE id = ?`,
		amount, userID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: credit %s", userID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "ledger: rows affected")
	}
	if n == 0 {
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
	if err := insertTxSQLite(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "ledger: commit grant")
	}
	return rec, nil
}

func insertTxSQLite(ctx context.Context, tx *sql.Tx, rec *model.CreditTransaction) error {
	var metadataJSON any
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return eris.Wrap(err, "ledger: marshal metadata")
		}
		metadataJSON = string(b)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, type, description, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Amount, rec.Type, rec.Description, metadataJSON, rec.CreatedAt,
	)
	return eris.Wrap(err, "ledger: insert transaction")
}

func (l *SQLiteLedger) userExists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "ledger: check user %s", userID)
	}
	return true, nil
}

func (l *SQLiteLedger) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := l.db.QueryRowContext(ctx,
		`SELECT id, email, tier, balance, created_at FROM users WHERE id = ?`,
		userID,
	).Scan(&u.ID, &u.Email, &u.Tier, &u.Balance, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get user %s", userID)
	}
	return &u, nil
}

func (l *SQLiteLedger) CreateUser(ctx context.Context, email, tier string) (*model.User, error) {
	u := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO users (id, email, tier, balance, created_at) VALUES (?, ?, ?, 0, ?)`,
		u.ID, u.Email, u.Tier, u.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: create user %s", email)
	}
	return u, nil
}

func (l *SQLiteLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, eris.Wrapf(err, "ledger: balance %s", userID)
	}
	return balance, nil
}

func (l *SQLiteLedger) ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, amount, type, description, metadata, created_at
		 FROM credit_transactions WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list transactions")
	}
	defer rows.Close()

	var txs []model.CreditTransaction
	for rows.Next() {
		var rec model.CreditTransaction
		var metadataJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Amount, &rec.Type,
			&rec.Description, &metadataJSON, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "ledger: scan transaction")
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
				return nil, eris.Wrap(err, "ledger: unmarshal metadata")
			}
		}
		txs = append(txs, rec)
	}
	return txs, eris.Wrap(rows.Err(), "ledger: list transactions iterate")
}
