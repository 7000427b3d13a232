// Package ledger is the credit billing ledger. Every balance mutation and
// its transaction row commit atomically; a charge either debits and records,
// or does nothing at all.
package ledger

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/leadgrid/leadgrid/internal/model"
)

// ErrInsufficientBalance is returned when a charge would take a balance
// below zero. Nothing is debited and no transaction row is written.
var ErrInsufficientBalance = eris.New("ledger: insufficient balance")

// ErrUserNotFound is returned when the user id has no account row.
var ErrUserNotFound = eris.New("ledger: user not found")

// Ledger records credit movements against user balances.
type Ledger interface {
	// Charge debits amount credits (positive) from the user and writes the
	// matching transaction row in the same database transaction. The
	// stored amount is negative.
	Charge(ctx context.Context, userID string, amount int64, txType, description string, metadata map[string]any) (*model.CreditTransaction, error)

	// Grant credits amount (positive) to the user.
	Grant(ctx context.Context, userID string, amount int64, description string) (*model.CreditTransaction, error)

	GetUser(ctx context.Context, userID string) (*model.User, error)
	CreateUser(ctx context.Context, email, tier string) (*model.User, error)
	Balance(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error)
}
