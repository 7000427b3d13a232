package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/internal/store"
)

func testTime() time.Time {
	return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
}

func newTestSQLiteLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewSQLite(st.DB())
}

func TestSQLiteLedger_ChargeAndGrantRoundTrip(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	u, err := l.CreateUser(ctx, "al@example.com", "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Balance)

	_, err = l.Grant(ctx, u.ID, 100, "signup bonus")
	require.NoError(t, err)

	rec, err := l.Charge(ctx, u.ID, 30, model.TxTypeSearch, "deep search", map[string]any{"city": "austin"})
	require.NoError(t, err)
	assert.Equal(t, int64(-30), rec.Amount)

	balance, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)

	txs, err := l.ListTransactions(ctx, u.ID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	// Signed amounts across the ledger sum to the balance.
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	assert.Equal(t, balance, sum)
}

func TestSQLiteLedger_ChargeNeverOverdraws(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	u, err := l.CreateUser(ctx, "al@example.com", "starter")
	require.NoError(t, err)
	_, err = l.Grant(ctx, u.ID, 50, "signup bonus")
	require.NoError(t, err)

	_, err = l.Charge(ctx, u.ID, 51, model.TxTypeSearch, "deep search", nil)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The refused charge left no trace: no debit, no transaction row.
	balance, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	txs, err := l.ListTransactions(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestSQLiteLedger_ConcurrentChargesStayConsistent(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	u, err := l.CreateUser(ctx, "al@example.com", "starter")
	require.NoError(t, err)
	_, err = l.Grant(ctx, u.ID, 100, "signup bonus")
	require.NoError(t, err)

	// 20 concurrent charges of 10 against a balance of 100: exactly 10
	// succeed, the rest are refused, and the balance lands on zero.
	var wg sync.WaitGroup
	results := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Charge(ctx, u.ID, 10, model.TxTypeSearch, "deep search", nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, refused int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrInsufficientBalance):
			refused++
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, refused)

	balance, err := l.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	txs, err := l.ListTransactions(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 11, "one grant plus the ten successful charges")
}

func TestSQLiteLedger_GetUser(t *testing.T) {
	l := newTestSQLiteLedger(t)
	ctx := context.Background()

	u, err := l.CreateUser(ctx, "al@example.com", "pro")
	require.NoError(t, err)

	got, err := l.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "al@example.com", got.Email)
	assert.Equal(t, "pro", got.Tier)

	_, err = l.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSQLiteLedger_Grant_UnknownUser(t *testing.T) {
	l := newTestSQLiteLedger(t)

	_, err := l.Grant(context.Background(), "ghost", 10, "bonus")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
