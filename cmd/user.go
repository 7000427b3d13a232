package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadgrid/leadgrid/internal/model"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts and credits",
}

var (
	userCreateEmail string
	userCreateTier  string
)

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, bills, err := initLedgerEnv(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		u, err := bills.CreateUser(ctx, userCreateEmail, userCreateTier)
		if err != nil {
			return err
		}

		zap.L().Info("user created",
			zap.String("user_id", u.ID),
			zap.String("tier", u.Tier),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(u)
	},
}

var (
	userGrantID     string
	userGrantAmount int64
	userGrantReason string
)

var userGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant credits to a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, bills, err := initLedgerEnv(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		txn, err := bills.Grant(ctx, userGrantID, userGrantAmount, userGrantReason)
		if err != nil {
			return err
		}

		balance, err := bills.Balance(ctx, userGrantID)
		if err != nil {
			return err
		}

		zap.L().Info("credits granted",
			zap.String("user_id", userGrantID),
			zap.Int64("amount", txn.Amount),
			zap.Int64("balance", balance),
		)
		return nil
	},
}

var userTxnsID string

var userTxnsCmd = &cobra.Command{
	Use:   "txns",
	Short: "Show a user's recent credit transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, bills, err := initLedgerEnv(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		txns, err := bills.ListTransactions(ctx, userTxnsID, 50)
		if err != nil {
			return err
		}

		if len(txns) == 0 {
			zap.L().Info("no transactions found", zap.String("user_id", userTxnsID))
			return nil
		}

		formatTransactions(os.Stdout, txns)
		return nil
	},
}

// formatTransactions writes a tabular representation of ledger rows to w.
func formatTransactions(out io.Writer, txns []model.CreditTransaction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tAMOUNT\tCREATED\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t-----------")

	for _, txn := range txns {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			txn.ID,
			txn.Type,
			txn.Amount,
			txn.CreatedAt.Format(time.RFC3339),
			truncate(txn.Description, 60),
		)
	}
	_ = w.Flush()
}

// truncate shortens s to max runes, appending an ellipsis when cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func init() {
	userCreateCmd.Flags().StringVar(&userCreateEmail, "email", "", "account email (required)")
	userCreateCmd.Flags().StringVar(&userCreateTier, "tier", "free", "plan tier")
	_ = userCreateCmd.MarkFlagRequired("email")

	userGrantCmd.Flags().StringVar(&userGrantID, "user", "", "user ID (required)")
	userGrantCmd.Flags().Int64Var(&userGrantAmount, "amount", 0, "credits to grant (required)")
	userGrantCmd.Flags().StringVar(&userGrantReason, "reason", "manual grant", "transaction description")
	_ = userGrantCmd.MarkFlagRequired("user")
	_ = userGrantCmd.MarkFlagRequired("amount")

	userTxnsCmd.Flags().StringVar(&userTxnsID, "user", "", "user ID (required)")
	_ = userTxnsCmd.MarkFlagRequired("user")

	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userGrantCmd)
	userCmd.AddCommand(userTxnsCmd)
	rootCmd.AddCommand(userCmd)
}
