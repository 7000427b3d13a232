package model

import "time"

// Transaction types recorded in the credit ledger.
const (
	TxTypeSearch   = "search"
	TxTypePageLoad = "page_load"
	TxTypeCacheHit = "cache_hit"
	TxTypeUnlock   = "unlock"
	TxTypeGrant    = "grant"
)

// User is an account row as the billing layer sees it. Balance is in
// credits and never goes negative.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Tier      string    `json:"tier"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// CreditTransaction is an immutable ledger row. Amount is signed: charges are
// negative, grants positive. Exactly one row exists per billable unit of
// work, created inside the same transaction as the balance mutation.
type CreditTransaction struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Tier is a subscription plan's search entitlements. Costs are in credits.
type Tier struct {
	Name           string `yaml:"name" mapstructure:"name"`
	GridSize       int    `yaml:"grid_size" mapstructure:"grid_size"`
	PageSize       int    `yaml:"page_size" mapstructure:"page_size"`
	MaxResults     int    `yaml:"max_results" mapstructure:"max_results"`
	SearchCost     int64  `yaml:"search_cost" mapstructure:"search_cost"`
	PageCost       int64  `yaml:"page_cost" mapstructure:"page_cost"`
	CacheHitCost   int64  `yaml:"cache_hit_cost" mapstructure:"cache_hit_cost"`
	MonthlySpendMu int64  `yaml:"monthly_spend_mu" mapstructure:"monthly_spend_mu"`
}
