package domain

import (
	"time"
)

// AccountState is the user's margin summary. Overwritten wholesale on each
// account event; never merged incrementally.
type AccountState struct {
	AccountValueMicros       int64     `json:"account_value"` // USD micros
	WithdrawableMicros       int64     `json:"withdrawable"`
	TotalMarginUsedMicros    int64     `json:"total_margin_used"`
	TotalUnrealizedPnlMicros int64     `json:"total_unrealized_pnl"`
	LastUpdate               time.Time `json:"last_update"`
}
