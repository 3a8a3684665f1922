package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Transfer kinds recorded in the journal.
const (
	KindCredit     = "credit"
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
	KindIncentive  = "incentive"
	KindSwapIn     = "swap_in"
	KindSwapOut    = "swap_out"
	KindReserve    = "reserve"
)

// Balance is one account's holding of one asset. Amounts are decimal strings
// so the full 256-bit range survives every driver.
type Balance struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Account   string    `gorm:"size:96;uniqueIndex:idx_balance_account_asset"`
	Asset     string    `gorm:"size:32;uniqueIndex:idx_balance_account_asset"`
	Amount    string    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transfer journals every balance movement. FromAccount is empty for credits.
type Transfer struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind        string    `gorm:"size:16;index"`
	Asset       string    `gorm:"size:32"`
	FromAccount string    `gorm:"size:96;index"`
	ToAccount   string    `gorm:"size:96;index"`
	Amount      string    `gorm:"not null"`
	CreatedAt   time.Time
}

// Settlement records one successful settlement for history and TWAP queries.
type Settlement struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	PoolID       string    `gorm:"size:64;index"`
	Caller       string    `gorm:"size:96"`
	FromTick     uint64
	ToTick       uint64 `gorm:"index"`
	Partial      bool
	LegDirection string `gorm:"size:8"`
	LegAmountIn  string
	LegAmountOut string
	ConsumedA    string
	ConsumedB    string
	ProceedsA    string
	ProceedsB    string
	Fills        int
	Completed    int
	Quality      uint64
	CreatedAt    time.Time
}

// PoolReserve holds the reference venue's reserves for one pool.
type PoolReserve struct {
	PoolID    string `gorm:"primaryKey;size:64"`
	Account   string `gorm:"size:96"`
	AssetA    string `gorm:"size:32"`
	AssetB    string `gorm:"size:32"`
	ReserveA  string `gorm:"not null"`
	ReserveB  string `gorm:"not null"`
	Swaps     uint64
	UpdatedAt time.Time
}

// IdempotencyKey stores the first response for a client supplied key.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	RequestID   string `gorm:"size:64"`
	RequestHash string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the daemon.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Balance{},
		&Transfer{},
		&Settlement{},
		&PoolReserve{},
		&IdempotencyKey{},
	)
}
