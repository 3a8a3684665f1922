package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"twamm/crypto"
	"twamm/native/twamm"
	"twamm/observability"
)

var (
	ErrPathRequired        = errors.New("storage: database path required")
	ErrUnsupportedDriver   = errors.New("storage: unsupported driver")
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
	ErrInvalidAmount       = errors.New("storage: invalid amount")
	ErrReserveNotFound     = errors.New("storage: pool reserves not found")
)

// Storage persists the daemon ledger, settlement history and venue reserves.
type Storage struct {
	db *gorm.DB
}

// Open connects to the database selected by driver ("sqlite" or "postgres")
// and applies migrations.
func Open(driver, dsn string) (*Storage, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Storage{db: db}, nil
}

// DB exposes the underlying handle for middleware such as idempotency.
func (s *Storage) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Tx scopes ledger operations to one database transaction.
type Tx struct {
	db *gorm.DB
}

// InTx runs fn inside a transaction, rolling back when it returns an error.
func (s *Storage) InTx(ctx context.Context, fn func(*Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{db: tx})
	})
}

// Balance returns the amount of asset held by account.
func (s *Storage) Balance(ctx context.Context, account, asset string) (*uint256.Int, error) {
	var bal Balance
	err := s.db.WithContext(ctx).Where("account = ? AND asset = ?", account, normalizeAsset(asset)).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(bal.Amount)
}

// Balances returns every non-empty holding of account keyed by asset.
func (s *Storage) Balances(ctx context.Context, account string) (map[string]*uint256.Int, error) {
	var rows []Balance
	if err := s.db.WithContext(ctx).Where("account = ?", account).Order("asset").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*uint256.Int, len(rows))
	for _, row := range rows {
		amount, err := parseAmount(row.Amount)
		if err != nil {
			return nil, err
		}
		if !amount.IsZero() {
			out[row.Asset] = amount
		}
	}
	return out, nil
}

// Credit mints amount of asset into account and journals it.
func (s *Storage) Credit(ctx context.Context, account, asset string, amount *uint256.Int) error {
	return s.InTx(ctx, func(tx *Tx) error {
		return tx.Move("", account, asset, amount, KindCredit)
	})
}

// Transfer moves amount of asset between two accounts atomically.
func (s *Storage) Transfer(ctx context.Context, from, to, asset string, amount *uint256.Int, kind string) error {
	return s.InTx(ctx, func(tx *Tx) error {
		return tx.Move(from, to, asset, amount, kind)
	})
}

// Transfers returns the most recent journal entries touching account.
func (s *Storage) Transfers(ctx context.Context, account string, limit int) ([]Transfer, error) {
	var rows []Transfer
	query := s.db.WithContext(ctx).Where("from_account = ? OR to_account = ?", account, account).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Move debits from (unless empty) and credits to within the transaction.
func (t *Tx) Move(from, to, asset string, amount *uint256.Int, kind string) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	asset = normalizeAsset(asset)
	if amount.IsZero() {
		return nil
	}
	if from != "" {
		bal, err := t.balance(from, asset)
		if err != nil {
			return err
		}
		current, err := parseAmount(bal.Amount)
		if err != nil {
			return err
		}
		if current.Lt(amount) {
			return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from, current.Dec(), asset, amount.Dec())
		}
		bal.Amount = new(uint256.Int).Sub(current, amount).Dec()
		if err := t.db.Save(bal).Error; err != nil {
			return err
		}
	}
	if to != "" {
		bal, err := t.balance(to, asset)
		if err != nil {
			return err
		}
		current, err := parseAmount(bal.Amount)
		if err != nil {
			return err
		}
		sum, overflow := new(uint256.Int).AddOverflow(current, amount)
		if overflow {
			return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
		}
		bal.Amount = sum.Dec()
		if err := t.db.Save(bal).Error; err != nil {
			return err
		}
	}
	return t.db.Create(&Transfer{
		ID:          uuid.New(),
		Kind:        kind,
		Asset:       asset,
		FromAccount: from,
		ToAccount:   to,
		Amount:      amount.Dec(),
	}).Error
}

func (t *Tx) balance(account, asset string) (*Balance, error) {
	var bal Balance
	err := t.db.Where("account = ? AND asset = ?", account, asset).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Balance{ID: uuid.New(), Account: account, Asset: asset, Amount: "0"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// Reserve loads the venue reserves of a pool.
func (t *Tx) Reserve(poolID string) (*PoolReserve, error) {
	var reserve PoolReserve
	err := t.db.First(&reserve, "pool_id = ?", poolID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReserveNotFound, poolID)
	}
	if err != nil {
		return nil, err
	}
	return &reserve, nil
}

// SaveReserve upserts the venue reserves of a pool.
func (t *Tx) SaveReserve(reserve *PoolReserve) error {
	reserve.UpdatedAt = time.Now().UTC()
	return t.db.Save(reserve).Error
}

// Reserve loads the venue reserves of a pool outside a transaction.
func (s *Storage) Reserve(ctx context.Context, poolID string) (*PoolReserve, error) {
	var reserve *PoolReserve
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		reserve, err = tx.Reserve(poolID)
		return err
	})
	return reserve, err
}

// RecordSettlement stores a successful settlement result.
func (s *Storage) RecordSettlement(ctx context.Context, caller string, res *twamm.Result) error {
	if res == nil || !res.Success {
		return nil
	}
	row := Settlement{
		ID:        uuid.New(),
		PoolID:    res.PoolID,
		Caller:    caller,
		FromTick:  res.From,
		ToTick:    res.To,
		Partial:   res.Partial,
		ConsumedA: decimal(res.ConsumedA),
		ConsumedB: decimal(res.ConsumedB),
		ProceedsA: decimal(res.ProceedsA),
		ProceedsB: decimal(res.ProceedsB),
		Fills:     len(res.Fills),
		Completed: len(res.Completed),
		Quality:   res.Quality,
	}
	if res.Leg != nil {
		row.LegDirection = res.Leg.Direction.String()
		row.LegAmountIn = decimal(res.Leg.AmountIn)
		row.LegAmountOut = decimal(res.Leg.AmountOut)
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Settlements returns the most recent settlements of a pool, newest first.
func (s *Storage) Settlements(ctx context.Context, poolID string, limit int) ([]Settlement, error) {
	var rows []Settlement
	query := s.db.WithContext(ctx).Where("pool_id = ?", poolID).Order("to_tick DESC").Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SettlementPrices derives the realised price of asset A in units of asset B
// (1e18 fixed point) for recent settlements, weighted by the ticks each one
// covered. Settlements that moved no volume are skipped.
func (s *Storage) SettlementPrices(ctx context.Context, poolID string, limit int) (prices, weights []*uint256.Int, err error) {
	rows, err := s.Settlements(ctx, poolID, limit)
	if err != nil {
		return nil, nil, err
	}
	for _, row := range rows {
		price, ok, err := row.price()
		if err != nil {
			return nil, nil, err
		}
		if !ok || row.ToTick <= row.FromTick {
			continue
		}
		prices = append(prices, price)
		weights = append(weights, uint256.NewInt(row.ToTick-row.FromTick))
	}
	return prices, weights, nil
}

func (row Settlement) price() (*uint256.Int, bool, error) {
	values, err := parseAmounts(row.ConsumedA, row.ProceedsA, row.ConsumedB, row.ProceedsB)
	if err != nil {
		return nil, false, err
	}
	consumedA, proceedsA, consumedB, proceedsB := values[0], values[1], values[2], values[3]
	// SellA orders received proceedsA of B for consumedA of A; SellB orders
	// paid consumedB of B for proceedsB of A.
	num, den := proceedsA, consumedA
	if consumedA.IsZero() {
		num, den = consumedB, proceedsB
	}
	if den.IsZero() {
		return nil, false, nil
	}
	scaled, overflow := new(uint256.Int).MulOverflow(num, twamm.Precision())
	if overflow {
		return nil, false, fmt.Errorf("%w: price overflow", ErrInvalidAmount)
	}
	return scaled.Div(scaled, den), true, nil
}

// Ledger adapts the storage to the custody interface of the coordinator. All
// deposits are held by a single module account.
type Ledger struct {
	store   *Storage
	custody string
	metrics *observability.TWAMMMetrics
}

// NewLedger returns a ledger whose custody account is custody.
func NewLedger(store *Storage, custody crypto.Address) *Ledger {
	return &Ledger{store: store, custody: custody.String(), metrics: observability.TWAMM()}
}

// Custody returns the module account holding deposits.
func (l *Ledger) Custody() string { return l.custody }

func (l *Ledger) TransferIn(ctx context.Context, asset string, from crypto.Address, amount *uint256.Int) error {
	if err := l.store.Transfer(ctx, from.String(), l.custody, asset, amount, KindDeposit); err != nil {
		return err
	}
	l.metrics.RecordTransfer(asset, "in")
	return nil
}

func (l *Ledger) TransferOut(ctx context.Context, asset string, to crypto.Address, amount *uint256.Int) error {
	if err := l.store.Transfer(ctx, l.custody, to.String(), asset, amount, KindWithdrawal); err != nil {
		return err
	}
	l.metrics.RecordTransfer(asset, "out")
	return nil
}

// IncentivePayer pays trigger rewards from custody in the asset returned by
// asset at payment time.
type IncentivePayer struct {
	ledger *Ledger
	asset  func() string
}

// NewIncentivePayer binds a payer to the ledger custody account.
func NewIncentivePayer(ledger *Ledger, asset func() string) *IncentivePayer {
	return &IncentivePayer{ledger: ledger, asset: asset}
}

func (p *IncentivePayer) Pay(ctx context.Context, to crypto.Address, amount *uint256.Int) error {
	asset := p.asset()
	if err := p.ledger.store.Transfer(ctx, p.ledger.custody, to.String(), asset, amount, KindIncentive); err != nil {
		return err
	}
	p.ledger.metrics.RecordTransfer(asset, "out")
	return nil
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(raw string) (*uint256.Int, error) {
	if raw == "" {
		return new(uint256.Int), nil
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return value, nil
}

func parseAmounts(values ...string) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(values))
	for i, raw := range values {
		value, err := parseAmount(raw)
		if err != nil {
			return nil, err
		}
		out[i] = value
	}
	return out, nil
}
