package twamm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"twamm/crypto"
)

var (
	ErrAlreadyInitialized = errors.New("twamm store: pool already initialised")
	ErrPoolNotInitialized = errors.New("twamm store: pool not initialised")
	ErrInvalidPoolID      = errors.New("twamm store: pool id required")
	ErrInvalidDuration    = errors.New("twamm store: invalid duration")
	ErrInvalidDirection   = errors.New("twamm store: invalid direction")
	ErrRateTooSmall       = errors.New("twamm store: sell rate floors to zero")
	ErrOrderNotFound      = errors.New("twamm store: order not found")
	ErrOrderNotActive     = errors.New("twamm store: order not active")
	ErrAlreadyInactive    = errors.New("twamm store: order already inactive")
	ErrLengthMismatch     = errors.New("twamm store: id and amount lists differ in length")
	ErrAggregateMismatch  = errors.New("twamm store: aggregate sell rate mismatch")
	ErrNoPayoutPending    = errors.New("twamm store: order has no pending payout")
)

type poolRecord struct {
	state  *PoolState
	active []uint64
}

// Store owns every order and pool record. Orders live in an arena indexed by
// id-1; each pool keeps an unordered slice of active ids with positions
// tracked in activePos so removals are O(1). Ids of orders mutated since the
// last checkpoint are collected in dirty.
type Store struct {
	mu        sync.RWMutex
	orders    []*Order
	activePos map[uint64]int
	pools     map[string]*poolRecord
	owners    map[crypto.Address][]uint64
	pending   map[uint64]struct{}
	dirty     map[uint64]struct{}
	nextID    uint64
}

// NewStore returns an empty store whose first order id is one.
func NewStore() *Store {
	return &Store{
		activePos: make(map[uint64]int),
		pools:     make(map[string]*poolRecord),
		owners:    make(map[crypto.Address][]uint64),
		pending:   make(map[uint64]struct{}),
		dirty:     make(map[uint64]struct{}),
		nextID:    1,
	}
}

func normalizePoolID(poolID string) string {
	return strings.TrimSpace(poolID)
}

// InitializePool registers a zeroed pool stamped with now.
func (s *Store) InitializePool(poolID, assetA, assetB string, now uint64) error {
	poolID = normalizePoolID(poolID)
	if poolID == "" {
		return ErrInvalidPoolID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[poolID]; ok {
		return ErrAlreadyInitialized
	}
	s.pools[poolID] = &poolRecord{state: &PoolState{
		ID:                   poolID,
		AssetA:               strings.TrimSpace(assetA),
		AssetB:               strings.TrimSpace(assetB),
		Initialized:          true,
		SellRateA:            zero(),
		SellRateB:            zero(),
		LastVirtualOrderTime: now,
		CreatedAt:            now,
	}}
	return nil
}

// CreateOrder records a new active order and adds its rate to the pool
// aggregate. The returned id is the assigned order id.
func (s *Store) CreateOrder(owner crypto.Address, poolID string, amount *uint256.Int, durationTicks uint64, direction Direction, startTime uint64) (uint64, error) {
	if durationTicks == 0 {
		return 0, ErrInvalidDuration
	}
	if !direction.Valid() {
		return 0, ErrInvalidDirection
	}
	endTime := startTime + durationTicks
	if endTime < startTime {
		return 0, fmt.Errorf("%w: window overflows", ErrInvalidDuration)
	}
	amount = orZero(amount)
	rate := new(uint256.Int).Div(amount, uint256.NewInt(durationTicks))
	if rate.IsZero() {
		return 0, ErrRateTooSmall
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[normalizePoolID(poolID)]
	if !ok {
		return 0, ErrPoolNotInitialized
	}
	aggregate := pool.aggregate(direction)
	sum, err := checkedAdd(*aggregate, rate)
	if err != nil {
		return 0, err
	}

	id := s.nextID
	order := &Order{
		ID:                id,
		Owner:             owner,
		PoolID:            pool.state.ID,
		Direction:         direction,
		OriginalAmount:    new(uint256.Int).Set(amount),
		RemainingAmount:   new(uint256.Int).Set(amount),
		SellRate:          rate,
		StartTime:         startTime,
		EndTime:           endTime,
		LastExecutionTime: startTime,
		TotalExecuted:     zero(),
		Proceeds:          zero(),
		Active:            true,
	}
	s.orders = append(s.orders, order)
	s.nextID++
	*aggregate = sum
	s.activePos[id] = len(pool.active)
	pool.active = append(pool.active, id)
	pool.incrementCount(direction)
	s.owners[owner] = append(s.owners[owner], id)
	s.dirty[id] = struct{}{}
	return id, nil
}

// UpdateSellRate adjusts a pool aggregate. Subtraction saturates at zero.
func (s *Store) UpdateSellRate(poolID string, delta *uint256.Int, direction Direction, isAdd bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSellRateLocked(poolID, delta, direction, isAdd)
}

func (s *Store) updateSellRateLocked(poolID string, delta *uint256.Int, direction Direction, isAdd bool) error {
	if !direction.Valid() {
		return ErrInvalidDirection
	}
	pool, ok := s.pools[normalizePoolID(poolID)]
	if !ok {
		return ErrPoolNotInitialized
	}
	aggregate := pool.aggregate(direction)
	if isAdd {
		sum, err := checkedAdd(*aggregate, delta)
		if err != nil {
			return err
		}
		*aggregate = sum
		return nil
	}
	*aggregate = saturatingSub(*aggregate, delta)
	return nil
}

// UpdateOrderExecution applies min(executed, remaining) to the order and
// stamps lastExecutionTime. It returns the amount actually applied.
func (s *Store) UpdateOrderExecution(orderID uint64, executed *uint256.Int, now uint64) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateOrderExecutionLocked(orderID, executed, now)
}

func (s *Store) updateOrderExecutionLocked(orderID uint64, executed *uint256.Int, now uint64) (*uint256.Int, error) {
	order, err := s.orderLocked(orderID)
	if err != nil {
		return nil, err
	}
	if !order.Active {
		return nil, ErrOrderNotActive
	}
	applied := minInt(orZero(executed), order.RemainingAmount)
	order.RemainingAmount.Sub(order.RemainingAmount, applied)
	order.TotalExecuted.Add(order.TotalExecuted, applied)
	if now > order.LastExecutionTime {
		order.LastExecutionTime = now
	}
	s.dirty[orderID] = struct{}{}
	return applied, nil
}

// CreditProceeds adds output asset to an order's proceeds.
func (s *Store) CreditProceeds(orderID uint64, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, err := s.orderLocked(orderID)
	if err != nil {
		return err
	}
	sum, err := checkedAdd(order.Proceeds, amount)
	if err != nil {
		return err
	}
	order.Proceeds = sum
	s.dirty[orderID] = struct{}{}
	return nil
}

// DeactivateOrder flips the order inactive and swap-removes it from the pool's
// active index. The aggregate rate is left untouched; see RetireOrder.
func (s *Store) DeactivateOrder(orderID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivateLocked(orderID)
}

func (s *Store) deactivateLocked(orderID uint64) error {
	order, err := s.orderLocked(orderID)
	if err != nil {
		return err
	}
	if !order.Active {
		return ErrAlreadyInactive
	}
	pool, ok := s.pools[order.PoolID]
	if !ok {
		return ErrPoolNotInitialized
	}
	order.Active = false

	pos, tracked := s.activePos[orderID]
	if tracked {
		last := len(pool.active) - 1
		moved := pool.active[last]
		pool.active[pos] = moved
		s.activePos[moved] = pos
		pool.active = pool.active[:last]
		delete(s.activePos, orderID)
	}
	pool.decrementCount(order.Direction)
	s.dirty[orderID] = struct{}{}
	return nil
}

// RetireOrder removes the order's rate from the aggregate and deactivates it
// in one step.
func (s *Store) RetireOrder(orderID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retireLocked(orderID)
}

func (s *Store) retireLocked(orderID uint64) error {
	order, err := s.orderLocked(orderID)
	if err != nil {
		return err
	}
	if !order.Active {
		return ErrAlreadyInactive
	}
	if err := s.updateSellRateLocked(order.PoolID, order.SellRate, order.Direction, false); err != nil {
		return err
	}
	return s.deactivateLocked(orderID)
}

// CompleteOrder retires an exhausted or expired order and marks its proceeds
// and unsold input as owed to the owner until ClearPayout is called.
func (s *Store) CompleteOrder(orderID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.retireLocked(orderID); err != nil {
		return err
	}
	order := s.orders[orderID-1]
	order.PayoutPending = true
	s.pending[orderID] = struct{}{}
	s.dirty[orderID] = struct{}{}
	return nil
}

// ClearPayout records that a completed order has been paid.
func (s *Store) ClearPayout(orderID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, err := s.orderLocked(orderID)
	if err != nil {
		return err
	}
	if !order.PayoutPending {
		return ErrNoPayoutPending
	}
	order.PayoutPending = false
	delete(s.pending, orderID)
	s.dirty[orderID] = struct{}{}
	return nil
}

// PendingPayouts returns copies of the pool's completed but unpaid orders in
// id order.
func (s *Store) PendingPayouts(poolID string) []*Order {
	poolID = normalizePoolID(poolID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Order, 0, len(s.pending))
	for id := range s.pending {
		order := s.orders[id-1]
		if order.PoolID == poolID {
			out = append(out, order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BatchUpdateOrderExecution applies UpdateOrderExecution pairwise. Orders that
// are no longer active are skipped and reported.
func (s *Store) BatchUpdateOrderExecution(orderIDs []uint64, amounts []*uint256.Int, now uint64) ([]uint64, error) {
	if len(orderIDs) != len(amounts) {
		return nil, ErrLengthMismatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var skipped []uint64
	for i, id := range orderIDs {
		if _, err := s.updateOrderExecutionLocked(id, amounts[i], now); err != nil {
			if errors.Is(err, ErrOrderNotActive) || errors.Is(err, ErrOrderNotFound) {
				skipped = append(skipped, id)
				continue
			}
			return skipped, err
		}
	}
	return skipped, nil
}

// AdvanceVirtualOrderTime moves the pool clock forward. Earlier times are
// ignored.
func (s *Store) AdvanceVirtualOrderTime(poolID string, t uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[normalizePoolID(poolID)]
	if !ok {
		return ErrPoolNotInitialized
	}
	if t > pool.state.LastVirtualOrderTime {
		pool.state.LastVirtualOrderTime = t
	}
	return nil
}

// Order returns a copy of the order.
func (s *Store) Order(orderID uint64) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, err := s.orderLocked(orderID)
	if err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

// Pool returns a copy of the pool state.
func (s *Store) Pool(poolID string) (*PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool, ok := s.pools[normalizePoolID(poolID)]
	if !ok {
		return nil, ErrPoolNotInitialized
	}
	return pool.state.Clone(), nil
}

// Pools returns copies of every pool ordered by id.
func (s *Store) Pools() []*PoolState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PoolState, 0, len(s.pools))
	for _, pool := range s.pools {
		out = append(out, pool.state.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveOrders returns copies of the pool's active orders in index order,
// optionally filtered by direction.
func (s *Store) ActiveOrders(poolID string, direction *Direction) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool, ok := s.pools[normalizePoolID(poolID)]
	if !ok {
		return nil, ErrPoolNotInitialized
	}
	out := make([]*Order, 0, len(pool.active))
	for _, id := range pool.active {
		order := s.orders[id-1]
		if direction != nil && order.Direction != *direction {
			continue
		}
		out = append(out, order.Clone())
	}
	return out, nil
}

// OrdersByOwner returns copies of every order the owner ever submitted,
// including inactive ones.
func (s *Store) OrdersByOwner(owner crypto.Address) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.owners[owner]
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.orders[id-1].Clone())
	}
	return out
}

// NextOrderID returns the id the next created order will receive.
func (s *Store) NextOrderID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// VerifyAggregates recomputes the pool aggregates and active counts from the
// order arena and compares them with the incrementally maintained values.
func (s *Store) VerifyAggregates(poolID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool, ok := s.pools[normalizePoolID(poolID)]
	if !ok {
		return ErrPoolNotInitialized
	}
	sumA, sumB := zero(), zero()
	var countA, countB uint64
	for _, order := range s.orders {
		if order.PoolID != pool.state.ID || !order.Active {
			continue
		}
		if order.Direction == SellA {
			sumA.Add(sumA, order.SellRate)
			countA++
		} else {
			sumB.Add(sumB, order.SellRate)
			countB++
		}
	}
	if !sumA.Eq(pool.state.SellRateA) || !sumB.Eq(pool.state.SellRateB) {
		return fmt.Errorf("%w: pool %s has (%s, %s), orders sum to (%s, %s)", ErrAggregateMismatch,
			pool.state.ID, pool.state.SellRateA.Dec(), pool.state.SellRateB.Dec(), sumA.Dec(), sumB.Dec())
	}
	if countA != pool.state.ActiveCountA || countB != pool.state.ActiveCountB {
		return fmt.Errorf("%w: pool %s active counts (%d, %d), orders count (%d, %d)", ErrAggregateMismatch,
			pool.state.ID, pool.state.ActiveCountA, pool.state.ActiveCountB, countA, countB)
	}
	if uint64(len(pool.active)) != countA+countB {
		return fmt.Errorf("%w: pool %s active index holds %d ids", ErrAggregateMismatch, pool.state.ID, len(pool.active))
	}
	return nil
}

func (s *Store) orderLocked(orderID uint64) (*Order, error) {
	if orderID == 0 || orderID > uint64(len(s.orders)) {
		return nil, ErrOrderNotFound
	}
	return s.orders[orderID-1], nil
}

func (p *poolRecord) aggregate(direction Direction) **uint256.Int {
	if direction == SellA {
		return &p.state.SellRateA
	}
	return &p.state.SellRateB
}

func (p *poolRecord) incrementCount(direction Direction) {
	if direction == SellA {
		p.state.ActiveCountA++
		return
	}
	p.state.ActiveCountB++
}

func (p *poolRecord) decrementCount(direction Direction) {
	if direction == SellA {
		if p.state.ActiveCountA > 0 {
			p.state.ActiveCountA--
		}
		return
	}
	if p.state.ActiveCountB > 0 {
		p.state.ActiveCountB--
	}
}
