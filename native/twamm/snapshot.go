package twamm

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"twamm/crypto"
	"twamm/storage"
)

var (
	snapshotMetaKey     = []byte("twamm/meta")
	snapshotPoolPrefix  = []byte("twamm/pool/")
	snapshotOrderPrefix = []byte("twamm/order/")
)

// PoolSnapshot captures a pool, its active index and its settlement
// bookkeeping.
type PoolSnapshot struct {
	State     *PoolState
	Active    []uint64
	Execution ExecutionState
}

// Snapshot is a complete copy of module state.
type Snapshot struct {
	NextOrderID uint64
	Orders      []*Order
	Pools       []PoolSnapshot
}

// Delta carries the orders changed since the previous checkpoint. Pools are
// few and always included.
type Delta struct {
	NextOrderID uint64
	Orders      []*Order
	Pools       []PoolSnapshot
}

// Snapshot captures the store and engine bookkeeping.
func (c *Coordinator) Snapshot() *Snapshot {
	snap := c.store.snapshot()
	c.fillExecution(snap.Pools)
	return snap
}

func (c *Coordinator) delta() *Delta {
	orders, pools, next := c.store.takeDirty()
	c.fillExecution(pools)
	return &Delta{NextOrderID: next, Orders: orders, Pools: pools}
}

func (c *Coordinator) fillExecution(pools []PoolSnapshot) {
	for i := range pools {
		pools[i].Execution = c.engine.ExecutionState(pools[i].State.ID)
	}
}

// Restore replaces store and engine state with the snapshot. It is meant to
// run once at start-up before any operation is served.
func (c *Coordinator) Restore(snap *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.restore(snap); err != nil {
		return err
	}
	for _, pool := range snap.Pools {
		c.engine.restoreExecution(pool.State.ID, pool.Execution)
	}
	return nil
}

func (s *Store) snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{NextOrderID: s.nextID, Orders: make([]*Order, 0, len(s.orders))}
	for _, order := range s.orders {
		snap.Orders = append(snap.Orders, order.Clone())
	}
	snap.Pools = s.poolSnapshotsLocked()
	return snap
}

// takeDirty returns copies of the orders changed since the previous call,
// every pool and the next order id, and resets the change set.
func (s *Store) takeDirty() ([]*Order, []PoolSnapshot, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	orders := make([]*Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, s.orders[id-1].Clone())
	}
	s.dirty = make(map[uint64]struct{})
	return orders, s.poolSnapshotsLocked(), s.nextID
}

// markDirty re-queues orders whose checkpoint failed.
func (s *Store) markDirty(orders []*Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range orders {
		s.dirty[order.ID] = struct{}{}
	}
}

func (s *Store) poolSnapshotsLocked() []PoolSnapshot {
	out := make([]PoolSnapshot, 0, len(s.pools))
	for _, pool := range s.pools {
		out = append(out, PoolSnapshot{
			State:  pool.state.Clone(),
			Active: append([]uint64(nil), pool.active...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State.ID < out[j].State.ID })
	return out
}

func (s *Store) restore(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	orders := make([]*Order, len(snap.Orders))
	for i, order := range snap.Orders {
		if order == nil || order.ID != uint64(i+1) {
			return fmt.Errorf("twamm snapshot: order %d out of sequence", i+1)
		}
		if order.Active && order.PayoutPending {
			return fmt.Errorf("twamm snapshot: active order %d marked for payout", order.ID)
		}
		orders[i] = order.Clone()
	}
	if snap.NextOrderID != uint64(len(orders))+1 {
		return fmt.Errorf("twamm snapshot: next order id %d does not follow %d orders", snap.NextOrderID, len(orders))
	}
	pools := make(map[string]*poolRecord, len(snap.Pools))
	activePos := make(map[uint64]int)
	for _, pool := range snap.Pools {
		if pool.State == nil {
			return errors.New("twamm snapshot: pool state missing")
		}
		record := &poolRecord{state: pool.State.Clone(), active: append([]uint64(nil), pool.Active...)}
		for pos, id := range record.active {
			if id == 0 || id > uint64(len(orders)) || !orders[id-1].Active {
				return fmt.Errorf("twamm snapshot: pool %s lists invalid active order %d", record.state.ID, id)
			}
			activePos[id] = pos
		}
		pools[record.state.ID] = record
	}
	owners := make(map[crypto.Address][]uint64)
	pending := make(map[uint64]struct{})
	for _, order := range orders {
		owners[order.Owner] = append(owners[order.Owner], order.ID)
		if order.PayoutPending {
			pending[order.ID] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = orders
	s.pools = pools
	s.activePos = activePos
	s.owners = owners
	s.pending = pending
	s.dirty = make(map[uint64]struct{})
	s.nextID = snap.NextOrderID
	return nil
}

func (e *Engine) restoreExecution(poolID string, view ExecutionState) {
	st := e.state(poolID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.volumeA = cloneInt(view.CumulativeVolumeA)
	st.volumeB = cloneInt(view.CumulativeVolumeB)
	st.lastExecutionTime = view.LastExecutionTime
	st.incentive = cloneInt(view.AccumulatedIncentive)
	st.executions = view.Executions
}

type storedMeta struct {
	NextOrderID uint64
	Pools       []string
}

type storedPool struct {
	ID                   string
	AssetA               string
	AssetB               string
	SellRateA            string
	SellRateB            string
	LastVirtualOrderTime uint64
	ActiveCountA         uint64
	ActiveCountB         uint64
	CreatedAt            uint64
	Active               []uint64
	VolumeA              string
	VolumeB              string
	LastExecutionTime    uint64
	Incentive            string
	Executions           uint64
}

type storedOrder struct {
	ID                uint64
	Owner             string
	PoolID            string
	Direction         uint8
	OriginalAmount    string
	RemainingAmount   string
	SellRate          string
	StartTime         uint64
	EndTime           uint64
	LastExecutionTime uint64
	TotalExecuted     string
	Proceeds          string
	Active            bool
	PayoutPending     bool `rlp:"optional"`
}

func poolKey(poolID string) []byte {
	buf := make([]byte, len(snapshotPoolPrefix)+len(poolID))
	copy(buf, snapshotPoolPrefix)
	copy(buf[len(snapshotPoolPrefix):], poolID)
	return buf
}

func orderKey(id uint64) []byte {
	return strconv.AppendUint(append([]byte(nil), snapshotOrderPrefix...), id, 10)
}

// SnapshotStore persists snapshots as RLP records in a key-value database.
type SnapshotStore struct {
	db storage.Database
}

// NewSnapshotStore wraps db.
func NewSnapshotStore(db storage.Database) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Checkpoint implements Checkpointer by writing the changed orders, every
// pool and the meta record in one batch.
func (s *SnapshotStore) Checkpoint(delta *Delta) error {
	return s.write(delta.NextOrderID, delta.Pools, delta.Orders)
}

// Save writes every record of the snapshot in one batch.
func (s *SnapshotStore) Save(snap *Snapshot) error {
	return s.write(snap.NextOrderID, snap.Pools, snap.Orders)
}

func (s *SnapshotStore) write(nextOrderID uint64, pools []PoolSnapshot, orders []*Order) error {
	if s == nil || s.db == nil {
		return errors.New("twamm snapshot: database not configured")
	}
	meta := storedMeta{NextOrderID: nextOrderID}
	entries := make([]storage.KV, 0, len(orders)+len(pools)+1)
	for _, pool := range pools {
		meta.Pools = append(meta.Pools, pool.State.ID)
		encoded, err := rlp.EncodeToBytes(toStoredPool(pool))
		if err != nil {
			return fmt.Errorf("twamm snapshot: encode pool %s: %w", pool.State.ID, err)
		}
		entries = append(entries, storage.KV{Key: poolKey(pool.State.ID), Value: encoded})
	}
	for _, order := range orders {
		encoded, err := rlp.EncodeToBytes(toStoredOrder(order))
		if err != nil {
			return fmt.Errorf("twamm snapshot: encode order %d: %w", order.ID, err)
		}
		entries = append(entries, storage.KV{Key: orderKey(order.ID), Value: encoded})
	}
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return fmt.Errorf("twamm snapshot: encode meta: %w", err)
	}
	// The meta record goes last so a reader never sees it ahead of its records.
	entries = append(entries, storage.KV{Key: snapshotMetaKey, Value: encoded})
	return s.db.WriteBatch(entries)
}

// Load reads the latest snapshot. The boolean is false when none was saved.
func (s *SnapshotStore) Load() (*Snapshot, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("twamm snapshot: database not configured")
	}
	raw, err := s.db.Get(snapshotMetaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var meta storedMeta
	if err := rlp.DecodeBytes(raw, &meta); err != nil {
		return nil, false, fmt.Errorf("twamm snapshot: decode meta: %w", err)
	}
	snap := &Snapshot{NextOrderID: meta.NextOrderID}
	for _, poolID := range meta.Pools {
		raw, err := s.db.Get(poolKey(poolID))
		if err != nil {
			return nil, false, fmt.Errorf("twamm snapshot: load pool %s: %w", poolID, err)
		}
		var stored storedPool
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return nil, false, fmt.Errorf("twamm snapshot: decode pool %s: %w", poolID, err)
		}
		pool, err := fromStoredPool(&stored)
		if err != nil {
			return nil, false, err
		}
		snap.Pools = append(snap.Pools, pool)
	}
	for id := uint64(1); id < meta.NextOrderID; id++ {
		raw, err := s.db.Get(orderKey(id))
		if err != nil {
			return nil, false, fmt.Errorf("twamm snapshot: load order %d: %w", id, err)
		}
		var stored storedOrder
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return nil, false, fmt.Errorf("twamm snapshot: decode order %d: %w", id, err)
		}
		order, err := fromStoredOrder(&stored)
		if err != nil {
			return nil, false, err
		}
		snap.Orders = append(snap.Orders, order)
	}
	return snap, true, nil
}

func toStoredPool(pool PoolSnapshot) storedPool {
	return storedPool{
		ID:                   pool.State.ID,
		AssetA:               pool.State.AssetA,
		AssetB:               pool.State.AssetB,
		SellRateA:            amountString(pool.State.SellRateA),
		SellRateB:            amountString(pool.State.SellRateB),
		LastVirtualOrderTime: pool.State.LastVirtualOrderTime,
		ActiveCountA:         pool.State.ActiveCountA,
		ActiveCountB:         pool.State.ActiveCountB,
		CreatedAt:            pool.State.CreatedAt,
		Active:               pool.Active,
		VolumeA:              amountString(pool.Execution.CumulativeVolumeA),
		VolumeB:              amountString(pool.Execution.CumulativeVolumeB),
		LastExecutionTime:    pool.Execution.LastExecutionTime,
		Incentive:            amountString(pool.Execution.AccumulatedIncentive),
		Executions:           pool.Execution.Executions,
	}
}

func fromStoredPool(stored *storedPool) (PoolSnapshot, error) {
	amounts, err := parseAmounts(stored.SellRateA, stored.SellRateB, stored.VolumeA, stored.VolumeB, stored.Incentive)
	if err != nil {
		return PoolSnapshot{}, fmt.Errorf("twamm snapshot: pool %s: %w", stored.ID, err)
	}
	return PoolSnapshot{
		State: &PoolState{
			ID:                   stored.ID,
			AssetA:               stored.AssetA,
			AssetB:               stored.AssetB,
			Initialized:          true,
			SellRateA:            amounts[0],
			SellRateB:            amounts[1],
			LastVirtualOrderTime: stored.LastVirtualOrderTime,
			ActiveCountA:         stored.ActiveCountA,
			ActiveCountB:         stored.ActiveCountB,
			CreatedAt:            stored.CreatedAt,
		},
		Active: stored.Active,
		Execution: ExecutionState{
			CumulativeVolumeA:    amounts[2],
			CumulativeVolumeB:    amounts[3],
			LastExecutionTime:    stored.LastExecutionTime,
			AccumulatedIncentive: amounts[4],
			Executions:           stored.Executions,
		},
	}, nil
}

func toStoredOrder(order *Order) storedOrder {
	return storedOrder{
		ID:                order.ID,
		Owner:             order.Owner.String(),
		PoolID:            order.PoolID,
		Direction:         uint8(order.Direction),
		OriginalAmount:    amountString(order.OriginalAmount),
		RemainingAmount:   amountString(order.RemainingAmount),
		SellRate:          amountString(order.SellRate),
		StartTime:         order.StartTime,
		EndTime:           order.EndTime,
		LastExecutionTime: order.LastExecutionTime,
		TotalExecuted:     amountString(order.TotalExecuted),
		Proceeds:          amountString(order.Proceeds),
		Active:            order.Active,
		PayoutPending:     order.PayoutPending,
	}
}

func fromStoredOrder(stored *storedOrder) (*Order, error) {
	owner, err := crypto.DecodeAddress(stored.Owner)
	if err != nil {
		return nil, fmt.Errorf("twamm snapshot: order %d owner: %w", stored.ID, err)
	}
	amounts, err := parseAmounts(stored.OriginalAmount, stored.RemainingAmount, stored.SellRate, stored.TotalExecuted, stored.Proceeds)
	if err != nil {
		return nil, fmt.Errorf("twamm snapshot: order %d: %w", stored.ID, err)
	}
	return &Order{
		ID:                stored.ID,
		Owner:             owner,
		PoolID:            stored.PoolID,
		Direction:         Direction(stored.Direction),
		OriginalAmount:    amounts[0],
		RemainingAmount:   amounts[1],
		SellRate:          amounts[2],
		StartTime:         stored.StartTime,
		EndTime:           stored.EndTime,
		LastExecutionTime: stored.LastExecutionTime,
		TotalExecuted:     amounts[3],
		Proceeds:          amounts[4],
		Active:            stored.Active,
		PayoutPending:     stored.PayoutPending,
	}, nil
}

func parseAmounts(values ...string) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(values))
	for i, value := range values {
		if value == "" {
			out[i] = zero()
			continue
		}
		parsed, err := uint256.FromDecimal(value)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", value, err)
		}
		out[i] = parsed
	}
	return out, nil
}
