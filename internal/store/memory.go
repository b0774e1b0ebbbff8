package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokensim/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory state. Used for testing and
// development. Not suitable for production (no persistence). A single mutex
// serializes transactions; rollback restores a pre-transaction snapshot.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*model.Account
	positions map[string]*model.Position // owner|mint
	lots      []*model.Lot
	trades    []model.Trade
	closures  []model.LotClosure
	pnl       []model.RealizedPnLRecord
	seq       int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]*model.Position),
	}
}

func posKey(owner, mint string) string { return owner + "|" + mint }

func (s *MemoryStore) GetAccount(_ context.Context, owner string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[owner]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, owner string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Owner == owner && p.Quantity.GreaterThan(decimal.Zero) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mint < out[j].Mint })
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, owner, mint string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posKey(owner, mint)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListLots(_ context.Context, owner, mint string) ([]model.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Lot
	for _, l := range s.lots {
		if l.Owner == owner && l.Mint == mint {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, owner string) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	return out, nil
}

func (s *MemoryStore) ListClosures(_ context.Context, tradeID string) ([]model.LotClosure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.LotClosure
	for _, c := range s.closures {
		if c.TradeID == tradeID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRealizedPnL(_ context.Context, owner string) ([]model.RealizedPnLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.RealizedPnLRecord
	for _, r := range s.pnl {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

// InTx serializes on the store mutex, snapshots state, and restores the
// snapshot if fn fails — mirroring transactional rollback.
func (s *MemoryStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	accounts  map[string]*model.Account
	positions map[string]*model.Position
	lots      []*model.Lot
	trades    []model.Trade
	closures  []model.LotClosure
	pnl       []model.RealizedPnLRecord
	seq       int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		accounts:  make(map[string]*model.Account, len(s.accounts)),
		positions: make(map[string]*model.Position, len(s.positions)),
		lots:      make([]*model.Lot, len(s.lots)),
		trades:    append([]model.Trade(nil), s.trades...),
		closures:  append([]model.LotClosure(nil), s.closures...),
		pnl:       append([]model.RealizedPnLRecord(nil), s.pnl...),
		seq:       s.seq,
	}
	for k, a := range s.accounts {
		cp := *a
		snap.accounts[k] = &cp
	}
	for k, p := range s.positions {
		cp := *p
		snap.positions[k] = &cp
	}
	for i, l := range s.lots {
		cp := *l
		snap.lots[i] = &cp
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.accounts = snap.accounts
	s.positions = snap.positions
	s.lots = snap.lots
	s.trades = snap.trades
	s.closures = snap.closures
	s.pnl = snap.pnl
	s.seq = snap.seq
}

// memTx operates on the store directly; InTx already holds the mutex.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) EnsureAccount(_ context.Context, owner string, startingBalance decimal.Decimal) (*model.Account, error) {
	a, ok := t.s.accounts[owner]
	if !ok {
		a = &model.Account{
			Owner:      owner,
			BalanceUSD: startingBalance,
			CreatedAt:  time.Now().UTC(),
		}
		t.s.accounts[owner] = a
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) SetBalance(_ context.Context, owner string, balance decimal.Decimal) error {
	a, ok := t.s.accounts[owner]
	if !ok {
		return ErrNotFound
	}
	a.BalanceUSD = balance
	return nil
}

func (t *memTx) OpenLots(_ context.Context, owner, mint string) ([]*model.Lot, error) {
	var out []*model.Lot
	for _, l := range t.s.lots {
		if l.Owner == owner && l.Mint == mint && l.Remaining.GreaterThan(decimal.Zero) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (t *memTx) InsertLot(_ context.Context, lot *model.Lot) error {
	t.s.seq++
	lot.Seq = t.s.seq
	cp := *lot
	t.s.lots = append(t.s.lots, &cp)
	return nil
}

func (t *memTx) UpdateLotRemaining(_ context.Context, lotID string, remaining decimal.Decimal) error {
	for _, l := range t.s.lots {
		if l.ID == lotID {
			l.Remaining = remaining
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) PositionForUpdate(_ context.Context, owner, mint string) (*model.Position, error) {
	p, ok := t.s.positions[posKey(owner, mint)]
	if !ok {
		return &model.Position{
			Owner:        owner,
			Mint:         mint,
			Quantity:     decimal.Zero,
			CostBasisUSD: decimal.Zero,
		}, nil
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) UpsertPosition(_ context.Context, pos *model.Position) error {
	cp := *pos
	t.s.positions[posKey(pos.Owner, pos.Mint)] = &cp
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, trade *model.Trade) error {
	t.s.trades = append(t.s.trades, *trade)
	return nil
}

func (t *memTx) InsertClosures(_ context.Context, closures []model.LotClosure) error {
	t.s.closures = append(t.s.closures, closures...)
	return nil
}

func (t *memTx) InsertPnLRecord(_ context.Context, rec *model.RealizedPnLRecord) error {
	t.s.pnl = append(t.s.pnl, *rec)
	return nil
}
