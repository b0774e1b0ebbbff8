// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (shared tick
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tokensim/trade-engine/internal/model"
)

// ErrNotFound is returned by reads when the row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Settlement mutations run through
// InTx so lot consumption, position update, balance update, and audit
// inserts commit or roll back as one unit.
type Store interface {
	// --- Accounts ---

	// GetAccount retrieves an owner's paper account.
	GetAccount(ctx context.Context, owner string) (*model.Account, error)

	// --- Read-side queries (outside any settlement) ---

	// ListPositions returns all non-empty positions for an owner.
	ListPositions(ctx context.Context, owner string) ([]model.Position, error)

	// GetPosition returns one owner/mint position, ErrNotFound if absent.
	GetPosition(ctx context.Context, owner, mint string) (*model.Position, error)

	// ListLots returns all lots (open and closed, audit view) for an
	// owner/mint in FIFO order.
	ListLots(ctx context.Context, owner, mint string) ([]model.Lot, error)

	// ListTrades returns an owner's trades, newest first.
	ListTrades(ctx context.Context, owner string) ([]model.Trade, error)

	// ListClosures returns the lot closures recorded for a sell trade.
	ListClosures(ctx context.Context, tradeID string) ([]model.LotClosure, error)

	// ListRealizedPnL returns an owner's append-only realized PnL records.
	ListRealizedPnL(ctx context.Context, owner string) ([]model.RealizedPnLRecord, error)

	// --- Atomic settlement ---

	// InTx runs fn inside a transaction. Any error from fn (or commit)
	// leaves the store untouched.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view a settlement mutates through. Row reads lock
// the rows they return (SELECT ... FOR UPDATE in PostgreSQL), serializing
// concurrent settlements on the same owner/mint.
type Tx interface {
	// EnsureAccount loads the owner's account for update, creating it with
	// the starting balance on first touch.
	EnsureAccount(ctx context.Context, owner string, startingBalance decimal.Decimal) (*model.Account, error)

	// SetBalance updates the owner's USD balance.
	SetBalance(ctx context.Context, owner string, balance decimal.Decimal) error

	// OpenLots loads the owner/mint lots with Remaining > 0, FIFO-ordered
	// ((OpenedAt, Seq) ascending), locked for update.
	OpenLots(ctx context.Context, owner, mint string) ([]*model.Lot, error)

	// InsertLot appends a new lot, assigning its monotonic Seq.
	InsertLot(ctx context.Context, lot *model.Lot) error

	// UpdateLotRemaining persists a lot's decremented remaining quantity.
	UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error

	// PositionForUpdate loads the owner/mint position locked for update,
	// returning a zero position (not ErrNotFound) if absent.
	PositionForUpdate(ctx context.Context, owner, mint string) (*model.Position, error)

	// UpsertPosition writes the updated position aggregate.
	UpsertPosition(ctx context.Context, pos *model.Position) error

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// InsertClosures appends the lot closures for a sell trade.
	InsertClosures(ctx context.Context, closures []model.LotClosure) error

	// InsertPnLRecord appends a realized PnL record.
	InsertPnLRecord(ctx context.Context, rec *model.RealizedPnLRecord) error
}
