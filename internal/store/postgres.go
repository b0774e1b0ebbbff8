package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tokensim/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// lot FIFO order is backed by the (owner, mint, opened_at, seq) index with
// seq a BIGSERIAL tie-breaker.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			owner       TEXT PRIMARY KEY,
			balance_usd NUMERIC NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS lots (
			id              TEXT PRIMARY KEY,
			owner           TEXT NOT NULL,
			mint            TEXT NOT NULL,
			quantity        NUMERIC NOT NULL,
			remaining       NUMERIC NOT NULL,
			unit_cost_sol   NUMERIC NOT NULL,
			unit_cost_usd   NUMERIC NOT NULL,
			sol_usd_at_open NUMERIC NOT NULL,
			opened_at       TIMESTAMPTZ NOT NULL,
			seq             BIGSERIAL
		);
		CREATE INDEX IF NOT EXISTS lots_fifo_idx ON lots (owner, mint, opened_at, seq);
		CREATE TABLE IF NOT EXISTS positions (
			owner          TEXT NOT NULL,
			mint           TEXT NOT NULL,
			quantity       NUMERIC NOT NULL,
			cost_basis_usd NUMERIC NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (owner, mint)
		);
		CREATE TABLE IF NOT EXISTS trades (
			id              TEXT PRIMARY KEY,
			owner           TEXT NOT NULL,
			mint            TEXT NOT NULL,
			side            TEXT NOT NULL,
			quantity        NUMERIC NOT NULL,
			price_sol       NUMERIC NOT NULL,
			price_usd       NUMERIC NOT NULL,
			gross_usd       NUMERIC NOT NULL,
			fees_usd        NUMERIC NOT NULL,
			net_usd         NUMERIC NOT NULL,
			sol_usd_at_fill NUMERIC NOT NULL,
			executed_at     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS trades_owner_idx ON trades (owner, executed_at DESC);
		CREATE TABLE IF NOT EXISTS lot_closures (
			lot_id         TEXT NOT NULL,
			trade_id       TEXT NOT NULL,
			quantity       NUMERIC NOT NULL,
			cost_basis_usd NUMERIC NOT NULL,
			proceeds_usd   NUMERIC NOT NULL,
			pnl_usd        NUMERIC NOT NULL
		);
		CREATE INDEX IF NOT EXISTS lot_closures_trade_idx ON lot_closures (trade_id);
		CREATE TABLE IF NOT EXISTS realized_pnl (
			owner       TEXT NOT NULL,
			mint        TEXT NOT NULL,
			trade_id    TEXT NOT NULL,
			pnl_usd     NUMERIC NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS realized_pnl_owner_idx ON realized_pnl (owner, recorded_at);
	`)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, owner string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT owner, balance_usd::TEXT, created_at FROM accounts WHERE owner = $1`, owner).
		Scan(&a.Owner, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", owner, err)
	}
	a.BalanceUSD, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, owner string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner, mint, quantity::TEXT, cost_basis_usd::TEXT, updated_at
		 FROM positions WHERE owner = $1 AND quantity > 0 ORDER BY mint`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qty, basis string
		if err := rows.Scan(&p.Owner, &p.Mint, &qty, &basis, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.CostBasisUSD, _ = decimal.NewFromString(basis)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, owner, mint string) (*model.Position, error) {
	var p model.Position
	var qty, basis string

	err := s.pool.QueryRow(ctx,
		`SELECT owner, mint, quantity::TEXT, cost_basis_usd::TEXT, updated_at
		 FROM positions WHERE owner = $1 AND mint = $2`, owner, mint).
		Scan(&p.Owner, &p.Mint, &qty, &basis, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", owner, mint, err)
	}
	p.Quantity, _ = decimal.NewFromString(qty)
	p.CostBasisUSD, _ = decimal.NewFromString(basis)
	return &p, nil
}

func (s *PostgresStore) ListLots(ctx context.Context, owner, mint string) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx, lotSelect+
		` WHERE owner = $1 AND mint = $2 ORDER BY opened_at, seq`, owner, mint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *l)
	}
	return lots, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, owner string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, mint, side, quantity::TEXT, price_sol::TEXT, price_usd::TEXT,
		        gross_usd::TEXT, fees_usd::TEXT, net_usd::TEXT, sol_usd_at_fill::TEXT, executed_at
		 FROM trades WHERE owner = $1 ORDER BY executed_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, pSOL, pUSD, gross, fees, net, rate string
		if err := rows.Scan(&t.ID, &t.Owner, &t.Mint, &t.Side,
			&qty, &pSOL, &pUSD, &gross, &fees, &net, &rate, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.PriceSOL, _ = decimal.NewFromString(pSOL)
		t.PriceUSD, _ = decimal.NewFromString(pUSD)
		t.GrossUSD, _ = decimal.NewFromString(gross)
		t.FeesUSD, _ = decimal.NewFromString(fees)
		t.NetUSD, _ = decimal.NewFromString(net)
		t.SolUsdAtFill, _ = decimal.NewFromString(rate)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListClosures(ctx context.Context, tradeID string) ([]model.LotClosure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT lot_id, trade_id, quantity::TEXT, cost_basis_usd::TEXT, proceeds_usd::TEXT, pnl_usd::TEXT
		 FROM lot_closures WHERE trade_id = $1`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closures []model.LotClosure
	for rows.Next() {
		var c model.LotClosure
		var qty, cost, proceeds, pnl string
		if err := rows.Scan(&c.LotID, &c.TradeID, &qty, &cost, &proceeds, &pnl); err != nil {
			return nil, err
		}
		c.Quantity, _ = decimal.NewFromString(qty)
		c.CostBasisUSD, _ = decimal.NewFromString(cost)
		c.ProceedsUSD, _ = decimal.NewFromString(proceeds)
		c.PnLUSD, _ = decimal.NewFromString(pnl)
		closures = append(closures, c)
	}
	return closures, rows.Err()
}

func (s *PostgresStore) ListRealizedPnL(ctx context.Context, owner string) ([]model.RealizedPnLRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner, mint, trade_id, pnl_usd::TEXT, recorded_at
		 FROM realized_pnl WHERE owner = $1 ORDER BY recorded_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.RealizedPnLRecord
	for rows.Next() {
		var r model.RealizedPnLRecord
		var pnl string
		if err := rows.Scan(&r.Owner, &r.Mint, &r.TradeID, &pnl, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.PnLUSD, _ = decimal.NewFromString(pnl)
		records = append(records, r)
	}
	return records, rows.Err()
}

// InTx runs fn inside a pgx transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&pgTx{tx: pgtx}); err != nil {
		if rbErr := pgtx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return pgtx.Commit(ctx)
}

// pgTx implements the transactional view over a pgx.Tx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) EnsureAccount(ctx context.Context, owner string, startingBalance decimal.Decimal) (*model.Account, error) {
	// Insert-if-absent first so the subsequent FOR UPDATE always finds a row.
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (owner, balance_usd, created_at)
		 VALUES ($1, $2::NUMERIC, now())
		 ON CONFLICT (owner) DO NOTHING`,
		owner, startingBalance.String())
	if err != nil {
		return nil, fmt.Errorf("ensure account %s: %w", owner, err)
	}

	var a model.Account
	var balance string
	err = t.tx.QueryRow(ctx,
		`SELECT owner, balance_usd::TEXT, created_at FROM accounts WHERE owner = $1 FOR UPDATE`, owner).
		Scan(&a.Owner, &balance, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", owner, err)
	}
	a.BalanceUSD, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (t *pgTx) SetBalance(ctx context.Context, owner string, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance_usd = $2::NUMERIC WHERE owner = $1`,
		owner, balance.String())
	return err
}

const lotSelect = `SELECT id, owner, mint, quantity::TEXT, remaining::TEXT,
       unit_cost_sol::TEXT, unit_cost_usd::TEXT, sol_usd_at_open::TEXT, opened_at, seq
  FROM lots`

func (t *pgTx) OpenLots(ctx context.Context, owner, mint string) ([]*model.Lot, error) {
	rows, err := t.tx.Query(ctx, lotSelect+
		` WHERE owner = $1 AND mint = $2 AND remaining > 0
		 ORDER BY opened_at, seq
		 FOR UPDATE`, owner, mint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []*model.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (t *pgTx) InsertLot(ctx context.Context, lot *model.Lot) error {
	return t.tx.QueryRow(ctx,
		`INSERT INTO lots (id, owner, mint, quantity, remaining, unit_cost_sol, unit_cost_usd, sol_usd_at_open, opened_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 RETURNING seq`,
		lot.ID, lot.Owner, lot.Mint,
		lot.Quantity.String(), lot.Remaining.String(),
		lot.UnitCostSOL.String(), lot.UnitCostUSD.String(), lot.SolUsdAtOpen.String(),
		lot.OpenedAt,
	).Scan(&lot.Seq)
}

func (t *pgTx) UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE lots SET remaining = $2::NUMERIC WHERE id = $1`,
		lotID, remaining.String())
	return err
}

func (t *pgTx) PositionForUpdate(ctx context.Context, owner, mint string) (*model.Position, error) {
	var p model.Position
	var qty, basis string

	err := t.tx.QueryRow(ctx,
		`SELECT owner, mint, quantity::TEXT, cost_basis_usd::TEXT, updated_at
		 FROM positions WHERE owner = $1 AND mint = $2 FOR UPDATE`, owner, mint).
		Scan(&p.Owner, &p.Mint, &qty, &basis, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Position{
			Owner:        owner,
			Mint:         mint,
			Quantity:     decimal.Zero,
			CostBasisUSD: decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock position %s/%s: %w", owner, mint, err)
	}
	p.Quantity, _ = decimal.NewFromString(qty)
	p.CostBasisUSD, _ = decimal.NewFromString(basis)
	return &p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, pos *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (owner, mint, quantity, cost_basis_usd, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (owner, mint) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     cost_basis_usd = EXCLUDED.cost_basis_usd,
		     updated_at = EXCLUDED.updated_at`,
		pos.Owner, pos.Mint, pos.Quantity.String(), pos.CostBasisUSD.String(), pos.UpdatedAt)
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, owner, mint, side, quantity, price_sol, price_usd, gross_usd, fees_usd, net_usd, sol_usd_at_fill, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		tr.ID, tr.Owner, tr.Mint, tr.Side,
		tr.Quantity.String(), tr.PriceSOL.String(), tr.PriceUSD.String(),
		tr.GrossUSD.String(), tr.FeesUSD.String(), tr.NetUSD.String(),
		tr.SolUsdAtFill.String(), tr.ExecutedAt)
	return err
}

func (t *pgTx) InsertClosures(ctx context.Context, closures []model.LotClosure) error {
	for _, c := range closures {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO lot_closures (lot_id, trade_id, quantity, cost_basis_usd, proceeds_usd, pnl_usd)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)`,
			c.LotID, c.TradeID,
			c.Quantity.String(), c.CostBasisUSD.String(), c.ProceedsUSD.String(), c.PnLUSD.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) InsertPnLRecord(ctx context.Context, rec *model.RealizedPnLRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO realized_pnl (owner, mint, trade_id, pnl_usd, recorded_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		rec.Owner, rec.Mint, rec.TradeID, rec.PnLUSD.String(), rec.RecordedAt)
	return err
}

// scanLot reads one lot row.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLot(row rowScanner) (*model.Lot, error) {
	var l model.Lot
	var qty, remaining, costSOL, costUSD, rate string

	if err := row.Scan(&l.ID, &l.Owner, &l.Mint,
		&qty, &remaining, &costSOL, &costUSD, &rate,
		&l.OpenedAt, &l.Seq); err != nil {
		return nil, err
	}
	l.Quantity, _ = decimal.NewFromString(qty)
	l.Remaining, _ = decimal.NewFromString(remaining)
	l.UnitCostSOL, _ = decimal.NewFromString(costSOL)
	l.UnitCostUSD, _ = decimal.NewFromString(costUSD)
	l.SolUsdAtOpen, _ = decimal.NewFromString(rate)
	return &l, nil
}
