package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"claimdrop/internal/claimcode"
	"claimdrop/internal/validate"
)

// PostgresStore persists records in a PostgreSQL table. Row locks taken by
// Update give the same per-key serialization as the memory store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	policy Policy
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS claim_records (
    code            TEXT PRIMARY KEY,
    commitment      BYTEA NOT NULL UNIQUE,
    amount          BIGINT NOT NULL,
    network         TEXT NOT NULL,
    sender          TEXT NOT NULL,
    recipient       TEXT NOT NULL DEFAULT '',
    escrow_id       BIGINT NOT NULL DEFAULT 0,
    escrow_address  TEXT NOT NULL DEFAULT '',
    funding_tx_id   TEXT NOT NULL DEFAULT '',
    pending_tx_id   TEXT NOT NULL DEFAULT '',
    stage           TEXT NOT NULL,
    consumed        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    consumed_at     TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS claim_records_escrow_idx
    ON claim_records (network, escrow_id) WHERE escrow_id <> 0;
`

const selectColumns = `
code, commitment, amount, network, sender, recipient, escrow_id, escrow_address,
funding_tx_id, pending_tx_id, stage, consumed, created_at, updated_at, consumed_at`

const uniqueViolation = "23505"

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string, policy Policy) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}

	return &PostgresStore{pool: pool, policy: policy}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Put(ctx context.Context, rec Record) error {
	if _, err := p.Evict(ctx, time.Now()); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO claim_records (code, commitment, amount, network, sender, recipient, escrow_id,
    escrow_address, funding_tx_id, pending_tx_id, stage, consumed, created_at, updated_at, consumed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`, rec.Code, rec.Commitment.Bytes(), int64(rec.Amount), string(rec.Network), rec.Sender, rec.Recipient,
		int64(rec.EscrowID), rec.EscrowAddress, rec.FundingTxID, rec.PendingTxID, string(rec.Stage),
		rec.Consumed, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.ConsumedAt))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, code string) (Record, error) {
	return scanRecord(p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM claim_records WHERE code = $1`, code))
}

func (p *PostgresStore) GetByCommitment(ctx context.Context, c claimcode.Commitment) (Record, error) {
	return scanRecord(p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM claim_records WHERE commitment = $1`, c.Bytes()))
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, network validate.Network, escrowID uint64) (Record, error) {
	return scanRecord(p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM claim_records WHERE network = $1 AND escrow_id = $2`,
		string(network), int64(escrowID)))
}

func (p *PostgresStore) Update(ctx context.Context, code string, fn func(*Record) error) (Record, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old, err := scanRecord(tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM claim_records WHERE code = $1 FOR UPDATE`, code))
	if err != nil {
		return Record{}, err
	}
	next, err := applyUpdate(old, fn, time.Now())
	if err != nil {
		return old, err
	}
	_, err = tx.Exec(ctx, `
UPDATE claim_records
SET amount = $2, sender = $3, recipient = $4, escrow_id = $5, escrow_address = $6,
    funding_tx_id = $7, pending_tx_id = $8, stage = $9, updated_at = $10
WHERE code = $1
`, code, int64(next.Amount), next.Sender, next.Recipient, int64(next.EscrowID), next.EscrowAddress,
		next.FundingTxID, next.PendingTxID, string(next.Stage), next.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return old, ErrEscrowAssigned
		}
		return old, err
	}
	if err := tx.Commit(ctx); err != nil {
		return old, err
	}
	return next, nil
}

func (p *PostgresStore) MarkConsumed(ctx context.Context, code string, at time.Time) (Record, bool, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, `
UPDATE claim_records
SET consumed = TRUE, consumed_at = $2, updated_at = $2, stage = $3
WHERE code = $1 AND NOT consumed
RETURNING `+selectColumns, code, at, string(StageRedeemed)))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, false, err
	}
	// Either unknown or consumed by an earlier call.
	rec, err = p.Get(ctx, code)
	if err != nil {
		return Record{}, false, err
	}
	return rec, false, nil
}

func (p *PostgresStore) Evict(ctx context.Context, now time.Time) (int, error) {
	var clauses []string
	var args []any
	if p.policy.Retention > 0 {
		args = append(args, now.Add(-p.policy.Retention))
		clauses = append(clauses,
			fmt.Sprintf(`(consumed AND consumed_at < $%d)`, len(args)),
			fmt.Sprintf(`(stage = '%s' AND updated_at < $%d)`, StageDeleted, len(args)))
	}
	if p.policy.PendingTTL > 0 {
		args = append(args, now.Add(-p.policy.PendingTTL))
		clauses = append(clauses, fmt.Sprintf(`(escrow_id = 0 AND NOT consumed AND created_at < $%d)`, len(args)))
	}
	if len(clauses) == 0 {
		return 0, nil
	}
	where := clauses[0]
	for _, c := range clauses[1:] {
		where += " OR " + c
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM claim_records WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		commitment []byte
		amount     int64
		network    string
		escrowID   int64
		stage      string
		consumedAt *time.Time
	)
	err := row.Scan(&rec.Code, &commitment, &amount, &network, &rec.Sender, &rec.Recipient, &escrowID,
		&rec.EscrowAddress, &rec.FundingTxID, &rec.PendingTxID, &stage, &rec.Consumed,
		&rec.CreatedAt, &rec.UpdatedAt, &consumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if rec.Commitment, err = claimcode.CommitmentFromBytes(commitment); err != nil {
		return Record{}, err
	}
	rec.Amount = uint64(amount)
	rec.Network = validate.Network(network)
	rec.EscrowID = uint64(escrowID)
	rec.Stage = Stage(stage)
	if consumedAt != nil {
		rec.ConsumedAt = *consumedAt
	}
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
