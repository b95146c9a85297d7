package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNoSnapshot is returned when no engine state has been saved yet.
	ErrNoSnapshot = errors.New("storage: no snapshot")
)

const (
	saveSnapshotSQL = `INSERT INTO raffle_snapshots (
        id,
        round,
        state,
        players,
        balance_wei,
        pending_request,
        last_timestamp,
        recent_winner,
        updated_at
    ) VALUES (
        1,$1,$2,$3,$4,$5,$6,$7,now()
    )
    ON CONFLICT (id) DO UPDATE
    SET
        round           = EXCLUDED.round,
        state           = EXCLUDED.state,
        players         = EXCLUDED.players,
        balance_wei     = EXCLUDED.balance_wei,
        pending_request = EXCLUDED.pending_request,
        last_timestamp  = EXCLUDED.last_timestamp,
        recent_winner   = EXCLUDED.recent_winner,
        updated_at      = now();`

	loadSnapshotSQL = `SELECT
        round,
        state,
        players,
        balance_wei::text,
        pending_request::text,
        last_timestamp,
        recent_winner,
        updated_at
    FROM raffle_snapshots
    WHERE id = 1;`

	insertEventSQL = `INSERT INTO raffle_events (
        id,
        kind,
        round,
        player,
        request_id,
        amount_wei,
        players,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentEventsSQL = `SELECT
        id::text,
        kind,
        round,
        player,
        request_id::text,
        amount_wei::text,
        players,
        occurred_at,
        created_at
    FROM raffle_events
    ORDER BY occurred_at DESC
    LIMIT $1;`

	deleteEventsBeforeSQL = `DELETE FROM raffle_events WHERE occurred_at < $1;`

	insertRoundSQL = `INSERT INTO raffle_rounds (
        round,
        winner,
        prize_wei,
        players,
        request_id,
        random_word,
        completed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (round) DO NOTHING;`

	roundColumns = `round,
        winner,
        prize_wei::text,
        players,
        request_id::text,
        random_word::text,
        completed_at,
        created_at`

	listRoundsBetweenSQL = `SELECT ` + roundColumns + `
    FROM raffle_rounds
    WHERE completed_at >= $1
      AND completed_at < $2
    ORDER BY completed_at
    LIMIT $3;`

	listRecentRoundsSQL = `SELECT ` + roundColumns + `
    FROM raffle_rounds
    ORDER BY round DESC
    LIMIT $1;`

	countRoundsSQL = `SELECT COUNT(*) FROM raffle_rounds;`

	winnerTotalsSQL = `SELECT
        winner,
        SUM(prize_wei)::text
    FROM raffle_rounds
    GROUP BY winner;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore persists the single engine state row.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap SnapshotRecord) error
	LoadSnapshot(ctx context.Context) (SnapshotRecord, error)
}

// EventStore journals engine notifications.
type EventStore interface {
	InsertEvent(ctx context.Context, evt EventRecord) error
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) error
}

// RoundStore records completed rounds.
type RoundStore interface {
	InsertRound(ctx context.Context, round RoundRecord) error
	ListRoundsBetween(ctx context.Context, from, to time.Time, limit int) ([]RoundRecord, error)
	ListRecentRounds(ctx context.Context, limit int) ([]RoundRecord, error)
	CountRounds(ctx context.Context) (int64, error)
	WinnerTotals(ctx context.Context) (map[string]decimal.Decimal, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to snapshots, events and rounds.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveSnapshot upserts the engine state row.
func (s *Store) SaveSnapshot(ctx context.Context, snap SnapshotRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	players := snap.Players
	if players == nil {
		players = []string{}
	}

	_, execErr := pool.Exec(ctx, saveSnapshotSQL,
		snap.Round,
		snap.State,
		players,
		snap.BalanceWei.String(),
		nullableDecimal(snap.PendingRequest),
		snap.LastTimestamp,
		nullableString(snap.RecentWinner),
	)
	if execErr != nil {
		return fmt.Errorf("save snapshot: %w", execErr)
	}
	return nil
}

// LoadSnapshot reads the engine state row.
func (s *Store) LoadSnapshot(ctx context.Context) (SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return SnapshotRecord{}, err
	}

	var (
		rec        SnapshotRecord
		balanceStr string
		pendingStr sql.NullString
		winner     sql.NullString
	)
	scanErr := pool.QueryRow(ctx, loadSnapshotSQL).Scan(
		&rec.Round,
		&rec.State,
		&rec.Players,
		&balanceStr,
		&pendingStr,
		&rec.LastTimestamp,
		&winner,
		&rec.UpdatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return SnapshotRecord{}, ErrNoSnapshot
	}
	if scanErr != nil {
		return SnapshotRecord{}, fmt.Errorf("load snapshot: %w", scanErr)
	}

	if rec.BalanceWei, err = decimal.NewFromString(balanceStr); err != nil {
		return SnapshotRecord{}, fmt.Errorf("parse balance: %w", err)
	}
	if rec.PendingRequest, err = parseNullDecimal(pendingStr); err != nil {
		return SnapshotRecord{}, fmt.Errorf("parse pending request: %w", err)
	}
	if winner.Valid {
		w := winner.String
		rec.RecentWinner = &w
	}
	return rec, nil
}

// InsertEvent journals an event; replays of the same id are ignored.
func (s *Store) InsertEvent(ctx context.Context, evt EventRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertEventSQL,
		evt.ID,
		evt.Kind,
		evt.Round,
		nullableString(evt.Player),
		nullableDecimal(evt.RequestID),
		nullableDecimal(evt.AmountWei),
		evt.Players,
		evt.OccurredAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert event: %w", execErr)
	}
	return nil
}

// ListRecentEvents lists the newest events first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]EventRecord, 0, limit)
	for rows.Next() {
		var (
			rec       EventRecord
			player    sql.NullString
			requestID sql.NullString
			amount    sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.Round,
			&player,
			&requestID,
			&amount,
			&rec.Players,
			&rec.OccurredAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if player.Valid {
			p := player.String
			rec.Player = &p
		}
		if rec.RequestID, err = parseNullDecimal(requestID); err != nil {
			return nil, fmt.Errorf("parse request id: %w", err)
		}
		if rec.AmountWei, err = parseNullDecimal(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteEventsBefore prunes the journal.
func (s *Store) DeleteEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteEventsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete events before: %w", execErr)
	}
	return nil
}

// InsertRound records a completed round once.
func (s *Store) InsertRound(ctx context.Context, round RoundRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertRoundSQL,
		round.Round,
		round.Winner,
		round.PrizeWei.String(),
		round.Players,
		round.RequestID.String(),
		round.RandomWord.String(),
		round.CompletedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert round: %w", execErr)
	}
	return nil
}

// ListRoundsBetween lists rounds completed within a time window.
func (s *Store) ListRoundsBetween(ctx context.Context, from, to time.Time, limit int) ([]RoundRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRoundsBetweenSQL, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list rounds between: %w", queryErr)
	}
	return collectRounds(rows, 0)
}

// ListRecentRounds lists the most recent rounds ordered by descending round number.
func (s *Store) ListRecentRounds(ctx context.Context, limit int) ([]RoundRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRoundsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent rounds: %w", queryErr)
	}
	return collectRounds(rows, limit)
}

// CountRounds counts completed rounds.
func (s *Store) CountRounds(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRoundsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count rounds: %w", scanErr)
	}
	return count, nil
}

// WinnerTotals sums the prizes of every completed round per winner.
func (s *Store) WinnerTotals(ctx context.Context) (map[string]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, winnerTotalsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("winner totals: %w", queryErr)
	}
	defer rows.Close()

	totals := map[string]decimal.Decimal{}
	for rows.Next() {
		var winner, total string
		if err := rows.Scan(&winner, &total); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("parse total for %s: %w", winner, err)
		}
		totals[winner] = amount
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return totals, nil
}

func collectRounds(rows pgx.Rows, capacity int) ([]RoundRecord, error) {
	defer rows.Close()

	rounds := make([]RoundRecord, 0, capacity)
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, round)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rounds, nil
}

func scanRound(rows pgx.Rows) (RoundRecord, error) {
	var (
		rec       RoundRecord
		prizeStr  string
		requestID string
		wordStr   string
	)
	if err := rows.Scan(
		&rec.Round,
		&rec.Winner,
		&prizeStr,
		&rec.Players,
		&requestID,
		&wordStr,
		&rec.CompletedAt,
		&rec.CreatedAt,
	); err != nil {
		return RoundRecord{}, err
	}

	var err error
	if rec.PrizeWei, err = decimal.NewFromString(prizeStr); err != nil {
		return RoundRecord{}, fmt.Errorf("parse prize: %w", err)
	}
	if rec.RequestID, err = decimal.NewFromString(requestID); err != nil {
		return RoundRecord{}, fmt.Errorf("parse request id: %w", err)
	}
	if rec.RandomWord, err = decimal.NewFromString(wordStr); err != nil {
		return RoundRecord{}, fmt.Errorf("parse random word: %w", err)
	}
	return rec, nil
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableDecimal(v *decimal.Decimal) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
