package earnings

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore holds the session and earnings logs durably. Idempotency of
// earnings is the unique index on ride_id: a replayed completion event is a
// conflict-free no-op insert.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) OpenSession(ctx context.Context, s *models.Session) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO courier_sessions(id, courier_id, started_at) VALUES($1,$2,$3)`,
		s.ID, s.CourierID, s.StartedAt)
	return err
}

func (p *PostgresStore) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE courier_sessions SET ended_at = $1 WHERE id = $2 AND ended_at IS NULL`,
		endedAt, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoOpenSession
	}
	return nil
}

func (p *PostgresStore) OpenSessionFor(ctx context.Context, courierID string) (*models.Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, courier_id, started_at FROM courier_sessions
		 WHERE courier_id = $1 AND ended_at IS NULL
		 ORDER BY started_at DESC LIMIT 1`, courierID)
	var s models.Session
	if err := row.Scan(&s.ID, &s.CourierID, &s.StartedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoOpenSession
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) AppendEarning(ctx context.Context, e *models.EarningsEntry) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO earnings_entries(ride_id, courier_id, ride_fee, order_amount, booked_at)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT (ride_id) DO NOTHING`,
		e.RideID, e.CourierID, e.RideFee, e.OrderAmount, e.BookedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) EarningsInRange(ctx context.Context, courierID string, from, to time.Time) (int64, int64, int, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(ride_fee),0), COALESCE(SUM(order_amount),0), COUNT(*)
		 FROM earnings_entries
		 WHERE courier_id = $1 AND booked_at >= $2 AND booked_at < $3`,
		courierID, from, to)
	var fee, order int64
	var rides int
	if err := row.Scan(&fee, &order, &rides); err != nil {
		return 0, 0, 0, err
	}
	return fee, order, rides, nil
}

func (p *PostgresStore) SessionSecondsInRange(ctx context.Context, courierID string, from, to time.Time) (float64, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(EXTRACT(EPOCH FROM (LEAST(ended_at, $3::timestamptz) - GREATEST(started_at, $2::timestamptz)))), 0)
		 FROM courier_sessions
		 WHERE courier_id = $1 AND ended_at IS NOT NULL
		   AND ended_at > $2 AND started_at < $3`,
		courierID, from, to)
	var secs float64
	if err := row.Scan(&secs); err != nil {
		return 0, err
	}
	return secs, nil
}
