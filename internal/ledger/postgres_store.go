package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore is the durable ride ledger. The compare-and-swap is a
// conditional UPDATE: WHERE state = $from makes the state check and the
// assignment write one statement, so concurrent accepts cannot both commit.
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

const rideColumns = `id, requester_id, requester_contact, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	fare_amount, order_amount, courier_id, otp, evidence_ref, payment_ref, state,
	created_at, accepted_at, started_at, completed_at, cancelled_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, r.RequesterID, r.RequesterContact,
		r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.FareAmount, r.OrderAmount, nullify(r.CourierID), r.OTP, nullify(r.EvidenceRef), nullify(r.PaymentRef),
		string(r.State), r.CreatedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ApplyChange(ctx context.Context, rideID string, ch Change) (bool, error) {
	at := ch.At
	if at.IsZero() {
		at = time.Now()
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET state = $1,
		    courier_id = CASE WHEN $2 <> '' THEN $2 WHEN $3 THEN NULL ELSE courier_id END,
		    evidence_ref = CASE WHEN $4 <> '' THEN $4 ELSE evidence_ref END,
		    accepted_at = CASE WHEN $1 = 'accepted' THEN $5 WHEN $1 = 'pending' THEN NULL ELSE accepted_at END,
		    started_at = CASE WHEN $1 = 'started' THEN $5 ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'completed' THEN $5 ELSE completed_at END,
		    cancelled_at = CASE WHEN $1 IN ('cancelled','expired') THEN $5 ELSE cancelled_at END
		WHERE id = $6 AND state = $7`,
		string(ch.To), ch.AssignCourier, ch.ClearCourier, ch.Evidence, at, rideID, string(ch.From))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// distinguish a lost race from a missing ride
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, rideID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e *models.RideEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_events(ride_id, from_state, to_state, actor, at)
		VALUES($1,$2,$3,$4,$5)`,
		e.RideID, string(e.From), string(e.To), e.Actor, e.At)
	return err
}

func (p *PostgresStore) ListByCourier(ctx context.Context, courierID string, states []models.RideState, limit int) ([]*models.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + rideColumns + ` FROM rides WHERE courier_id = $1`
	args := []interface{}{courierID}
	if len(states) > 0 {
		q += ` AND state = ANY($2) ORDER BY created_at DESC LIMIT $3`
		ss := make([]string, len(states))
		for i, s := range states {
			ss[i] = string(s)
		}
		args = append(args, pq.Array(ss), limit)
	} else {
		q += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRide(row scannable) (*models.Ride, error) {
	var r models.Ride
	var courierID, contact, evidence, payment sql.NullString
	var accepted, started, completed, cancelled sql.NullTime
	var state string
	err := row.Scan(&r.ID, &r.RequesterID, &contact,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.FareAmount, &r.OrderAmount, &courierID, &r.OTP, &evidence, &payment,
		&state, &r.CreatedAt, &accepted, &started, &completed, &cancelled)
	if err != nil {
		return nil, err
	}
	r.State = models.RideState(state)
	r.RequesterContact = contact.String
	r.CourierID = courierID.String
	r.EvidenceRef = evidence.String
	r.PaymentRef = payment.String
	r.AcceptedAt = timePtr(accepted)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.CancelledAt = timePtr(cancelled)
	return &r, nil
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullify(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
