package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS rides (
	id                 TEXT PRIMARY KEY,
	requester_id       TEXT NOT NULL,
	driver_id          TEXT,
	pickup_lat         DOUBLE PRECISION NOT NULL,
	pickup_lon         DOUBLE PRECISION NOT NULL,
	pickup_address     TEXT NOT NULL DEFAULT '',
	dropoff_lat        DOUBLE PRECISION NOT NULL,
	dropoff_lon        DOUBLE PRECISION NOT NULL,
	dropoff_address    TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	price_amount       BIGINT NOT NULL DEFAULT 0,
	price_currency     TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	broadcast_deadline TIMESTAMPTZ NOT NULL,
	broadcast_at       TIMESTAMPTZ,
	accepted_at        TIMESTAMPTZ,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rides_status_deadline_idx ON rides (status, broadcast_deadline);

CREATE TABLE IF NOT EXISTS notifications (
	id           TEXT PRIMARY KEY,
	ride_id      TEXT NOT NULL REFERENCES rides(id),
	driver_id    TEXT NOT NULL,
	distance_km  DOUBLE PRECISION NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	deadline     TIMESTAMPTZ NOT NULL,
	responded_at TIMESTAMPTZ,
	UNIQUE (ride_id, driver_id)
);
CREATE INDEX IF NOT EXISTS notifications_driver_status_idx ON notifications (driver_id, status);
CREATE INDEX IF NOT EXISTS notifications_ride_status_idx ON notifications (ride_id, status);
`

const (
	rideCols = `id, requester_id, COALESCE(driver_id, ''), pickup_lat, pickup_lon, pickup_address,
		dropoff_lat, dropoff_lon, dropoff_address, status, price_amount, price_currency,
		created_at, broadcast_deadline, broadcast_at, accepted_at, updated_at`
	notifCols = `id, ride_id, driver_id, distance_km, status, created_at, deadline, responded_at`
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the tables if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRide(s rowScanner) (*models.Ride, error) {
	var r models.Ride
	var broadcastAt, acceptedAt sql.NullTime
	err := s.Scan(&r.ID, &r.RequesterID, &r.DriverID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.Dropoff.Address,
		&r.Status, &r.EstimatedPrice.Amount, &r.EstimatedPrice.Currency,
		&r.CreatedAt, &r.BroadcastDeadline, &broadcastAt, &acceptedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.BroadcastAt = timePtr(broadcastAt)
	r.AcceptedAt = timePtr(acceptedAt)
	return &r, nil
}

func scanNotification(s rowScanner) (*models.Notification, error) {
	var n models.Notification
	var respondedAt sql.NullTime
	if err := s.Scan(&n.ID, &n.RideID, &n.DriverID, &n.DistanceKm, &n.Status, &n.CreatedAt, &n.Deadline, &respondedAt); err != nil {
		return nil, err
	}
	n.RespondedAt = timePtr(respondedAt)
	return &n, nil
}

func scanNotifications(rows *sql.Rows) ([]models.Notification, error) {
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, requester_id, pickup_lat, pickup_lon, pickup_address,
			dropoff_lat, dropoff_lon, dropoff_address, status, price_amount, price_currency,
			created_at, broadcast_deadline, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.RequesterID, r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lon, r.Dropoff.Address, r.Status,
		r.EstimatedPrice.Amount, r.EstimatedPrice.Currency,
		r.CreatedAt, r.BroadcastDeadline, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	n, err := scanNotification(p.db.QueryRowContext(ctx, `SELECT `+notifCols+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (p *PostgresStore) ListNotifications(ctx context.Context, rideID string) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+notifCols+` FROM notifications WHERE ride_id = $1 ORDER BY distance_km, driver_id`, rideID)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// inTx runs fn in a transaction and rolls back on any error.
func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Broadcast(ctx context.Context, rideID string, ns []models.Notification, now time.Time) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rides SET broadcast_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'requested' AND broadcast_at IS NULL`, rideID, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			if !rowExists(ctx, tx, `SELECT 1 FROM rides WHERE id = $1`, rideID) {
				return ErrNotFound
			}
			return ErrAlreadyProcessed
		}
		if len(ns) == 0 {
			return nil
		}
		ids := make([]string, len(ns))
		drivers := make([]string, len(ns))
		dists := make([]float64, len(ns))
		for i, n := range ns {
			ids[i], drivers[i], dists[i] = n.ID, n.DriverID, n.DistanceKm
		}
		// One broadcast shares a creation time and the ride's deadline.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO notifications (id, ride_id, driver_id, distance_km, status, created_at, deadline)
			SELECT id, $2, driver_id, distance_km, 'pending', $5, $6
			FROM unnest($1::text[], $3::text[], $4::float8[]) AS t(id, driver_id, distance_km)`,
			pq.Array(ids), rideID, pq.Array(drivers), pq.Array(dists), ns[0].CreatedAt, ns[0].Deadline)
		if err != nil {
			return fmt.Errorf("insert notifications: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) Accept(ctx context.Context, notificationID, driverID string, now time.Time) (*AcceptResult, error) {
	var res AcceptResult
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var rideID, owner string
		err := tx.QueryRowContext(ctx, `SELECT ride_id, driver_id FROM notifications WHERE id = $1`, notificationID).Scan(&rideID, &owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != driverID) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		r, err := scanRide(tx.QueryRowContext(ctx, `
			UPDATE rides SET status = 'accepted', driver_id = $2, accepted_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'requested'
			RETURNING `+rideCols, rideID, driverID, now))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return err
		}

		n, err := scanNotification(tx.QueryRowContext(ctx, `
			UPDATE notifications SET status = 'accepted', responded_at = $2
			WHERE id = $1 AND status = 'pending' AND deadline > $2
			RETURNING `+notifCols, notificationID, now))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExpired
		}
		if err != nil {
			return err
		}

		superseded, err := closePendingTx(ctx, tx, rideID, models.NotificationExpired, now)
		if err != nil {
			return err
		}
		res = AcceptResult{Ride: *r, Notification: *n, Superseded: superseded}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (p *PostgresStore) Decline(ctx context.Context, notificationID, driverID string, now time.Time) (*models.Notification, bool, error) {
	n, err := scanNotification(p.db.QueryRowContext(ctx, `
		UPDATE notifications SET status = 'cancelled', responded_at = $3
		WHERE id = $1 AND driver_id = $2 AND status = 'pending'
		RETURNING `+notifCols, notificationID, driverID, now))
	if err == nil {
		return n, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	n, err = scanNotification(p.db.QueryRowContext(ctx,
		`SELECT `+notifCols+` FROM notifications WHERE id = $1 AND driver_id = $2`, notificationID, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return n, false, nil
}

func (p *PostgresStore) ExpireRide(ctx context.Context, rideID string, now time.Time) (*models.Ride, []models.Notification, error) {
	return p.closeRide(ctx, rideID, "", models.RideExpired, models.NotificationExpired, now)
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID, requesterID string, now time.Time) (*models.Ride, []models.Notification, error) {
	return p.closeRide(ctx, rideID, requesterID, models.RideCancelled, models.NotificationCancelled, now)
}

func (p *PostgresStore) closeRide(ctx context.Context, rideID, requesterID string, to models.RideStatus, nto models.NotificationStatus, now time.Time) (*models.Ride, []models.Notification, error) {
	var ride *models.Ride
	var closed []models.Notification
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRide(tx.QueryRowContext(ctx, `
			UPDATE rides SET status = $2, updated_at = $3
			WHERE id = $1 AND status = 'requested' AND ($4 = '' OR requester_id = $4)
			RETURNING `+rideCols, rideID, to, now, requesterID))
		if errors.Is(err, sql.ErrNoRows) {
			if !rowExists(ctx, tx, `SELECT 1 FROM rides WHERE id = $1 AND ($2 = '' OR requester_id = $2)`, rideID, requesterID) {
				return ErrNotFound
			}
			return ErrConflict
		}
		if err != nil {
			return err
		}
		ride = r
		closed, err = closePendingTx(ctx, tx, rideID, nto, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return ride, closed, nil
}

func (p *PostgresStore) ExpirePending(ctx context.Context, rideID string, now time.Time) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE notifications n SET status = 'expired', responded_at = $2
		FROM rides r
		WHERE n.ride_id = r.id AND n.ride_id = $1 AND n.status = 'pending' AND r.status <> 'requested'
		RETURNING n.id, n.ride_id, n.driver_id, n.distance_km, n.status, n.created_at, n.deadline, n.responded_at`,
		rideID, now)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

func closePendingTx(ctx context.Context, tx *sql.Tx, rideID string, to models.NotificationStatus, now time.Time) ([]models.Notification, error) {
	rows, err := tx.QueryContext(ctx, `
		UPDATE notifications SET status = $2, responded_at = $3
		WHERE ride_id = $1 AND status = 'pending'
		RETURNING `+notifCols, rideID, to, now)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

func rowExists(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) bool {
	var one int
	return tx.QueryRowContext(ctx, query, args...).Scan(&one) == nil
}

func (p *PostgresStore) PendingForDriver(ctx context.Context, driverID string, now time.Time) ([]models.PendingOffer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT n.id, r.id, n.distance_km, n.deadline,
			r.pickup_address, r.dropoff_address, r.pickup_lat, r.pickup_lon,
			r.dropoff_lat, r.dropoff_lon, r.price_amount, r.price_currency
		FROM notifications n JOIN rides r ON r.id = n.ride_id
		WHERE n.driver_id = $1 AND n.status = 'pending' AND n.deadline > $2 AND r.status = 'requested'
		ORDER BY n.deadline`, driverID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PendingOffer
	for rows.Next() {
		var o models.PendingOffer
		if err := rows.Scan(&o.NotificationID, &o.RideID, &o.DistanceKm, &o.Deadline,
			&o.PickupAddress, &o.DropoffAddress, &o.Pickup.Lat, &o.Pickup.Lon,
			&o.Dropoff.Lat, &o.Dropoff.Lon, &o.EstimatedPrice.Amount, &o.EstimatedPrice.Currency); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListOpenRides(ctx context.Context) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideCols+` FROM rides WHERE status = 'requested' AND broadcast_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListOverdueRides(ctx context.Context, now time.Time) ([]string, error) {
	return p.queryIDs(ctx, `SELECT id FROM rides WHERE status = 'requested' AND broadcast_deadline <= $1`, now)
}

func (p *PostgresStore) ListOrphanedRides(ctx context.Context) ([]string, error) {
	return p.queryIDs(ctx, `
		SELECT DISTINCT n.ride_id FROM notifications n JOIN rides r ON r.id = n.ride_id
		WHERE n.status = 'pending' AND r.status <> 'requested'`)
}

func (p *PostgresStore) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
