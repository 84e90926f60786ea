package storage

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	selectOwner = regexp.QuoteMeta(`SELECT ride_id, driver_id FROM notifications WHERE id = $1`)
	acceptRide  = `UPDATE rides SET status = 'accepted'.*WHERE id = \$1 AND status = 'requested'.*RETURNING`
	acceptNotif = `UPDATE notifications SET status = 'accepted'.*WHERE id = \$1 AND status = 'pending' AND deadline > \$2.*RETURNING`
	closeOthers = `UPDATE notifications SET status = \$2.*WHERE ride_id = \$1 AND status = 'pending'.*RETURNING`
)

var (
	rideColumns  = []string{"id", "requester_id", "driver_id", "pickup_lat", "pickup_lon", "pickup_address", "dropoff_lat", "dropoff_lon", "dropoff_address", "status", "price_amount", "price_currency", "created_at", "broadcast_deadline", "broadcast_at", "accepted_at", "updated_at"}
	notifColumns = []string{"id", "ride_id", "driver_id", "distance_km", "status", "created_at", "deadline", "responded_at"}
)

func setupMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &PostgresStore{db: db}, mock
}

func acceptedRideRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(rideColumns).AddRow(
		"r1", "rider", "d1", 40.0, -73.0, "pickup", 40.1, -73.1, "dropoff",
		"accepted", int64(1500), "usd",
		now.Add(-time.Minute), now.Add(time.Minute), now.Add(-30*time.Second), now, now)
}

func TestPostgresAcceptRollsBackWhenOfferExpired(t *testing.T) {
	s, mock := setupMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(selectOwner).WithArgs("n1").
		WillReturnRows(sqlmock.NewRows([]string{"ride_id", "driver_id"}).AddRow("r1", "d1"))
	mock.ExpectQuery(acceptRide).WithArgs("r1", "d1", now).WillReturnRows(acceptedRideRow(now))
	mock.ExpectQuery(acceptNotif).WithArgs("n1", now).WillReturnRows(sqlmock.NewRows(notifColumns))
	mock.ExpectRollback()

	res, err := s.Accept(context.Background(), "n1", "d1", now)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Nil(t, res)
	assert.NoError(t, mock.ExpectationsWereMet(), "ride update must be rolled back with the expired offer")
}

func TestPostgresAcceptConflictWhenRideTaken(t *testing.T) {
	s, mock := setupMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(selectOwner).WithArgs("n1").
		WillReturnRows(sqlmock.NewRows([]string{"ride_id", "driver_id"}).AddRow("r1", "d1"))
	mock.ExpectQuery(acceptRide).WithArgs("r1", "d1", now).WillReturnRows(sqlmock.NewRows(rideColumns))
	mock.ExpectRollback()

	_, err := s.Accept(context.Background(), "n1", "d1", now)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcceptRejectsOtherDriversOffer(t *testing.T) {
	s, mock := setupMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(selectOwner).WithArgs("n1").
		WillReturnRows(sqlmock.NewRows([]string{"ride_id", "driver_id"}).AddRow("r1", "d2"))
	mock.ExpectRollback()

	_, err := s.Accept(context.Background(), "n1", "d1", now)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcceptUnknownOffer(t *testing.T) {
	s, mock := setupMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(selectOwner).WithArgs("missing").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Accept(context.Background(), "missing", "d1", now)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcceptCommitsAndSupersedesOthers(t *testing.T) {
	s, mock := setupMockStore(t)
	now := time.Now().UTC()
	created, deadline := now.Add(-10*time.Second), now.Add(20*time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(selectOwner).WithArgs("n1").
		WillReturnRows(sqlmock.NewRows([]string{"ride_id", "driver_id"}).AddRow("r1", "d1"))
	mock.ExpectQuery(acceptRide).WithArgs("r1", "d1", now).WillReturnRows(acceptedRideRow(now))
	mock.ExpectQuery(acceptNotif).WithArgs("n1", now).WillReturnRows(
		sqlmock.NewRows(notifColumns).AddRow("n1", "r1", "d1", 0.8, "accepted", created, deadline, now))
	mock.ExpectQuery(closeOthers).WithArgs("r1", "expired", now).WillReturnRows(
		sqlmock.NewRows(notifColumns).
			AddRow("n2", "r1", "d2", 1.2, "expired", created, deadline, now).
			AddRow("n3", "r1", "d3", 2.4, "expired", created, deadline, now))
	mock.ExpectCommit()

	res, err := s.Accept(context.Background(), "n1", "d1", now)
	require.NoError(t, err)
	assert.Equal(t, models.RideAccepted, res.Ride.Status)
	assert.Equal(t, "d1", res.Ride.DriverID)
	assert.Equal(t, models.NotificationAccepted, res.Notification.Status)
	require.Len(t, res.Superseded, 2)
	assert.Equal(t, "n2", res.Superseded[0].ID)
	assert.Equal(t, models.NotificationExpired, res.Superseded[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
