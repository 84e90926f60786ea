package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps rides and notifications in maps. A single mutex makes
// every method one serializable step.
type MemoryStore struct {
	mu     sync.Mutex
	rides  map[string]*models.Ride
	notifs map[string]*models.Notification
	byRide map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[string]*models.Ride),
		notifs: make(map[string]*models.Notification),
		byRide: make(map[string][]string),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, rideID string) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Notification, 0, len(m.byRide[rideID]))
	for _, id := range m.byRide[rideID] {
		out = append(out, *m.notifs[id])
	}
	return out, nil
}

func (m *MemoryStore) Broadcast(ctx context.Context, rideID string, ns []models.Notification, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.RideRequested || r.BroadcastAt != nil {
		return ErrAlreadyProcessed
	}
	r.BroadcastAt = &now
	r.UpdatedAt = now
	for i := range ns {
		n := ns[i]
		m.notifs[n.ID] = &n
		m.byRide[rideID] = append(m.byRide[rideID], n.ID)
	}
	return nil
}

func (m *MemoryStore) Accept(ctx context.Context, notificationID, driverID string, now time.Time) (*AcceptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifs[notificationID]
	if !ok || n.DriverID != driverID {
		return nil, ErrNotFound
	}
	r, ok := m.rides[n.RideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideRequested {
		return nil, ErrConflict
	}
	if n.Status != models.NotificationPending || !now.Before(n.Deadline) {
		return nil, ErrExpired
	}

	r.Status = models.RideAccepted
	r.DriverID = driverID
	r.AcceptedAt = &now
	r.UpdatedAt = now
	n.Status = models.NotificationAccepted
	n.RespondedAt = &now

	res := &AcceptResult{Ride: *r, Notification: *n}
	res.Superseded = m.closePending(r.ID, models.NotificationExpired, now)
	return res, nil
}

func (m *MemoryStore) Decline(ctx context.Context, notificationID, driverID string, now time.Time) (*models.Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifs[notificationID]
	if !ok || n.DriverID != driverID {
		return nil, false, ErrNotFound
	}
	if n.Status.Terminal() {
		cp := *n
		return &cp, false, nil
	}
	n.Status = models.NotificationCancelled
	n.RespondedAt = &now
	cp := *n
	return &cp, true, nil
}

func (m *MemoryStore) ExpireRide(ctx context.Context, rideID string, now time.Time) (*models.Ride, []models.Notification, error) {
	return m.closeRide(rideID, "", models.RideExpired, models.NotificationExpired, now)
}

func (m *MemoryStore) CancelRide(ctx context.Context, rideID, requesterID string, now time.Time) (*models.Ride, []models.Notification, error) {
	return m.closeRide(rideID, requesterID, models.RideCancelled, models.NotificationCancelled, now)
}

func (m *MemoryStore) closeRide(rideID, requesterID string, to models.RideStatus, nto models.NotificationStatus, now time.Time) (*models.Ride, []models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || (requesterID != "" && r.RequesterID != requesterID) {
		return nil, nil, ErrNotFound
	}
	if r.Status != models.RideRequested {
		return nil, nil, ErrConflict
	}
	r.Status = to
	r.UpdatedAt = now
	cp := *r
	return &cp, m.closePending(rideID, nto, now), nil
}

func (m *MemoryStore) ExpirePending(ctx context.Context, rideID string, now time.Time) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status == models.RideRequested {
		return nil, nil
	}
	return m.closePending(rideID, models.NotificationExpired, now), nil
}

// closePending must be called with mu held.
func (m *MemoryStore) closePending(rideID string, to models.NotificationStatus, now time.Time) []models.Notification {
	var out []models.Notification
	for _, id := range m.byRide[rideID] {
		n := m.notifs[id]
		if n.Status != models.NotificationPending {
			continue
		}
		n.Status = to
		n.RespondedAt = &now
		out = append(out, *n)
	}
	return out
}

func (m *MemoryStore) PendingForDriver(ctx context.Context, driverID string, now time.Time) ([]models.PendingOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PendingOffer
	for _, n := range m.notifs {
		if n.DriverID != driverID || n.Status != models.NotificationPending || !now.Before(n.Deadline) {
			continue
		}
		r := m.rides[n.RideID]
		if r == nil || r.Status != models.RideRequested {
			continue
		}
		out = append(out, offer(n, r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (m *MemoryStore) ListOpenRides(ctx context.Context) ([]models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Ride
	for _, r := range m.rides {
		if r.Status == models.RideRequested && r.BroadcastAt != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOverdueRides(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.rides {
		if r.Status == models.RideRequested && !now.Before(r.BroadcastDeadline) {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOrphanedRides(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for rideID, ids := range m.byRide {
		if m.rides[rideID].Status == models.RideRequested {
			continue
		}
		for _, id := range ids {
			if m.notifs[id].Status == models.NotificationPending {
				out = append(out, rideID)
				break
			}
		}
	}
	return out, nil
}

func offer(n *models.Notification, r *models.Ride) models.PendingOffer {
	return models.PendingOffer{
		NotificationID: n.ID,
		RideID:         r.ID,
		DistanceKm:     n.DistanceKm,
		Deadline:       n.Deadline,
		PickupAddress:  r.Pickup.Address,
		DropoffAddress: r.Dropoff.Address,
		Pickup:         r.Pickup.Coord,
		Dropoff:        r.Dropoff.Coord,
		EstimatedPrice: r.EstimatedPrice,
	}
}
