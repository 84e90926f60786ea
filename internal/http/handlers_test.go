package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

type nopScheduler struct{}

func (nopScheduler) Schedule(ctx context.Context, rideID string, at time.Time) error { return nil }
func (nopScheduler) Cancel(ctx context.Context, rideID string) error                 { return nil }

type fakeTrigger struct {
	mu    sync.Mutex
	rides []string
	err   error
}

func (f *fakeTrigger) PublishRideCreated(ctx context.Context, ev models.RideCreated) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rides = append(f.rides, ev.RideID)
	return f.err
}

var pickup = models.Coord{Lat: 40.7128, Lon: -74.0060}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	idx := geo.NewIndex(2 * time.Minute)
	hub := notify.NewHub(zerolog.Nop())
	engine := &dispatch.Engine{
		Locator:   idx,
		Store:     storage.NewMemoryStore(),
		Notifier:  hub,
		Deadlines: nopScheduler{},
		Config:    config.DefaultDispatchConfig(),
		Log:       zerolog.Nop(),
	}
	s := NewServer(&Server{Engine: engine, Locations: idx, Hub: hub}, zerolog.Nop())
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func ping(t *testing.T, ts *httptest.Server, driverID string, km float64) {
	t.Helper()
	kmPerDeg := 6371.0 * math.Pi / 180
	resp := do(t, ts, http.MethodPost, "/internal/driver/locations", map[string]interface{}{
		"driver_id": driverID,
		"loc":       models.Coord{Lat: pickup.Lat + km/kmPerDeg, Lon: pickup.Lon},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func createRide(t *testing.T, ts *httptest.Server) createRideResponse {
	t.Helper()
	resp := do(t, ts, http.MethodPost, "/api/v1/rides", models.RideRequest{
		RequesterID:    "rider-1",
		Pickup:         models.Place{Coord: pickup, Address: "City Hall"},
		Dropoff:        models.Place{Coord: models.Coord{Lat: 40.73, Lon: -73.99}, Address: "Union Square"},
		EstimatedPrice: models.Money{Amount: 2400, Currency: "usd"},
	})
	require.Contains(t, []int{http.StatusCreated, http.StatusAccepted}, resp.StatusCode)
	var out createRideResponse
	decode(t, resp, &out)
	return out
}

func pending(t *testing.T, ts *httptest.Server, driverID string) []models.PendingOffer {
	t.Helper()
	resp := do(t, ts, http.MethodGet, "/api/v1/drivers/"+driverID+"/notifications", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var offers []models.PendingOffer
	decode(t, resp, &offers)
	return offers
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	ping(t, ts, "A", 1)
	ping(t, ts, "B", 2)

	created := createRide(t, ts)
	require.NotNil(t, created.Dispatch)
	assert.Equal(t, dispatch.OutcomeBroadcast, created.Dispatch.Outcome)
	assert.Equal(t, 2, created.Dispatch.Notifications)
	rideID := created.Ride.ID

	offersA := pending(t, ts, "A")
	offersB := pending(t, ts, "B")
	require.Len(t, offersA, 1)
	require.Len(t, offersB, 1)
	assert.Equal(t, "City Hall", offersA[0].PickupAddress)

	resp := do(t, ts, http.MethodPost, "/api/v1/notifications/"+offersB[0].NotificationID+"/accept", driverBody{DriverID: "B"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ride models.Ride
	decode(t, resp, &ride)
	assert.Equal(t, models.RideAccepted, ride.Status)
	assert.Equal(t, "B", ride.DriverID)

	resp = do(t, ts, http.MethodPost, "/api/v1/notifications/"+offersA[0].NotificationID+"/accept", driverBody{DriverID: "A"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, pending(t, ts, "A"))

	resp = do(t, ts, http.MethodGet, "/api/v1/rides/"+rideID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &ride)
	assert.Equal(t, "B", ride.DriverID)

	resp = do(t, ts, http.MethodPost, "/api/v1/rides/"+rideID+"/dispatch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res dispatch.Result
	decode(t, resp, &res)
	assert.Equal(t, dispatch.OutcomeAlreadyProcessed, res.Outcome)
}

func TestAcceptErrorStatuses(t *testing.T) {
	_, ts := newTestServer(t)
	ping(t, ts, "A", 1)
	createRide(t, ts)
	offer := pending(t, ts, "A")[0]

	resp := do(t, ts, http.MethodPost, "/api/v1/notifications/nope/accept", driverBody{DriverID: "A"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/api/v1/notifications/"+offer.NotificationID+"/accept", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/api/v1/notifications/"+offer.NotificationID+"/decline", driverBody{DriverID: "A"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, ts, http.MethodPost, "/api/v1/notifications/"+offer.NotificationID+"/decline", driverBody{DriverID: "A"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "decline is idempotent")

	resp = do(t, ts, http.MethodPost, "/api/v1/notifications/"+offer.NotificationID+"/accept", driverBody{DriverID: "A"})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestNoDriversExpiresRide(t *testing.T) {
	_, ts := newTestServer(t)
	created := createRide(t, ts)
	require.NotNil(t, created.Dispatch)
	assert.Equal(t, dispatch.OutcomeNoCandidates, created.Dispatch.Outcome)
	assert.Equal(t, models.RideExpired, created.Ride.Status)
}

func TestCancelRideOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	ping(t, ts, "A", 1)
	created := createRide(t, ts)

	resp := do(t, ts, http.MethodPost, "/api/v1/rides/"+created.Ride.ID+"/cancel", map[string]string{"requester_id": "someone"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/api/v1/rides/"+created.Ride.ID+"/cancel", map[string]string{"requester_id": "rider-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ride models.Ride
	decode(t, resp, &ride)
	assert.Equal(t, models.RideCancelled, ride.Status)
	assert.Empty(t, pending(t, ts, "A"))
}

func TestCreateRideUsesTrigger(t *testing.T) {
	s, ts := newTestServer(t)
	trig := &fakeTrigger{}
	s.Trigger = trig
	ping(t, ts, "A", 1)

	created := createRide(t, ts)
	assert.Nil(t, created.Dispatch)
	assert.Equal(t, []string{created.Ride.ID}, trig.rides)
	assert.Empty(t, pending(t, ts, "A"), "dispatch happens in the consumer")

	trig.err = errors.New("kafka down")
	created = createRide(t, ts)
	require.NotNil(t, created.Dispatch, "falls back to inline dispatch")
	assert.Equal(t, dispatch.OutcomeBroadcast, created.Dispatch.Outcome)
}

func TestBadRequests(t *testing.T) {
	_, ts := newTestServer(t)
	resp := do(t, ts, http.MethodPost, "/api/v1/rides", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/api/v1/rides", models.RideRequest{RequesterID: "r", Pickup: models.Place{Coord: models.Coord{Lat: 95}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/internal/driver/locations", map[string]interface{}{"driver_id": "A", "loc": models.Coord{Lat: 0, Lon: 200}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/api/v1/rides/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestOfflinePingExcludesDriver(t *testing.T) {
	_, ts := newTestServer(t)
	resp := do(t, ts, http.MethodPost, "/internal/driver/locations", map[string]interface{}{
		"driver_id": "A", "loc": pickup, "online": false,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	created := createRide(t, ts)
	assert.Equal(t, dispatch.OutcomeNoCandidates, created.Dispatch.Outcome)
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebsocketEvents(t *testing.T) {
	s, ts := newTestServer(t)
	ping(t, ts, "A", 1)
	ping(t, ts, "B", 2)
	connA := dialWS(t, ts, "/ws/drivers/A")
	require.Eventually(t, func() bool { return s.Hub.Count(notify.DriverChannel("A")) == 1 }, time.Second, 10*time.Millisecond)

	created := createRide(t, ts)
	ev := readEvent(t, connA)
	assert.Equal(t, models.EventNotificationCreated, ev.Type)
	assert.Equal(t, created.Ride.ID, ev.RideID)
	assert.InDelta(t, 1, ev.DistanceKm, 1e-6)

	rideConn := dialWS(t, ts, "/ws/rides/"+created.Ride.ID)
	require.Eventually(t, func() bool { return s.Hub.Count(notify.RideChannel(created.Ride.ID)) == 1 }, time.Second, 10*time.Millisecond)

	offerB := pending(t, ts, "B")[0]
	resp := do(t, ts, http.MethodPost, "/api/v1/notifications/"+offerB.NotificationID+"/accept", driverBody{DriverID: "B"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev = readEvent(t, connA)
	assert.Equal(t, models.EventNotificationSuperseded, ev.Type)
	ev = readEvent(t, rideConn)
	assert.Equal(t, models.EventRideAccepted, ev.Type)
	assert.Equal(t, "B", ev.DriverID)
}

func TestDriverWebsocketReplaysPendingOffers(t *testing.T) {
	_, ts := newTestServer(t)
	ping(t, ts, "A", 1)
	created := createRide(t, ts)

	conn := dialWS(t, ts, "/ws/drivers/A")
	ev := readEvent(t, conn)
	assert.Equal(t, models.EventNotificationCreated, ev.Type)
	assert.Equal(t, created.Ride.ID, ev.RideID)
}

func TestRecoverPanics(t *testing.T) {
	s := NewServer(&Server{}, zerolog.Nop())
	h := s.withRequestLogger(s.recoverPanics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") })))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	_, ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", remoteIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", remoteIP(r))
}
