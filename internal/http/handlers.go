package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
)

// LocationWriter stores a driver ping directly in the locator.
type LocationWriter interface {
	Upsert(ctx context.Context, d models.DriverLocation) error
}

// LocationPublisher forwards a ping to the location feed.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.DriverLocation) error
}

// RideTrigger announces new rides to the dispatch consumers.
type RideTrigger interface {
	PublishRideCreated(ctx context.Context, ev models.RideCreated) error
}

// Server exposes the dispatch engine over HTTP and websockets. Locations,
// LocationFeed, Trigger and Tokens are optional.
type Server struct {
	Engine       *dispatch.Engine
	Locations    LocationWriter
	LocationFeed LocationPublisher
	Trigger      RideTrigger
	Hub          *notify.Hub
	Tokens       notify.TokenStore

	logger zerolog.Logger
	mux    *mux.Router
}

func NewServer(s *Server, logger zerolog.Logger) *Server {
	s.logger = logger
	s.mux = mux.NewRouter()
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notification_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notification_id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/notifications", s.handlePending).Methods(http.MethodGet)
	if s.Tokens != nil {
		api.HandleFunc("/drivers/{driver_id}/push-token", s.handlePushToken).Methods(http.MethodPut)
	}

	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/rides/{ride_id}", s.handleRideWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type locationPing struct {
	DriverID string       `json:"driver_id"`
	Loc      models.Coord `json:"loc"`
	Online   *bool        `json:"online"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p locationPing
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	d := models.DriverLocation{DriverID: p.DriverID, Loc: p.Loc, Online: p.Online == nil || *p.Online, UpdatedAt: time.Now()}
	if !d.Loc.Valid() {
		writeError(w, http.StatusBadRequest, geo.ErrInvalidCoordinate.Error())
		return
	}

	var err error
	if s.LocationFeed != nil {
		err = s.LocationFeed.PublishLocation(r.Context(), d)
	} else if s.Locations != nil {
		err = s.Locations.Upsert(r.Context(), d)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRideResponse struct {
	Ride     *models.Ride     `json:"ride"`
	Dispatch *dispatch.Result `json:"dispatch,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ride, err := s.Engine.RequestRide(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := createRideResponse{Ride: ride}
	if s.Trigger != nil {
		err = s.Trigger.PublishRideCreated(r.Context(), models.RideCreated{RideID: ride.ID, CreatedAt: ride.CreatedAt})
		if err == nil {
			writeJSON(w, http.StatusAccepted, resp)
			return
		}
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("ride_id", ride.ID).Msg("ride trigger publish failed; dispatching inline")
	}
	res, err := s.Engine.Dispatch(r.Context(), ride.ID)
	if err != nil {
		// The ride exists; the sweep expires it if no dispatch ever succeeds.
		zerolog.Ctx(r.Context()).Error().Err(err).Str("ride_id", ride.ID).Msg("inline dispatch failed")
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	resp.Dispatch = res
	if fresh, err := s.Engine.GetRide(r.Context(), ride.ID); err == nil {
		resp.Ride = fresh
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Engine.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.Dispatch(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequesterID string `json:"requester_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequesterID == "" {
		writeError(w, http.StatusBadRequest, "requester_id is required")
		return
	}
	ride, err := s.Engine.CancelRide(r.Context(), mux.Vars(r)["ride_id"], body.RequesterID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverBody struct {
	DriverID string `json:"driver_id"`
}

func decodeDriver(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body driverBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return "", false
	}
	return body.DriverID, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, ok := decodeDriver(w, r)
	if !ok {
		return
	}
	ride, err := s.Engine.Accept(r.Context(), mux.Vars(r)["notification_id"], driverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	driverID, ok := decodeDriver(w, r)
	if !ok {
		return
	}
	if err := s.Engine.Decline(r.Context(), mux.Vars(r)["notification_id"], driverID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	offers, err := s.Engine.PendingForDriver(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.PendingOffer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.Tokens.SetToken(r.Context(), mux.Vars(r)["driver_id"], body.Token); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	s.serveWS(w, r, notify.DriverChannel(driverID), func(sess *notify.Session) {
		// Replay open offers so a reconnecting driver does not miss any.
		offers, err := s.Engine.PendingForDriver(r.Context(), driverID)
		if err != nil {
			s.logger.Warn().Err(err).Str("driver_id", driverID).Msg("load pending offers")
			return
		}
		for _, o := range offers {
			_ = sess.Send(models.Event{
				Type:           models.EventNotificationCreated,
				RideID:         o.RideID,
				NotificationID: o.NotificationID,
				DriverID:       driverID,
				DistanceKm:     o.DistanceKm,
				Deadline:       o.Deadline,
				At:             time.Now(),
			})
		}
	})
}

func (s *Server) handleRideWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, notify.RideChannel(mux.Vars(r)["ride_id"]), nil)
}

// serveWS registers the connection on channel and blocks reading until the
// client goes away. Inbound messages are ignored.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, channel string, onOpen func(*notify.Session)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := s.Hub.Add(channel, conn)
	defer s.Hub.Remove(channel, sess)
	if onOpen != nil {
		onOpen(sess)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, dispatch.ErrInvalidRequest), errors.Is(err, geo.ErrInvalidCoordinate):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
