package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/earnings"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// Deps bundles the collaborators the HTTP layer fans requests out to.
// Kafka is optional; everything else is required.
type Deps struct {
	Rides       *ledger.Service
	Arbiter     *arbiter.Arbiter
	Broadcaster *dispatch.Broadcaster
	Tracker     *earnings.Tracker
	Registry    presence.Registry
	WSReg       *dispatch.WSRegistry
	Kafka       *ingest.KafkaProducer
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	s := &Server{deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/confirm", s.handleConfirmRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/start", s.handleStartRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleCompleteRide).Methods("POST")

	api.HandleFunc("/couriers/{courier_id}/pending-rides", s.handlePendingRides).Methods("GET")
	api.HandleFunc("/couriers/{courier_id}/rides", s.handleActiveRides).Methods("GET")
	api.HandleFunc("/couriers/{courier_id}/history", s.handleRideHistory).Methods("GET")
	api.HandleFunc("/couriers/{courier_id}/session/start", s.handleSessionStart).Methods("POST")
	api.HandleFunc("/couriers/{courier_id}/session/end", s.handleSessionEnd).Methods("POST")
	api.HandleFunc("/couriers/{courier_id}/stats", s.handleCourierStats).Methods("GET")

	s.mux.HandleFunc("/internal/courier/heartbeats", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/ws/{courier_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.RequesterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "requester_id is required")
		return
	}
	ride, err := s.deps.Rides.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	// The offer fan-out outlives this request.
	s.deps.Broadcaster.Broadcast(context.WithoutCancel(r.Context()), ride)
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.deps.Rides.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor string `json:"actor"`
	}
	// Body is optional; an empty actor reads as the requester.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Actor == "" {
		body.Actor = "requester"
	}
	ride, err := s.deps.Rides.Cancel(r.Context(), mux.Vars(r)["ride_id"], body.Actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleConfirmRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CourierID string `json:"courier_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CourierID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "courier_id is required")
		return
	}
	ride, err := s.deps.Arbiter.TryAccept(r.Context(), mux.Vars(r)["ride_id"], body.CourierID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CourierID string `json:"courier_id"`
		OTP       string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CourierID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "courier_id is required")
		return
	}
	ride, err := s.deps.Rides.Start(r.Context(), mux.Vars(r)["ride_id"], body.CourierID, body.OTP)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CourierID   string `json:"courier_id"`
		EvidenceRef string `json:"evidence_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CourierID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "courier_id is required")
		return
	}
	ride, err := s.deps.Rides.Complete(r.Context(), mux.Vars(r)["ride_id"], body.CourierID, body.EvidenceRef)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handlePendingRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.deps.Broadcaster.PendingFor(r.Context(), mux.Vars(r)["courier_id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if rides == nil {
		rides = []*models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleActiveRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.deps.Rides.ActiveByCourier(r.Context(), mux.Vars(r)["courier_id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if rides == nil {
		rides = []*models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	rides, err := s.deps.Rides.HistoryByCourier(r.Context(), mux.Vars(r)["courier_id"], limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if rides == nil {
		rides = []*models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Tracker.StartSession(r.Context(), mux.Vars(r)["courier_id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Tracker.EndSession(r.Context(), mux.Vars(r)["courier_id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCourierStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Tracker.Stats(r.Context(), mux.Vars(r)["courier_id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if hb.CourierID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "courier_id is required")
		return
	}
	if hb.At.IsZero() {
		hb.At = time.Now().UTC()
	}
	if err := s.deps.Registry.Heartbeat(r.Context(), hb); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if s.deps.Kafka != nil {
		if err := s.deps.Kafka.PublishHeartbeat(hb); err != nil {
			s.logger.Warn("heartbeat publish failed", "courier_id", hb.CourierID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	// Couriers connect from mobile clients; auth happens upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["courier_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "courier_id", id, "error", err)
		return
	}
	s.deps.WSReg.Add(id, conn)
	go func() {
		// Inbound frames are ignored; the read loop only detects the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		s.deps.WSReg.Remove(id, conn)
		conn.Close()
	}()
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "ride not found")
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, "ride_unavailable", "ride was taken or is no longer open")
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, ledger.ErrOTPMismatch):
		writeError(w, http.StatusUnprocessableEntity, "otp_mismatch", "confirmation code does not match")
	case errors.Is(err, ledger.ErrMissingEvidence):
		writeError(w, http.StatusUnprocessableEntity, "evidence_required", "completion evidence is required")
	case errors.Is(err, ledger.ErrIneligible):
		writeError(w, http.StatusForbidden, "ineligible", err.Error())
	case errors.Is(err, presence.ErrUnknownCourier):
		writeError(w, http.StatusNotFound, "unknown_courier", "courier has never reported a heartbeat")
	case errors.Is(err, earnings.ErrNoOpenSession):
		writeError(w, http.StatusConflict, "no_open_session", "courier has no open session")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, slug, msg string) {
	writeJSON(w, code, map[string]string{"error": slug, "message": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
