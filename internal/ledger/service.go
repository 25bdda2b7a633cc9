package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// EarningsRecorder receives the completion event. Implementations must be
// idempotent by ride id: the ledger delivers at-least-once.
type EarningsRecorder interface {
	RecordEarnings(ctx context.Context, entry models.EarningsEntry) error
}

// Settlement is the boundary to the external payment collaborator. The hold
// is created by checkout before the ride reaches us; we only capture or
// release it at terminal states.
type Settlement interface {
	Capture(ctx context.Context, paymentRef string) error
	Release(ctx context.Context, paymentRef string) error
}

// PresenceWriter is the slice of the presence registry the ledger needs to
// keep the courier's current-ride pointer in sync with terminal transitions.
type PresenceWriter interface {
	ClearCurrentRide(ctx context.Context, courierID string) error
}

// Service is the ride state machine. Every transition goes through the
// store-level compare-and-swap and is appended to the event log.
type Service struct {
	Store      RideStore
	Logger     *slog.Logger
	Earnings   EarningsRecorder // optional
	Settlement Settlement       // optional
	Presence   PresenceWriter   // optional
	OTPDigits  int

	now func() time.Time
}

func NewService(store RideStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Logger: logger, OTPDigits: 4, now: time.Now}
}

// Create registers a new pending ride from the checkout collaborator. The
// start code is the collaborator-supplied seed when present (the collaborator
// relays it to the requester), generated otherwise.
func (s *Service) Create(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if req.RequesterID == "" {
		return nil, fmt.Errorf("%w: requester id required", ErrInvalidTransition)
	}
	otp := req.OTPSeed
	if otp == "" {
		var err error
		otp, err = newOTP(s.OTPDigits)
		if err != nil {
			return nil, fmt.Errorf("generate otp: %w", err)
		}
	}
	r := &models.Ride{
		ID:               newID(),
		RequesterID:      req.RequesterID,
		RequesterContact: req.RequesterContact,
		Pickup:           req.Pickup,
		Dropoff:          req.Dropoff,
		FareAmount:       req.FareAmount,
		OrderAmount:      req.OrderAmount,
		PaymentRef:       req.PaymentRef,
		OTP:              otp,
		State:            models.StatePending,
		CreatedAt:        s.now(),
	}
	if err := s.Store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	s.logEvent(ctx, r.ID, "", models.StatePending, req.RequesterID)
	observability.RidesCreated.Inc()
	return r, nil
}

func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Store.GetRide(ctx, rideID)
}

// Assign commits pending -> accepted with the courier in one compare-and-swap.
// Only the arbiter calls this; anyone else racing it loses with ErrConflict.
// Retrying after a win is a no-op success, so the arbiter can safely reattempt.
func (s *Service) Assign(ctx context.Context, rideID, courierID string) (*models.Ride, error) {
	ok, err := s.Store.ApplyChange(ctx, rideID, Change{
		From:          models.StatePending,
		To:            models.StateAccepted,
		AssignCourier: courierID,
		At:            s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		r, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if r.State == models.StateAccepted && r.CourierID == courierID {
			return r, nil
		}
		return nil, ErrConflict
	}
	s.logEvent(ctx, rideID, models.StatePending, models.StateAccepted, courierID)
	observability.AcceptWins.Inc()
	return s.Store.GetRide(ctx, rideID)
}

// ReleaseAssignment is the compensating rollback for a failed accept: the
// ledger write is undone so the ride is broadcastable again. It bypasses the
// transition table.
func (s *Service) ReleaseAssignment(ctx context.Context, rideID, courierID string) error {
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.State != models.StateAccepted || r.CourierID != courierID {
		return nil
	}
	ok, err := s.Store.ApplyChange(ctx, rideID, Change{
		From:         models.StateAccepted,
		To:           models.StatePending,
		ClearCourier: true,
		At:           s.now(),
	})
	if err != nil {
		return err
	}
	if ok {
		s.logEvent(ctx, rideID, models.StateAccepted, models.StatePending, "system")
	}
	return nil
}

// Start moves accepted -> started once the courier presents the exact OTP.
// A mismatch leaves the ride unchanged and is retryable; replaying the right
// OTP after a successful start is a no-op success.
func (s *Service) Start(ctx context.Context, rideID, courierID, otp string) (*models.Ride, error) {
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.CourierID != courierID {
		return nil, ErrIneligible
	}
	if otp != r.OTP {
		observability.OTPMismatches.Inc()
		return nil, ErrOTPMismatch
	}
	if r.State == models.StateStarted {
		return r, nil
	}
	if !models.CanTransition(r.State, models.StateStarted) {
		return nil, ErrInvalidTransition
	}
	ok, err := s.Store.ApplyChange(ctx, rideID, Change{
		From: models.StateAccepted,
		To:   models.StateStarted,
		At:   s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	s.logEvent(ctx, rideID, models.StateAccepted, models.StateStarted, courierID)
	return s.Store.GetRide(ctx, rideID)
}

// Complete moves started -> completed. Evidence is mandatory; without it the
// request is rejected before the ledger is touched. A duplicate complete by
// the same courier is a no-op success and never double-counts earnings.
func (s *Service) Complete(ctx context.Context, rideID, courierID, evidenceRef string) (*models.Ride, error) {
	if evidenceRef == "" {
		return nil, ErrMissingEvidence
	}
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.CourierID != courierID {
		return nil, ErrIneligible
	}
	if r.State == models.StateCompleted {
		return r, nil
	}
	if !models.CanTransition(r.State, models.StateCompleted) {
		return nil, ErrInvalidTransition
	}
	ok, err := s.Store.ApplyChange(ctx, rideID, Change{
		From:     models.StateStarted,
		To:       models.StateCompleted,
		Evidence: evidenceRef,
		At:       s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	s.logEvent(ctx, rideID, models.StateStarted, models.StateCompleted, courierID)
	observability.RidesCompleted.Inc()
	s.afterComplete(ctx, r, courierID)
	return s.Store.GetRide(ctx, rideID)
}

// afterComplete runs the side effects of completion. Each is best-effort:
// the earnings recorder is idempotent and can be replayed, settlement and
// presence failures are logged for the reconciler rather than failing the
// courier's request.
func (s *Service) afterComplete(ctx context.Context, r *models.Ride, courierID string) {
	if s.Earnings != nil {
		entry := models.EarningsEntry{
			CourierID:   courierID,
			RideID:      r.ID,
			RideFee:     r.FareAmount,
			OrderAmount: r.OrderAmount,
			BookedAt:    s.now(),
		}
		if err := s.Earnings.RecordEarnings(ctx, entry); err != nil {
			s.Logger.Error("record earnings failed", "ride_id", r.ID, "error", err)
		}
	}
	if s.Presence != nil {
		if err := s.Presence.ClearCurrentRide(ctx, courierID); err != nil {
			s.Logger.Error("clear current ride failed", "courier_id", courierID, "error", err)
		}
	}
	if s.Settlement != nil && r.PaymentRef != "" {
		if err := s.Settlement.Capture(ctx, r.PaymentRef); err != nil {
			s.Logger.Error("settlement capture failed", "ride_id", r.ID, "error", err)
		}
	}
}

// Cancel is the requester-side termination. It is allowed from pending and
// accepted only; once the handoff happened the ride must run to completion.
func (s *Service) Cancel(ctx context.Context, rideID, actor string) (*models.Ride, error) {
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(r.State, models.StateCancelled) {
		return nil, ErrInvalidTransition
	}
	ok, err := s.Store.ApplyChange(ctx, rideID, Change{
		From:         r.State,
		To:           models.StateCancelled,
		ClearCourier: r.CourierID != "",
		At:           s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	s.logEvent(ctx, rideID, r.State, models.StateCancelled, actor)
	observability.RidesCancelled.Inc()
	if s.Presence != nil && r.CourierID != "" {
		if err := s.Presence.ClearCurrentRide(ctx, r.CourierID); err != nil {
			s.Logger.Error("clear current ride failed", "courier_id", r.CourierID, "error", err)
		}
	}
	if s.Settlement != nil && r.PaymentRef != "" {
		if err := s.Settlement.Release(ctx, r.PaymentRef); err != nil {
			s.Logger.Error("settlement release failed", "ride_id", r.ID, "error", err)
		}
	}
	return s.Store.GetRide(ctx, rideID)
}

// Expire is called by the broadcaster after the retry rounds are exhausted.
// The compare-and-swap makes it lose cleanly against a concurrent accept.
func (s *Service) Expire(ctx context.Context, rideID string) error {
	ok, err := s.Store.ApplyChange(ctx, rideID, Change{
		From: models.StatePending,
		To:   models.StateExpired,
		At:   s.now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	s.logEvent(ctx, rideID, models.StatePending, models.StateExpired, "system")
	observability.RidesExpired.Inc()
	r, err := s.Store.GetRide(ctx, rideID)
	if err == nil && s.Settlement != nil && r.PaymentRef != "" {
		if err := s.Settlement.Release(ctx, r.PaymentRef); err != nil {
			s.Logger.Error("settlement release failed", "ride_id", rideID, "error", err)
		}
	}
	return nil
}

// ActiveByCourier returns the courier's accepted/started rides.
func (s *Service) ActiveByCourier(ctx context.Context, courierID string) ([]*models.Ride, error) {
	return s.Store.ListByCourier(ctx, courierID, []models.RideState{models.StateAccepted, models.StateStarted}, 0)
}

// HistoryByCourier returns completed rides, most recent first.
func (s *Service) HistoryByCourier(ctx context.Context, courierID string, limit int) ([]*models.Ride, error) {
	return s.Store.ListByCourier(ctx, courierID, []models.RideState{models.StateCompleted}, limit)
}

func (s *Service) logEvent(ctx context.Context, rideID string, from, to models.RideState, actor string) {
	at := s.now()
	if err := s.Store.AppendEvent(ctx, &models.RideEvent{RideID: rideID, From: from, To: to, Actor: actor, At: at}); err != nil {
		s.Logger.Error("append ride event failed", "ride_id", rideID, "error", err)
	}
	s.Logger.Info("ride transition", "ride_id", rideID, "from", string(from), "to", string(to), "actor", actor)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// newOTP draws a fixed-length numeric code from crypto/rand.
func newOTP(digits int) (string, error) {
	if digits <= 0 {
		digits = 4
	}
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
