package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideState is the lifecycle state of a ride. Terminal states are absorbing.
type RideState string

const (
	StatePending   RideState = "pending"
	StateAccepted  RideState = "accepted"
	StateStarted   RideState = "started"
	StateCompleted RideState = "completed"
	StateCancelled RideState = "cancelled"
	StateExpired   RideState = "expired"
)

// allowedTransitions encodes the ride state diagram. Anything absent is
// illegal, including skipping a state (pending -> started is never allowed).
var allowedTransitions = map[RideState][]RideState{
	StatePending:  {StateAccepted, StateCancelled, StateExpired},
	StateAccepted: {StateStarted, StateCancelled},
	StateStarted:  {StateCompleted},
}

func CanTransition(from, to RideState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s RideState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateExpired
}

type Ride struct {
	ID               string     `json:"id"`
	RequesterID      string     `json:"requester_id"`
	RequesterContact string     `json:"requester_contact,omitempty"`
	Pickup           Coord      `json:"pickup"`
	Dropoff          Coord      `json:"dropoff"`
	FareAmount       int64      `json:"fare_amount"` // minor units
	OrderAmount      int64      `json:"order_amount,omitempty"`
	CourierID        string     `json:"courier_id,omitempty"`
	OTP              string     `json:"-"`
	EvidenceRef      string     `json:"evidence_ref,omitempty"`
	PaymentRef       string     `json:"payment_ref,omitempty"`
	State            RideState  `json:"state"`
	CreatedAt        time.Time  `json:"created_at"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

// RideEvent is one row of the append-only transition log.
type RideEvent struct {
	RideID string    `json:"ride_id"`
	From   RideState `json:"from"`
	To     RideState `json:"to"`
	Actor  string    `json:"actor"` // courier id, requester id, or "system"
	At     time.Time `json:"at"`
}

// RideRequest is what the checkout collaborator sends to create a ride.
// OTPSeed is the start code the collaborator hands to the requester; when
// absent one is generated. It is write-only: no API response carries it.
type RideRequest struct {
	RequesterID      string `json:"requester_id"`
	RequesterContact string `json:"requester_contact,omitempty"`
	Pickup           Coord  `json:"pickup"`
	Dropoff          Coord  `json:"dropoff"`
	FareAmount       int64  `json:"fare_amount"`
	OrderAmount      int64  `json:"order_amount,omitempty"`
	PaymentRef       string `json:"payment_ref,omitempty"`
	OTPSeed          string `json:"otp_seed,omitempty"`
}

type CourierPresence struct {
	CourierID     string    `json:"courier_id"`
	Name          string    `json:"name,omitempty"`
	Vehicle       string    `json:"vehicle,omitempty"`
	Loc           Coord     `json:"loc"`
	HeartbeatAt   time.Time `json:"heartbeat_at"`
	Online        bool      `json:"online"`
	CurrentRideID string    `json:"current_ride_id,omitempty"`
}

// Heartbeat is the courier position report, both the REST body and the
// message payload on the heartbeat topic.
type Heartbeat struct {
	CourierID string    `json:"courier_id"`
	Name      string    `json:"name,omitempty"`
	Vehicle   string    `json:"vehicle,omitempty"`
	Loc       Coord     `json:"loc"`
	At        time.Time `json:"at"`
}

// RideOffer is the new-ride push payload sent to each eligible courier.
type RideOffer struct {
	RideID           string  `json:"ride_id"`
	Pickup           Coord   `json:"pickup"`
	Dropoff          Coord   `json:"dropoff"`
	FareAmount       int64   `json:"fare_amount"`
	RequesterContact string  `json:"requester_contact,omitempty"`
	DistanceM        float64 `json:"distance_m"`
	PickupETASec     float64 `json:"pickup_eta_seconds,omitempty"`
	Round            int     `json:"round"`
}

type Session struct {
	ID        string     `json:"id"`
	CourierID string     `json:"courier_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// EarningsEntry is append-only; OrderAmount is a passthrough for display and
// is not courier revenue.
type EarningsEntry struct {
	CourierID   string    `json:"courier_id"`
	RideID      string    `json:"ride_id"`
	RideFee     int64     `json:"ride_fee"`
	OrderAmount int64     `json:"order_amount"`
	BookedAt    time.Time `json:"booked_at"`
}

// StatsWindow is one aggregation bucket of the earnings/session rollup.
type StatsWindow struct {
	Earnings    int64   `json:"earnings"`
	OrderAmount int64   `json:"order_amount"`
	Rides       int     `json:"rides"`
	HoursOnline float64 `json:"hours_online"`
}

// CourierStats is the derived view returned by the stats endpoint. It is
// always recomputed from the raw logs, never stored.
type CourierStats struct {
	CourierID string      `json:"courier_id"`
	Today     StatsWindow `json:"today"`
	ThisWeek  StatsWindow `json:"this_week"`
	ThisMonth StatsWindow `json:"this_month"`
	Total     StatsWindow `json:"total"`
}
