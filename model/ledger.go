package model

import "time"

// SettlementOutcome resolves a reservation into a spend or a refund.
type SettlementOutcome string

const (
	OutcomeSuccess SettlementOutcome = "success"
	OutcomeRefund  SettlementOutcome = "refund"
)

func (o SettlementOutcome) IsValid() bool {
	return o == OutcomeSuccess || o == OutcomeRefund
}

// ReservationStatus is the state of a credit hold.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationCaptured ReservationStatus = "captured"
	ReservationReleased ReservationStatus = "released"
)

// SettledBy maps a settled reservation status back to the outcome that produced it.
func (s ReservationStatus) SettledBy() (SettlementOutcome, bool) {
	switch s {
	case ReservationCaptured:
		return OutcomeSuccess, true
	case ReservationReleased:
		return OutcomeRefund, true
	}
	return "", false
}

// EntryType is the kind of ledger movement an entry records.
type EntryType string

const (
	EntryGrant   EntryType = "grant"
	EntryReserve EntryType = "reserve"
	EntryCapture EntryType = "capture"
	EntryRelease EntryType = "release"
)

// CreditAccount is the materialized balance of one owner.
// Available credit is Credited - Held - Debited.
type CreditAccount struct {
	OwnerID   string    `json:"owner_id"`
	Credited  int64     `json:"credited"`
	Held      int64     `json:"held"`
	Debited   int64     `json:"debited"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *CreditAccount) Available() int64 {
	return a.Credited - a.Held - a.Debited
}

// Reservation is a hold placed on an owner's credit pending a job outcome.
type Reservation struct {
	ReservationID string            `json:"reservation_id"`
	OwnerID       string            `json:"owner_id"`
	Amount        int64             `json:"amount"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`
}

// LedgerEntry is an append-only record of a credit movement.
type LedgerEntry struct {
	EntryID        string                 `json:"entry_id"`
	OwnerID        string                 `json:"owner_id"`
	ReservationID  string                 `json:"reservation_id,omitempty"`
	EntryType      EntryType              `json:"entry_type"`
	Amount         int64                  `json:"amount"`
	AvailableAfter int64                  `json:"available_after"`
	Reference      string                 `json:"reference,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	MetaData       map[string]interface{} `json:"meta_data,omitempty"`
}

// CreditGrant is a purchase or top-up credited to an owner.
type CreditGrant struct {
	OwnerID   string                 `json:"owner_id"`
	Amount    int64                  `json:"amount"`
	Reference string                 `json:"reference"`
	MetaData  map[string]interface{} `json:"meta_data,omitempty"`
}
