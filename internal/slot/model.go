package slot

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nekogravitycat/booking-sync/internal/pkg/apperror"
)

var (
	ErrNotFound         = apperror.New(apperror.KindNotFound, "slot not found")
	ErrInvalidTimeRange = apperror.New(apperror.KindInvalid, "end time must be after start time")
)

// ProvisionalIDPrefix marks locally-generated ids for slots that have not
// been confirmed by the server yet. The server never issues ids with this
// prefix, so provisional and server ids cannot collide.
const ProvisionalIDPrefix = "temp_"

// NewProvisionalID returns a fresh id for an unconfirmed optimistic slot.
func NewProvisionalID() string {
	return ProvisionalIDPrefix + uuid.New().String()
}

// Slot represents one offered time window. Date is a calendar date
// (YYYY-MM-DD) and the times are same-day wall-clock values (HH:MM).
type Slot struct {
	ID        string `json:"id"`
	OwnerID   string `json:"teacher_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	IsBooked  bool   `json:"is_booked"`
}

// Provisional reports whether the slot carries a locally-generated id and
// is still awaiting server confirmation.
func (s Slot) Provisional() bool {
	return strings.HasPrefix(s.ID, ProvisionalIDPrefix)
}

// SameWindow reports whether two slots describe the same time window of
// the same owner. It is how a server-confirmed slot is matched to the
// provisional twin that announced it.
func (s Slot) SameWindow(o Slot) bool {
	return s.OwnerID == o.OwnerID &&
		s.Date == o.Date &&
		s.StartTime == o.StartTime &&
		s.EndTime == o.EndTime
}

// ValidateWindow checks the wall-clock invariant: both times parse as
// HH:MM and the end is strictly after the start.
func ValidateWindow(startTime, endTime string) error {
	start, err := time.Parse("15:04", startTime)
	if err != nil {
		return apperror.Wrap(err, apperror.KindInvalid, "start time must be HH:MM")
	}
	end, err := time.Parse("15:04", endTime)
	if err != nil {
		return apperror.Wrap(err, apperror.KindInvalid, "end time must be HH:MM")
	}
	if !end.After(start) {
		return ErrInvalidTimeRange
	}
	return nil
}

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCanceled  BookingStatus = "canceled"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// Booking represents a confirmed or pending reservation binding a Slot to
// a consumer. Exactly one non-canceled Booking may reference a slot; the
// server enforces that, the client only converges to it.
type Booking struct {
	ID            string        `json:"id"`
	SlotID        string        `json:"slot_id"`
	ConsumerID    string        `json:"student_id"`
	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}

// Owner is a party who publishes availability.
type Owner struct {
	ID      string `json:"user_id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
}
