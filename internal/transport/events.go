package transport

import (
	"encoding/json"
	"fmt"

	"github.com/nekogravitycat/booking-sync/internal/pkg/apperror"
	"github.com/nekogravitycat/booking-sync/internal/slot"
)

var (
	ErrUnavailable    = apperror.New(apperror.KindTransport, "transport unavailable")
	ErrMalformedEvent = apperror.New(apperror.KindProtocol, "malformed event")
)

// EventKind identifies an inbound stream event after decoding.
type EventKind string

const (
	EventSlotAdded        EventKind = "slot_added"
	EventSlotRemoved      EventKind = "slot_removed"
	EventBookingConfirmed EventKind = "booking_confirmed"
	EventSlotCountHint    EventKind = "slot_count_hint"
	EventCommandRejected  EventKind = "command_rejected"
)

// Event is one decoded stream message. Events are hints, not a totally
// ordered log: the fields set depend on Kind and every consumer must
// apply them idempotently.
type Event struct {
	Kind EventKind

	Slot    slot.Slot    // EventSlotAdded
	SlotID  string       // EventSlotRemoved, EventCommandRejected
	Booking slot.Booking // EventBookingConfirmed

	// EventSlotCountHint
	OwnerID string
	Count   int

	// EventCommandRejected
	Reason string
}

// envelope is the wire shape of every stream message:
// {type, ...payload}. Field names follow the platform protocol.
type envelope struct {
	Type    string        `json:"type"`
	Action  string        `json:"action,omitempty"`
	Slot    *slot.Slot    `json:"slot,omitempty"`
	SlotID  string        `json:"slot_id,omitempty"`
	Booking *slot.Booking `json:"booking,omitempty"`
	OwnerID string        `json:"teacher_id,omitempty"`
	Count   *int          `json:"count,omitempty"`
	Message string        `json:"message,omitempty"`
}

// DecodeEvent parses one raw frame. Unparseable or structurally
// incomplete frames return ErrMalformedEvent; the caller drops them and
// relies on the next snapshot fetch.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case "slot_update":
		switch env.Action {
		case "added":
			if env.Slot == nil {
				return Event{}, fmt.Errorf("%w: slot_update/added without slot", ErrMalformedEvent)
			}
			return Event{Kind: EventSlotAdded, Slot: *env.Slot}, nil
		case "deleted":
			if env.SlotID == "" {
				return Event{}, fmt.Errorf("%w: slot_update/deleted without slot_id", ErrMalformedEvent)
			}
			return Event{Kind: EventSlotRemoved, SlotID: env.SlotID}, nil
		default:
			return Event{}, fmt.Errorf("%w: unknown slot_update action %q", ErrMalformedEvent, env.Action)
		}

	case "booking_update":
		if env.Booking == nil || env.Booking.SlotID == "" {
			return Event{}, fmt.Errorf("%w: booking_update without booking", ErrMalformedEvent)
		}
		return Event{Kind: EventBookingConfirmed, Booking: *env.Booking}, nil

	case "slots_count":
		if env.OwnerID == "" || env.Count == nil {
			return Event{}, fmt.Errorf("%w: slots_count without teacher_id/count", ErrMalformedEvent)
		}
		return Event{Kind: EventSlotCountHint, OwnerID: env.OwnerID, Count: *env.Count}, nil

	case "error":
		return Event{Kind: EventCommandRejected, SlotID: env.SlotID, Reason: env.Message}, nil

	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
}

// ReserveCommand is the outbound reservation request.
type ReserveCommand struct {
	Action     string `json:"action"`
	SlotID     string `json:"slot_id"`
	ConsumerID string `json:"student_id"`
}

func NewReserveCommand(slotID, consumerID string) ReserveCommand {
	return ReserveCommand{Action: "book_slot", SlotID: slotID, ConsumerID: consumerID}
}

// PublishCommand announces a new availability window, carrying the
// provisional id so the server can echo it back alongside the real one.
type PublishCommand struct {
	Action    string `json:"action"`
	ID        string `json:"id"`
	OwnerID   string `json:"teacher_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	IsBooked  bool   `json:"is_booked"`
}

func NewPublishCommand(s slot.Slot) PublishCommand {
	return PublishCommand{
		Action:    "add_slot",
		ID:        s.ID,
		OwnerID:   s.OwnerID,
		Date:      s.Date,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
	}
}
