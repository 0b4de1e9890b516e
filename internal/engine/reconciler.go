package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nekogravitycat/booking-sync/internal/slot"
	"github.com/nekogravitycat/booking-sync/internal/transport"
)

// handleEvent applies one inbound stream event to the store. Events are
// hints, not a totally-ordered log: delivery may duplicate, reorder or
// drop them, so every branch here is idempotent and commutes with
// snapshot application. It runs on the transport's single read
// goroutine, in arrival order.
func (e *Engine) handleEvent(ev transport.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Kind {
	case transport.EventSlotAdded:
		e.applySlotAdded(ev.Slot)

	case transport.EventSlotRemoved:
		e.store.Remove(ev.SlotID)

	case transport.EventBookingConfirmed:
		e.applyBookingConfirmed(ev.Booking)

	case transport.EventSlotCountHint:
		// Advisory only: never trusted as ground truth, a mismatch just
		// schedules a full re-fetch.
		if e.store.CountForOwner(ev.OwnerID) != ev.Count {
			e.log.Debug("slot count mismatch, scheduling resync",
				zap.String("owner", ev.OwnerID),
				zap.Int("server_count", ev.Count))
			e.requestResync()
		}

	case transport.EventCommandRejected:
		e.applyRejection(ev)
	}
}

func (e *Engine) applySlotAdded(s slot.Slot) {
	if scope := e.cfg.Identity.OwnerID; scope != "" && s.OwnerID != scope {
		return
	}
	// Never resurrect a slot the pipeline optimistically removed; its
	// rollback logic owns that entry until the attempt resolves.
	if p := e.pending; p != nil && p.slotID == s.ID {
		return
	}
	if replaced := e.store.Upsert(s); replaced != "" {
		delete(e.provisional, replaced)
	}
}

func (e *Engine) applyBookingConfirmed(b slot.Booking) {
	if b.Status == "" {
		b.Status = slot.StatusConfirmed
	}
	e.store.MarkBooked(b.SlotID)
	e.store.UpsertBooking(b)

	p := e.pending
	if p == nil || p.slotID != b.SlotID {
		return
	}
	if b.ConsumerID == e.cfg.Identity.ConsumerID {
		e.pending = nil
		p.done <- reserveResult{booking: b}
	}
	// A confirmation for another consumer means our attempt lost the
	// race; the rejection event or the timeout path resolves it.
}

func (e *Engine) applyRejection(ev transport.Event) {
	p := e.pending
	if p == nil || (ev.SlotID != "" && ev.SlotID != p.slotID) {
		// Not ours, or a rejected slot publication: drop the provisional
		// entry if one matches, then re-fetch to get back in sync.
		if _, ok := e.provisional[ev.SlotID]; ok {
			e.store.Remove(ev.SlotID)
			delete(e.provisional, ev.SlotID)
		}
		e.requestResync()
		return
	}

	// The server did not accept the mutation, so the optimistic removal
	// is undone. Monotonic store rules keep the slot booked if a
	// confirmation for someone else already landed.
	e.pending = nil
	e.store.Upsert(p.rollback)

	reason := ev.Reason
	if reason == "" {
		reason = "reservation rejected"
	}
	p.done <- reserveResult{err: fmt.Errorf("%w: %s", ErrSlotTaken, reason)}
}
