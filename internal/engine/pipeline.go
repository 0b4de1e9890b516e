package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nekogravitycat/booking-sync/internal/pkg/apperror"
	"github.com/nekogravitycat/booking-sync/internal/slot"
	"github.com/nekogravitycat/booking-sync/internal/transport"
)

// pendingReservation tracks one in-flight optimistic booking attempt.
// It exists from the moment the command is issued until confirmation,
// rejection, timeout or engine teardown. At most one per engine: booking
// attempts are serialized to avoid compounding rollbacks.
type pendingReservation struct {
	slotID      string
	requestedAt time.Time
	rollback    slot.Slot // the slot as it was before the optimistic removal
	done        chan reserveResult
}

type reserveResult struct {
	booking slot.Booking
	err     error
}

// Reserve turns the intent to reserve a slot into a single-attempt
// network operation with bounded uncertainty:
//
//	Idle -> Requested -> {Confirmed | Rejected | TimedOut} -> Idle
//
// It fails fast with ErrAlreadyInFlight while another attempt is
// pending. The slot leaves the available projection immediately; that
// removal hides latency and is never a correctness mechanism — the
// server remains the sole arbiter of who gets the slot.
func (e *Engine) Reserve(ctx context.Context, slotID string) (slot.Booking, error) {
	consumerID := e.cfg.Identity.ConsumerID
	if consumerID == "" {
		return slot.Booking{}, ErrNoConsumerIdentity
	}

	e.mu.Lock()
	if e.pending != nil {
		e.mu.Unlock()
		return slot.Booking{}, ErrAlreadyInFlight
	}
	s, ok := e.store.Get(slotID)
	if !ok {
		e.mu.Unlock()
		return slot.Booking{}, slot.ErrNotFound
	}
	if s.IsBooked {
		e.mu.Unlock()
		return slot.Booking{}, ErrSlotTaken
	}

	e.store.Remove(slotID)
	p := &pendingReservation{
		slotID:      slotID,
		requestedAt: time.Now(),
		rollback:    s,
		done:        make(chan reserveResult, 1),
	}
	e.pending = p
	e.mu.Unlock()

	if err := e.ch.Send(transport.NewReserveCommand(slotID, consumerID)); err != nil {
		e.rollbackPending(p)
		return slot.Booking{}, err
	}

	timer := time.NewTimer(e.cfg.ReserveTimeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return res.booking, res.err
	case <-ctx.Done():
		// Caller gave up; outcome stays unknown, the poller heals the
		// projection either way.
		e.clearPending(p)
		return slot.Booking{}, ctx.Err()
	case <-timer.C:
		return e.resolveTimeout(ctx, p)
	}
}

// resolveTimeout handles the no-response case: the outcome is unknown
// until a forced re-fetch of both the slot list and the consumer's
// bookings says otherwise. Neither success nor failure is assumed.
func (e *Engine) resolveTimeout(ctx context.Context, p *pendingReservation) (slot.Booking, error) {
	e.clearPending(p)

	// The confirmation may have landed between the timer firing and the
	// pending record being cleared.
	select {
	case res := <-p.done:
		return res.booking, res.err
	default:
	}

	if err := e.Resync(ctx); err != nil {
		return slot.Booking{}, fmt.Errorf("%w: %v", ErrConfirmationTimeout, err)
	}
	if b, ok := e.store.BookingForSlot(p.slotID); ok && b.ConsumerID == e.cfg.Identity.ConsumerID {
		// It landed after all; the re-fetch already reconciled the store.
		return b, nil
	}
	return slot.Booking{}, ErrConfirmationTimeout
}

// PublishSlot announces a new availability window for the owner scope.
// The slot appears immediately under a provisional id and is replaced by
// the server's copy via the event stream or the next snapshot.
func (e *Engine) PublishSlot(date, startTime, endTime string) (slot.Slot, error) {
	ownerID := e.cfg.Identity.OwnerID
	if ownerID == "" {
		return slot.Slot{}, ErrNoOwnerIdentity
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return slot.Slot{}, apperror.Wrap(err, apperror.KindInvalid, "date must be YYYY-MM-DD")
	}
	if err := slot.ValidateWindow(startTime, endTime); err != nil {
		return slot.Slot{}, err
	}

	s := slot.Slot{
		ID:        slot.NewProvisionalID(),
		OwnerID:   ownerID,
		Date:      date,
		StartTime: startTime,
		EndTime:   endTime,
	}

	e.mu.Lock()
	e.store.Upsert(s)
	e.provisional[s.ID] = time.Now()
	e.mu.Unlock()

	if err := e.ch.Send(transport.NewPublishCommand(s)); err != nil {
		e.mu.Lock()
		e.store.Remove(s.ID)
		delete(e.provisional, s.ID)
		e.mu.Unlock()
		return slot.Slot{}, err
	}

	// Nudge a resync shortly after publishing so a lost add_slot event
	// heals quickly instead of waiting a full poll interval.
	e.mu.Lock()
	if e.nudge != nil {
		e.nudge.Stop()
	}
	e.nudge = time.AfterFunc(publishNudgeDelay, e.requestResync)
	e.mu.Unlock()

	return s, nil
}

func (e *Engine) rollbackPending(p *pendingReservation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == p {
		e.pending = nil
		e.store.Upsert(p.rollback)
	}
}

func (e *Engine) clearPending(p *pendingReservation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == p {
		e.pending = nil
	}
}
