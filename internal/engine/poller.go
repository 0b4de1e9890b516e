package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nekogravitycat/booking-sync/internal/slot"
)

// publishNudgeDelay is how soon after an optimistic slot publication a
// resync is forced, so a dropped add_slot surfaces quickly.
const publishNudgeDelay = time.Second

// run is the consistency poller: a low-frequency fallback that re-fetches
// full snapshots and diffs them against the store to heal missed events.
// It also services the resync nudges raised by reconnects, count-hint
// mismatches and the booking pipeline's timeout path.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.resyncCh:
		}

		if err := e.Resync(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient by definition; the next cycle retries.
			e.log.Warn("resync failed", zap.Error(err))
		}
	}
}

// Resync fetches full snapshots for the active scope and reconciles the
// store against them. Safe to call concurrently with the event stream:
// snapshot application and event application commute.
func (e *Engine) Resync(ctx context.Context) error {
	id := e.cfg.Identity

	var (
		slots    []slot.Slot
		bookings []slot.Booking
		err      error
	)
	if id.OwnerID != "" {
		slots, err = e.fetch.FetchSlots(ctx, id.OwnerID, "")
		if err != nil {
			return fmt.Errorf("fetch slots: %w", err)
		}
	}
	if id.ConsumerID != "" {
		bookings, err = e.fetch.FetchBookings(ctx, id.ConsumerID)
		if err != nil {
			return fmt.Errorf("fetch bookings: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if id.OwnerID != "" {
		e.applySlotSnapshot(id.OwnerID, slots)
	}
	if id.ConsumerID != "" {
		e.applyBookingSnapshot(id.ConsumerID, bookings)
	}
	return nil
}

// applySlotSnapshot diffs the remote slot list against the store:
// remote-only entries are upserted, local-only entries removed. Entries
// covered by the in-flight pending reservation are left alone entirely,
// and provisional slots survive until their publish grace window passes.
func (e *Engine) applySlotSnapshot(ownerID string, remote []slot.Slot) {
	remoteIDs := make(map[string]bool, len(remote))
	for _, s := range remote {
		remoteIDs[s.ID] = true
		if p := e.pending; p != nil && p.slotID == s.ID {
			continue
		}
		if replaced := e.store.Upsert(s); replaced != "" {
			delete(e.provisional, replaced)
		}
	}

	for _, local := range e.store.ListForOwner(ownerID) {
		if remoteIDs[local.ID] {
			continue
		}
		if p := e.pending; p != nil && p.slotID == local.ID {
			continue
		}
		if local.Provisional() {
			published, ok := e.provisional[local.ID]
			if ok && time.Since(published) < e.publishGrace() {
				continue
			}
			delete(e.provisional, local.ID)
		}
		e.store.Remove(local.ID)
	}
}

// applyBookingSnapshot mirrors the consumer's remote bookings into the
// store, dropping local entries the server no longer reports.
func (e *Engine) applyBookingSnapshot(consumerID string, remote []slot.Booking) {
	remoteIDs := make(map[string]bool, len(remote))
	for _, b := range remote {
		remoteIDs[b.ID] = true
		e.store.UpsertBooking(b)
	}
	for _, local := range e.store.ListBookings(consumerID) {
		if !remoteIDs[local.ID] {
			e.store.RemoveBooking(local.ID)
		}
	}
}

// publishGrace is how long an unconfirmed provisional slot survives full
// resyncs before it is treated as lost.
func (e *Engine) publishGrace() time.Duration {
	return e.cfg.ReserveTimeout
}
