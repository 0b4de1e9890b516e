package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekogravitycat/booking-sync/internal/slot"
	"github.com/nekogravitycat/booking-sync/internal/transport"
)

// reserveAsync runs Reserve on its own goroutine and returns the captured
// outbound command plus a channel carrying the final result.
func reserveAsync(t *testing.T, e *Engine, ch *fakeChannel, slotID string) (transport.ReserveCommand, chan reserveResult) {
	t.Helper()

	results := make(chan reserveResult, 1)
	go func() {
		b, err := e.Reserve(context.Background(), slotID)
		results <- reserveResult{booking: b, err: err}
	}()

	select {
	case v := <-ch.sent:
		cmd, ok := v.(transport.ReserveCommand)
		require.True(t, ok, "expected a reserve command, got %T", v)
		return cmd, results
	case res := <-results:
		t.Fatalf("Reserve returned before sending: %v", res.err)
		return transport.ReserveCommand{}, nil
	case <-time.After(5 * time.Second):
		t.Fatal("no command sent")
		return transport.ReserveCommand{}, nil
	}
}

func awaitResult(t *testing.T, results chan reserveResult) reserveResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("Reserve did not return")
		return reserveResult{}
	}
}

// The first §-scenario: slot appears, consumer reserves, the slot leaves
// the available view immediately, and the confirmation lands.
func TestReserveConfirmed(t *testing.T) {
	e, ch, _ := testEngine(consumerIdentity())
	e.handleEvent(slotEvent(sampleSlot("1")))

	cmd, results := reserveAsync(t, e, ch, "1")
	assert.Equal(t, "book_slot", cmd.Action)
	assert.Equal(t, "1", cmd.SlotID)
	assert.Equal(t, "stu-1", cmd.ConsumerID)

	// Optimistic removal: no second local attempt can target the slot.
	assert.Empty(t, e.AvailableSlots(""))

	e.handleEvent(bookingEvent(slot.Booking{ID: "b1", SlotID: "1", ConsumerID: "stu-1", Status: slot.StatusConfirmed}))

	res := awaitResult(t, results)
	require.NoError(t, res.err)
	assert.Equal(t, "b1", res.booking.ID)

	bookings := e.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, slot.StatusConfirmed, bookings[0].Status)
	assert.Equal(t, "1", bookings[0].SlotID)
	assert.Empty(t, e.AvailableSlots(""))
}

// The second §-scenario: the server rejects, the slot reappears and the
// attempt can be retried.
func TestReserveRejected(t *testing.T) {
	e, ch, _ := testEngine(consumerIdentity())
	e.handleEvent(slotEvent(sampleSlot("1")))

	_, results := reserveAsync(t, e, ch, "1")
	assert.Empty(t, e.AvailableSlots(""))

	e.handleEvent(transport.Event{Kind: transport.EventCommandRejected, SlotID: "1", Reason: "SlotAlreadyTaken"})

	res := awaitResult(t, results)
	require.ErrorIs(t, res.err, ErrSlotTaken)
	assert.Contains(t, res.err.Error(), "SlotAlreadyTaken")

	// Rollback restored the slot; no pending reservation remains.
	require.Len(t, e.AvailableSlots(""), 1)
	assert.Equal(t, "1", e.AvailableSlots("")[0].ID)

	// A retry gets as far as sending again.
	_, retry := reserveAsync(t, e, ch, "1")
	e.handleEvent(transport.Event{Kind: transport.EventCommandRejected, SlotID: "1", Reason: "SlotAlreadyTaken"})
	assert.ErrorIs(t, awaitResult(t, retry).err, ErrSlotTaken)
}

func TestReserveAlreadyInFlight(t *testing.T) {
	e, ch, _ := testEngine(consumerIdentity())
	e.handleEvent(slotEvent(sampleSlot("1")))
	e.handleEvent(slotEvent(sampleSlot("2")))

	_, results := reserveAsync(t, e, ch, "1")

	// Attempts are serialized per consumer to avoid compounding rollbacks.
	_, err := e.Reserve(context.Background(), "2")
	assert.ErrorIs(t, err, ErrAlreadyInFlight)

	// The in-flight attempt is unaffected.
	e.handleEvent(bookingEvent(slot.Booking{ID: "b1", SlotID: "1", ConsumerID: "stu-1", Status: slot.StatusConfirmed}))
	require.NoError(t, awaitResult(t, results).err)
}

func TestReserveRejectsFastWithoutStateChange(t *testing.T) {
	e, _, _ := testEngine(consumerIdentity())

	t.Run("unknown slot", func(t *testing.T) {
		_, err := e.Reserve(context.Background(), "missing")
		assert.ErrorIs(t, err, slot.ErrNotFound)
	})

	t.Run("slot already booked locally", func(t *testing.T) {
		booked := sampleSlot("9")
		booked.IsBooked = true
		e.handleEvent(slotEvent(booked))

		_, err := e.Reserve(context.Background(), "9")
		assert.ErrorIs(t, err, ErrSlotTaken)
	})

	t.Run("no consumer identity", func(t *testing.T) {
		owner, _, _ := testEngine(Identity{ParticipantID: "t1", OwnerID: "t1"})
		_, err := owner.Reserve(context.Background(), "1")
		assert.ErrorIs(t, err, ErrNoConsumerIdentity)
	})
}

func TestReserveSendFailureRollsBack(t *testing.T) {
	e, ch, _ := testEngine(consumerIdentity())
	e.handleEvent(slotEvent(sampleSlot("1")))
	ch.failSends(transport.ErrUnavailable)

	_, err := e.Reserve(context.Background(), "1")
	assert.ErrorIs(t, err, transport.ErrUnavailable)

	// Nothing left in flight, slot available again.
	assert.Len(t, e.AvailableSlots(""), 1)
	e.mu.Lock()
	assert.Nil(t, e.pending)
	e.mu.Unlock()
}

func TestReserveTimeout(t *testing.T) {
	t.Run("unresolved attempt heals from the server snapshot", func(t *testing.T) {
		e, ch, fetch := testEngine(consumerIdentity())
		e.cfg.ReserveTimeout = 50 * time.Millisecond
		e.handleEvent(slotEvent(sampleSlot("1")))
		e.handleEvent(slotEvent(sampleSlot("2")))

		// Server truth: slot 1 still free, slot 2 gone, no booking.
		fetch.setSnapshot([]slot.Slot{sampleSlot("1")}, nil)

		_, results := reserveAsync(t, e, ch, "1")
		res := awaitResult(t, results)
		assert.ErrorIs(t, res.err, ErrConfirmationTimeout)

		// Store now matches the snapshot exactly.
		available := e.AvailableSlots("")
		require.Len(t, available, 1)
		assert.Equal(t, "1", available[0].ID)
		assert.Empty(t, e.Bookings())

		// No orphan pending reservation: a fresh attempt passes the gate.
		_, retry := reserveAsync(t, e, ch, "1")
		e.handleEvent(bookingEvent(slot.Booking{ID: "b1", SlotID: "1", ConsumerID: "stu-1", Status: slot.StatusConfirmed}))
		require.NoError(t, awaitResult(t, retry).err)
	})

	t.Run("booking that landed silently is reported as success", func(t *testing.T) {
		e, ch, fetch := testEngine(consumerIdentity())
		e.cfg.ReserveTimeout = 50 * time.Millisecond
		e.handleEvent(slotEvent(sampleSlot("1")))

		booked := sampleSlot("1")
		booked.IsBooked = true
		fetch.setSnapshot(
			[]slot.Slot{booked},
			[]slot.Booking{{ID: "b1", SlotID: "1", ConsumerID: "stu-1", Status: slot.StatusConfirmed}},
		)

		_, results := reserveAsync(t, e, ch, "1")
		res := awaitResult(t, results)
		require.NoError(t, res.err)
		assert.Equal(t, "b1", res.booking.ID)
		assert.Empty(t, e.AvailableSlots(""))
	})

	t.Run("unreachable server still clears the pending state", func(t *testing.T) {
		e, ch, fetch := testEngine(consumerIdentity())
		e.cfg.ReserveTimeout = 50 * time.Millisecond
		e.handleEvent(slotEvent(sampleSlot("1")))
		fetch.err = transport.ErrUnavailable

		_, results := reserveAsync(t, e, ch, "1")
		res := awaitResult(t, results)
		assert.ErrorIs(t, res.err, ErrConfirmationTimeout)

		e.mu.Lock()
		assert.Nil(t, e.pending)
		e.mu.Unlock()
	})
}

func TestReserveCallerCancellation(t *testing.T) {
	e, ch, _ := testEngine(consumerIdentity())
	e.handleEvent(slotEvent(sampleSlot("1")))

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan reserveResult, 1)
	go func() {
		b, err := e.Reserve(ctx, "1")
		results <- reserveResult{booking: b, err: err}
	}()
	<-ch.sent

	cancel()
	res := awaitResult(t, results)
	assert.ErrorIs(t, res.err, context.Canceled)

	e.mu.Lock()
	assert.Nil(t, e.pending)
	e.mu.Unlock()
}

func TestPublishSlot(t *testing.T) {
	ownerID := Identity{ParticipantID: "t1", OwnerID: "t1"}

	t.Run("validates inputs", func(t *testing.T) {
		e, _, _ := testEngine(ownerID)

		_, err := e.PublishSlot("June 1st", "10:00", "10:30")
		assert.Error(t, err)

		_, err = e.PublishSlot("2024-06-01", "10:30", "10:00")
		assert.ErrorIs(t, err, slot.ErrInvalidTimeRange)

		_, err = e.PublishSlot("2024-06-01", "10:00", "10:00")
		assert.ErrorIs(t, err, slot.ErrInvalidTimeRange)

		consumer, _, _ := testEngine(consumerIdentity())
		consumer.cfg.Identity.OwnerID = ""
		_, err = consumer.PublishSlot("2024-06-01", "10:00", "10:30")
		assert.ErrorIs(t, err, ErrNoOwnerIdentity)
	})

	t.Run("optimistic provisional entry plus add_slot command", func(t *testing.T) {
		e, ch, _ := testEngine(ownerID)

		s, err := e.PublishSlot("2024-06-01", "10:00", "10:30")
		require.NoError(t, err)
		assert.True(t, s.Provisional())

		available := e.AvailableSlots("")
		require.Len(t, available, 1)
		assert.Equal(t, s.ID, available[0].ID)

		cmd := (<-ch.sent).(transport.PublishCommand)
		assert.Equal(t, "add_slot", cmd.Action)
		assert.Equal(t, s.ID, cmd.ID)
		assert.Equal(t, "t1", cmd.OwnerID)
	})

	t.Run("send failure removes the provisional entry", func(t *testing.T) {
		e, ch, _ := testEngine(ownerID)
		ch.failSends(transport.ErrUnavailable)

		_, err := e.PublishSlot("2024-06-01", "10:00", "10:30")
		assert.ErrorIs(t, err, transport.ErrUnavailable)
		assert.Empty(t, e.AvailableSlots(""))
	})

	t.Run("server copy replaces the provisional twin", func(t *testing.T) {
		e, ch, _ := testEngine(ownerID)

		s, err := e.PublishSlot("2024-06-01", "10:00", "10:30")
		require.NoError(t, err)
		<-ch.sent

		server := sampleSlot("42")
		e.handleEvent(slotEvent(server))

		available := e.AvailableSlots("")
		require.Len(t, available, 1)
		assert.Equal(t, "42", available[0].ID)

		e.mu.Lock()
		_, tracked := e.provisional[s.ID]
		e.mu.Unlock()
		assert.False(t, tracked, "provisional bookkeeping should be dropped")
	})

	t.Run("rejected publication is rolled back", func(t *testing.T) {
		e, ch, _ := testEngine(ownerID)

		s, err := e.PublishSlot("2024-06-01", "10:00", "10:30")
		require.NoError(t, err)
		<-ch.sent

		e.handleEvent(transport.Event{Kind: transport.EventCommandRejected, SlotID: s.ID, Reason: "overlaps existing slot"})

		assert.Empty(t, e.AvailableSlots(""))
	})
}
