package engine

import (
	"context"
	"sync"

	"github.com/nekogravitycat/booking-sync/internal/slot"
)

// fakeChannel captures outbound commands and lets tests fail sends.
type fakeChannel struct {
	mu      sync.Mutex
	sent    chan any
	sendErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{sent: make(chan any, 16)}
}

func (c *fakeChannel) Open(ctx context.Context) {}
func (c *fakeChannel) Close() error             { return nil }

func (c *fakeChannel) Send(v any) error {
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.sent <- v
	return nil
}

func (c *fakeChannel) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// fakeFetcher serves a canned server snapshot and counts calls.
type fakeFetcher struct {
	mu        sync.Mutex
	slots     []slot.Slot
	bookings  []slot.Booking
	err       error
	slotCalls int
	bookCalls int
}

func (f *fakeFetcher) FetchSlots(ctx context.Context, ownerID, date string) ([]slot.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slotCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]slot.Slot, len(f.slots))
	copy(out, f.slots)
	return out, nil
}

func (f *fakeFetcher) FetchBookings(ctx context.Context, consumerID string) ([]slot.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]slot.Booking, len(f.bookings))
	copy(out, f.bookings)
	return out, nil
}

func (f *fakeFetcher) setSnapshot(slots []slot.Slot, bookings []slot.Booking) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots = slots
	f.bookings = bookings
}

func (f *fakeFetcher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slotCalls, f.bookCalls
}
