package slot

import (
	"sort"
	"sync"
)

// Store holds the current best-known projection of slots and bookings for
// one participant session. All mutations are atomic with respect to
// concurrent reads; readers always get copies, never aliases.
//
// Upsert and Remove are idempotent and commute with each other for
// distinct entities, so live events and snapshot fetches can be applied
// in any order.
type Store struct {
	mu       sync.RWMutex
	slots    map[string]Slot
	bookings map[string]Booking
}

func NewStore() *Store {
	return &Store{
		slots:    make(map[string]Slot),
		bookings: make(map[string]Booking),
	}
}

// Upsert inserts the slot or merges it over an existing entry under
// last-writer-by-confirmation rules: a booked slot is never reverted to
// unbooked by a stale re-insert (the unbooked -> booked transition is
// monotonic).
//
// When a server-confirmed slot arrives, any provisional twin announcing the
// same window is dropped; its id is returned so the caller can forget it.
func (st *Store) Upsert(s Slot) (replacedProvisional string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, ok := st.slots[s.ID]; ok {
		if existing.IsBooked {
			s.IsBooked = true
		}
		st.slots[s.ID] = s
		return ""
	}

	if !s.Provisional() {
		for id, other := range st.slots {
			if other.Provisional() && other.SameWindow(s) {
				delete(st.slots, id)
				replacedProvisional = id
				break
			}
		}
	}

	st.slots[s.ID] = s
	return replacedProvisional
}

// Remove deletes the slot. Removing an absent id is a no-op.
func (st *Store) Remove(slotID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.slots, slotID)
}

// Get returns a copy of the slot, if present.
func (st *Store) Get(slotID string) (Slot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.slots[slotID]
	return s, ok
}

// MarkBooked flips the slot to booked if it is present. The transition is
// one-way; there is no MarkUnbooked.
func (st *Store) MarkBooked(slotID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.slots[slotID]; ok {
		s.IsBooked = true
		st.slots[slotID] = s
	}
}

// ListAvailable returns unbooked slots, optionally filtered by date
// (empty date means all), sorted by (date, startTime, id). The order is
// total and stable so views and tests are deterministic.
func (st *Store) ListAvailable(date string) []Slot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]Slot, 0)
	for _, s := range st.slots {
		if s.IsBooked {
			continue
		}
		if date != "" && s.Date != date {
			continue
		}
		out = append(out, s)
	}
	sortSlots(out)
	return out
}

// ListForOwner returns every slot of the owner regardless of booking
// state, in the same total order as ListAvailable.
func (st *Store) ListForOwner(ownerID string) []Slot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]Slot, 0)
	for _, s := range st.slots {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	sortSlots(out)
	return out
}

// CountForOwner returns the number of slots held locally for the owner.
func (st *Store) CountForOwner(ownerID string) int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	n := 0
	for _, s := range st.slots {
		if s.OwnerID == ownerID {
			n++
		}
	}
	return n
}

// UpsertBooking inserts or replaces the booking by id. The server allows
// at most one non-canceled booking per slot, so inserting a non-canceled
// booking drops any stale non-canceled entry for the same slot: the store
// converges to the server's truth instead of accumulating both.
func (st *Store) UpsertBooking(b Booking) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if b.Status != StatusCanceled {
		for id, other := range st.bookings {
			if id != b.ID && other.SlotID == b.SlotID && other.Status != StatusCanceled {
				delete(st.bookings, id)
			}
		}
	}
	st.bookings[b.ID] = b
}

// RemoveBooking deletes the booking. Removing an absent id is a no-op.
func (st *Store) RemoveBooking(bookingID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.bookings, bookingID)
}

// BookingForSlot returns the non-canceled booking referencing the slot,
// if one exists.
func (st *Store) BookingForSlot(slotID string) (Booking, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	for _, b := range st.bookings {
		if b.SlotID == slotID && b.Status != StatusCanceled {
			return b, true
		}
	}
	return Booking{}, false
}

// ListBookings returns the consumer's bookings, any status, sorted by id.
func (st *Store) ListBookings(consumerID string) []Booking {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]Booking, 0)
	for _, b := range st.bookings {
		if b.ConsumerID == consumerID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.ID < b.ID
	})
}
