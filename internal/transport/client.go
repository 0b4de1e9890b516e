package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nekogravitycat/booking-sync/internal/slot"
)

// fetchMaxRetries bounds the retry schedule of one snapshot fetch; the
// consistency poller provides the longer-horizon retry loop.
const fetchMaxRetries = 3

// OrderRef identifies a payment order at the provider. Opaque to the
// engine; only a booking's payment status flag is consumed.
type OrderRef struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Client is the request/response side of the transport: stateless,
// idempotent snapshot queries that are safe to race against the event
// stream.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *zap.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
		log:     log,
	}
}

// ListOwners fetches every owner who publishes availability.
func (c *Client) ListOwners(ctx context.Context) ([]slot.Owner, error) {
	var owners []slot.Owner
	if err := c.do(ctx, http.MethodGet, "/api/teacher/list-teachers/", nil, &owners); err != nil {
		return nil, err
	}
	return owners, nil
}

// FetchSlots fetches the owner's slots. An empty date means all future
// slots.
func (c *Client) FetchSlots(ctx context.Context, ownerID, date string) ([]slot.Slot, error) {
	body := struct {
		OwnerID string `json:"teacher_id"`
		Date    string `json:"date,omitempty"`
	}{OwnerID: ownerID, Date: date}

	var slots []slot.Slot
	if err := c.do(ctx, http.MethodPost, "/api/booking/get-teacher-slots/", body, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// FetchBookings fetches the consumer's bookings, any status.
func (c *Client) FetchBookings(ctx context.Context, consumerID string) ([]slot.Booking, error) {
	body := struct {
		ConsumerID string `json:"student_id"`
	}{ConsumerID: consumerID}

	var bookings []slot.Booking
	if err := c.do(ctx, http.MethodPost, "/api/booking/get-student-bookings/", body, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// CreatePaymentOrder opens a payment order for a booking.
func (c *Client) CreatePaymentOrder(ctx context.Context, bookingID string, amount int64, currency string) (OrderRef, error) {
	body := struct {
		BookingID string `json:"booking_id"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	}{BookingID: bookingID, Amount: amount, Currency: currency}

	var ref OrderRef
	if err := c.do(ctx, http.MethodPost, "/api/payment/create-order/", body, &ref); err != nil {
		return OrderRef{}, err
	}
	return ref, nil
}

// VerifyPayment submits the provider's proof for an order.
func (c *Client) VerifyPayment(ctx context.Context, ref OrderRef, proof string) error {
	body := struct {
		OrderID string `json:"order_id"`
		Proof   string `json:"proof"`
	}{OrderID: ref.OrderID, Proof: proof}

	return c.do(ctx, http.MethodPost, "/api/payment/verify/", body, nil)
}

// do issues one request with bounded exponential-backoff retries.
// Network failures and 5xx responses retry and surface as
// ErrUnavailable when exhausted; anything the server answered
// deliberately is permanent.
func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request for %s: %w", path, err)
		}
	}

	op := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, data))
		}

		if dst == nil {
			return nil
		}
		if err := json.Unmarshal(data, dst); err == nil {
			return nil
		}
		// The API reports failures as {"error": "..."} with status 200.
		var fail struct {
			Error string `json:"error"`
		}
		if jsonErr := json.Unmarshal(data, &fail); jsonErr == nil && fail.Error != "" {
			return backoff.Permanent(errors.New(fail.Error))
		}
		return backoff.Permanent(fmt.Errorf("decode %s response: %s", path, data))
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), fetchMaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.log.Warn("fetch failed", zap.String("path", path), zap.Error(err))
		return err
	}
	return nil
}
