package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/buildtall-systems/rentdesk/internal/booking"
)

func bookingPath(id string, parts ...string) string {
	p := "/bookings/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// GetBooking fetches the current view of a booking.
func (c *Client) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	var b booking.Booking
	if err := c.read(ctx, "get booking", bookingPath(id), &b); err != nil {
		if errors.Is(err, errEmptyBody) {
			return nil, fmt.Errorf("%w: get booking: empty body", ErrInvalidResponse)
		}
		return nil, err
	}
	if b.ID == "" {
		b.ID = id
	}
	return &b, nil
}

type statusRequest struct {
	Status                  booking.Status `json:"status"`
	DamageCaptureAmount     booking.Amount `json:"damageCaptureAmount,omitempty"`
	PaymentRef              string         `json:"paymentRef,omitempty"`
	DepositAuthorizedAmount booking.Amount `json:"depositAuthorizedAmount,omitempty"`
}

// UpdateBookingStatus sets the booking status. The backend treats this as a set, so
// repeating the same update is harmless.
func (c *Client) UpdateBookingStatus(ctx context.Context, id string, status booking.Status, update booking.StatusUpdate) (*booking.Booking, error) {
	req := statusRequest{
		Status:                  status,
		DamageCaptureAmount:     update.DamageCaptureAmount,
		PaymentRef:              update.PaymentRef,
		DepositAuthorizedAmount: update.DepositAuthorizedAmount,
	}
	var b booking.Booking
	err := c.write(ctx, "update booking status", http.MethodPut, bookingPath(id, "status"), nil, req, &b)
	if errors.Is(err, errEmptyBody) {
		return &booking.Booking{ID: id, Status: status}, nil
	}
	if err != nil {
		return nil, err
	}
	if b.ID == "" {
		b.ID = id
	}
	return &b, nil
}
