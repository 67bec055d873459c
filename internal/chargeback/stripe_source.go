package chargeback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeSource counts disputes directly from Stripe. Customers are linked
// to users through metadata["uid"].
type StripeSource struct {
	api *client.API
	now func() time.Time
}

var _ Source = (*StripeSource)(nil)

// NewStripeSource creates a source using the given secret key. backends
// may be nil to use Stripe's default endpoints.
func NewStripeSource(secretKey string, backends *stripe.Backends) *StripeSource {
	return &StripeSource{api: client.New(secretKey, backends), now: time.Now}
}

// WithClock overrides time.Now, for tests.
func (s *StripeSource) WithClock(now func() time.Time) *StripeSource {
	s.now = now
	return s
}

// ChargebackCount90d implements Source. A user with no Stripe customer has
// zero chargebacks.
func (s *StripeSource) ChargebackCount90d(ctx context.Context, uid string) (int, error) {
	if uid == "" {
		return 0, ErrEmptyUID
	}

	customers, err := s.customerIDs(ctx, uid)
	if err != nil {
		return 0, err
	}
	if len(customers) == 0 {
		return 0, nil
	}

	params := &stripe.DisputeListParams{
		CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: s.now().Add(-Window).Unix()},
	}
	params.Context = ctx
	params.AddExpand("data.charge")

	n := 0
	iter := s.api.Disputes.List(params)
	for iter.Next() {
		d := iter.Dispute()
		if d.Charge == nil || d.Charge.Customer == nil {
			continue
		}
		if _, ok := customers[d.Charge.Customer.ID]; ok {
			n++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("chargeback: list stripe disputes: %w", err)
	}
	return n, nil
}

func (s *StripeSource) customerIDs(ctx context.Context, uid string) (map[string]struct{}, error) {
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['uid']:'%s'", escapeSearch(uid)),
			Context: ctx,
		},
	}
	ids := make(map[string]struct{})
	iter := s.api.Customers.Search(params)
	for iter.Next() {
		ids[iter.Customer().ID] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("chargeback: search stripe customers: %w", err)
	}
	return ids, nil
}

// escapeSearch quotes a value for Stripe's search query language.
func escapeSearch(v string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
}
