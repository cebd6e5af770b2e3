package billing

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
)

// StripeAuthorizer charges the bid amount through Stripe PaymentIntents.
// Payer/payee customer resolution (user id -> Stripe customer) is assumed to
// be handled by profile management; the engine only passes stable ids as
// metadata for reconciliation.
type StripeAuthorizer struct {
	api      *client.API
	currency string
}

func NewStripeAuthorizer(secretKey, currency string) (*StripeAuthorizer, error) {
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if currency == "" {
		currency = "usd"
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeAuthorizer{api: api, currency: currency}, nil
}

func (s *StripeAuthorizer) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}

	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(currency),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Customer:      stripe.String(req.PayerID),
		Description:   stripe.String("call admission"),
		PaymentMethod: nil, // default payment method on the customer
	}
	params.AddMetadata("billing_session_id", req.Reference)
	params.AddMetadata("payee_id", req.PayeeID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		var sErr *stripe.Error
		if errors.As(err, &sErr) && sErr.Type == stripe.ErrorTypeCard {
			return AuthorizeResult{}, &PaymentError{Code: string(sErr.Code), Message: sErr.Msg, Declined: true}
		}
		return AuthorizeResult{}, AsPaymentError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return AuthorizeResult{}, &PaymentError{Code: string(pi.Status), Message: "payment not captured", Declined: true}
	}
	return AuthorizeResult{PaymentRef: pi.ID}, nil
}

func (s *StripeAuthorizer) Refund(ctx context.Context, req RefundRequest) error {
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(req.PaymentRef),
	}
	if req.AmountMinor > 0 {
		params.Amount = stripe.Int64(req.AmountMinor)
	}
	params.AddMetadata("reason", req.Reason)

	if _, err := s.api.Refunds.New(params); err != nil {
		return AsPaymentError(err)
	}
	return nil
}
