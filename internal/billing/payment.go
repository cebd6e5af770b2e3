package billing

import (
	"context"
	"errors"
	"fmt"
)

// Authorizer is the external payment collaborator boundary.
//
// Rules:
// - No payment SDK calls outside authorizer implementations.
// - Callers bound the call with a context timeout; expiry is a PaymentError.
// - Authorize must either fully succeed (returning a capture reference) or
//   fail without charging; partial states are the authorizer's problem.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error)
	Refund(ctx context.Context, req RefundRequest) error
}

type AuthorizeRequest struct {
	AmountMinor int64
	Currency    string
	PayerID     string
	PayeeID     string

	// Reference correlates the charge with the billing session.
	Reference string
}

type AuthorizeResult struct {
	// PaymentRef is the collaborator's id for the captured authorization.
	PaymentRef string
}

type RefundRequest struct {
	PaymentRef  string
	AmountMinor int64
	Reason      string
}

// PaymentError is the typed failure surfaced to the resolution engine, which
// rolls back the tentative acceptance. Declined distinguishes a gateway
// decline from infrastructure failures (timeouts, transport errors).
type PaymentError struct {
	Code     string
	Message  string
	Declined bool
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment %s: %s", e.Code, e.Message)
}

// AsPaymentError normalizes any authorizer failure into a PaymentError.
// Context expiry becomes a timeout-coded payment failure per the engine's
// error taxonomy.
func AsPaymentError(err error) *PaymentError {
	if err == nil {
		return nil
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &PaymentError{Code: "timeout", Message: err.Error()}
	}
	return &PaymentError{Code: "provider_error", Message: err.Error()}
}
