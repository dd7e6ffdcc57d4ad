package dto

import "github.com/google/uuid"

type RedeemCodeRequest struct {
	Code string `json:"code"`
}

// PaymentWebhook is the payment-confirmation event shape. The payment
// gateway's own protocol is out of scope; its integration layer posts this
// normalized form, at least once per confirmation.
type PaymentWebhook struct {
	UserID      uuid.UUID `json:"user_id"`
	PaymentRef  string    `json:"payment_ref"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
}
