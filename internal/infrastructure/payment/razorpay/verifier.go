package razorpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

// Verifier checks Razorpay payment confirmations. The gateway signs
// "<order_id>|<payment_id>" with the merchant key secret using HMAC-SHA256
// and sends the hex digest as the signature.
type Verifier struct {
	keySecret string
}

func New(keySecret string) *Verifier {
	return &Verifier{keySecret: keySecret}
}

func (v *Verifier) Verify(confirmation domain.PaymentConfirmation) error {
	if confirmation.OrderID == "" || confirmation.PaymentID == "" || confirmation.Signature == "" {
		return domain.WrapError(domain.ErrInvalidInput, "verify payment",
			errors.New("missing order id, payment id or signature"))
	}

	mac := hmac.New(sha256.New, []byte(v.keySecret))
	mac.Write([]byte(confirmation.OrderID + "|" + confirmation.PaymentID))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(confirmation.Signature)) {
		return domain.WrapError(domain.ErrUnauthorized, "verify payment",
			errors.New("signature mismatch"))
	}
	return nil
}
