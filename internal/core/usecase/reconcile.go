package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirillkom/scanmaster/internal/core/domain"
	"github.com/kirillkom/scanmaster/internal/core/ports"
)

// ReconcilePaymentUseCase applies verified payment confirmations to user
// subscriptions. The ledger write is keyed by order ID, so a confirmation
// delivered twice upgrades the tier exactly once.
type ReconcilePaymentUseCase struct {
	verifier ports.PaymentVerifier
	ledger   ports.SubscriptionLedger
	logger   *slog.Logger
}

func NewReconcilePaymentUseCase(
	verifier ports.PaymentVerifier,
	ledger ports.SubscriptionLedger,
	logger *slog.Logger,
) *ReconcilePaymentUseCase {
	return &ReconcilePaymentUseCase{
		verifier: verifier,
		ledger:   ledger,
		logger:   logger,
	}
}

func (uc *ReconcilePaymentUseCase) Reconcile(ctx context.Context, confirmation domain.PaymentConfirmation) (domain.ReconcileOutcome, error) {
	if confirmation.UserID == "" {
		return domain.ReconcileRejected, domain.WrapError(domain.ErrInvalidInput, "reconcile payment",
			errors.New("missing user id"))
	}

	if err := uc.verifier.Verify(confirmation); err != nil {
		uc.logger.Warn("payment_verification_failed",
			"order_id", confirmation.OrderID,
			"user_id", confirmation.UserID,
			"error", err,
		)
		return domain.ReconcileRejected, err
	}

	err := uc.ledger.ApplyTier(ctx, confirmation.UserID, domain.TierPremium, confirmation.OrderID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDuplicateEvent) {
			uc.logger.Info("payment_already_applied", "order_id", confirmation.OrderID)
			return domain.ReconcileAlreadyApplied, nil
		}
		return domain.ReconcileRejected, fmt.Errorf("apply subscription tier: %w", err)
	}

	uc.logger.Info("payment_applied",
		"order_id", confirmation.OrderID,
		"user_id", confirmation.UserID,
		"tier", string(domain.TierPremium),
	)
	return domain.ReconcileApplied, nil
}
