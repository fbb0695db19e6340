package reconcile

import (
	"strings"
	"time"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
)

// Mismatch reasons, logged at debug level when a candidate pair is rejected.
const (
	reasonIneligible = "ineligible"
	reasonAmount     = "amount"
	reasonReceiver   = "receiver"
	reasonPayer      = "payer_identity"
	reasonTime       = "time_window"
	reasonConsumed   = "consumed"
)

// matches reports whether payment can validate deposit. depositAccount is the
// account that owns the deposit's recipient cbu, nil if none does. On a
// mismatch the second value names the first failing rule.
func matches(deposit, payment *domain.Transaction, depositAccount *domain.Account, window time.Duration) (bool, string) {
	if deposit.Origin != domain.OriginReported || payment.Origin != domain.OriginProvider {
		return false, reasonIneligible
	}
	if deposit.Status != domain.TransactionStatusPending || !payment.IsApproved() {
		return false, reasonIneligible
	}
	if deposit.IsConsumed() || payment.IsConsumed() {
		return false, reasonConsumed
	}
	if !deposit.Amount.Equal(payment.Amount) {
		return false, reasonAmount
	}
	if !sameReceiver(deposit, payment, depositAccount) {
		return false, reasonReceiver
	}
	if !samePayer(deposit.PayerIdentity, payment.PayerIdentity) {
		return false, reasonPayer
	}
	if !withinWindow(deposit.CreatedAt, payment.CreatedAt, window) {
		return false, reasonTime
	}
	return true, ""
}

func sameReceiver(deposit, payment *domain.Transaction, acct *domain.Account) bool {
	if acct == nil || acct.CBU != deposit.RecipientCBU {
		return false
	}
	return acct.ProviderIdentifier != "" && acct.ProviderIdentifier == payment.ProviderReceiverID
}

// Both identities must be present; a missing one on either side disqualifies.
func samePayer(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

func withinWindow(a, b *time.Time, window time.Duration) bool {
	if a == nil || b == nil {
		return false
	}
	d := a.Sub(*b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// paymentFromDetails views an upstream payment as a provider transaction so
// the same predicate applies to remote candidates.
func paymentFromDetails(p domain.PaymentDetails) *domain.Transaction {
	status := p.Status
	return &domain.Transaction{
		Origin:             domain.OriginProvider,
		ID:                 p.ID,
		Kind:               domain.TransactionKindDeposit,
		Amount:             p.Amount,
		Status:             domain.StatusFromProvider(p.Status),
		ProviderStatus:     &status,
		PayerIdentity:      p.PayerIdentity,
		ProviderReceiverID: p.ProviderReceiverID,
		CreatedAt:          p.CreatedAt,
	}
}
