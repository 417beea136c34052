package domain

import "github.com/shopspring/decimal"

// VerifyStatus is the outcome class of a payment verification.
type VerifyStatus int

const (
	VerifyVerified VerifyStatus = iota
	VerifyNotFound
	VerifyPending
	VerifyFailed
	VerifyAmountMismatch
	VerifyRecipientMismatch
	VerifyInactive
	VerifyTransportError
)

func (s VerifyStatus) String() string {
	switch s {
	case VerifyVerified:
		return "verified"
	case VerifyNotFound:
		return "not_found"
	case VerifyPending:
		return "pending"
	case VerifyFailed:
		return "failed"
	case VerifyAmountMismatch:
		return "amount_mismatch"
	case VerifyRecipientMismatch:
		return "recipient_mismatch"
	case VerifyInactive:
		return "inactive"
	case VerifyTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// VerifyResult carries a verification outcome as data. Only VerifyVerified
// lets a trade proceed; every other status fails closed.
type VerifyResult struct {
	Status VerifyStatus
	Reason string
	Chain  string
	Amount decimal.Decimal // observed amount, when known
}

// OK reports whether the payment was verified.
func (r VerifyResult) OK() bool { return r.Status == VerifyVerified }

// Verified builds a successful result.
func Verified(chain string, amount decimal.Decimal) VerifyResult {
	return VerifyResult{Status: VerifyVerified, Chain: chain, Amount: amount}
}

// Rejected builds a failed result with a reason.
func Rejected(status VerifyStatus, reason string) VerifyResult {
	return VerifyResult{Status: status, Reason: reason}
}
