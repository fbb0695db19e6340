package domain

type MatchResult string

const (
	MatchResultMatched         MatchResult = "matched"
	MatchResultNoMatch         MatchResult = "no_match"
	MatchResultAlreadyConsumed MatchResult = "already_consumed"
)

// MatchOutcome is the result of one attempt to pair a reported deposit with a
// confirmed payment. DepositID and PaymentID are set for Matched and for
// AlreadyConsumed (the pair that lost the race).
type MatchOutcome struct {
	Result    MatchResult
	DepositID string
	PaymentID string
}

func Matched(depositID, paymentID string) MatchOutcome {
	return MatchOutcome{Result: MatchResultMatched, DepositID: depositID, PaymentID: paymentID}
}

func NoMatch() MatchOutcome {
	return MatchOutcome{Result: MatchResultNoMatch}
}

func AlreadyConsumed(depositID, paymentID string) MatchOutcome {
	return MatchOutcome{Result: MatchResultAlreadyConsumed, DepositID: depositID, PaymentID: paymentID}
}

func (o MatchOutcome) IsMatched() bool {
	return o.Result == MatchResultMatched
}
