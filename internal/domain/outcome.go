package domain

import "time"

// OutcomeKind classifies the result of one processing pass.
type OutcomeKind string

const (
	OutcomeAlreadyDelivered  OutcomeKind = "already_delivered"
	OutcomeDelivered         OutcomeKind = "delivered"
	OutcomeRetryScheduled    OutcomeKind = "retry_scheduled"
	OutcomePermanentlyFailed OutcomeKind = "permanently_failed"
)

func (k OutcomeKind) String() string { return string(k) }

// Outcome is the explicit result the delivery pipeline hands back to the
// worker. Retry timing travels as data, never as a control-flow error.
type Outcome struct {
	Kind    OutcomeKind
	RetryIn time.Duration
	Reason  string
}

func AlreadyDelivered() Outcome {
	return Outcome{Kind: OutcomeAlreadyDelivered}
}

func Delivered() Outcome {
	return Outcome{Kind: OutcomeDelivered}
}

func RetryScheduled(retryIn time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetryScheduled, RetryIn: retryIn}
}

func PermanentlyFailed(reason string) Outcome {
	return Outcome{Kind: OutcomePermanentlyFailed, Reason: reason}
}
