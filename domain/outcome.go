package domain

// SyncOutcome is the explicit result variant returned by a sync step.
// Callers decide retry policy from the variant instead of unwinding
// through error control flow.
type SyncOutcome int

const (
	OutcomeOK SyncOutcome = iota
	OutcomeRateLimited
	OutcomeAuthExpired
	OutcomeTransient
)

func (o SyncOutcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeAuthExpired:
		return "auth_expired"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}
