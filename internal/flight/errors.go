package flight

// ConcurrencyError rejects a command that conflicts with what currently
// owns the offboard channel. The state is left untouched and no vehicle call
// is made.
type ConcurrencyError struct {
	Reason string
}

func (e *ConcurrencyError) Error() string { return e.Reason }

// Rejection reasons.
const (
	ReasonPatternRunning = "pattern already running"
	ReasonNotArmed       = "vehicle not armed"
	ReasonNoOffboard     = "offboard mode not active"
)
