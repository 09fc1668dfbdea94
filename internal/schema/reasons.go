package schema

// Reason is a machine-readable failure or rejection cause surfaced on
// events and read models.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNotionalLimit       Reason = "NOTIONAL_LIMIT"
	ReasonSlippageLimit       Reason = "SLIPPAGE_LIMIT"
	ReasonWindowOutOfRange    Reason = "WINDOW_OUT_OF_RANGE"
	ReasonUnsupportedVenue    Reason = "UNSUPPORTED_VENUE"
	ReasonKillSwitch          Reason = "KILL_SWITCH"
	ReasonNoRoute             Reason = "NO_ROUTE"
	ReasonRouteTimeout        Reason = "ROUTE_TIMEOUT"
	ReasonRouteInternal       Reason = "ROUTE_INTERNAL"
	ReasonReverted            Reason = "REVERTED"
	ReasonDeadlineExceeded    Reason = "DEADLINE_EXCEEDED"
	ReasonMaxAttemptsExceeded Reason = "MAX_ATTEMPTS_EXCEEDED"
	ReasonAcceptPublishFailed Reason = "ACCEPT_PUBLISH_FAILED"
)
