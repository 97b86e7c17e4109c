package domain

type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateConnected   State = "connected"
	StateUnavailable State = "unavailable"
	StateClosing     State = "closing"
	StateError       State = "error"
)

// Active reports whether a session in this state owns live resources or is
// about to acquire them.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateUnavailable
}

type GroundingSource struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Status is a point-in-time snapshot of a session, suitable for display.
type Status struct {
	SessionID  string            `json:"session_id,omitempty"`
	State      State             `json:"state"`
	Retries    int               `json:"retries"`
	Countdown  int               `json:"countdown,omitempty"`
	Message    string            `json:"message,omitempty"`
	Err        error             `json:"-"`
	Speaking   bool              `json:"speaking"`
	ActiveTool string            `json:"active_tool,omitempty"`
	InputLevel float64           `json:"input_level"`
	Grounding  []GroundingSource `json:"grounding,omitempty"`
}
