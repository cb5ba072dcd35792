package events

import "encoding/json"

// Event name constants
const (
	CalibrationPhase  = "calibration.phase"
	CalibrationStep   = "calibration.step"
	CalibrationAction = "calibration.action"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// CalibrationPhaseEvent is the typed payload for calibration.phase.
type CalibrationPhaseEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// CalibrationStepEvent is the typed payload for calibration.step. It is sent
// when a step starts and again when it finishes; Status, Code and Measured are
// only meaningful on the finishing one.
type CalibrationStepEvent struct {
	Kind        string `json:"kind"`
	Index       int    `json:"index"`
	Total       int    `json:"total"`
	Block       string `json:"block"`
	Target      string `json:"target"`
	Code        uint32 `json:"code,omitempty"`
	Measured    int64  `json:"measured,omitempty"`
	Status      uint32 `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	Substituted bool   `json:"substituted,omitempty"`
	Ts          int64  `json:"ts"`
}

// CalibrationActionEvent is the typed payload for calibration.action.
type CalibrationActionEvent struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// If Data is empty, it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.CalibrationStepEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Block, payload.Status)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
