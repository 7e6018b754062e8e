package types

import (
	"encoding/json"
	"time"
)

// ControlNamespace is the reserved ModuleId for runner-level control
// commands (Join, RaiseHand, GrantRole, ...) that are not owned by any
// signaling module.
const ControlNamespace ModuleId = "control"

// Envelope is the wire format for every WebSocket frame in both
// directions: {"namespace", "timestamp", "payload"}. Module payloads are
// decoded a second time from Payload once the namespace has routed the
// frame to the right module.
type Envelope struct {
	Namespace ModuleId        `json:"namespace"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope ready to send.
func NewEnvelope(ns ModuleId, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Namespace: ns, Timestamp: time.Now().UTC(), Payload: raw}, nil
}
