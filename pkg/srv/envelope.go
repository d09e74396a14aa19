package srv

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Lifecycle event names published by the server itself.
const (
	EventConnection = "connection"
	EventClose      = "close"

	// rejectedEvent is the event name of the envelope sent to a client the
	// admission gate turned away.
	rejectedEvent = "connected"
)

// Envelope is the wire format of every message in both directions.
//
//nolint:govet // event first keeps the JSON readable
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// inbound mirrors Envelope but keeps data undecoded for handlers.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode serializes an event and its data as an envelope.
func Encode(event string, data any) ([]byte, error) {
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", event, err)
	}
	return b, nil
}

// Decode parses raw as an envelope. ok is false when raw is not a JSON object
// with a string event field. data is a json.RawMessage, or nil when the
// envelope carries no data or a JSON null.
func Decode(raw string) (event string, data any, ok bool) {
	b := bytes.TrimSpace([]byte(raw))
	if len(b) == 0 || b[0] != '{' {
		return "", nil, false
	}

	var in inbound
	if err := json.Unmarshal(b, &in); err != nil {
		return "", nil, false
	}

	if len(in.Data) == 0 || bytes.Equal(in.Data, []byte("null")) {
		return in.Event, nil, true
	}
	return in.Event, in.Data, true
}

// rejectionEnvelope is sent once to a connection the gate refused.
func rejectionEnvelope() string {
	b, err := Encode(rejectedEvent, map[string]string{"error": "rejected"})
	if err != nil {
		// Static input; cannot fail.
		panic(err)
	}
	return string(b)
}
