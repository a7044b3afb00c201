// Package wire defines the messages that cross context boundaries: the page
// bus envelope, the bridge payload and the channel frame.
package wire

import "encoding/json"

const (
	// DefaultChannel is the page bus channel identifier shared by the relay
	// and the in-page bridge.
	DefaultChannel = "walletbridge-ext"
	// DefaultPortName names the logical channel between relay and host.
	DefaultPortName = "walletbridge-cs-to-host"
)

// Direction tells which hop an envelope is travelling.
type Direction string

const (
	HostToInpage Direction = "host_to_inpage"
	InpageToHost Direction = "inpage_to_host"
)

// Envelope wraps a payload travelling over the page bus.
type Envelope struct {
	Channel   string          `json:"channel"`
	Direction Direction       `json:"direction"`
	Payload   json.RawMessage `json:"payload"`
}

// Accepts reports whether e belongs to channel and travels in dir.
func (e Envelope) Accepts(channel string, dir Direction) bool {
	return e.Channel == channel && e.Direction == dir
}

// PortFrame is one channel message on a transport link.
type PortFrame struct {
	Port    string          `json:"port"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello is the first frame a relay sends after opening a link.
type Hello struct {
	Port       string `json:"port"`
	ID         string `json:"id,omitempty"`
	ClientName string `json:"client_name,omitempty"`
}

// Ack answers a Hello with the session id assigned by the host.
type Ack struct {
	ID string `json:"id"`
}

// IsLegacy reports whether payload does not look like a current bridge
// message. Current messages are JSON objects carrying an id or a method key;
// older peers broadcast config objects without either.
func IsLegacy(payload json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return true
	}
	_, hasID := fields["id"]
	_, hasMethod := fields["method"]
	return !hasID && !hasMethod
}
