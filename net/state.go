// Package net provides the hybrid transport layer: one reliable TCP stream
// per connection plus one shared UDP socket per provider, the network id
// handshake, and the NAT punch-through that upgrades a connection to true
// unreliable delivery.
package net

// State is the lifecycle of a logical connection.
type State uint32

const (
	// StateConnecting is the window between socket accept/dial and the
	// network id exchange.
	StateConnecting State = iota

	// StateHandshaking means the network id is being exchanged.
	StateHandshaking

	// StateEstablished carries full command and audio traffic, but
	// unreliable-marked sends still fall back to the reliable channel.
	StateEstablished

	// StateBled means the NAT punch-through round trip completed and the
	// unreliable path is usable.
	StateBled

	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateBled:
		return "bled"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}
