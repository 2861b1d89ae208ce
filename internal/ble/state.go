package ble

import (
	"encoding/json"
	"fmt"
)

// StateKind enumerates the connection lifecycle.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateScanning
	StateConnecting
	StateConnected
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the kind by name for the UI.
func (k StateKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// State is the connection state. Target is set while connecting, Device
// while connected and Reason when failed.
type State struct {
	Kind   StateKind `json:"kind"`
	Target Identity  `json:"target,omitempty"`
	Device *Device   `json:"device,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

func disconnected() State { return State{Kind: StateDisconnected} }
func scanning() State     { return State{Kind: StateScanning} }

func connecting(id Identity) State {
	return State{Kind: StateConnecting, Target: id}
}

func connected(d Device) State {
	return State{Kind: StateConnected, Device: &d}
}

func failed(reason string) State {
	return State{Kind: StateFailed, Reason: reason}
}

func (s State) String() string {
	switch s.Kind {
	case StateConnecting:
		return fmt.Sprintf("connecting(%s)", s.Target)
	case StateConnected:
		if s.Device != nil {
			return fmt.Sprintf("connected(%s)", s.Device.ID)
		}
	case StateFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return s.Kind.String()
}
