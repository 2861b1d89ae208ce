// Package ble manages the Bluetooth Low Energy link to the tumbler. It owns
// the connection state machine, the reconnection policy and the fan-out of
// decoded telemetry to subscribers.
package ble

import "context"

// Default tumbler GATT UUIDs. The firmware exposes one service with a
// write characteristic for commands and a notify characteristic for telemetry.
const (
	ServiceUUID    = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	WriteCharUUID  = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	NotifyCharUUID = "1c95d5e3-d8f7-413a-bf3d-7a2e5d7be87e"
)

// Identity is the platform-assigned identifier of a previously seen
// peripheral: a CoreBluetooth UUID on macOS, a MAC address on Linux.
type Identity string

// AdapterState is the power/authorization state of the local radio.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterPoweredOn
	AdapterPoweredOff
	AdapterUnauthorized
	AdapterUnsupported
	AdapterResetting
)

func (s AdapterState) String() string {
	switch s {
	case AdapterPoweredOn:
		return "powered on"
	case AdapterPoweredOff:
		return "powered off"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterUnsupported:
		return "unsupported"
	case AdapterResetting:
		return "resetting"
	default:
		return "unknown"
	}
}

// failureReason is the user-facing status shown when the radio goes away.
func (s AdapterState) failureReason() string {
	switch s {
	case AdapterPoweredOff:
		return "Bluetooth is turned off"
	case AdapterUnauthorized:
		return "Bluetooth permission denied"
	case AdapterUnsupported:
		return "Bluetooth LE is not supported on this device"
	case AdapterResetting:
		return "Bluetooth is resetting"
	default:
		return "Bluetooth state unknown"
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data and waits for the peripheral's acknowledgment.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device is a peripheral seen during a scan.
type Device struct {
	ID   Identity `json:"id"`
	Name string   `json:"name"`
	RSSI int      `json:"rssi"`
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect requests teardown. The OnDisconnect callback reports the result.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter so the Manager can be driven
// by a fake radio in tests.
type Adapter interface {
	// Enable powers on the BLE stack.
	Enable() error
	// State reports the current radio state.
	State() AdapterState
	// OnStateChange registers a callback for radio state changes.
	OnStateChange(callback func(AdapterState))
	// Scan reports peripherals advertising serviceUUID to found until ctx is
	// cancelled. It blocks.
	Scan(ctx context.Context, serviceUUID string, found func(Device)) error
	// Known reports whether the platform can connect to id without scanning.
	Known(id Identity) bool
	// Connect establishes a connection to the peripheral. It blocks.
	Connect(ctx context.Context, id Identity) (Connection, error)
}
