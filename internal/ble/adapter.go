// Package ble abstracts the BLE transport used to talk to a BedJet
// appliance. It exposes the narrow set of primitives the driver needs
// (connect, subscribe, read, write, disconnect, liveness) behind
// interfaces so the connection manager can be tested against a mock.
package ble

import (
	"context"
	"errors"
)

// ErrAdapterBusy indicates the radio could not take another connection
// (connection-slot exhaustion or an operation already in progress). The
// reconnect scheduler uses a slower backoff schedule for this class of
// error, since retrying quickly against a contended adapter makes the
// contention worse.
var ErrAdapterBusy = errors.New("ble: adapter busy")

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Read returns the current characteristic value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notification delivery. Best-effort: safe to call
	// on a dead link.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
	// Connected reports whether the link is still believed live. The
	// watchdog uses this to catch disconnects the callback never reported.
	Connected() bool
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device at the given address.
	Connect(ctx context.Context, addr string) (Connection, error)
}
