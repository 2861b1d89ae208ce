package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// SystemAdapter wraps tinygo-org/bluetooth. On macOS identities are
// CoreBluetooth UUIDs; on Linux they are MAC addresses, and radio power
// changes and acknowledged writes go through BlueZ.
type SystemAdapter struct {
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	state       AdapterState
	stateCb     func(AdapterState)
	known       map[Identity]bool
	connections map[Identity]*systemConnection
	power       *powerWatcher
}

// NewSystemAdapter returns an adapter for the default local radio.
func NewSystemAdapter() *SystemAdapter {
	return &SystemAdapter{
		adapter:     bluetooth.DefaultAdapter,
		known:       make(map[Identity]bool),
		connections: make(map[Identity]*systemConnection),
	}
}

// Enable powers up the stack. A radio that cannot be enabled leaves the
// adapter in a non-ready state rather than failing startup, so callers
// can still report why scanning is unavailable.
func (a *SystemAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		slog.Warn("[BLE] adapter enable failed", "error", err)
		a.setState(AdapterUnsupported)
		return nil
	}

	// tinygo fires this with connected=false when a peripheral drops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := Identity(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.dropped()
		}
	})

	w, powered, err := watchPower(func(powered bool) {
		if powered {
			a.setState(AdapterPoweredOn)
		} else {
			a.setState(AdapterPoweredOff)
		}
	})
	if err != nil {
		slog.Warn("[BLE] radio power changes not followed, assuming it stays on", "error", err)
		a.setState(AdapterPoweredOn)
		return nil
	}
	a.mu.Lock()
	a.power = w
	a.mu.Unlock()
	if powered {
		a.setState(AdapterPoweredOn)
	} else {
		a.setState(AdapterPoweredOff)
	}
	return nil
}

// Close stops following radio power changes.
func (a *SystemAdapter) Close() {
	a.mu.Lock()
	w := a.power
	a.power = nil
	a.mu.Unlock()
	if w != nil {
		w.close()
	}
}

func (a *SystemAdapter) State() AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *SystemAdapter) OnStateChange(cb func(AdapterState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateCb = cb
}

func (a *SystemAdapter) setState(st AdapterState) {
	a.mu.Lock()
	if a.state == st {
		a.mu.Unlock()
		return
	}
	a.state = st
	cb := a.stateCb
	a.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// Scan reports every advertisement carrying serviceUUID until ctx is done.
func (a *SystemAdapter) Scan(ctx context.Context, serviceUUID string, found func(Device)) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := a.adapter.StopScan(); err != nil {
				slog.Debug("[BLE] stop scan", "error", err)
			}
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		id := Identity(result.Address.String())
		a.mu.Lock()
		a.known[id] = true
		a.mu.Unlock()
		found(Device{ID: id, Name: result.LocalName(), RSSI: int(result.RSSI)})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// Known reports whether id was seen by a scan in this process, which is
// what the platform needs to resolve it without scanning again.
func (a *SystemAdapter) Known(id Identity) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.known[id]
}

func (a *SystemAdapter) Connect(ctx context.Context, id Identity) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(string(id))

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The platform connect cannot be cancelled; drop it if it lands late.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, r.err)
		}
		conn := &systemConnection{device: r.device}
		a.mu.Lock()
		a.connections[id] = conn
		a.known[id] = true
		a.mu.Unlock()
		return conn, nil
	}
}

var _ Adapter = (*SystemAdapter)(nil)

type systemConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *systemConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	chrUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chrUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return c.bindCharacteristic(serviceUUID, charUUID, chars[0])
}

func (c *systemConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *systemConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *systemConnection) dropped() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *systemCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}
