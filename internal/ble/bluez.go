//go:build linux

package ble

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus            = "org.bluez"
	bluezAdapterPath    = "/org/bluez/hci0" // tinygo's DefaultAdapter
	bluezAdapterIf      = "org.bluez.Adapter1"
	bluezServiceIf      = "org.bluez.GattService1"
	bluezCharIf         = "org.bluez.GattCharacteristic1"
	dbusPropsIf         = "org.freedesktop.DBus.Properties"
	dbusPropsSignal     = dbusPropsIf + ".PropertiesChanged"
	dbusObjectManagerIf = "org.freedesktop.DBus.ObjectManager"
)

// powerWatcher follows the BlueZ adapter's Powered property. tinygo's
// bluetooth package only reports whether Enable succeeded, so radio
// toggles after startup come from the system bus.
type powerWatcher struct {
	conn *dbus.Conn
	path dbus.ObjectPath
	sigs chan *dbus.Signal
	done chan struct{}
}

// watchPower follows the default adapter. See watchPowerAt.
func watchPower(onChange func(powered bool)) (*powerWatcher, bool, error) {
	return watchPowerAt(bluezAdapterPath, onChange)
}

// watchPowerAt opens a private system bus connection and returns the
// current Powered value of the adapter at path. onChange runs on the
// watcher goroutine for every later change. The shared bus belongs to
// tinygo and is never closed here.
func watchPowerAt(path string, onChange func(powered bool)) (*powerWatcher, bool, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, false, fmt.Errorf("ble: connect to system bus: %w", err)
	}
	w := &powerWatcher{
		conn: conn,
		path: dbus.ObjectPath(path),
		sigs: make(chan *dbus.Signal, 16),
		done: make(chan struct{}),
	}

	var v dbus.Variant
	if err := conn.Object(bluezBus, w.path).Call(dbusPropsIf+".Get", 0, bluezAdapterIf, "Powered").Store(&v); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("ble: read %s Powered: %w", path, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		conn.Close()
		return nil, false, fmt.Errorf("ble: %s Powered is %T, not bool", path, v.Value())
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(w.path),
		dbus.WithMatchInterface(dbusPropsIf),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("ble: match PropertiesChanged: %w", err)
	}
	conn.Signal(w.sigs)

	go w.loop(onChange)
	return w, powered, nil
}

func (w *powerWatcher) loop(onChange func(bool)) {
	for {
		select {
		case sig, ok := <-w.sigs:
			if !ok {
				return
			}
			if powered, ok := poweredFromSignal(sig, w.path); ok {
				slog.Debug("[BLE] adapter Powered changed", "path", w.path, "powered", powered)
				onChange(powered)
			}
		case <-w.done:
			return
		}
	}
}

func (w *powerWatcher) close() {
	close(w.done)
	w.conn.RemoveSignal(w.sigs)
	w.conn.Close()
}

// poweredFromSignal extracts Adapter1.Powered from a PropertiesChanged
// signal emitted for path.
func poweredFromSignal(sig *dbus.Signal, path dbus.ObjectPath) (bool, bool) {
	if sig == nil || sig.Name != dbusPropsSignal || sig.Path != path || len(sig.Body) < 2 {
		return false, false
	}
	iface, _ := sig.Body[0].(string)
	if iface != bluezAdapterIf {
		return false, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}
	powered, ok := v.Value().(bool)
	return powered, ok
}
