package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

// bluezObjects is the reply shape of ObjectManager.GetManagedObjects.
type bluezObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// systemCharacteristic pairs tinygo's handle, used for notifications, with
// the BlueZ object it wraps. tinygo only offers write-without-response on
// Linux, so acknowledged writes call WriteValue directly.
type systemCharacteristic struct {
	char bluetooth.DeviceCharacteristic
	obj  dbus.BusObject
}

func (c *systemConnection) bindCharacteristic(serviceUUID, charUUID string, char bluetooth.DeviceCharacteristic) (Characteristic, error) {
	// Same shared connection tinygo uses.
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}
	var objects bluezObjects
	if err := bus.Object(bluezBus, "/").Call(dbusObjectManagerIf+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("ble: list BlueZ objects: %w", err)
	}

	dev := devicePath(bluezAdapterPath, c.device.Address.MAC.String())
	path, ok := characteristicPath(objects, dev, serviceUUID, charUUID)
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not exported under %s", charUUID, dev)
	}
	return &systemCharacteristic{char: char, obj: bus.Object(bluezBus, path)}, nil
}

// Write sends a write request and returns once the tumbler has
// acknowledged it.
func (c *systemCharacteristic) Write(data []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := c.obj.Call(bluezCharIf+".WriteValue", 0, data, opts).Err; err != nil {
		return fmt.Errorf("ble: write %s: %w", c.obj.Path(), err)
	}
	return nil
}

// devicePath is the BlueZ object path of the peripheral with address mac.
func devicePath(adapterPath, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(adapterPath + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

// characteristicPath finds charUUID inside the serviceUUID service of the
// device at dev.
func characteristicPath(objects bluezObjects, dev dbus.ObjectPath, serviceUUID, charUUID string) (dbus.ObjectPath, bool) {
	prefix := string(dev) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezCharIf]
		if !ok || !strings.HasPrefix(string(path), prefix) || !hasUUID(props, charUUID) {
			continue
		}
		svc, _ := props["Service"].Value().(dbus.ObjectPath)
		if hasUUID(objects[svc][bluezServiceIf], serviceUUID) {
			return path, true
		}
	}
	return "", false
}

func hasUUID(props map[string]dbus.Variant, want string) bool {
	got, _ := props["UUID"].Value().(string)
	return got != "" && strings.EqualFold(got, want)
}
