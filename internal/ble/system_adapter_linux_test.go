package ble

import (
	"bytes"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

// recordingObject captures method calls made on a BlueZ object.
type recordingObject struct {
	dbus.BusObject
	path   dbus.ObjectPath
	method string
	args   []interface{}
	err    error
}

func (o *recordingObject) Call(method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	o.method = method
	o.args = args
	return &dbus.Call{Err: o.err}
}

func (o *recordingObject) Path() dbus.ObjectPath { return o.path }

func TestSystemCharacteristicWriteRequestsAck(t *testing.T) {
	obj := &recordingObject{path: "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service0010/char0011"}
	c := &systemCharacteristic{obj: obj}

	payload := []byte(`{"command":"get_readings"}`)
	if err := c.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if obj.method != "org.bluez.GattCharacteristic1.WriteValue" {
		t.Fatalf("method = %q, want WriteValue", obj.method)
	}
	if len(obj.args) != 2 {
		t.Fatalf("args = %d, want 2", len(obj.args))
	}
	if got, _ := obj.args[0].([]byte); !bytes.Equal(got, payload) {
		t.Errorf("value = %q, want %q", got, payload)
	}
	opts, _ := obj.args[1].(map[string]dbus.Variant)
	if typ, _ := opts["type"].Value().(string); typ != "request" {
		t.Errorf("write type = %q, want request", typ)
	}
}

func TestSystemCharacteristicWriteError(t *testing.T) {
	obj := &recordingObject{path: "/x", err: errors.New("org.bluez.Error.Failed")}
	c := &systemCharacteristic{obj: obj}
	if err := c.Write([]byte("{}")); err == nil {
		t.Fatal("Write() error = nil, want the BlueZ failure")
	}
}

func TestDevicePath(t *testing.T) {
	got := devicePath(bluezAdapterPath, "aa:bb:cc:dd:ee:ff")
	if want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"); got != want {
		t.Errorf("devicePath() = %q, want %q", got, want)
	}
}

func TestCharacteristicPath(t *testing.T) {
	dev := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	other := dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66")
	service := func(uuid string) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{
			bluezServiceIf: {"UUID": dbus.MakeVariant(uuid)},
		}
	}
	char := func(uuid string, svc dbus.ObjectPath) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{
			bluezCharIf: {"UUID": dbus.MakeVariant(uuid), "Service": dbus.MakeVariant(svc)},
		}
	}

	objects := bluezObjects{
		"/org/bluez/hci0":               {bluezAdapterIf: {}},
		dev:                             {"org.bluez.Device1": {}},
		dev + "/service0010":            service(ServiceUUID),
		dev + "/service0010/char0011":   char(WriteCharUUID, dev+"/service0010"),
		dev + "/service0010/char0013":   char(NotifyCharUUID, dev+"/service0010"),
		dev + "/service0020":            service("0000180f-0000-1000-8000-00805f9b34fb"),
		dev + "/service0020/char0021":   char("00002a19-0000-1000-8000-00805f9b34fb", dev+"/service0020"),
		dev + "/service0030":            service("0000180a-0000-1000-8000-00805f9b34fb"),
		dev + "/service0030/char0031":   char(WriteCharUUID, dev+"/service0030"),
		other + "/service0010":          service(ServiceUUID),
		other + "/service0010/char0011": char(WriteCharUUID, other+"/service0010"),
	}

	tests := []struct {
		name   string
		dev    dbus.ObjectPath
		svc    string
		char   string
		want   dbus.ObjectPath
		wantOK bool
	}{
		{"write characteristic", dev, ServiceUUID, WriteCharUUID, dev + "/service0010/char0011", true},
		{"notify characteristic", dev, ServiceUUID, NotifyCharUUID, dev + "/service0010/char0013", true},
		{"uuid case ignored", dev, "4FAFC201-1FB5-459E-8FCC-C5C9C331914B", "BEB5483E-36E1-4688-B7F5-EA07361B26A8", dev + "/service0010/char0011", true},
		{"other device", other, ServiceUUID, NotifyCharUUID, "", false},
		{"wrong service", dev, "0000180f-0000-1000-8000-00805f9b34fb", WriteCharUUID, "", false},
		{"unknown device", "/org/bluez/hci0/dev_00_00_00_00_00_00", ServiceUUID, WriteCharUUID, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := characteristicPath(objects, tt.dev, tt.svc, tt.char)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("characteristicPath() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
