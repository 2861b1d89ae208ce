package protocol

import (
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestDecodeReadings(t *testing.T) {
	msg, err := Decode([]byte(`{"hydration":{"weight":1250,"max":2500},"sugar":{"weight":10,"max":25}}`))
	assert.NilError(t, err)
	assert.Equal(t, msg.Kind, KindReadings)
	assert.Equal(t, msg.Telemetry.Hydration.WeightML, 1250.0)
	assert.Equal(t, msg.Telemetry.Hydration.MaxML, 2500.0)
	assert.Equal(t, msg.Telemetry.Hydration.Percentage, 50.0)
	assert.Equal(t, msg.Telemetry.Sugar.Percentage, 40.0)
}

func TestDecodeClampsHydrationOnly(t *testing.T) {
	msg, err := Decode([]byte(`{"hydration":{"weight":2600,"max":2500},"sugar":{"weight":30,"max":25}}`))
	assert.NilError(t, err)
	assert.Equal(t, msg.Telemetry.Hydration.Percentage, 100.0)
	assert.Equal(t, msg.Telemetry.Sugar.Percentage, 120.0)
}

func TestDecodeIgnoresExtraFieldsAndDevicePercentages(t *testing.T) {
	raw := `{"hydration":{"weight":500,"max":2000,"percentage":99},"sugar":{"weight":5,"max":20},"ts":123}` + "\n"
	msg, err := Decode([]byte(raw))
	assert.NilError(t, err)
	assert.Equal(t, msg.Telemetry.Hydration.Percentage, 25.0)
	assert.Equal(t, msg.Telemetry.Sugar.Percentage, 25.0)
}

func TestDecodeZeroMax(t *testing.T) {
	msg, err := Decode([]byte(`{"hydration":{"weight":100,"max":0},"sugar":{"weight":-3,"max":25}}`))
	assert.NilError(t, err)
	assert.Equal(t, msg.Telemetry.Hydration.Percentage, 0.0)
	assert.Equal(t, msg.Telemetry.Sugar.Percentage, 0.0)
}

func TestDecodeOtherShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind Kind
	}{
		{"plain text", "not json at all", KindText},
		{"battery", `{"battery":87}`, KindBattery},
		{"ack", `{"status":"ok","command":"reset_measurements"}`, KindAck},
		{"unknown object", `{"device":"SipCup","firmware":"1.4.2"}`, KindText},
		{"hydration without sugar", `{"hydration":{"weight":1,"max":2}}`, KindText},
		{"whitespace", " \r\n", KindEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			assert.NilError(t, err)
			assert.Equal(t, msg.Kind, tt.kind)
		})
	}
}

func TestDecodeBatteryAndAckFields(t *testing.T) {
	msg, err := Decode([]byte(`{"battery":64}`))
	assert.NilError(t, err)
	assert.Equal(t, msg.Battery, 64)

	msg, err = Decode([]byte(`{"status":"ok","command":"calibrate"}`))
	assert.NilError(t, err)
	assert.Equal(t, msg.Command, "calibrate")
	assert.Equal(t, msg.Status, "ok")
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"invalid utf8", []byte{0xff, 0xfe, '{'}, ErrInvalidUTF8},
		{"truncated json", []byte(`{"hydration":{"weight":1`), ErrMalformedJSON},
		{"missing max", []byte(`{"hydration":{"weight":1},"sugar":{"weight":1,"max":2}}`), ErrMissingField},
		{"string weight", []byte(`{"hydration":{"weight":"1","max":2},"sugar":{"weight":1,"max":2}}`), ErrMissingField},
		{"null sugar max", []byte(`{"hydration":{"weight":1,"max":2},"sugar":{"weight":1,"max":null}}`), ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			assert.Assert(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestSplitLines(t *testing.T) {
	lines := SplitLines([]byte("{\"battery\":1}\n\n{\"battery\":2}\n"))
	assert.Equal(t, len(lines), 2)
	assert.Equal(t, string(lines[1]), `{"battery":2}`)

	assert.Equal(t, len(SplitLines([]byte("\n \n"))), 0)
}
