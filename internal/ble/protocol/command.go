// Package protocol implements the JSON wire protocol spoken by the tumbler
// firmware. Each write or notification carries one JSON object; the functions
// here are pure and safe to call from any goroutine.
package protocol

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Command names as understood by the firmware.
const (
	CmdGetReadings       = "get_readings"
	CmdResetMeasurements = "reset_measurements"
	CmdCalibrate         = "calibrate"
	CmdStartMonitoring   = "start_monitoring"
	CmdStopMonitoring    = "stop_monitoring"
	CmdGetBattery        = "get_battery"
	CmdGetInfo           = "get_info"
)

// Sensor names used by the calibrate command.
const (
	SensorWater = "water"
	SensorSugar = "sugar"
)

// Command is an outbound request to the tumbler.
type Command interface {
	// Name returns a short label for logging.
	Name() string
	wire() (any, error)
}

// GetReadings asks the tumbler for its current hydration and sugar readings.
type GetReadings struct{}

// ResetMeasurements zeroes both daily counters on the tumbler.
type ResetMeasurements struct{}

// CalibrateWater calibrates the water load cell with empty and full weights.
type CalibrateWater struct {
	EmptyWeight float64
	FullWeight  float64
}

// CalibrateSugar calibrates the sugar sensor against a reference value.
type CalibrateSugar struct {
	ReferenceValue float64
}

// PushOptimalLevels sends the daily targets computed for the user.
type PushOptimalLevels struct {
	WaterLiters float64
	SugarGrams  float64
}

// StartMonitoring asks the tumbler to stream readings every Interval seconds.
type StartMonitoring struct {
	Interval int
}

// StopMonitoring stops periodic streaming.
type StopMonitoring struct{}

// GetBattery requests the battery level.
type GetBattery struct{}

// GetInfo requests firmware/device information.
type GetInfo struct{}

type simpleCommand struct {
	Command string `json:"command"`
}

type calibrateCommand struct {
	Command    string `json:"command"`
	Sensor     string `json:"sensor"`
	Parameters any    `json:"parameters"`
}

type waterCalibration struct {
	EmptyWeight float64 `json:"empty_weight"`
	FullWeight  float64 `json:"full_weight"`
}

type sugarCalibration struct {
	ReferenceValue float64 `json:"reference_value"`
}

type monitoringCommand struct {
	Command  string `json:"command"`
	Interval int    `json:"interval"`
}

// optimalLevels field order is part of the wire format.
type optimalLevels struct {
	Hydration int64   `json:"hydration"`
	Sugar     float64 `json:"sugar"`
}

func (GetReadings) Name() string { return CmdGetReadings }
func (GetReadings) wire() (any, error) {
	return simpleCommand{Command: CmdGetReadings}, nil
}

func (ResetMeasurements) Name() string { return CmdResetMeasurements }
func (ResetMeasurements) wire() (any, error) {
	return simpleCommand{Command: CmdResetMeasurements}, nil
}

func (CalibrateWater) Name() string { return "calibrate_water" }
func (c CalibrateWater) wire() (any, error) {
	if err := finite(c.EmptyWeight, c.FullWeight); err != nil {
		return nil, err
	}
	return calibrateCommand{
		Command:    CmdCalibrate,
		Sensor:     SensorWater,
		Parameters: waterCalibration{EmptyWeight: c.EmptyWeight, FullWeight: c.FullWeight},
	}, nil
}

func (CalibrateSugar) Name() string { return "calibrate_sugar" }
func (c CalibrateSugar) wire() (any, error) {
	if err := finite(c.ReferenceValue); err != nil {
		return nil, err
	}
	return calibrateCommand{
		Command:    CmdCalibrate,
		Sensor:     SensorSugar,
		Parameters: sugarCalibration{ReferenceValue: c.ReferenceValue},
	}, nil
}

func (PushOptimalLevels) Name() string { return "optimal_levels" }
func (p PushOptimalLevels) wire() (any, error) {
	if err := finite(p.WaterLiters, p.SugarGrams); err != nil {
		return nil, err
	}
	return optimalLevels{
		Hydration: int64(math.Round(p.WaterLiters * 1000)),
		Sugar:     p.SugarGrams,
	}, nil
}

func (StartMonitoring) Name() string { return CmdStartMonitoring }
func (s StartMonitoring) wire() (any, error) {
	if s.Interval <= 0 {
		return nil, errors.Errorf("protocol: monitoring interval must be > 0, got %d", s.Interval)
	}
	return monitoringCommand{Command: CmdStartMonitoring, Interval: s.Interval}, nil
}

func (StopMonitoring) Name() string { return CmdStopMonitoring }
func (StopMonitoring) wire() (any, error) {
	return simpleCommand{Command: CmdStopMonitoring}, nil
}

func (GetBattery) Name() string { return CmdGetBattery }
func (GetBattery) wire() (any, error) {
	return simpleCommand{Command: CmdGetBattery}, nil
}

func (GetInfo) Name() string { return CmdGetInfo }
func (GetInfo) wire() (any, error) {
	return simpleCommand{Command: CmdGetInfo}, nil
}

// Encode serializes cmd to its wire representation: a single JSON object
// with no trailing newline.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("protocol: nil command")
	}
	v, err := cmd.wire()
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: encode %s", cmd.Name())
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: encode %s", cmd.Name())
	}
	return data, nil
}

// ParseCommand builds a Command from its wire representation. It accepts
// exactly the shapes Encode produces and is used by the HTTP surface to
// forward raw commands from the UI.
func ParseCommand(data []byte) (Command, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, errors.Wrap(ErrMalformedJSON, err.Error())
	}

	if _, ok := obj["hydration"]; ok {
		var lv struct {
			Hydration *float64 `json:"hydration"`
			Sugar     *float64 `json:"sugar"`
		}
		if err := json.Unmarshal(data, &lv); err != nil || lv.Hydration == nil || lv.Sugar == nil {
			return nil, errors.Wrap(ErrMissingField, "optimal levels need numeric hydration and sugar")
		}
		return PushOptimalLevels{WaterLiters: *lv.Hydration / 1000, SugarGrams: *lv.Sugar}, nil
	}

	var head struct {
		Command    string          `json:"command"`
		Sensor     string          `json:"sensor"`
		Interval   int             `json:"interval"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(ErrMalformedJSON, err.Error())
	}

	switch head.Command {
	case CmdGetReadings:
		return GetReadings{}, nil
	case CmdResetMeasurements:
		return ResetMeasurements{}, nil
	case CmdStopMonitoring:
		return StopMonitoring{}, nil
	case CmdGetBattery:
		return GetBattery{}, nil
	case CmdGetInfo:
		return GetInfo{}, nil
	case CmdStartMonitoring:
		return StartMonitoring{Interval: head.Interval}, nil
	case CmdCalibrate:
		switch head.Sensor {
		case SensorWater:
			var p waterCalibration
			if err := json.Unmarshal(head.Parameters, &p); err != nil {
				return nil, errors.Wrap(ErrMissingField, "water calibration parameters")
			}
			return CalibrateWater{EmptyWeight: p.EmptyWeight, FullWeight: p.FullWeight}, nil
		case SensorSugar:
			var p sugarCalibration
			if err := json.Unmarshal(head.Parameters, &p); err != nil {
				return nil, errors.Wrap(ErrMissingField, "sugar calibration parameters")
			}
			return CalibrateSugar{ReferenceValue: p.ReferenceValue}, nil
		}
		return nil, errors.Errorf("protocol: unknown calibration sensor %q", head.Sensor)
	case "":
		return nil, errors.Wrap(ErrMissingField, "command")
	}
	return nil, errors.Errorf("protocol: unknown command %q", head.Command)
}

func finite(vals ...float64) error {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("non-finite value %v", v)
		}
	}
	return nil
}
