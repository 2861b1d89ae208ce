//go:build !linux

package ble

import (
	"errors"

	"tinygo.org/x/bluetooth"
)

type systemCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *systemConnection) bindCharacteristic(_, _ string, char bluetooth.DeviceCharacteristic) (Characteristic, error) {
	return &systemCharacteristic{char: char}, nil
}

// Write uses write-with-response so the tumbler acknowledges each command.
func (c *systemCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

// TODO: follow CBManager state through tinygo once it reports power and
// authorization changes after Enable on darwin.
type powerWatcher struct{}

func watchPower(func(bool)) (*powerWatcher, bool, error) {
	return nil, false, errors.New("ble: radio power changes are only reported by BlueZ")
}

func (w *powerWatcher) close() {}
