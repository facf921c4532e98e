// Package knowndevices persists a flat JSON array of known devices and their
// last-known address (spec.md §4.K). The daemon saves an entry when a
// pairing with a connected device is accepted.
package knowndevices

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// KnownDevice is one entry in the durable known-devices list.
type KnownDevice struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
}

// Load reads path and returns its array, or an empty slice if the file is
// missing or does not contain a JSON array.
func Load(path string) ([]KnownDevice, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []KnownDevice{}, nil
		}
		return nil, err
	}

	var devices []KnownDevice
	if err := json.Unmarshal(b, &devices); err != nil {
		return []KnownDevice{}, nil
	}
	return devices, nil
}

// Save upserts device by DeviceID into the file at path, rewriting the
// whole array as pretty JSON.
func Save(device KnownDevice, path string) error {
	devices, err := Load(path)
	if err != nil {
		return err
	}

	replaced := false
	for i, d := range devices {
		if d.DeviceID == device.DeviceID {
			devices[i] = device
			replaced = true
			break
		}
	}
	if !replaced {
		devices = append(devices, device)
	}

	return writeAll(path, devices)
}

// Remove deletes the entry for deviceID, if present. A missing entry is a
// no-op.
func Remove(deviceID string, path string) error {
	devices, err := Load(path)
	if err != nil {
		return err
	}

	out := devices[:0]
	for _, d := range devices {
		if d.DeviceID != deviceID {
			out = append(out, d)
		}
	}
	if len(out) == len(devices) {
		return nil
	}
	return writeAll(path, out)
}

func writeAll(path string, devices []KnownDevice) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
