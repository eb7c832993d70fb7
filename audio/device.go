package audio

import (
	"fmt"
	"strings"
)

// Resolve picks the capture device for id. An empty, unknown or unusable id
// falls back to the default device, then to the first device reported.
// ErrDeviceUnavailable is returned only when the backend reports none.
func Resolve(b Backend, id string) (Device, error) {
	devices, err := b.Devices()
	if err != nil {
		return Device{}, fmt.Errorf("%w: enumerate %s devices: %v", ErrDeviceUnavailable, b.Name(), err)
	}

	if dev, ok := Find(devices, id); ok && dev.Channels > 0 {
		return dev, nil
	}

	for _, dev := range devices {
		if dev.Default && dev.Channels > 0 {
			return dev, nil
		}
	}
	for _, dev := range devices {
		if dev.Channels > 0 {
			return dev, nil
		}
	}

	return Device{}, ErrDeviceUnavailable
}

// Find looks a device up by exact id, then by case-insensitive name.
func Find(devices []Device, id string) (Device, bool) {
	if id == "" {
		return Device{}, false
	}
	for _, dev := range devices {
		if dev.ID == id {
			return dev, true
		}
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.Name, id) {
			return dev, true
		}
	}
	return Device{}, false
}
