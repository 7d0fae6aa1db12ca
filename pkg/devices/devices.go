// Package devices reads and writes the YAML file listing the configured
// FusionSolar devices.
package devices

import (
	"errors"
	"fmt"
	"os"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"
)

// File is the layout of the devices file.
type File struct {
	Devices []types.Device `yaml:"devices"`
}

// Loader loads the devices file named by the devices-file flag.
type Loader struct {
	path string
}

// Configured registers the devices-file flag.
func Configured() *Loader {
	path := lflag.String("devices-file", "devices.yaml", "Path to the YAML file listing the FusionSolar devices")

	l := &Loader{}
	lflag.Do(func() {
		l.path = *path
	})
	return l
}

// Path returns the path of the devices file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads and validates the devices file.
func (l *Loader) Load() ([]types.Device, error) {
	return Load(l.path)
}

// Load reads and validates a devices file. Usernames and passwords may
// reference environment variables, e.g. password: ${FUSIONSOLAR_PASSWORD}.
func Load(path string) ([]types.Device, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse devices file: %w", err)
	}
	for i := range f.Devices {
		f.Devices[i].Username = os.ExpandEnv(f.Devices[i].Username)
		f.Devices[i].Password = os.ExpandEnv(f.Devices[i].Password)
	}

	if err := Validate(f.Devices); err != nil {
		return nil, fmt.Errorf("validate devices file: %w", err)
	}
	return f.Devices, nil
}

// Validate checks every device and makes sure no device is configured twice.
// The same DN may be used once per device type.
func Validate(devices []types.Device) error {
	if len(devices) == 0 {
		return errors.New("no devices configured")
	}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Key()] {
			return fmt.Errorf("duplicate %s device id: %s", d.Type, d.ID)
		}
		seen[d.Key()] = true
	}
	return nil
}

// Save writes the devices to path, replacing the file.
func Save(path string, devices []types.Device) error {
	if err := Validate(devices); err != nil {
		return err
	}
	out, err := yaml.Marshal(File{Devices: devices})
	if err != nil {
		return fmt.Errorf("marshal devices: %w", err)
	}
	// the file holds passwords
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("write devices file: %w", err)
	}
	return nil
}

// Append adds the device to the file at path, creating the file if needed.
func Append(path string, d types.Device) error {
	var existing []types.Device
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read devices file: %w", err)
	default:
		var f File
		if err := yaml.Unmarshal(b, &f); err != nil {
			return fmt.Errorf("parse devices file: %w", err)
		}
		existing = f.Devices
	}
	for _, e := range existing {
		if e.Key() == d.Key() {
			return fmt.Errorf("%s device %s is already configured", d.Type, d.ID)
		}
	}
	return Save(path, append(existing, d))
}
