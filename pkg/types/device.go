package types

import (
	"errors"
	"fmt"
	"strings"
)

// DeviceType is the kind of FusionSolar object a configured device polls.
type DeviceType string

const (
	DeviceTypePlant    DeviceType = "Plant"
	DeviceTypeInverter DeviceType = "Inverter"
	DeviceTypeBattery  DeviceType = "Battery"
	DeviceTypeFlow     DeviceType = "Flow"
)

// DeviceTypes lists every supported device type in the order they are offered
// to the user.
var DeviceTypes = []DeviceType{
	DeviceTypePlant,
	DeviceTypeInverter,
	DeviceTypeBattery,
	DeviceTypeFlow,
}

// Valid returns true if the type is one of the supported device types.
func (t DeviceType) Valid() bool {
	for _, dt := range DeviceTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// ParseDeviceType matches s case-insensitively against the supported types.
func ParseDeviceType(s string) (DeviceType, error) {
	for _, dt := range DeviceTypes {
		if strings.EqualFold(string(dt), strings.TrimSpace(s)) {
			return dt, nil
		}
	}
	return "", fmt.Errorf("unknown device type: %q", s)
}

// DefaultSubdomain is used when a device doesn't specify the FusionSolar
// region subdomain.
const DefaultSubdomain = "uni001eu5"

// Device is a single configured FusionSolar device along with the account
// used to reach it.
type Device struct {
	// ID is the FusionSolar DN (e.g. NE=12345678) of the plant, inverter or
	// battery.
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name" json:"name"`
	Type      DeviceType `yaml:"type" json:"type"`
	Username  string     `yaml:"username" json:"-"`
	Password  string     `yaml:"password" json:"-"`
	Subdomain string     `yaml:"subdomain,omitempty" json:"subdomain,omitempty"`
}

// SubdomainOrDefault returns the configured subdomain or DefaultSubdomain.
func (d Device) SubdomainOrDefault() string {
	if d.Subdomain == "" {
		return DefaultSubdomain
	}
	return d.Subdomain
}

// Key identifies the device among all configured devices. A plant and its
// energy flow share a DN so the type is part of the key, e.g. plant:NE=10.
func (d Device) Key() string {
	return strings.ToLower(string(d.Type)) + ":" + d.ID
}

// DisplayName returns the name or the ID if there isn't a name.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Validate checks that the device can be polled.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("missing device id")
	}
	if !d.Type.Valid() {
		return fmt.Errorf("device %s: unknown device type: %q", d.ID, d.Type)
	}
	if d.Username == "" {
		return fmt.Errorf("device %s: missing username", d.ID)
	}
	if d.Password == "" {
		return fmt.Errorf("device %s: missing password", d.ID)
	}
	return nil
}
