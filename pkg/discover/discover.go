// Package discover lists the plants, inverters, batteries and flows of an
// account so they can be added to the devices file.
package discover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/fusionsolar"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
)

var (
	// ErrInvalidAuth is returned when the account can't be logged in to.
	ErrInvalidAuth = errors.New("invalid authentication")
	// ErrUnknown is returned for any other login failure.
	ErrUnknown = errors.New("unknown error")
	// ErrNoDevices is returned when the account has nothing of the type.
	ErrNoDevices = errors.New("no matching devices found")
	// ErrFetch is returned when the device list can't be fetched.
	ErrFetch = errors.New("failed to fetch device list")
)

// inverterType is the mocTypeName of inverters in the device list.
const inverterType = "Inverter"

// Lister is the part of the client used to find devices.
type Lister interface {
	GetPlantIDs(ctx context.Context) ([]string, error)
	GetDeviceIDs(ctx context.Context) ([]fusionsolar.DeviceRef, error)
	GetBatteryIDs(ctx context.Context, plantDN string) ([]string, error)
}

// Option is a device that can be chosen.
type Option struct {
	Label string
	ID    string
}

// Account is the FusionSolar login the devices are discovered with.
type Account struct {
	Username  string
	Password  string
	Subdomain string
}

// LoginError maps a login failure onto ErrInvalidAuth or ErrUnknown.
func LoginError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fusionsolar.ErrAuthentication) {
		return fmt.Errorf("%w: %w", ErrInvalidAuth, err)
	}
	return fmt.Errorf("%w: %w", ErrUnknown, err)
}

// Connect logs in to the account.
func Connect(ctx context.Context, cn *fusionsolar.Connector, a Account) (*fusionsolar.Client, error) {
	c, err := cn.Connect(ctx, types.Device{
		Username:  a.Username,
		Password:  a.Password,
		Subdomain: a.Subdomain,
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to log in", slog.Any("error", err))
		return nil, LoginError(err)
	}
	return c, nil
}

// Options returns the devices of the given type in the order FusionSolar
// listed them.
func Options(ctx context.Context, l Lister, dt types.DeviceType) ([]Option, error) {
	var opts []Option
	seen := make(map[string]bool)
	add := func(label, id string) {
		if seen[label] {
			return
		}
		seen[label] = true
		opts = append(opts, Option{Label: label, ID: id})
	}

	switch dt {
	case types.DeviceTypePlant:
		plants, err := l.GetPlantIDs(ctx)
		if err != nil {
			return nil, fetchError(ctx, err)
		}
		for _, id := range plants {
			add(fmt.Sprintf("Plant (ID: %s)", id), id)
		}
	case types.DeviceTypeInverter:
		devices, err := l.GetDeviceIDs(ctx)
		if err != nil {
			return nil, fetchError(ctx, err)
		}
		for _, d := range devices {
			if d.Type == inverterType {
				add(fmt.Sprintf("Inverter (ID: %s)", d.DN), d.DN)
			}
		}
	case types.DeviceTypeBattery:
		plants, err := l.GetPlantIDs(ctx)
		if err != nil {
			return nil, fetchError(ctx, err)
		}
		for _, plant := range plants {
			batteries, err := l.GetBatteryIDs(ctx, plant)
			if err != nil {
				return nil, fetchError(ctx, err)
			}
			for _, id := range batteries {
				add(fmt.Sprintf("Battery (ID: %s)", id), id)
			}
		}
	case types.DeviceTypeFlow:
		plants, err := l.GetPlantIDs(ctx)
		if err != nil {
			return nil, fetchError(ctx, err)
		}
		for _, id := range plants {
			add(fmt.Sprintf("Flow (Plant ID: %s)", id), id)
		}
	default:
		return nil, fmt.Errorf("unknown device type: %q", dt)
	}

	if len(opts) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no matching devices found", slog.String("type", string(dt)))
		return nil, ErrNoDevices
	}
	return opts, nil
}

func fetchError(ctx context.Context, err error) error {
	log.Ctx(ctx).WarnContext(ctx, "failed to fetch device list", slog.Any("error", err))
	return fmt.Errorf("%w: %w", ErrFetch, err)
}

// Find returns the option with the label or ID.
func Find(opts []Option, choice string) (Option, bool) {
	for _, o := range opts {
		if o.Label == choice || o.ID == choice {
			return o, true
		}
	}
	return Option{}, false
}

// Device returns the device entry for the chosen option. The label is used
// as the name unless name is set.
func Device(a Account, dt types.DeviceType, o Option, name string) types.Device {
	if name == "" {
		name = o.Label
	}
	return types.Device{
		ID:        o.ID,
		Name:      name,
		Type:      dt,
		Username:  a.Username,
		Password:  a.Password,
		Subdomain: a.Subdomain,
	}
}
