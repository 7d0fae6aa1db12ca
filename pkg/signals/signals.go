// Package signals holds the static tables describing which FusionSolar
// signals are exposed as sensors for every device type.
package signals

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
)

//go:embed signals.json
var layoutJSON []byte

// Definition describes a single sensor. Exactly one of ID or Key is set: ID
// for signals read out of signal lists, Key for KPI maps.
type Definition struct {
	ID          types.SignalID `json:"id,omitempty"`
	Key         string         `json:"key,omitempty"`
	Name        string         `json:"name"`
	Unit        string         `json:"unit,omitempty"`
	DeviceClass string         `json:"device_class,omitempty"`
	StateClass  string         `json:"state_class,omitempty"`
}

// Ref returns the id or key used to build unique ids.
func (d Definition) Ref() string {
	if d.Key != "" {
		return d.Key
	}
	return d.ID.String()
}

type layout struct {
	Inverter       []Definition            `json:"inverter"`
	Plant          []Definition            `json:"plant"`
	Battery        []Definition            `json:"battery"`
	Flow           []Definition            `json:"flow"`
	BatteryModules map[string][]Definition `json:"battery_modules"`
	Currencies     map[string]string       `json:"currencies"`
}

var tables = func() layout {
	var l layout
	if err := json.Unmarshal(layoutJSON, &l); err != nil {
		panic(fmt.Errorf("failed to parse signal layout: %w", err))
	}
	return l
}()

// For returns the sensor definitions for the given device type.
func For(dt types.DeviceType) ([]Definition, error) {
	switch dt {
	case types.DeviceTypeInverter:
		return tables.Inverter, nil
	case types.DeviceTypePlant:
		return tables.Plant, nil
	case types.DeviceTypeBattery:
		return tables.Battery, nil
	case types.DeviceTypeFlow:
		return tables.Flow, nil
	default:
		return nil, fmt.Errorf("unknown device type: %s", dt)
	}
}

// ModuleIDs returns the battery module ids in ascending order.
func ModuleIDs() []string {
	ids := make([]string, 0, len(tables.BatteryModules))
	for id := range tables.BatteryModules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	return ids
}

// Module returns the sensor definitions for a battery module.
func Module(moduleID string) ([]Definition, bool) {
	defs, ok := tables.BatteryModules[moduleID]
	return defs, ok
}

// ModuleSignalIDs returns the signal ids requested from query-battery-dc for
// a module.
func ModuleSignalIDs(moduleID string) ([]string, error) {
	defs, ok := tables.BatteryModules[moduleID]
	if !ok {
		return nil, fmt.Errorf("unknown battery module: %s", moduleID)
	}
	ids := make([]string, len(defs))
	for i, d := range defs {
		ids[i] = d.ID.String()
	}
	return ids, nil
}

// Currency maps the numeric currency code of plant data to its name. Unknown
// codes are returned as is.
func Currency(code int) string {
	if name, ok := tables.Currencies[strconv.Itoa(code)]; ok {
		return name
	}
	return strconv.Itoa(code)
}
