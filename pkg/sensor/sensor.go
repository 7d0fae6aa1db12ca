// Package sensor turns polled FusionSolar data into sensor entities and reads
// their states.
package sensor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/coordinator"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/fusionsolar"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/signals"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
)

// Kind says where in a snapshot the value of an entity is read from.
type Kind string

const (
	KindInverter Kind = "inverter"
	KindPlant    Kind = "plant"
	KindBattery  Kind = "battery"
	KindModule   Kind = "module"
	KindFlow     Kind = "flow"
)

// flowLoadNode is the flow node holding the current electrical load.
const flowLoadNode = "neteco.pvms.KPI.kpiView.electricalLoad"

var (
	validPackRegexp = regexp.MustCompile(`(?i)\[Battery pack (\d+)\] SN`)
	packRegexp      = regexp.MustCompile(`(?i)Battery pack (\d+)`)
	objectIDRegexp  = regexp.MustCompile(`[^a-z0-9_]+`)
)

// Entity is a single sensor of a device.
type Entity struct {
	UniqueID    string         `json:"uniqueId"`
	ObjectID    string         `json:"objectId"`
	Name        string         `json:"name"`
	Unit        string         `json:"unit,omitempty"`
	DeviceClass string         `json:"deviceClass,omitempty"`
	StateClass  string         `json:"stateClass,omitempty"`
	Kind        Kind           `json:"kind"`
	SignalID    types.SignalID `json:"signalId,omitempty"`
	Key         string         `json:"key,omitempty"`
	ModuleID    string         `json:"moduleId,omitempty"`
}

// ObjectID turns a unique id into something usable as an MQTT topic level
// and Home Assistant object id.
func ObjectID(uniqueID string) string {
	return strings.Trim(objectIDRegexp.ReplaceAllString(strings.ToLower(uniqueID), "_"), "_")
}

func kindOf(dt types.DeviceType) (Kind, error) {
	switch dt {
	case types.DeviceTypeInverter:
		return KindInverter, nil
	case types.DeviceTypePlant:
		return KindPlant, nil
	case types.DeviceTypeBattery:
		return KindBattery, nil
	case types.DeviceTypeFlow:
		return KindFlow, nil
	default:
		return "", fmt.Errorf("unknown device type: %s", dt)
	}
}

func newEntity(uniqueID string, kind Kind, def signals.Definition) Entity {
	return Entity{
		UniqueID:    uniqueID,
		ObjectID:    ObjectID(uniqueID),
		Name:        def.Name,
		Unit:        def.Unit,
		DeviceClass: def.DeviceClass,
		StateClass:  def.StateClass,
		Kind:        kind,
		SignalID:    def.ID,
		Key:         def.Key,
	}
}

// Build returns the entities of a device. Battery module entities are only
// included for modules with data in snap, and only for the battery packs that
// report a serial number. snap may be nil.
func Build(d types.Device, snap *types.Snapshot) ([]Entity, error) {
	kind, err := kindOf(d.Type)
	if err != nil {
		return nil, err
	}
	defs, err := signals.For(d.Type)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var entities []Entity
	for _, def := range defs {
		uid := d.ID + "_" + def.Ref()
		if seen[uid] {
			continue
		}
		seen[uid] = true
		entities = append(entities, newEntity(uid, kind, def))
	}

	if snap == nil {
		return entities, nil
	}
	for _, moduleID := range signals.ModuleIDs() {
		data := snap.Modules[moduleID]
		if len(data) == 0 {
			continue
		}
		validPacks := make(map[string]bool)
		for _, s := range data {
			if m := validPackRegexp.FindStringSubmatch(s.Name); m != nil && truthy(s.RealValue) {
				validPacks[m[1]] = true
			}
		}

		moduleDefs, _ := signals.Module(moduleID)
		for _, def := range moduleDefs {
			if m := packRegexp.FindStringSubmatch(def.Name); m != nil && !validPacks[m[1]] {
				continue
			}
			uid := d.ID + "_module" + moduleID + "_" + def.ID.String()
			if seen[uid] {
				continue
			}
			seen[uid] = true
			e := newEntity(uid, KindModule, def)
			e.ModuleID = moduleID
			entities = append(entities, e)
		}
	}
	return entities, nil
}

// truthy mirrors what counts as a present value in the API responses.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case float64:
		return t != 0
	case bool:
		return t
	default:
		return true
	}
}

// Unit returns the unit of the entity. The daily income unit is the currency
// of the plant.
func Unit(e Entity, snap *types.Snapshot) string {
	if e.Kind == KindPlant && e.Key == "dailyIncome" && snap != nil && snap.Plant != nil {
		if c := snap.Plant["currency"]; truthy(c) {
			return currencyName(c)
		}
	}
	return e.Unit
}

func currencyName(v any) string {
	switch c := v.(type) {
	case float64:
		return signals.Currency(int(c))
	case string:
		if n, err := strconv.Atoi(c); err == nil {
			return signals.Currency(n)
		}
		return c
	default:
		return fmt.Sprint(c)
	}
}

// State returns the current value of the entity or nil if there is none.
// Values with a unit are returned as float64.
func State(e Entity, snap *types.Snapshot) any {
	if snap == nil {
		return nil
	}
	switch e.Kind {
	case KindInverter:
		if snap.RealTime == nil {
			return nil
		}
		for _, g := range snap.RealTime.Data {
			if v, ok := signalState(e.SignalID, g.Signals); ok {
				return v
			}
		}
	case KindBattery:
		if v, ok := signalState(e.SignalID, snap.Battery); ok {
			return v
		}
	case KindPlant:
		if len(snap.Plant) == 0 {
			return nil
		}
		v, ok := snap.Plant[e.Key]
		if !ok || v == nil {
			return nil
		}
		if Unit(e, snap) == "" {
			return v
		}
		return floatOrNil(v)
	case KindModule:
		for _, s := range snap.Modules[e.ModuleID] {
			if s.ID != e.SignalID {
				continue
			}
			if f, ok := fusionsolar.ParseFloat(s.RealValue); ok {
				return f
			}
			return s.RealValue
		}
	case KindFlow:
		if snap.Flow == nil {
			return nil
		}
		for _, n := range snap.Flow.Data.Flow.Nodes {
			if n.Name == flowLoadNode && n.Value != nil {
				return floatOrNil(n.Value)
			}
		}
	}
	return nil
}

// signalState finds the signal and returns its value. The first return is
// parsed as a float when the signal has a unit.
func signalState(id types.SignalID, list []types.Signal) (any, bool) {
	for _, s := range list {
		if s.ID != id {
			continue
		}
		if s.Unit != "" {
			return floatOrNil(s.Value), true
		}
		return s.Value, true
	}
	return nil, false
}

func floatOrNil(v any) any {
	if f, ok := fusionsolar.ParseFloat(v); ok {
		return f
	}
	return nil
}

// Available returns whether the entity has a usable value. Module entities
// also need data for their module.
func Available(e Entity, s coordinator.State) bool {
	if !s.HasData() {
		return false
	}
	if e.Kind == KindModule {
		return len(s.Snapshot.Modules[e.ModuleID]) > 0
	}
	return true
}
