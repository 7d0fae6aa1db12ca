package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SignalID is the numeric id FusionSolar uses for a signal. The API is not
// consistent about sending it as a number or a string.
type SignalID int64

// UnmarshalJSON accepts both 10018 and "10018".
func (id *SignalID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		b = []byte(s)
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signal id %s: %w", b, err)
	}
	*id = SignalID(v)
	return nil
}

func (id SignalID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Signal is a single measurement returned by the real-time and battery
// endpoints. Value and RealValue are whatever the API sent (string, number or
// nil).
type Signal struct {
	ID        SignalID `json:"id"`
	Name      string   `json:"name,omitempty"`
	Unit      string   `json:"unit,omitempty"`
	Value     any      `json:"value,omitempty"`
	RealValue any      `json:"realValue,omitempty"`
}

// SignalGroup is a named group of signals in a real-time data response.
type SignalGroup struct {
	Name    string   `json:"name,omitempty"`
	Signals []Signal `json:"signals,omitempty"`
}

// RealTimeData is the device-realtime-data response for an inverter.
type RealTimeData struct {
	Data []SignalGroup `json:"data"`
}

// PlantData is the station-real-kpi data for a plant keyed by KPI name, e.g.
// dailyEnergy or currency.
type PlantData map[string]any

// FlowNode is a node in the energy flow diagram of a plant.
type FlowNode struct {
	Name   string `json:"name"`
	Value  any    `json:"value,omitempty"`
	DevIDs []any  `json:"devIds,omitempty"`
}

// FlowData is the energy-flow response for a plant.
type FlowData struct {
	Success bool `json:"success"`
	Data    struct {
		Flow struct {
			Nodes []FlowNode `json:"nodes"`
		} `json:"flow"`
	} `json:"data"`
}

// Snapshot is everything fetched for a device in a single successful poll.
// Only the fields relevant to the device type are set.
type Snapshot struct {
	Timestamp  time.Time           `json:"timestamp"`
	DeviceType DeviceType          `json:"deviceType"`
	RealTime   *RealTimeData       `json:"realTime,omitempty"`
	Plant      PlantData           `json:"plant,omitempty"`
	Battery    []Signal            `json:"battery,omitempty"`
	Modules    map[string][]Signal `json:"modules,omitempty"`
	Flow       *FlowData           `json:"flow,omitempty"`
}
