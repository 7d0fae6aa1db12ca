package fusionsolar

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
)

// DefaultHistorySignals are the inverter signals requested by
// GetHistoricalData when none are given: produced AC power (30014), daily
// production (30016) and produced DC power (30017).
var DefaultHistorySignals = []string{"30014", "30016", "30017"}

const (
	batteryPowerSignal = "30005"
	batterySOCSignal   = "30007"
)

// SignalHistory is the history of a single signal over a day as returned by
// device-history-data, keyed by field name.
type SignalHistory map[string]any

// BatteryStatus is the basic status of a battery across all of its modules.
type BatteryStatus struct {
	StateOfChargePercent   float64
	RatedCapacityKWH       float64
	OperatingStatus        string
	BackupTime             string
	BusVoltage             float64
	ChargedTodayKWH        float64
	DischargedTodayKWH     float64
	ChargeDischargePowerKW float64
}

// LastValue is the latest valid measurement of a plant stats series. Value is
// nil when the series has no valid measurement.
type LastValue struct {
	Time  string   `json:"time"`
	Value *float64 `json:"value"`
}

func (c *Client) getHistory(ctx context.Context, dn string, signalIDs []string, date time.Time, what string) (map[string]SignalHistory, error) {
	var history map[string]SignalHistory
	err := c.withSession(ctx, func() error {
		params := url.Values{}
		for _, id := range signalIDs {
			params.Add("signalIds", id)
		}
		params.Set("deviceDn", dn)
		params.Set("date", strconv.FormatInt(date.UnixMilli(), 10))
		params.Set("_", nowMillis())
		return c.getEnvelope(ctx, "/rest/pvms/web/device/v1/device-history-data", params, what, &history)
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// GetHistoricalData returns the history of the given signals of a device for
// the day containing date. DefaultHistorySignals is used if signalIDs is
// empty and the current time is used if date is zero.
func (c *Client) GetHistoricalData(ctx context.Context, dn string, signalIDs []string, date time.Time) (map[string]SignalHistory, error) {
	if len(signalIDs) == 0 {
		signalIDs = DefaultHistorySignals
	}
	if date.IsZero() {
		date = time.Now()
	}
	return c.getHistory(ctx, dn, signalIDs, date, fmt.Sprintf("historical data for %s", dn))
}

// GetBatteryDayStats returns the charge/discharge power and state of charge
// of a battery over a day. queryTime must be the start of the day to fetch,
// the current day is used if it is zero.
func (c *Client) GetBatteryDayStats(ctx context.Context, dn string, queryTime time.Time) (map[string]SignalHistory, error) {
	if queryTime.IsZero() {
		queryTime = time.Now()
	}
	history, err := c.getHistory(ctx, dn, []string{batteryPowerSignal, batterySOCSignal}, queryTime, fmt.Sprintf("battery day stats for %s", dn))
	if err != nil {
		return nil, err
	}
	for id, name := range map[string]string{
		batteryPowerSignal: "Charge/Discharge power",
		batterySOCSignal:   "SOC",
	} {
		if h, ok := history[id]; ok && h != nil {
			h["name"] = name
		}
	}
	return history, nil
}

// GetBatteryBasicStats returns the basic status of a battery. Values the
// portal reports as missing are returned as 0.
func (c *Client) GetBatteryBasicStats(ctx context.Context, dn string) (BatteryStatus, error) {
	sigs, err := c.GetBatteryStatus(ctx, dn)
	if err != nil {
		return BatteryStatus{}, err
	}
	if len(sigs) < 9 {
		return BatteryStatus{}, fmt.Errorf("%w: failed to retrieve battery basic stats for %s: expected 9 signals, got %d", ErrAPI, dn, len(sigs))
	}
	// missing values are sent as "-" or "--"
	num := func(i int) float64 {
		v, ok := ParseFloat(sigs[i].RealValue)
		if !ok {
			log.Ctx(ctx).DebugContext(ctx, "missing battery signal value", slog.String("signal", sigs[i].ID.String()), slog.Any("value", sigs[i].RealValue))
			return 0
		}
		return v
	}
	return BatteryStatus{
		StateOfChargePercent:   num(8),
		RatedCapacityKWH:       num(2),
		OperatingStatus:        fmt.Sprint(sigs[0].Value),
		BackupTime:             fmt.Sprint(sigs[3].Value),
		BusVoltage:             num(7),
		ChargedTodayKWH:        num(4),
		DischargedTodayKWH:     num(5),
		ChargeDischargePowerKW: num(6),
	}, nil
}

// GetPlantStats returns the energy balance of a plant for a day. queryTime
// must be the start of the day to fetch, the current UTC day is used if it is
// zero.
func (c *Client) GetPlantStats(ctx context.Context, plantDN string, queryTime time.Time) (types.PlantData, error) {
	if queryTime.IsZero() {
		queryTime = time.Now().UTC().Truncate(24 * time.Hour)
	}
	var data types.PlantData
	err := c.withSession(ctx, func() error {
		params := url.Values{}
		params.Set("stationDn", plantDN)
		params.Set("timeDim", "2")
		params.Set("queryTime", strconv.FormatInt(queryTime.UnixMilli(), 10))
		params.Set("timeZone", "2")
		params.Set("timeZoneStr", "Europe/Vienna")
		params.Set("_", nowMillis())
		return c.getEnvelope(ctx, "/rest/pvms/web/station/v1/overview/energy-balance", params, fmt.Sprintf("plant stats for %s", plantDN), &data)
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// lastPlantDataSkip are plant stats fields that aren't measurements.
var lastPlantDataSkip = map[string]bool{
	"xAxis":           true,
	"stationTimezone": true,
	"clientTimezone":  true,
	"stationDn":       true,
}

// LastPlantData extracts the latest measurements from the result of
// GetPlantStats. Series become a LastValue, exist* fields a bool and every
// other field a *float64 that is nil when the value is missing or invalid.
func LastPlantData(stats types.PlantData) (map[string]any, error) {
	xAxis, ok := stats["xAxis"]
	if !ok {
		return nil, fmt.Errorf("%w: invalid plant stats: missing xAxis", ErrAPI)
	}
	times, _ := xAxis.([]any)

	out := make(map[string]any, len(stats))
	for key, value := range stats {
		if lastPlantDataSkip[key] {
			continue
		}
		switch v := value.(type) {
		case []any:
			lv, ok := lastValue(v, times)
			if !ok {
				out[key] = nil
				continue
			}
			out[key] = lv
		case string:
			if v == "--" {
				out[key] = nil
				continue
			}
			if strings.HasPrefix(key, "exist") {
				out[key] = v != ""
				continue
			}
			out[key] = floatPtr(v)
		default:
			if strings.HasPrefix(key, "exist") {
				out[key] = truthy(v)
				continue
			}
			out[key] = floatPtr(v)
		}
	}
	return out, nil
}

// lastValue returns the last value of a series that isn't "--" along with its
// measurement time. False is returned if the series doesn't line up with the
// measurement times or holds something that isn't a number.
func lastValue(values, times []any) (LastValue, bool) {
	for i := len(values) - 1; i >= 0; i-- {
		if s, ok := values[i].(string); ok && s == "--" {
			continue
		}
		f, ok := ParseFloat(values[i])
		if !ok || i >= len(times) {
			return LastValue{}, false
		}
		return LastValue{Time: fmt.Sprint(times[i]), Value: &f}, true
	}
	return LastValue{Time: time.Now().Format("2006-01-02 15:04")}, true
}

func floatPtr(v any) *float64 {
	f, ok := ParseFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case nil:
		return false
	default:
		return true
	}
}

// optimizerEnvelope is the optimizer-info response. exceptionType is set
// when the inverter has no optimizers.
type optimizerEnvelope struct {
	envelope
	ExceptionType any `json:"exceptionType"`
}

// GetOptimizerStats returns the real-time stats of every optimizer behind an
// inverter.
func (c *Client) GetOptimizerStats(ctx context.Context, inverterDN string) ([]map[string]any, error) {
	var optimizers []map[string]any
	err := c.withSession(ctx, func() error {
		params := url.Values{}
		params.Set("inverterDn", inverterDN)
		params.Set("_", nowMillis())
		req, err := c.newGetRequest(ctx, c.subdomain, "/rest/pvms/web/station/v1/layout/optimizer-info", params)
		if err != nil {
			return err
		}
		var env optimizerEnvelope
		if err := c.doJSON(req, &env); err != nil {
			return err
		}
		if env.ExceptionType != nil {
			return fmt.Errorf("%w: failed to retrieve optimizer stats for %s: %v", ErrAPI, inverterDN, env.ExceptionType)
		}
		return env.unwrap(fmt.Sprintf("optimizer stats for %s", inverterDN), &optimizers)
	})
	if err != nil {
		return nil, err
	}
	return optimizers, nil
}
