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
	"github.com/fusionsolarplus/fusionsolarplus/pkg/signals"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
)

// deviceMocTypes are the device kinds returned by GetDeviceIDs.
const deviceMocTypes = "20814,20815,20816,20819,20822,50017,60066,60014,60015,23037"

// Station is a plant as returned by the station list.
type Station struct {
	DN   string `json:"dn"`
	Name string `json:"name"`
}

// DeviceRef is a device below the company, e.g. an Inverter or a Dongle.
type DeviceRef struct {
	Type string `json:"mocTypeName"`
	DN   string `json:"dn"`
}

// PowerStatus is the account wide KPI summary.
type PowerStatus struct {
	CurrentPowerKW float64
	EnergyTodayKWH float64
	EnergyKWH      float64
}

func (c *Client) getEnvelope(ctx context.Context, path string, params url.Values, what string, dest any) error {
	req, err := c.newGetRequest(ctx, c.subdomain, path, params)
	if err != nil {
		return err
	}
	var env envelope
	if err := c.doJSON(req, &env); err != nil {
		return err
	}
	return env.unwrap(what, dest)
}

// GetRealTimeData returns the real-time signal groups of a device.
func (c *Client) GetRealTimeData(ctx context.Context, dn string) (*types.RealTimeData, error) {
	var data types.RealTimeData
	err := c.withSession(ctx, func() error {
		params := url.Values{}
		params.Set("deviceDn", dn)
		params.Set("_", nowMillis())
		req, err := c.newGetRequest(ctx, c.subdomain, "/rest/pvms/web/device/v1/device-realtime-data", params)
		if err != nil {
			return err
		}
		return c.doJSON(req, &data)
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// GetCurrentPlantData returns the current KPIs of a plant.
func (c *Client) GetCurrentPlantData(ctx context.Context, plantDN string) (types.PlantData, error) {
	var data types.PlantData
	err := c.withSession(ctx, func() error {
		now := nowMillis()
		params := url.Values{}
		params.Set("stationDn", plantDN)
		params.Set("clientTime", now)
		params.Set("timeZone", "1")
		params.Set("_", now)
		return c.getEnvelope(ctx, "/rest/pvms/web/station/v1/overview/station-real-kpi", params, "plant data", &data)
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GetStationList returns the plants linked to the account.
func (c *Client) GetStationList(ctx context.Context) ([]Station, error) {
	var list struct {
		List []Station `json:"list"`
	}
	err := c.withSession(ctx, func() error {
		dayStart := time.Now().UTC().Truncate(24 * time.Hour)
		body := map[string]any{
			"curPage":           1,
			"pageSize":          10,
			"gridConnectedTime": "",
			"queryTime":         dayStart.UnixMilli(),
			"timeZone":          2,
			"sortId":            "createTime",
			"sortDir":           "DESC",
			"locale":            "en_US",
		}
		req, err := c.newPostJSONRequest(ctx, c.subdomain, "/rest/pvms/web/station/v1/station/station-list", nil, body)
		if err != nil {
			return err
		}
		var env envelope
		if err := c.doJSON(req, &env); err != nil {
			return err
		}
		return env.unwrap("station list", &list)
	})
	if err != nil {
		return nil, err
	}
	return list.List, nil
}

// GetPlantIDs returns the DNs of every plant linked to the account.
func (c *Client) GetPlantIDs(ctx context.Context) ([]string, error) {
	stations, err := c.GetStationList(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(stations))
	for i, s := range stations {
		ids[i] = s.DN
	}
	return ids, nil
}

// GetDeviceIDs returns the devices of the company.
func (c *Client) GetDeviceIDs(ctx context.Context) ([]DeviceRef, error) {
	var devices []DeviceRef
	err := c.withSession(ctx, func() error {
		params := url.Values{}
		params.Set("conditionParams.parentDn", c.companyID)
		params.Set("conditionParams.mocTypes", deviceMocTypes)
		params.Set("_", nowMillis())
		return c.getEnvelope(ctx, "/rest/neteco/web/config/device/v1/device-list", params, "device list", &devices)
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// GetPlantFlow returns the energy flow diagram of a plant.
func (c *Client) GetPlantFlow(ctx context.Context, plantDN string) (*types.FlowData, error) {
	var flow types.FlowData
	err := c.withSession(ctx, func() error {
		return c.getPlantFlow(ctx, plantDN, &flow)
	})
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

func (c *Client) getPlantFlow(ctx context.Context, plantDN string, flow *types.FlowData) error {
	params := url.Values{}
	params.Set("stationDn", plantDN)
	params.Set("_", nowMillis())
	req, err := c.newGetRequest(ctx, c.subdomain, "/rest/pvms/web/station/v1/overview/energy-flow", params)
	if err != nil {
		return err
	}
	var env envelope
	if err := c.doJSON(req, &env); err != nil {
		return err
	}
	if err := env.unwrap(fmt.Sprintf("plant flow for %s", plantDN), &flow.Data); err != nil {
		return err
	}
	flow.Success = true
	return nil
}

// GetBatteryIDs returns the batteries shown in the energy flow of a plant.
func (c *Client) GetBatteryIDs(ctx context.Context, plantDN string) ([]string, error) {
	flow, err := c.GetPlantFlow(ctx, plantDN)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, node := range flow.Data.Flow.Nodes {
		if !strings.Contains(node.Name, "energy_store") {
			continue
		}
		if len(node.DevIDs) == 0 {
			log.Ctx(ctx).WarnContext(ctx, "energy_store node without devIds", slog.String("name", node.Name))
			continue
		}
		ids = append(ids, idString(node.DevIDs[0]))
	}
	return ids, nil
}

// idString formats a devIds entry, which is usually numeric, as a string.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(id)
	}
}

// GetBatteryStatus returns the summary signals of a battery across all of its
// modules.
func (c *Client) GetBatteryStatus(ctx context.Context, dn string) ([]types.Signal, error) {
	var groups []types.SignalGroup
	err := c.withSession(ctx, func() error {
		params := url.Values{}
		params.Set("deviceDn", dn)
		params.Set("_", nowMillis())
		return c.getEnvelope(ctx, "/rest/pvms/web/device/v1/device-realtime-data", params, fmt.Sprintf("battery status for %s", dn), &groups)
	})
	if err != nil {
		return nil, err
	}
	if len(groups) < 2 {
		return nil, fmt.Errorf("%w: failed to retrieve battery status for %s: missing signal group", ErrAPI, dn)
	}
	return groups[1].Signals, nil
}

// GetBatteryModuleStats returns the latest signals of a single battery
// module. The requested signals are the ones in the module's signal table. A
// successful response without data returns no signals.
func (c *Client) GetBatteryModuleStats(ctx context.Context, dn, moduleID string) ([]types.Signal, error) {
	sigIDs, err := signals.ModuleSignalIDs(moduleID)
	if err != nil {
		return nil, err
	}
	var stats []types.Signal
	err = c.withSession(ctx, func() error {
		params := url.Values{}
		params.Set("sigids", strings.Join(sigIDs, ","))
		params.Set("dn", dn)
		params.Set("moduleId", moduleID)
		params.Set("_", nowMillis())
		req, err := c.newGetRequest(ctx, c.subdomain, "/rest/pvms/web/device/v1/query-battery-dc", params)
		if err != nil {
			return err
		}
		var env envelope
		if err := c.doJSON(req, &env); err != nil {
			return err
		}
		// modules that aren't installed come back without data
		return env.unwrapOptional(fmt.Sprintf("battery module %s for %s", moduleID, dn), &stats)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetAlarmData returns the current alarms of a device.
func (c *Client) GetAlarmData(ctx context.Context, dn string) (map[string]any, error) {
	var alarms map[string]any
	err := c.withSession(ctx, func() error {
		body := map[string]any{
			"dataType":   "CURRENT",
			"domainType": "OC_SOLAR",
			"pageNo":     1,
			"pageSize":   10,
			"nativeMeDn": dn,
		}
		req, err := c.newPostJSONRequest(ctx, c.subdomain, "/rest/pvms/fm/v1/query", nil, body)
		if err != nil {
			return err
		}
		return c.doJSON(req, &alarms)
	})
	if err != nil {
		return nil, err
	}
	return alarms, nil
}

// GetPowerStatus returns the power summary across every plant of the account.
func (c *Client) GetPowerStatus(ctx context.Context) (PowerStatus, error) {
	var kpi map[string]any
	err := c.withSession(ctx, func() error {
		now := nowMillis()
		params := url.Values{}
		params.Set("queryTime", now)
		params.Set("timeZone", "1")
		params.Set("_", now)
		return c.getEnvelope(ctx, "/rest/pvms/web/station/v1/station/total-real-kpi", params, "power status", &kpi)
	})
	if err != nil {
		return PowerStatus{}, err
	}

	var ps PowerStatus
	for key, dest := range map[string]*float64{
		"currentPower":     &ps.CurrentPowerKW,
		"dailyEnergy":      &ps.EnergyTodayKWH,
		"cumulativeEnergy": &ps.EnergyKWH,
	} {
		v, ok := ParseFloat(kpi[key])
		if !ok {
			return PowerStatus{}, fmt.Errorf("%w: invalid %s in power status: %v", ErrAPI, key, kpi[key])
		}
		*dest = v
	}
	return ps, nil
}

// ParseFloat converts a signal value, which FusionSolar sends as either a
// number or a string, into a float.
func ParseFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
