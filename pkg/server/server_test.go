package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/coordinator"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/fusionsolar/fusionsolarmock"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/storage/storagemock"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	inverter = types.Device{ID: "NE=1", Name: "Roof", Type: types.DeviceTypeInverter, Username: "u", Password: "secret"}
	plant    = types.Device{ID: "NE=2", Name: "Home", Type: types.DeviceTypePlant, Username: "u", Password: "secret"}
)

func inverterClient() *fusionsolarmock.MockClient {
	client := &fusionsolarmock.MockClient{}
	client.On("IsSessionActive", mock.Anything).Return(true, nil)
	client.On("GetRealTimeData", mock.Anything, "NE=1").Return(&types.RealTimeData{
		Data: []types.SignalGroup{{Signals: []types.Signal{{ID: 10018, Unit: "kW", Value: "2.5"}}}},
	}, nil)
	return client
}

func setupServer(t *testing.T) (*Server, *coordinator.Map, *storagemock.MockDatabase) {
	t.Helper()
	m := coordinator.NewMap()
	m.Set(coordinator.New(inverter, inverterClient(), nil, 0))
	// neither a client nor a factory, refreshes always fail
	m.Set(coordinator.New(plant, nil, nil, 0))

	db := &storagemock.MockDatabase{}
	return New(m, db), m, db
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _, _ := setupServer(t)
	w := do(t, srv.setupHandler(), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.True(t, strings.HasPrefix(w.Header().Get("Server"), "fusionsolarplus/"))
}

func TestDevices(t *testing.T) {
	srv, m, _ := setupServer(t)
	h := srv.setupHandler()

	c, ok := m.Get("inverter:NE=1")
	require.True(t, ok)
	require.NoError(t, c.Refresh(context.Background()))

	t.Run("List", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/devices")
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "secret")

		var list []struct {
			ID                string     `json:"id"`
			Key               string     `json:"key"`
			Name              string     `json:"name"`
			Type              string     `json:"type"`
			LastUpdate        *time.Time `json:"lastUpdate"`
			LastUpdateSuccess bool       `json:"lastUpdateSuccess"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
		require.Len(t, list, 2)
		assert.Equal(t, "NE=1", list[0].ID)
		assert.Equal(t, "inverter:NE=1", list[0].Key)
		assert.Equal(t, "Roof", list[0].Name)
		assert.True(t, list[0].LastUpdateSuccess)
		assert.NotNil(t, list[0].LastUpdate)
		assert.Equal(t, "NE=2", list[1].ID)
		assert.False(t, list[1].LastUpdateSuccess)
		assert.Nil(t, list[1].LastUpdate)
	})

	t.Run("Sensors", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/devices/inverter:NE=1/sensors")
		require.Equal(t, http.StatusOK, w.Code)

		var states []sensorState
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
		require.Len(t, states, 19)
		var found bool
		for _, s := range states {
			if s.UniqueID == "NE=1_10018" {
				found = true
				assert.Equal(t, 2.5, s.State)
				assert.True(t, s.Available)
				assert.Equal(t, "kW", s.Unit)
			}
		}
		assert.True(t, found)
	})

	t.Run("Unavailable Sensors", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/devices/plant:NE=2/sensors")
		require.Equal(t, http.StatusOK, w.Code)
		var states []sensorState
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
		require.NotEmpty(t, states)
		for _, s := range states {
			assert.False(t, s.Available)
			assert.Nil(t, s.State)
		}
	})

	t.Run("Unknown Device", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/devices/inverter:NE=9/sensors")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Refresh", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/devices/inverter:NE=1/refresh")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Refresh Fails", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/devices/plant:NE=2/refresh")
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Contains(t, w.Body.String(), "error fetching data after 3 attempts")
	})

	t.Run("Refresh Wrong Method", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/devices/inverter:NE=1/refresh")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestHistory(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(12 * time.Hour)

	t.Run("Range", func(t *testing.T) {
		srv, _, db := setupServer(t)
		snaps := []types.Snapshot{{Timestamp: start.Add(time.Hour), DeviceType: types.DeviceTypeInverter}}
		db.On("GetSnapshots", mock.Anything, "inverter:NE=1", start, end).Return(snaps, nil)

		w := do(t, srv.setupHandler(), http.MethodGet, "/api/devices/inverter:NE=1/history?start="+start.Format(time.RFC3339)+"&end="+end.Format(time.RFC3339))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "private, max-age=86400", w.Header().Get("Cache-Control"))

		var got []types.Snapshot
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.True(t, snaps[0].Timestamp.Equal(got[0].Timestamp))
		db.AssertExpectations(t)
	})

	t.Run("Default Range", func(t *testing.T) {
		srv, _, db := setupServer(t)
		db.On("GetSnapshots", mock.Anything, "inverter:NE=1", mock.Anything, mock.Anything).Return([]types.Snapshot{}, nil)

		w := do(t, srv.setupHandler(), http.MethodGet, "/api/devices/inverter:NE=1/history")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "private, max-age=60", w.Header().Get("Cache-Control"))
	})

	t.Run("Invalid Range", func(t *testing.T) {
		srv, _, _ := setupServer(t)
		h := srv.setupHandler()

		w := do(t, h, http.MethodGet, "/api/devices/inverter:NE=1/history?start=yesterday&end=today")
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = do(t, h, http.MethodGet, "/api/devices/inverter:NE=1/history?start="+end.Format(time.RFC3339)+"&end="+start.Format(time.RFC3339))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = do(t, h, http.MethodGet, "/api/devices/inverter:NE=1/history?start="+start.Format(time.RFC3339)+"&end="+start.Add(8*24*time.Hour).Format(time.RFC3339))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Storage Error", func(t *testing.T) {
		srv, _, db := setupServer(t)
		db.On("GetSnapshots", mock.Anything, "inverter:NE=1", mock.Anything, mock.Anything).Return(nil, errors.New("unavailable"))

		w := do(t, srv.setupHandler(), http.MethodGet, "/api/devices/inverter:NE=1/history")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestSameDNDevices(t *testing.T) {
	m := coordinator.NewMap()
	m.Set(coordinator.New(types.Device{ID: "NE=10", Name: "Home", Type: types.DeviceTypePlant}, nil, nil, 0))
	m.Set(coordinator.New(types.Device{ID: "NE=10", Name: "Home Flow", Type: types.DeviceTypeFlow}, nil, nil, 0))
	h := New(m, &storagemock.MockDatabase{}).setupHandler()

	w := do(t, h, http.MethodGet, "/api/devices")
	require.Equal(t, http.StatusOK, w.Code)
	var list []deviceStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "flow:NE=10", list[0].Key)
	assert.Equal(t, "plant:NE=10", list[1].Key)

	for key, name := range map[string]string{"plant:NE=10": "Home", "flow:NE=10": "Home Flow"} {
		w := do(t, h, http.MethodGet, "/api/devices/"+key+"/sensors")
		require.Equal(t, http.StatusOK, w.Code, key)
		var states []sensorState
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
		assert.NotEmpty(t, states, name)
	}
}

func TestMetrics(t *testing.T) {
	srv, m, _ := setupServer(t)
	c, _ := m.Get("inverter:NE=1")
	require.NoError(t, c.Refresh(context.Background()))

	w := do(t, srv.setupHandler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `fusionsolarplus_sensor_value{device="NE=1",entity="ne_1_10018",name="Current Active Power",type="Inverter",unit="kW"} 2.5`)
	assert.Contains(t, body, `fusionsolarplus_update_success{device="NE=2",type="Plant"} 0`)
	assert.Contains(t, body, "go_goroutines")
}
