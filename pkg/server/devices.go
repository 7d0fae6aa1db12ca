package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/coordinator"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/sensor"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
)

type deviceStatus struct {
	types.Device
	Key               string     `json:"key"`
	LastUpdate        *time.Time `json:"lastUpdate,omitempty"`
	LastUpdateSuccess bool       `json:"lastUpdateSuccess"`
	LastError         string     `json:"lastError,omitempty"`
}

type sensorState struct {
	sensor.Entity
	State     any  `json:"state"`
	Available bool `json:"available"`
}

func statusOf(c *coordinator.Coordinator) deviceStatus {
	st := c.State()
	ds := deviceStatus{
		Device:            c.Device(),
		Key:               c.Device().Key(),
		LastUpdateSuccess: st.LastUpdateSuccess,
	}
	if !st.LastUpdate.IsZero() {
		ds.LastUpdate = &st.LastUpdate
	}
	if st.LastError != nil {
		ds.LastError = st.LastError.Error()
	}
	return ds
}

func sensorStates(c *coordinator.Coordinator) ([]sensorState, error) {
	st := c.State()
	entities, err := sensor.Build(c.Device(), st.Snapshot)
	if err != nil {
		return nil, err
	}
	states := make([]sensorState, len(entities))
	for i, e := range entities {
		e.Unit = sensor.Unit(e, st.Snapshot)
		states[i] = sensorState{
			Entity:    e,
			State:     sensor.State(e, st.Snapshot),
			Available: sensor.Available(e, st),
		}
	}
	return states, nil
}

func (s *Server) getCoordinator(w http.ResponseWriter, r *http.Request) (*coordinator.Coordinator, bool) {
	c, ok := s.coordinators.Get(r.PathValue("key"))
	if !ok {
		writeJSONError(w, "unknown device", http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	all := s.coordinators.All()
	list := make([]deviceStatus, len(all))
	for i, c := range all {
		list[i] = statusOf(c)
	}
	writeJSON(w, list)
}

func (s *Server) writeSensors(w http.ResponseWriter, r *http.Request, c *coordinator.Coordinator) {
	ctx := r.Context()
	states, err := sensorStates(c)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build sensors", slog.String("device", c.Device().Key()), slog.Any("error", err))
		writeJSONError(w, "failed to build sensors", http.StatusInternalServerError)
		return
	}
	writeJSON(w, states)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}
	s.writeSensors(w, r, c)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}
	if err := c.Refresh(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "manual refresh failed", slog.String("device", c.Device().Key()), slog.Any("error", err))
		writeJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeSensors(w, r, c)
}
