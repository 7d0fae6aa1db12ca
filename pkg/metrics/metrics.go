// Package metrics exports the latest sensor states as Prometheus metrics.
package metrics

import (
	"context"
	"log/slog"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/coordinator"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/sensor"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements prometheus.Collector over the coordinators. Nothing is
// fetched on scrape, the last polled state is reported. Devices are labelled
// by DN and type since a plant and its energy flow share a DN.
type Collector struct {
	coordinators *coordinator.Map

	sensorValue       *prometheus.Desc
	updateSuccess     *prometheus.Desc
	lastUpdateTime    *prometheus.Desc
	entitiesAvailable *prometheus.Desc
}

// NewCollector returns a collector reporting every coordinator in m.
func NewCollector(m *coordinator.Map) *Collector {
	return &Collector{
		coordinators: m,
		sensorValue: prometheus.NewDesc(
			"fusionsolarplus_sensor_value",
			"Latest numeric state of a sensor",
			[]string{"device", "type", "entity", "name", "unit"},
			nil,
		),
		updateSuccess: prometheus.NewDesc(
			"fusionsolarplus_update_success",
			"Whether the last refresh of the device succeeded",
			[]string{"device", "type"},
			nil,
		),
		lastUpdateTime: prometheus.NewDesc(
			"fusionsolarplus_last_update_timestamp_seconds",
			"Unix time of the last refresh of the device",
			[]string{"device", "type"},
			nil,
		),
		entitiesAvailable: prometheus.NewDesc(
			"fusionsolarplus_entities_available",
			"Number of available sensors of the device",
			[]string{"device", "type"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sensorValue
	ch <- c.updateSuccess
	ch <- c.lastUpdateTime
	ch <- c.entitiesAvailable
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, co := range c.coordinators.All() {
		d := co.Device()
		s := co.State()
		typ := string(d.Type)

		success := 0.0
		if s.LastUpdateSuccess {
			success = 1
		}
		ch <- prometheus.MustNewConstMetric(c.updateSuccess, prometheus.GaugeValue, success, d.ID, typ)
		if !s.LastUpdate.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastUpdateTime, prometheus.GaugeValue, float64(s.LastUpdate.UnixNano())/1e9, d.ID, typ)
		}

		entities, err := sensor.Build(d, s.Snapshot)
		if err != nil {
			log.Ctx(context.Background()).Error("failed to build entities for metrics", slog.String("device", d.Key()), slog.Any("error", err))
			continue
		}
		var available int
		for _, e := range entities {
			if !sensor.Available(e, s) {
				continue
			}
			available++
			v, ok := sensor.State(e, s.Snapshot).(float64)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.sensorValue, prometheus.GaugeValue, v, d.ID, typ, e.ObjectID, e.Name, sensor.Unit(e, s.Snapshot))
		}
		ch <- prometheus.MustNewConstMetric(c.entitiesAvailable, prometheus.GaugeValue, float64(available), d.ID, typ)
	}
}
