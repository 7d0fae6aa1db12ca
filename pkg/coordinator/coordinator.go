// Package coordinator polls FusionSolar for every configured device and
// recovers the session when it expires.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/signals"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
)

const (
	// DefaultInterval is how often a device is polled.
	DefaultInterval = 15 * time.Second

	maxRetries = 2
)

// API is the part of the FusionSolar client the coordinator needs.
type API interface {
	Login(ctx context.Context) error
	IsSessionActive(ctx context.Context) (bool, error)
	GetRealTimeData(ctx context.Context, dn string) (*types.RealTimeData, error)
	GetCurrentPlantData(ctx context.Context, plantDN string) (types.PlantData, error)
	GetBatteryStatus(ctx context.Context, dn string) ([]types.Signal, error)
	GetBatteryModuleStats(ctx context.Context, dn, moduleID string) ([]types.Signal, error)
	GetPlantFlow(ctx context.Context, plantDN string) (*types.FlowData, error)
}

// ClientFactory returns a new logged in client for the device.
type ClientFactory func(ctx context.Context, d types.Device) (API, error)

// State is the result of the latest refresh.
type State struct {
	// Snapshot is the data of the last successful refresh. It is kept when a
	// later refresh fails.
	Snapshot          *types.Snapshot
	LastUpdateSuccess bool
	LastUpdate        time.Time
	LastError         error
}

// HasData returns true if the last refresh succeeded and returned data.
func (s State) HasData() bool {
	return s.LastUpdateSuccess && s.Snapshot != nil
}

// Listener is called after every refresh, successful or not.
type Listener func(ctx context.Context, d types.Device, s State)

// Coordinator polls a single device.
type Coordinator struct {
	device    types.Device
	interval  time.Duration
	newClient ClientFactory

	// sleep waits between attempts, replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	refreshMu sync.Mutex
	client    API

	mu        sync.RWMutex
	state     State
	listeners []Listener
}

// New returns a coordinator for the device. client may be nil, in which case
// one is created with newClient on the first refresh.
func New(d types.Device, client API, newClient ClientFactory, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coordinator{
		device:    d,
		interval:  interval,
		newClient: newClient,
		client:    client,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Device returns the device being polled.
func (c *Coordinator) Device() types.Device {
	return c.device
}

// State returns the result of the latest refresh.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AddListener registers l to be called after every refresh.
func (c *Coordinator) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Run refreshes immediately and then every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ctx = c.logCtx(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.refresh(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to refresh device", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) logCtx(ctx context.Context) context.Context {
	return log.WithAttrs(ctx,
		slog.String("device", c.device.ID),
		slog.String("deviceType", string(c.device.Type)),
	)
}

// Refresh fetches the latest data for the device, updates the state and
// notifies the listeners.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.refresh(c.logCtx(ctx))
}

func (c *Coordinator) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	snap, err := c.update(ctx)

	c.mu.Lock()
	c.state.LastUpdate = c.now()
	c.state.LastError = err
	c.state.LastUpdateSuccess = err == nil
	if err == nil {
		c.state.Snapshot = snap
	}
	state := c.state
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l(ctx, c.device, state)
	}
	return err
}

func (c *Coordinator) update(ctx context.Context) (*types.Snapshot, error) {
	if c.client == nil || !c.ensureLoggedIn(ctx) {
		c.client = c.createClient(ctx)
	}

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var snap *types.Snapshot
		if c.client == nil {
			err = errors.New("no active fusionsolar client")
		} else {
			snap, err = c.fetch(ctx)
		}
		if err == nil {
			return snap, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == maxRetries {
			break
		}

		log.Ctx(ctx).DebugContext(ctx, "fetching data failed, trying to recover", slog.Int("attempt", attempt), slog.Any("error", err))
		recovered := c.relogin(ctx)
		if !recovered {
			if client := c.createClient(ctx); client != nil {
				c.client = client
				recovered = true
			}
		}
		wait := time.Second
		if recovered {
			wait = 2 * time.Second
		}
		if serr := c.sleep(ctx, wait); serr != nil {
			return nil, serr
		}
	}
	return nil, fmt.Errorf("error fetching data after %d attempts: %w", maxRetries+1, err)
}

// ensureLoggedIn logs in again if the session isn't active and returns
// whether the session is active afterwards.
func (c *Coordinator) ensureLoggedIn(ctx context.Context) bool {
	active, err := c.client.IsSessionActive(ctx)
	if err == nil && active {
		return true
	}
	return c.relogin(ctx)
}

func (c *Coordinator) relogin(ctx context.Context) bool {
	if c.client == nil {
		return false
	}
	if err := c.client.Login(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to log in again", slog.Any("error", err))
		return false
	}
	active, err := c.client.IsSessionActive(ctx)
	if err != nil || !active {
		log.Ctx(ctx).WarnContext(ctx, "login completed but session still not active", slog.Any("error", err))
		return false
	}
	return true
}

// createClient returns a new client with an active session or nil.
func (c *Coordinator) createClient(ctx context.Context) API {
	if c.newClient == nil {
		return nil
	}
	client, err := c.newClient(ctx, c.device)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create fusionsolar client", slog.Any("error", err))
		return nil
	}
	active, err := client.IsSessionActive(ctx)
	if err != nil || !active {
		log.Ctx(ctx).ErrorContext(ctx, "new fusionsolar client has no active session", slog.Any("error", err))
		return nil
	}
	return client
}

func (c *Coordinator) fetch(ctx context.Context) (*types.Snapshot, error) {
	snap := &types.Snapshot{
		Timestamp:  c.now(),
		DeviceType: c.device.Type,
	}
	switch c.device.Type {
	case types.DeviceTypeInverter:
		rt, err := c.client.GetRealTimeData(ctx, c.device.ID)
		if err != nil {
			return nil, err
		}
		if rt == nil {
			return nil, errors.New("api returned no response")
		}
		snap.RealTime = rt
	case types.DeviceTypePlant:
		plant, err := c.client.GetCurrentPlantData(ctx, c.device.ID)
		if err != nil {
			return nil, err
		}
		if plant == nil {
			return nil, errors.New("api returned no response")
		}
		snap.Plant = plant
	case types.DeviceTypeBattery:
		status, err := c.client.GetBatteryStatus(ctx, c.device.ID)
		if err != nil {
			return nil, err
		}
		if status == nil {
			return nil, errors.New("api returned no response")
		}
		snap.Battery = status
		snap.Modules = make(map[string][]types.Signal)
		for _, moduleID := range signals.ModuleIDs() {
			stats, err := c.client.GetBatteryModuleStats(ctx, c.device.ID, moduleID)
			if err != nil {
				return nil, err
			}
			if len(stats) > 0 {
				snap.Modules[moduleID] = stats
			}
		}
	case types.DeviceTypeFlow:
		flow, err := c.client.GetPlantFlow(ctx, c.device.ID)
		if err != nil {
			return nil, err
		}
		if flow == nil {
			return nil, errors.New("api returned no response")
		}
		snap.Flow = flow
	default:
		return nil, fmt.Errorf("unsupported device type: %s", c.device.Type)
	}
	return snap, nil
}
