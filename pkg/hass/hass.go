// Package hass exposes the sensors to Home Assistant through MQTT discovery.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/common"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/coordinator"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/sensor"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/signals"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	manufacturer   = "FusionSolar"
	publishTimeout = 10 * time.Second
)

// Publisher is the part of mqtt.Client used to publish.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Config configures the MQTT connection and topics.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// DiscoveryMessage is the config of a single sensor.
type DiscoveryMessage struct {
	Name              string         `json:"name"`
	UniqueID          string         `json:"unique_id"`
	ObjectID          string         `json:"object_id"`
	StateTopic        string         `json:"state_topic"`
	ValueTemplate     string         `json:"value_template"`
	DeviceClass       string         `json:"device_class,omitempty"`
	UnitOfMeasurement string         `json:"unit_of_measurement,omitempty"`
	StateClass        string         `json:"state_class,omitempty"`
	Device            DeviceInfo     `json:"device"`
	Availability      []Availability `json:"availability"`
	AvailabilityMode  string         `json:"availability_mode"`
}

// Availability is one availability topic of a sensor.
type Availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

// DeviceInfo groups the sensors of a device in Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// Bridge publishes discovery configs, states and availability.
type Bridge struct {
	cfg    Config
	client Publisher
	conn   mqtt.Client

	mu sync.Mutex
	// published holds the entity signature last announced per device key
	published map[string]string
	// latest holds the last update per device key
	latest map[string]update
}

type update struct {
	device types.Device
	state  coordinator.State
}

// Configured registers the mqtt flags.
func Configured() *Bridge {
	broker := lflag.String("mqtt-broker", "", "MQTT broker to publish Home Assistant sensors to, e.g. tcp://localhost:1883 (optional)")
	clientID := lflag.String("mqtt-client-id", "fusionsolarplus", "MQTT client id")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	prefix := lflag.String("mqtt-topic-prefix", "fusionsolarplus", "Prefix of the state and availability topics")
	discovery := lflag.String("hass-discovery-prefix", "homeassistant", "Home Assistant MQTT discovery prefix")

	b := NewBridge(Config{}, nil)
	lflag.Do(func() {
		b.cfg = Config{
			Broker:          *broker,
			ClientID:        *clientID,
			Username:        *username,
			Password:        *password,
			TopicPrefix:     strings.TrimSuffix(*prefix, "/"),
			DiscoveryPrefix: strings.TrimSuffix(*discovery, "/"),
		}
	})
	return b
}

// NewBridge returns a bridge publishing with client. client may be nil if
// Connect is called later.
func NewBridge(cfg Config, client Publisher) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "fusionsolarplus"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	return &Bridge{
		cfg:       cfg,
		client:    client,
		published: make(map[string]string),
		latest:    make(map[string]update),
	}
}

// Enabled returns true if a broker is configured or a client was given.
func (b *Bridge) Enabled() bool {
	return b.cfg.Broker != "" || b.client != nil
}

// Connect connects to the broker. The bridge status topic is set to offline
// by the broker when the connection drops.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.cfg.Broker == "" {
		return errors.New("no mqtt broker configured")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetKeepAlive(30*time.Second).
		SetWill(b.StatusTopic(), payloadOffline, 1, true).
		SetAutoReconnect(true).
		SetResumeSubs(true).
		SetOrderMatters(false)

	opts.OnConnect = func(c mqtt.Client) {
		log.Ctx(ctx).InfoContext(ctx, "mqtt connected", slog.String("broker", b.cfg.Broker))
		c.Publish(b.StatusTopic(), 1, true, payloadOnline)
		c.Subscribe(b.cfg.DiscoveryPrefix+"/status", 0, func(_ mqtt.Client, m mqtt.Message) {
			if string(m.Payload()) == payloadOnline {
				log.Ctx(ctx).InfoContext(ctx, "home assistant came online, republishing discovery")
				b.Republish(ctx)
			}
		})
		// the broker may have lost retained configs
		b.Republish(ctx)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	}

	c := mqtt.NewClient(opts)
	if token := c.Connect(); !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out connecting to mqtt broker %s", b.cfg.Broker)
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", b.cfg.Broker, err)
	}
	b.conn = c
	b.client = c
	return nil
}

// Close marks the bridge offline and disconnects.
func (b *Bridge) Close() {
	if b.conn == nil {
		return
	}
	b.conn.Publish(b.StatusTopic(), 1, true, payloadOffline).WaitTimeout(publishTimeout)
	b.conn.Disconnect(250)
}

// Republish announces the entities and publishes the states of every device
// seen so far again. Nothing is published for devices without an update.
func (b *Bridge) Republish(ctx context.Context) {
	b.mu.Lock()
	b.published = make(map[string]string)
	updates := make([]update, 0, len(b.latest))
	for _, u := range b.latest {
		updates = append(updates, u)
	}
	b.mu.Unlock()

	sort.Slice(updates, func(i, j int) bool {
		return updates[i].device.Key() < updates[j].device.Key()
	})
	for _, u := range updates {
		b.Update(ctx, u.device, u.state)
	}
}

// StatusTopic is the availability topic of the bridge itself.
func (b *Bridge) StatusTopic() string {
	return b.cfg.TopicPrefix + "/status"
}

// deviceObjectID is the device key as a topic segment, e.g. plant_ne_10.
func deviceObjectID(d types.Device) string {
	return sensor.ObjectID(d.Key())
}

// StateTopic is where the JSON state document of a device is published.
func (b *Bridge) StateTopic(d types.Device) string {
	return b.cfg.TopicPrefix + "/" + deviceObjectID(d) + "/state"
}

// AvailabilityTopic is the availability topic of a device.
func (b *Bridge) AvailabilityTopic(d types.Device) string {
	return b.cfg.TopicPrefix + "/" + deviceObjectID(d) + "/availability"
}

// ModuleAvailabilityTopic is the availability topic of a battery module.
func (b *Bridge) ModuleAvailabilityTopic(d types.Device, moduleID string) string {
	return b.cfg.TopicPrefix + "/" + deviceObjectID(d) + "/module" + moduleID + "/availability"
}

// DiscoveryTopic is the config topic of an entity.
func (b *Bridge) DiscoveryTopic(d types.Device, e sensor.Entity) string {
	return b.cfg.DiscoveryPrefix + "/sensor/fusionsolarplus_" + deviceObjectID(d) + "/" + e.ObjectID + "/config"
}

func deviceInfo(d types.Device) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{"fusionsolarplus_" + d.Key()},
		Name:         d.DisplayName(),
		Manufacturer: manufacturer,
		Model:        string(d.Type),
		SwVersion:    common.Version(),
	}
}

func availability(topic string) Availability {
	return Availability{
		Topic:               topic,
		PayloadAvailable:    payloadOnline,
		PayloadNotAvailable: payloadOffline,
	}
}

// Discovery returns the discovery config of an entity.
func (b *Bridge) Discovery(d types.Device, e sensor.Entity, snap *types.Snapshot) DiscoveryMessage {
	avail := []Availability{
		availability(b.StatusTopic()),
		availability(b.AvailabilityTopic(d)),
	}
	if e.Kind == sensor.KindModule {
		avail = append(avail, availability(b.ModuleAvailabilityTopic(d, e.ModuleID)))
	}
	return DiscoveryMessage{
		Name:              e.Name,
		UniqueID:          e.UniqueID,
		ObjectID:          e.ObjectID,
		StateTopic:        b.StateTopic(d),
		ValueTemplate:     "{{ value_json." + e.ObjectID + " }}",
		DeviceClass:       e.DeviceClass,
		UnitOfMeasurement: sensor.Unit(e, snap),
		StateClass:        e.StateClass,
		Device:            deviceInfo(d),
		Availability:      avail,
		AvailabilityMode:  "all",
	}
}

func (b *Bridge) publish(topic string, payload []byte) error {
	if b.client == nil {
		return errors.New("mqtt not connected")
	}
	token := b.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// PublishDiscovery publishes the retained discovery config of every entity.
func (b *Bridge) PublishDiscovery(ctx context.Context, d types.Device, entities []sensor.Entity, snap *types.Snapshot) error {
	for _, e := range entities {
		payload, err := json.Marshal(b.Discovery(d, e, snap))
		if err != nil {
			return fmt.Errorf("failed to marshal discovery for %s: %w", e.UniqueID, err)
		}
		if err := b.publish(b.DiscoveryTopic(d, e), payload); err != nil {
			return err
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "published discovery", slog.Int("entities", len(entities)))
	return nil
}

// StateDocument returns the values of every entity keyed by object id.
// Missing values are null, which Home Assistant shows as unknown.
func StateDocument(entities []sensor.Entity, snap *types.Snapshot) map[string]any {
	doc := make(map[string]any, len(entities))
	for _, e := range entities {
		doc[e.ObjectID] = sensor.State(e, snap)
	}
	return doc
}

func onlineIf(ok bool) []byte {
	if ok {
		return []byte(payloadOnline)
	}
	return []byte(payloadOffline)
}

// PublishState publishes the state document and the availability of the
// device and its battery modules.
func (b *Bridge) PublishState(ctx context.Context, d types.Device, entities []sensor.Entity, state coordinator.State) error {
	if state.HasData() {
		payload, err := json.Marshal(StateDocument(entities, state.Snapshot))
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		if err := b.publish(b.StateTopic(d), payload); err != nil {
			return err
		}
	}
	if err := b.publish(b.AvailabilityTopic(d), onlineIf(state.HasData())); err != nil {
		return err
	}
	if d.Type != types.DeviceTypeBattery {
		return nil
	}
	for _, moduleID := range signals.ModuleIDs() {
		ok := sensor.Available(sensor.Entity{Kind: sensor.KindModule, ModuleID: moduleID}, state)
		if err := b.publish(b.ModuleAvailabilityTopic(d, moduleID), onlineIf(ok)); err != nil {
			return err
		}
	}
	return nil
}

func signature(entities []sensor.Entity, snap *types.Snapshot) string {
	parts := make([]string, len(entities))
	for i, e := range entities {
		parts[i] = e.UniqueID + "|" + sensor.Unit(e, snap)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Update is a coordinator.Listener. Discovery is published whenever the set
// of entities of the device changes, states on every refresh.
func (b *Bridge) Update(ctx context.Context, d types.Device, state coordinator.State) {
	entities, err := sensor.Build(d, state.Snapshot)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build entities", slog.Any("error", err))
		return
	}

	key := d.Key()
	sig := signature(entities, state.Snapshot)
	b.mu.Lock()
	b.latest[key] = update{device: d, state: state}
	changed := b.published[key] != sig
	b.mu.Unlock()

	if changed {
		if err := b.PublishDiscovery(ctx, d, entities, state.Snapshot); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to publish discovery", slog.Any("error", err))
			return
		}
		b.mu.Lock()
		b.published[key] = sig
		b.mu.Unlock()
		log.Ctx(ctx).InfoContext(ctx, "announced entities to home assistant", slog.Int("entities", len(entities)))
	}

	if err := b.PublishState(ctx, d, entities, state); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish state", slog.Any("error", err))
	}
}
