// Package notify delivers household announcements over MQTT. Each
// announcement is published to a per-room topic that TTS bridges and
// dashboards subscribe to. The sink also registers itself in Home
// Assistant via MQTT discovery with availability and a few diagnostic
// sensors.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hearthd/hearth/internal/buildinfo"
	"github.com/hearthd/hearth/internal/config"
)

// Announcement is the JSON payload published for each notification.
type Announcement struct {
	Message string    `json:"message"`
	Room    string    `json:"room,omitempty"`
	Urgency string    `json:"urgency"`
	At      time.Time `json:"at"`
}

// Sink manages the MQTT connection and publishes announcements,
// availability, and diagnostic sensor states.
type Sink struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	delivered atomic.Int64
}

// New creates a Sink but does not connect. Call Start to begin the
// connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger,
	}
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it publishes discovery configs and availability.
func (s *Sink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := s.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			s.publishDiscovery(ctx, cm)
			s.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hearth-" + s.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	s.runLoop(ctx)
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (s *Sink) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.publishAvailability(ctx, s.cm, "offline")
	return s.cm.Disconnect(ctx)
}

// Announce publishes one notification. Room selects the per-room
// topic; an empty room addresses the whole house.
func (s *Sink) Announce(ctx context.Context, room, message, urgency string) error {
	if s.cm == nil {
		return fmt.Errorf("notification sink not connected")
	}
	if urgency == "" {
		urgency = "medium"
	}

	payload, err := json.Marshal(Announcement{
		Message: message,
		Room:    room,
		Urgency: urgency,
		At:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}

	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   s.announceTopic(room),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish announcement: %w", err)
	}

	s.delivered.Add(1)
	s.logger.Debug("announcement published", "room", room, "urgency", urgency)
	return nil
}

// --- Topic helpers ---

func (s *Sink) baseTopic() string {
	return "hearth/" + s.cfg.DeviceName
}

func (s *Sink) availabilityTopic() string {
	return s.baseTopic() + "/availability"
}

func (s *Sink) announceTopic(room string) string {
	base := s.cfg.AnnounceTopic
	if base == "" {
		base = s.baseTopic() + "/announce"
	}
	if room == "" {
		return base
	}
	return base + "/" + room
}

func (s *Sink) stateTopic(entity string) string {
	return s.baseTopic() + "/" + entity + "/state"
}

func (s *Sink) discoveryTopic(component, entity string) string {
	return s.cfg.DiscoveryPrefix + "/" + component + "/" + s.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (s *Sink) sensorDefinitions() []sensorDef {
	avail := s.availabilityTopic()
	return []sensorDef{
		{
			entitySuffix: "uptime",
			config: SensorConfig{
				Name:              s.device.Name + " Uptime",
				UniqueID:          s.instanceID + "_uptime",
				StateTopic:        s.stateTopic("uptime"),
				AvailabilityTopic: avail,
				Device:            s.device,
				Icon:              "mdi:clock-outline",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "version",
			config: SensorConfig{
				Name:              s.device.Name + " Version",
				UniqueID:          s.instanceID + "_version",
				StateTopic:        s.stateTopic("version"),
				AvailabilityTopic: avail,
				Device:            s.device,
				Icon:              "mdi:tag",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "announcements",
			config: SensorConfig{
				Name:              s.device.Name + " Announcements",
				UniqueID:          s.instanceID + "_announcements",
				StateTopic:        s.stateTopic("announcements"),
				AvailabilityTopic: avail,
				Device:            s.device,
				Icon:              "mdi:bullhorn",
				StateClass:        "total_increasing",
			},
		},
	}
}

func (s *Sink) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, def := range s.sensorDefinitions() {
		topic := s.discoveryTopic("sensor", def.entitySuffix)
		payload, err := json.Marshal(def.config)
		if err != nil {
			s.logger.Error("mqtt marshal discovery payload", "entity", def.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			s.logger.Warn("mqtt discovery publish failed", "entity", def.entitySuffix, "topic", topic, "error", err)
		}
	}
}

func (s *Sink) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

// --- Periodic state loop ---

func (s *Sink) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStates(ctx)
		}
	}
}

func (s *Sink) publishStates(ctx context.Context) {
	if s.cm == nil {
		return
	}

	states := map[string]string{
		"uptime":        buildinfo.Uptime().Truncate(time.Second).String(),
		"version":       buildinfo.Version,
		"announcements": strconv.FormatInt(s.delivered.Load(), 10),
	}

	for entity, value := range states {
		if _, err := s.cm.Publish(ctx, &paho.Publish{
			Topic:   s.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			s.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
}
