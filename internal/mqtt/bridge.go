// Package mqtt bridges the in-process telemetry bus to an MQTT broker
// so external dashboards can observe sessions without holding a
// websocket connection.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/oakandowl/gamemaster/internal/config"
	"github.com/oakandowl/gamemaster/internal/telemetry"
)

// Bridge subscribes to the telemetry bus and republishes every event to
// the broker under <prefix>/sessions/<id>/events/<name>. Connection
// management is delegated to autopaho, which reconnects on its own.
type Bridge struct {
	cfg    config.MQTTConfig
	bus    *telemetry.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewBridge creates a Bridge but does not connect. Call [Bridge.Start]
// to begin forwarding events.
func NewBridge(cfg config.MQTTConfig, bus *telemetry.Bus, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
	}
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. On every (re-)connect it publishes an "online" availability
// message; the broker's will message covers unclean exits.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.cfg.TopicPrefix + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.BrokerURL)
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "gamemaster",
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
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background, so forwarding can
		// start now and events simply drop until the broker is up.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.forward(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

func (b *Bridge) forward(ctx context.Context) {
	events := b.bus.Subscribe(256)
	defer b.bus.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			b.publishEvent(ctx, e)
		}
	}
}

func (b *Bridge) publishEvent(ctx context.Context, e telemetry.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("mqtt marshal event", "event", e.Name, "error", err)
		return
	}

	topic := fmt.Sprintf("%s/sessions/%s/events/%s", b.cfg.TopicPrefix, e.SessionID, e.Name)
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.cfg.TopicPrefix + "/availability",
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}
