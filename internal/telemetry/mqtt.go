// Package telemetry relays client events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/chatroom-project/chatroom/internal/config"
	"github.com/chatroom-project/chatroom/internal/events"
	"github.com/chatroom-project/chatroom/internal/util"
)

// Topic suffixes below <prefix>/<player>.
const (
	TopicStatus       = "status"
	TopicNotification = "notification"
	TopicDisconnected = "disconnected"
	TopicException    = "exception"
)

// ErrDisabled is returned by NewRelay when MQTT is switched off.
var ErrDisabled = errors.New("MQTT relay is disabled")

// Relay publishes client events as JSON messages.
type Relay struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	prefix   string
	metadata map[string]interface{}
}

// NewRelay creates a relay publishing under <TopicPrefix>/<player>.
func NewRelay(cfg config.MQTTConfig, player string, eventBus *events.EventBus) (*Relay, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	r := &Relay{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   util.ComponentLogger("mqtt"),
		prefix:   TopicBase(cfg.TopicPrefix, player),
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"platform":  sysInfo.Platform,
			"os":        sysInfo.OS,
			"cpu_model": sysInfo.CPUModel,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
			"player":    player,
		},
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("chatroom-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tc, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tc)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		r.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		r.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	r.client = mqtt.NewClient(opts)
	return r, nil
}

// BrokerURL returns the broker address for cfg.
func BrokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port)
}

// TopicBase joins prefix and player into a topic root. MQTT wildcard and
// separator characters in the player name are replaced.
func TopicBase(prefix, player string) string {
	if prefix == "" {
		prefix = "chatroom"
	}
	player = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(player)
	if player == "" {
		player = "anonymous"
	}
	return strings.TrimSuffix(prefix, "/") + "/" + player
}

func tlsConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	// mTLS
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in MQTT CA file %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// Start connects to the broker, relays events until ctx is cancelled and
// then disconnects.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info().
		Str("broker", r.cfg.BrokerURL).
		Int("port", r.cfg.Port).
		Msg("connecting to MQTT broker")

	token := r.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	r.subscribeEvents()
	r.publish(TopicStatus, map[string]interface{}{"event": "online"})

	<-ctx.Done()

	r.publish(TopicStatus, map[string]interface{}{"event": "offline"})
	r.client.Disconnect(5000)
	r.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (r *Relay) subscribeEvents() {
	r.eventBus.Subscribe(events.EventNotification, "mqtt.notification", r.onNotification)
	r.eventBus.Subscribe(events.EventDisconnected, "mqtt.disconnected", r.onDisconnected)
	r.eventBus.Subscribe(events.EventException, "mqtt.exception", r.onException)
	r.eventBus.Subscribe(events.EventJoinedRoom, "mqtt.joinedRoom", r.onJoinedRoom)
}

// Topic returns the full topic for a suffix.
func (r *Relay) Topic(suffix string) string {
	return r.prefix + "/" + suffix
}

func (r *Relay) publish(suffix string, payload interface{}) {
	if !r.client.IsConnected() {
		return
	}

	topic := r.Topic(suffix)
	data, err := json.Marshal(BuildMessage(r.metadata, payload, time.Now()))
	if err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := r.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			r.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// BuildMessage merges metadata with the event payload.
func BuildMessage(metadata map[string]interface{}, payload interface{}, at time.Time) map[string]interface{} {
	msg := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = at.UTC().Format(time.RFC3339)
	return msg
}

// NotificationMessage describes a received packet for publishing.
func NotificationMessage(p events.NotificationPayload) map[string]interface{} {
	return map[string]interface{}{
		"kind":        p.Packet.Kind(),
		"packet":      p.Packet,
		"received_at": p.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
}

// DisconnectMessage describes a disconnect; a nil cause is a local close.
func DisconnectMessage(p events.DisconnectedPayload) map[string]interface{} {
	msg := map[string]interface{}{
		"address": p.Address,
		"local":   p.Cause == nil,
	}
	if p.Cause != nil {
		msg["cause"] = p.Cause.Error()
	}
	return msg
}

func (r *Relay) onNotification(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.NotificationPayload)
	if !ok || p.Packet == nil {
		return nil
	}
	r.publish(TopicNotification+"/"+string(p.Packet.Kind()), NotificationMessage(p))
	return nil
}

func (r *Relay) onDisconnected(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.DisconnectedPayload)
	if !ok {
		return nil
	}
	r.publish(TopicDisconnected, DisconnectMessage(p))
	return nil
}

func (r *Relay) onException(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ExceptionPayload)
	if !ok || p.Err == nil {
		return nil
	}
	r.publish(TopicException, map[string]interface{}{"error": p.Err.Error()})
	return nil
}

func (r *Relay) onJoinedRoom(ctx context.Context, event events.Event) error {
	r.publish(TopicStatus, map[string]interface{}{
		"event":   "joined_room",
		"payload": event.Payload,
	})
	return nil
}
