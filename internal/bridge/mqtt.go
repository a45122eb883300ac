// Package bridge exposes the BedJet driver northbound: a retained-state
// MQTT publisher with command topics, and a Prometheus collector.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/bedjetd/internal/bedjet"
	"github.com/chaz8081/bedjetd/internal/bedjet/protocol"
	"github.com/chaz8081/bedjetd/internal/config"
)

const commandTimeout = 15 * time.Second

// Controller is the slice of the device driver the bridge needs.
type Controller interface {
	State() bedjet.Snapshot
	OnStateChange(func(bedjet.Snapshot)) func()
	OnConnectionChange(func(bool)) func()
	SetMode(ctx context.Context, mode protocol.Mode) error
	SetTemperature(ctx context.Context, tempF int) error
	SetFanSpeed(ctx context.Context, percent int) error
	SetTimer(ctx context.Context, minutes int) error
	ActivatePreset(ctx context.Context, preset int) error
}

// mqttConn is the subset of mqtt.Client the bridge uses.
type mqttConn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTBridge mirrors device state to a retained MQTT topic and accepts
// commands on <prefix>/set/+. The daemon's own liveness is signaled on
// <prefix>/availability with a last-will.
type MQTTBridge struct {
	ctrl    Controller
	client  mqttConn
	prefix  string
	cancels []func()

	mu         sync.Mutex
	lastOnMode protocol.Mode // restored by the power=on command
}

// NewMQTT connects to the broker and wires the bridge to the device.
func NewMQTT(cfg config.MQTTConfig, ctrl Controller) (*MQTTBridge, error) {
	b := &MQTTBridge{
		ctrl:       ctrl,
		prefix:     cfg.TopicPrefix,
		lastOnMode: protocol.ModeHeat,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWill(b.availabilityTopic(), "offline", 1, true)
	opts.OnConnect = func(_ mqtt.Client) {
		b.onBrokerConnect()
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("bridge: connect mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	b.client = client

	b.cancels = append(b.cancels,
		ctrl.OnStateChange(b.handleState),
		ctrl.OnConnectionChange(func(bool) { b.publishState(ctrl.State()) }),
	)
	return b, nil
}

// onBrokerConnect runs on every (re)connect to the broker: the paho
// session does not survive reconnects at QoS 0, so subscriptions and
// retained topics are re-established each time.
func (b *MQTTBridge) onBrokerConnect() {
	if token := b.client.Subscribe(b.prefix+"/set/+", 0, b.handleCommandMessage); token.Wait() && token.Error() != nil {
		slog.Error("[MQTT] subscribe to command topics failed", "error", token.Error())
	}
	b.publish(b.availabilityTopic(), "online", true)
	b.publishState(b.ctrl.State())
	slog.Info("[MQTT] bridge connected", "prefix", b.prefix)
}

// Close signals offline and tears down the broker session.
func (b *MQTTBridge) Close() {
	for _, cancel := range b.cancels {
		cancel()
	}
	b.publish(b.availabilityTopic(), "offline", true)
	b.client.Disconnect(250)
}

func (b *MQTTBridge) availabilityTopic() string {
	return b.prefix + "/availability"
}

func (b *MQTTBridge) handleState(s bedjet.Snapshot) {
	if s.Mode != protocol.ModeOff && s.Mode != protocol.ModeUnknown {
		b.mu.Lock()
		b.lastOnMode = s.Mode
		b.mu.Unlock()
	}
	b.publishState(s)
}

func (b *MQTTBridge) publishState(s bedjet.Snapshot) {
	data, err := json.Marshal(statePayload(s))
	if err != nil {
		slog.Error("[MQTT] marshal state payload", "error", err)
		return
	}
	b.publish(b.prefix+"/state", data, true)
}

func (b *MQTTBridge) publish(topic string, payload interface{}, retained bool) {
	if token := b.client.Publish(topic, 0, retained, payload); token.Wait() && token.Error() != nil {
		slog.Warn("[MQTT] publish failed", "topic", topic, "error", token.Error())
	}
}

func (b *MQTTBridge) handleCommandMessage(_ mqtt.Client, msg mqtt.Message) {
	suffix := strings.TrimPrefix(msg.Topic(), b.prefix+"/set/")
	payload := strings.TrimSpace(string(msg.Payload()))

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := b.dispatch(ctx, suffix, payload); err != nil {
		slog.Warn("[MQTT] command failed", "command", suffix, "payload", payload, "error", err)
		return
	}
	slog.Debug("[MQTT] command applied", "command", suffix, "payload", payload)
}

// dispatch routes one command topic suffix to the driver.
func (b *MQTTBridge) dispatch(ctx context.Context, command, payload string) error {
	switch command {
	case "mode":
		mode, ok := protocol.ParseMode(payload)
		if !ok {
			return fmt.Errorf("bridge: unknown mode %q", payload)
		}
		return b.ctrl.SetMode(ctx, mode)

	case "temperature":
		// Home Assistant publishes temperatures as floats.
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return fmt.Errorf("bridge: bad temperature %q: %w", payload, err)
		}
		return b.ctrl.SetTemperature(ctx, int(math.Round(f)))

	case "fan":
		percent, err := strconv.Atoi(payload)
		if err != nil {
			return fmt.Errorf("bridge: bad fan speed %q: %w", payload, err)
		}
		return b.ctrl.SetFanSpeed(ctx, percent)

	case "timer":
		minutes, err := strconv.Atoi(payload)
		if err != nil {
			return fmt.Errorf("bridge: bad timer %q: %w", payload, err)
		}
		return b.ctrl.SetTimer(ctx, minutes)

	case "preset":
		preset, err := strconv.Atoi(payload)
		if err != nil {
			return fmt.Errorf("bridge: bad preset %q: %w", payload, err)
		}
		return b.ctrl.ActivatePreset(ctx, preset)

	case "power":
		switch strings.ToLower(payload) {
		case "on":
			b.mu.Lock()
			mode := b.lastOnMode
			b.mu.Unlock()
			return b.ctrl.SetMode(ctx, mode)
		case "off":
			return b.ctrl.SetMode(ctx, protocol.ModeOff)
		default:
			return fmt.Errorf("bridge: bad power payload %q, want on or off", payload)
		}

	default:
		return fmt.Errorf("bridge: unknown command topic %q", command)
	}
}

// StatePayload is the JSON document published to <prefix>/state.
type StatePayload struct {
	Name                 string `json:"name"`
	Address              string `json:"address"`
	Connected            bool   `json:"connected"`
	Mode                 string `json:"mode"`
	CurrentTempF         *int   `json:"current_temperature_f,omitempty"`
	TargetTempF          *int   `json:"target_temperature_f,omitempty"`
	FanPercent           *int   `json:"fan_percent,omitempty"`
	TimeRemainingSeconds *int   `json:"time_remaining_seconds,omitempty"`
	TimeRemaining        string `json:"time_remaining,omitempty"`
	ReconnectAttempts    int    `json:"reconnect_attempts"`
}

func statePayload(s bedjet.Snapshot) StatePayload {
	p := StatePayload{
		Name:                 s.Name,
		Address:              s.Address,
		Connected:            s.Connected,
		Mode:                 s.Mode.String(),
		CurrentTempF:         s.CurrentTempF,
		TargetTempF:          s.TargetTempF,
		FanPercent:           s.FanPercent,
		TimeRemainingSeconds: s.TimeRemaining,
		ReconnectAttempts:    s.ReconnectAttempts,
	}
	if s.TimeRemaining != nil {
		p.TimeRemaining = formatTimeRemaining(*s.TimeRemaining)
	}
	return p
}

// formatTimeRemaining renders seconds as H:MM:SS.
func formatTimeRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
