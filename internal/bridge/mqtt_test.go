package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/bedjetd/internal/bedjet"
	"github.com/chaz8081/bedjetd/internal/bedjet/protocol"
)

// fakeController records driver calls.
type fakeController struct {
	mu        sync.Mutex
	snapshot  bedjet.Snapshot
	modes     []protocol.Mode
	temps     []int
	fans      []int
	timers    []int
	presets   []int
	stateSubs []func(bedjet.Snapshot)
}

func (f *fakeController) State() bedjet.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeController) OnStateChange(cb func(bedjet.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateSubs = append(f.stateSubs, cb)
	return func() {}
}

func (f *fakeController) OnConnectionChange(cb func(bool)) func() { return func() {} }

func (f *fakeController) SetMode(_ context.Context, mode protocol.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakeController) SetTemperature(_ context.Context, tempF int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temps = append(f.temps, tempF)
	return nil
}

func (f *fakeController) SetFanSpeed(_ context.Context, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fans = append(f.fans, percent)
	return nil
}

func (f *fakeController) SetTimer(_ context.Context, minutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers = append(f.timers, minutes)
	return nil
}

func (f *fakeController) ActivatePreset(_ context.Context, preset int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presets = append(f.presets, preset)
	return nil
}

// fakeToken is an immediately-resolved mqtt.Token.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type publishRecord struct {
	topic    string
	retained bool
	payload  string
}

// fakeConn records publishes in place of a broker session.
type fakeConn struct {
	mu        sync.Mutex
	published []publishRecord
	subbed    []string
}

func (c *fakeConn) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var body string
	switch p := payload.(type) {
	case string:
		body = p
	case []byte:
		body = string(p)
	}
	c.mu.Lock()
	c.published = append(c.published, publishRecord{topic: topic, retained: retained, payload: body})
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeConn) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subbed = append(c.subbed, topic)
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeConn) Disconnect(uint) {}

func (c *fakeConn) lastPublished(topic string) (publishRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i], true
		}
	}
	return publishRecord{}, false
}

func newTestBridge(ctrl *fakeController) (*MQTTBridge, *fakeConn) {
	conn := &fakeConn{}
	return &MQTTBridge{
		ctrl:       ctrl,
		client:     conn,
		prefix:     "bedjet",
		lastOnMode: protocol.ModeHeat,
	}, conn
}

func intp(v int) *int { return &v }

func TestDispatchCommands(t *testing.T) {
	ctrl := &fakeController{}
	b, _ := newTestBridge(ctrl)
	ctx := context.Background()

	if err := b.dispatch(ctx, "mode", "cool"); err != nil {
		t.Fatalf("dispatch(mode) error = %v", err)
	}
	if len(ctrl.modes) != 1 || ctrl.modes[0] != protocol.ModeCool {
		t.Errorf("modes = %v, want [cool]", ctrl.modes)
	}

	// Home Assistant sends temperatures as floats.
	if err := b.dispatch(ctx, "temperature", "72.4"); err != nil {
		t.Fatalf("dispatch(temperature) error = %v", err)
	}
	if len(ctrl.temps) != 1 || ctrl.temps[0] != 72 {
		t.Errorf("temps = %v, want [72]", ctrl.temps)
	}

	if err := b.dispatch(ctx, "fan", "50"); err != nil {
		t.Fatalf("dispatch(fan) error = %v", err)
	}
	if len(ctrl.fans) != 1 || ctrl.fans[0] != 50 {
		t.Errorf("fans = %v, want [50]", ctrl.fans)
	}

	if err := b.dispatch(ctx, "timer", "120"); err != nil {
		t.Fatalf("dispatch(timer) error = %v", err)
	}
	if len(ctrl.timers) != 1 || ctrl.timers[0] != 120 {
		t.Errorf("timers = %v, want [120]", ctrl.timers)
	}

	if err := b.dispatch(ctx, "preset", "2"); err != nil {
		t.Fatalf("dispatch(preset) error = %v", err)
	}
	if len(ctrl.presets) != 1 || ctrl.presets[0] != 2 {
		t.Errorf("presets = %v, want [2]", ctrl.presets)
	}
}

func TestDispatchRejectsBadPayloads(t *testing.T) {
	ctrl := &fakeController{}
	b, _ := newTestBridge(ctrl)
	ctx := context.Background()

	cases := []struct{ command, payload string }{
		{"mode", "sauna"},
		{"temperature", "warm"},
		{"fan", "fast"},
		{"timer", "soon"},
		{"preset", "first"},
		{"power", "maybe"},
		{"volume", "11"},
	}
	for _, tc := range cases {
		if err := b.dispatch(ctx, tc.command, tc.payload); err == nil {
			t.Errorf("dispatch(%q, %q) should fail", tc.command, tc.payload)
		}
	}
	if len(ctrl.modes)+len(ctrl.temps)+len(ctrl.fans)+len(ctrl.timers)+len(ctrl.presets) != 0 {
		t.Error("rejected commands must not reach the driver")
	}
}

func TestPowerRestoresLastActiveMode(t *testing.T) {
	ctrl := &fakeController{}
	b, _ := newTestBridge(ctrl)
	ctx := context.Background()

	// Before any state has been seen, "on" falls back to heat.
	if err := b.dispatch(ctx, "power", "on"); err != nil {
		t.Fatalf("dispatch(power on) error = %v", err)
	}
	if ctrl.modes[0] != protocol.ModeHeat {
		t.Errorf("power on = %v, want heat fallback", ctrl.modes[0])
	}

	// A cool period, then the unit is switched off.
	b.handleState(bedjet.Snapshot{Mode: protocol.ModeCool})
	b.handleState(bedjet.Snapshot{Mode: protocol.ModeOff})

	if err := b.dispatch(ctx, "power", "on"); err != nil {
		t.Fatalf("dispatch(power on) error = %v", err)
	}
	if got := ctrl.modes[len(ctrl.modes)-1]; got != protocol.ModeCool {
		t.Errorf("power on after cool = %v, want cool", got)
	}

	if err := b.dispatch(ctx, "power", "off"); err != nil {
		t.Fatalf("dispatch(power off) error = %v", err)
	}
	if got := ctrl.modes[len(ctrl.modes)-1]; got != protocol.ModeOff {
		t.Errorf("power off = %v, want off", got)
	}
}

func TestPublishStateRetainedJSON(t *testing.T) {
	ctrl := &fakeController{}
	b, conn := newTestBridge(ctrl)

	b.handleState(bedjet.Snapshot{
		Name:          "BedJet V3",
		Address:       "AA:BB:CC:DD:EE:FF",
		Connected:     true,
		Mode:          protocol.ModeHeat,
		CurrentTempF:  intp(75),
		TargetTempF:   intp(92),
		FanPercent:    intp(25),
		TimeRemaining: intp(3723),
	})

	rec, ok := conn.lastPublished("bedjet/state")
	if !ok {
		t.Fatal("no state publish recorded")
	}
	if !rec.retained {
		t.Error("state publish should be retained")
	}

	var got StatePayload
	if err := json.Unmarshal([]byte(rec.payload), &got); err != nil {
		t.Fatalf("state payload is not valid JSON: %v", err)
	}
	if got.Mode != "heat" {
		t.Errorf("Mode = %q, want %q", got.Mode, "heat")
	}
	if got.CurrentTempF == nil || *got.CurrentTempF != 75 {
		t.Errorf("CurrentTempF = %v, want 75", got.CurrentTempF)
	}
	if got.TimeRemaining != "1:02:03" {
		t.Errorf("TimeRemaining = %q, want %q", got.TimeRemaining, "1:02:03")
	}
	if !got.Connected {
		t.Error("Connected = false, want true")
	}
}

func TestStatePayloadOmitsMissingReadings(t *testing.T) {
	ctrl := &fakeController{}
	b, conn := newTestBridge(ctrl)

	b.publishState(bedjet.Snapshot{Mode: protocol.ModeUnknown})

	rec, ok := conn.lastPublished("bedjet/state")
	if !ok {
		t.Fatal("no state publish recorded")
	}
	for _, field := range []string{"current_temperature_f", "target_temperature_f", "fan_percent", "time_remaining"} {
		if strings.Contains(rec.payload, field) {
			t.Errorf("payload should omit %q before a first reading: %s", field, rec.payload)
		}
	}
}

func TestBrokerConnectAnnouncesAndSubscribes(t *testing.T) {
	ctrl := &fakeController{snapshot: bedjet.Snapshot{Mode: protocol.ModeOff}}
	b, conn := newTestBridge(ctrl)

	b.onBrokerConnect()

	if len(conn.subbed) != 1 || conn.subbed[0] != "bedjet/set/+" {
		t.Errorf("subscriptions = %v, want [bedjet/set/+]", conn.subbed)
	}
	rec, ok := conn.lastPublished("bedjet/availability")
	if !ok || rec.payload != "online" || !rec.retained {
		t.Errorf("availability = %+v, want retained online", rec)
	}
	if _, ok := conn.lastPublished("bedjet/state"); !ok {
		t.Error("broker connect should publish initial state")
	}
}

func TestCloseSignalsOffline(t *testing.T) {
	ctrl := &fakeController{}
	b, conn := newTestBridge(ctrl)

	b.Close()

	rec, ok := conn.lastPublished("bedjet/availability")
	if !ok || rec.payload != "offline" || !rec.retained {
		t.Errorf("availability = %+v, want retained offline", rec)
	}
}

func TestFormatTimeRemaining(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "0:00:00"},
		{59, "0:00:59"},
		{60, "0:01:00"},
		{3723, "1:02:03"},
		{36000, "10:00:00"},
		{-5, "0:00:00"},
	}
	for _, tt := range tests {
		if got := formatTimeRemaining(tt.seconds); got != tt.want {
			t.Errorf("formatTimeRemaining(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}
