// Package bedjet drives a single BedJet V3 appliance over BLE and keeps
// hold of the link. BedJets accept one connection at a time and the
// vendor phone app will happily seize it, so the driver's main job is
// detecting loss of the link and winning it back: a disconnect hook, a
// throttled reconnect loop with backoff, and a watchdog for the
// disconnects nobody reported.
package bedjet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/bedjetd/internal/bedjet/protocol"
	"github.com/chaz8081/bedjetd/internal/ble"
)

var (
	// ErrNotConnected is returned for a command issued with no live link
	// and no connection attempt in flight. Commands fail fast rather than
	// queue; the reconnect scheduler restores the link independently.
	ErrNotConnected = errors.New("bedjet: not connected")

	// ErrConnectTimeout is returned after waiting too long for an
	// in-flight connection attempt started by another caller.
	ErrConnectTimeout = errors.New("bedjet: timed out waiting for connection attempt")

	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("bedjet: shutting down")
)

// Options tunes connection management. Zero fields take defaults.
type Options struct {
	ConnectTimeout  time.Duration // per low-level connect attempt
	ConnectThrottle time.Duration // minimum spacing between low-level connects
	ConnectWaitPoll time.Duration // poll interval while waiting on an in-flight attempt
	ConnectWaitMax  int           // max poll iterations before ErrConnectTimeout

	WatchdogInterval time.Duration

	ReconnectBase        time.Duration // exponential backoff base
	ReconnectMax         time.Duration // exponential backoff cap
	ReconnectMaxAttempts int           // 0 means retry forever

	BusyBase time.Duration // adapter-busy backoff start
	BusyStep time.Duration // adapter-busy backoff increment per attempt
	BusyMax  time.Duration // adapter-busy backoff cap

	CommandSettle     time.Duration // device processing latency after each write
	CommandRetries    int           // retries after a failed write
	CommandRetryDelay time.Duration

	// ResolveAddress, if set, is consulted before each reconnect attempt
	// to obtain a fresh address for the peripheral. The previous one may
	// be stale after the platform re-resolves the device.
	ResolveAddress func() (string, bool)
}

// DefaultOptions returns production defaults. The 10s throttle protects
// the shared radio from being hammered by concurrent subsystems.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    20 * time.Second,
		ConnectThrottle:   10 * time.Second,
		ConnectWaitPoll:   100 * time.Millisecond,
		ConnectWaitMax:    100,
		WatchdogInterval:  30 * time.Second,
		ReconnectBase:     5 * time.Second,
		ReconnectMax:      5 * time.Minute,
		BusyBase:          30 * time.Second,
		BusyStep:          10 * time.Second,
		BusyMax:           5 * time.Minute,
		CommandSettle:     300 * time.Millisecond,
		CommandRetries:    2,
		CommandRetryDelay: 500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.ConnectThrottle == 0 {
		o.ConnectThrottle = def.ConnectThrottle
	}
	if o.ConnectWaitPoll == 0 {
		o.ConnectWaitPoll = def.ConnectWaitPoll
	}
	if o.ConnectWaitMax == 0 {
		o.ConnectWaitMax = def.ConnectWaitMax
	}
	if o.WatchdogInterval == 0 {
		o.WatchdogInterval = def.WatchdogInterval
	}
	if o.ReconnectBase == 0 {
		o.ReconnectBase = def.ReconnectBase
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = def.ReconnectMax
	}
	if o.BusyBase == 0 {
		o.BusyBase = def.BusyBase
	}
	if o.BusyStep == 0 {
		o.BusyStep = def.BusyStep
	}
	if o.BusyMax == 0 {
		o.BusyMax = def.BusyMax
	}
	if o.CommandSettle == 0 {
		o.CommandSettle = def.CommandSettle
	}
	if o.CommandRetries == 0 {
		o.CommandRetries = def.CommandRetries
	} else if o.CommandRetries < 0 {
		o.CommandRetries = 0
	}
	if o.CommandRetryDelay == 0 {
		o.CommandRetryDelay = def.CommandRetryDelay
	}
	return o
}

// Snapshot is a point-in-time copy of device state. Optional fields are
// nil until the device has reported a valid reading for them.
type Snapshot struct {
	Name    string
	Address string

	CurrentTempF  *int
	TargetTempF   *int
	Mode          protocol.Mode
	FanPercent    *int
	TimeRemaining *int // seconds

	Connected         bool
	ReconnectAttempts int
}

type stateSub struct {
	id int
	fn func(Snapshot)
}

type connSub struct {
	id int
	fn func(bool)
}

// Device owns the transport handle for one BedJet and mediates all
// access to it. Construct with New, then Start, then Connect.
type Device struct {
	adapter ble.Adapter
	opts    Options

	// mu guards device state and the transport handle.
	mu                sync.Mutex
	addr              string
	name              string
	conn              ble.Connection
	statusChar        ble.Characteristic
	cmdChar           ble.Characteristic
	connected         bool
	reconnectAttempts int
	lastAttempt       time.Time

	currentTemp   *int
	targetTemp    *int
	mode          protocol.Mode
	fanPercent    *int
	timeRemaining *int

	// cmdMu serializes command writes, independent of the lifecycle lock.
	cmdMu sync.Mutex

	connecting   atomic.Bool // one connect attempt at a time
	reconnecting atomic.Bool // one reconnect loop at a time
	started      atomic.Bool
	shuttingDown atomic.Bool

	subMu     sync.Mutex
	nextSubID int
	stateSubs []stateSub
	connSubs  []connSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a driver for the BedJet at the given BLE address. No I/O
// happens until Start/Connect.
func New(adapter ble.Adapter, addr string, opts Options) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	return &Device{
		adapter: adapter,
		opts:    opts.withDefaults(),
		addr:    addr,
		mode:    protocol.ModeUnknown,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start powers on the adapter and starts the connection watchdog.
func (d *Device) Start() error {
	if d.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.adapter.Enable(); err != nil {
		return fmt.Errorf("bedjet: enable adapter: %w", err)
	}
	d.wg.Add(1)
	go d.watchdogLoop()
	slog.Debug("[BedJet] watchdog started", "interval", d.opts.WatchdogInterval)
	return nil
}

// Shutdown disconnects and disables all future reconnection. Background
// loops are joined before the transport handle is torn down, so none of
// them can observe a closed handle mid-operation. Idempotent.
func (d *Device) Shutdown() {
	if !d.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	conn := d.conn
	statusChar := d.statusChar
	d.conn = nil
	d.statusChar = nil
	d.cmdChar = nil
	d.connected = false
	d.mu.Unlock()

	if statusChar != nil {
		// Best-effort: the link may already be gone.
		_ = statusChar.Unsubscribe()
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BedJet] error disconnecting", "error", err)
		}
	}
	slog.Info("[BedJet] shut down", "addr", d.Address())
}

// Connect establishes the BLE link, subscribes to status notifications
// and reads the device name. No-op when already connected. If another
// attempt is in flight it waits, bounded, for that attempt instead of
// starting a second one.
func (d *Device) Connect(ctx context.Context) error {
	if d.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if d.isConnected() {
		return nil
	}
	if !d.connecting.CompareAndSwap(false, true) {
		return d.waitForInflight(ctx)
	}
	defer d.connecting.Store(false)

	if err := d.throttle(ctx); err != nil {
		return err
	}
	return d.establish(ctx)
}

// throttle sleeps out the remainder of the minimum inter-attempt window.
func (d *Device) throttle(ctx context.Context) error {
	d.mu.Lock()
	last := d.lastAttempt
	d.mu.Unlock()

	if !last.IsZero() {
		if wait := d.opts.ConnectThrottle - time.Since(last); wait > 0 {
			slog.Debug("[BedJet] throttling connection attempt", "wait", wait)
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
		}
	}

	d.mu.Lock()
	d.lastAttempt = time.Now()
	d.mu.Unlock()
	return nil
}

func (d *Device) establish(ctx context.Context) error {
	addr := d.Address()

	// Drop any stale handle before dialing a fresh one.
	d.mu.Lock()
	stale := d.conn
	d.conn = nil
	d.statusChar = nil
	d.cmdChar = nil
	d.mu.Unlock()
	if stale != nil {
		_ = stale.Disconnect()
	}

	cctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	conn, err := d.adapter.Connect(cctx, addr)
	if err != nil {
		return fmt.Errorf("bedjet: connect %s: %w", addr, err)
	}

	conn.OnDisconnect(d.handleDisconnect)

	statusChar, err := conn.DiscoverCharacteristic(protocol.ServiceUUID, protocol.StatusUUID)
	if err == nil {
		err = statusChar.Subscribe(d.handleStatus)
	}
	if err != nil {
		// Do not leave a half-open handle behind.
		_ = conn.Disconnect()
		return fmt.Errorf("bedjet: subscribe status %s: %w", addr, err)
	}

	cmdChar, err := conn.DiscoverCharacteristic(protocol.ServiceUUID, protocol.CommandUUID)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("bedjet: discover command characteristic %s: %w", addr, err)
	}

	// Name read failures are non-fatal; fall back to an address-derived name.
	name := ""
	if nameChar, nerr := conn.DiscoverCharacteristic(protocol.ServiceUUID, protocol.NameUUID); nerr == nil {
		if data, rerr := nameChar.Read(); rerr == nil {
			// The characteristic pads with NUL bytes.
			name = strings.TrimSpace(strings.Trim(string(data), "\x00"))
		} else {
			slog.Warn("[BedJet] could not read device name", "error", rerr)
		}
	}

	d.mu.Lock()
	if name != "" {
		d.name = name
	} else if d.name == "" {
		d.name = fmt.Sprintf("BedJet (%s)", addr)
	}
	d.conn = conn
	d.statusChar = statusChar
	d.cmdChar = cmdChar
	d.connected = true
	d.reconnectAttempts = 0
	name = d.name
	d.mu.Unlock()

	slog.Info("[BedJet] connected", "name", name, "addr", addr)
	d.notifyConnection(true)
	return nil
}

// waitForInflight polls for the in-flight attempt to resolve.
func (d *Device) waitForInflight(ctx context.Context) error {
	for i := 0; i < d.opts.ConnectWaitMax; i++ {
		if !d.connecting.Load() {
			if d.isConnected() {
				return nil
			}
			return ErrNotConnected
		}
		if !sleepCtx(ctx, d.opts.ConnectWaitPoll) {
			return ctx.Err()
		}
	}
	return ErrConnectTimeout
}

// handleDisconnect is invoked by the transport whenever the link drops,
// whether from radio loss or another client seizing the device.
func (d *Device) handleDisconnect() {
	d.mu.Lock()
	wasConnected := d.connected
	d.connected = false
	d.mu.Unlock()

	if !wasConnected {
		return
	}
	slog.Warn("[BedJet] disconnected (link may have been taken over by another client)", "addr", d.Address())
	d.notifyConnection(false)

	if !d.shuttingDown.Load() {
		d.scheduleReconnect()
	}
}

// scheduleReconnect starts the reconnect loop unless one is already running.
func (d *Device) scheduleReconnect() {
	if d.shuttingDown.Load() {
		return
	}
	if !d.reconnecting.CompareAndSwap(false, true) {
		slog.Debug("[BedJet] reconnection already scheduled, skipping")
		return
	}
	// Shutdown may have set the flag between the first check and winning
	// the CAS, with wg.Wait already underway. Adding to the group then
	// would race the wait, so re-check before committing the goroutine.
	if d.shuttingDown.Load() {
		d.reconnecting.Store(false)
		return
	}
	d.wg.Add(1)
	go d.reconnectLoop()
}

// reconnectLoop retries the connection until it succeeds, the attempt
// ceiling is reached, or the device shuts down. Adapter-busy failures
// switch to a slower linear schedule.
func (d *Device) reconnectLoop() {
	defer d.wg.Done()
	defer d.reconnecting.Store(false)

	busy := false
	for !d.shuttingDown.Load() {
		d.mu.Lock()
		attempts := d.reconnectAttempts
		d.mu.Unlock()

		delay := d.backoffDelay(attempts, busy)
		slog.Info("[BedJet] scheduling reconnection attempt", "attempt", attempts+1, "delay", delay)
		if !sleepCtx(d.ctx, delay) {
			return
		}

		d.mu.Lock()
		d.reconnectAttempts++
		attempts = d.reconnectAttempts
		d.mu.Unlock()

		if max := d.opts.ReconnectMaxAttempts; max > 0 && attempts > max {
			slog.Error("[BedJet] maximum reconnection attempts reached, giving up", "attempts", max)
			return
		}

		if d.opts.ResolveAddress != nil {
			if addr, ok := d.opts.ResolveAddress(); ok && addr != "" {
				d.mu.Lock()
				d.addr = addr
				d.mu.Unlock()
				slog.Debug("[BedJet] refreshed device address", "addr", addr)
			}
		}

		err := d.Connect(d.ctx)
		if err == nil {
			slog.Info("[BedJet] reconnection successful", "attempts", attempts)
			return
		}
		busy = errors.Is(err, ble.ErrAdapterBusy)
		slog.Warn("[BedJet] reconnection attempt failed", "attempt", attempts, "busy", busy, "error", err)
	}
}

// backoffDelay returns the delay before reconnect attempt n. Adapter-busy
// failures get a slower linear schedule; retrying fast against an
// exhausted connection slot only worsens the contention.
func (d *Device) backoffDelay(attempt int, busy bool) time.Duration {
	if busy {
		delay := d.opts.BusyBase + time.Duration(attempt)*d.opts.BusyStep
		if delay > d.opts.BusyMax {
			delay = d.opts.BusyMax
		}
		return delay
	}
	if attempt > 30 {
		attempt = 30 // shift overflow guard
	}
	delay := d.opts.ReconnectBase * (1 << uint(attempt))
	if delay <= 0 || delay > d.opts.ReconnectMax {
		delay = d.opts.ReconnectMax
	}
	return delay
}

// watchdogLoop periodically verifies the link. It catches disconnects
// the transport callback never reported and restarts reconnection when
// the device sits idle-but-disconnected.
func (d *Device) watchdogLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		if d.connecting.Load() || d.reconnecting.Load() {
			continue // work already in flight
		}

		d.mu.Lock()
		connected := d.connected
		conn := d.conn
		d.mu.Unlock()

		if connected && conn != nil && !conn.Connected() {
			slog.Warn("[BedJet] watchdog detected stale connection, triggering reconnect", "addr", d.Address())
			d.mu.Lock()
			was := d.connected
			d.connected = false
			d.mu.Unlock()
			if was {
				d.notifyConnection(false)
			}
			d.scheduleReconnect()
			continue
		}

		if !connected {
			slog.Debug("[BedJet] watchdog scheduling reconnection")
			d.scheduleReconnect()
		}
	}
}

// handleStatus decodes a status notification. Runs on the transport's
// callback goroutine: update state, fan out, return.
func (d *Device) handleStatus(data []byte) {
	u, ok := protocol.DecodeStatus(data)
	if !ok {
		return // short heartbeat frame
	}

	d.mu.Lock()
	if u.CurrentTempF != nil {
		d.currentTemp = u.CurrentTempF
	}
	if u.TargetTempF != nil {
		d.targetTemp = u.TargetTempF
	}
	if u.TimeRemaining != nil {
		d.timeRemaining = u.TimeRemaining
	}
	if u.FanPercent != nil {
		d.fanPercent = u.FanPercent
	}
	oldMode := d.mode
	if u.Mode != nil {
		d.mode = *u.Mode
	}
	newMode := d.mode
	d.mu.Unlock()

	if u.Mode == nil {
		// Forward-compatibility case, not an error: keep the previous mode.
		slog.Debug("[BedJet] unknown mode bytes", "b13", fmt.Sprintf("0x%02x", data[13]), "b14", fmt.Sprintf("0x%02x", data[14]))
	} else if newMode != oldMode {
		slog.Debug("[BedJet] mode changed", "from", oldMode, "to", newMode)
	}

	d.notifyState()
}

// State returns a snapshot of the current device state.
func (d *Device) State() Snapshot {
	d.mu.Lock()
	conn := d.conn
	s := Snapshot{
		Name:              d.name,
		Address:           d.addr,
		CurrentTempF:      copyInt(d.currentTemp),
		TargetTempF:       copyInt(d.targetTemp),
		Mode:              d.mode,
		FanPercent:        copyInt(d.fanPercent),
		TimeRemaining:     copyInt(d.timeRemaining),
		Connected:         d.connected,
		ReconnectAttempts: d.reconnectAttempts,
	}
	d.mu.Unlock()
	if s.Connected && (conn == nil || !conn.Connected()) {
		s.Connected = false
	}
	return s
}

// Name returns the device name, or an address-derived fallback before
// the first successful name read.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.name == "" {
		return fmt.Sprintf("BedJet (%s)", d.addr)
	}
	return d.name
}

// SetName installs an initial display name, used until the device
// reports its own over the name characteristic.
func (d *Device) SetName(name string) {
	if name == "" {
		return
	}
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

// Address returns the current BLE address.
func (d *Device) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// RefreshAddress installs a fresher address for the same peripheral,
// pushed by the platform. Resets the attempt counter and restarts
// reconnection if the link is down, so a device that exhausted its
// attempt ceiling gets another chance.
func (d *Device) RefreshAddress(addr string) {
	d.mu.Lock()
	d.addr = addr
	d.reconnectAttempts = 0
	connected := d.connected
	d.mu.Unlock()
	slog.Debug("[BedJet] device address updated", "addr", addr)

	if !connected && !d.shuttingDown.Load() {
		d.scheduleReconnect()
	}
}

func (d *Device) isConnected() bool {
	d.mu.Lock()
	connected := d.connected
	conn := d.conn
	d.mu.Unlock()
	return connected && conn != nil && conn.Connected()
}

// forceDisconnected clears the connected flag so the next command
// attempt re-validates the link instead of writing into a stale handle.
func (d *Device) forceDisconnected() {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
}

// sleepCtx sleeps for dur, returning false if ctx fires first.
func sleepCtx(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
