package bedjet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/bedjetd/internal/bedjet/protocol"
	"github.com/chaz8081/bedjetd/internal/ble"
)

// SetMode switches the operating mode.
func (d *Device) SetMode(ctx context.Context, mode protocol.Mode) error {
	cmd, err := protocol.EncodeMode(mode)
	if err != nil {
		return err
	}
	return d.send(ctx, cmd)
}

// SetTemperature sets the target temperature in °F (66-104).
func (d *Device) SetTemperature(ctx context.Context, tempF int) error {
	cmd, err := protocol.EncodeTemperature(tempF)
	if err != nil {
		return err
	}
	slog.Debug("[BedJet] setting temperature", "tempF", tempF, "byte", fmt.Sprintf("0x%02x", cmd[1]))
	return d.send(ctx, cmd)
}

// SetFanSpeed sets the fan speed percentage (5-100, steps of 5).
func (d *Device) SetFanSpeed(ctx context.Context, percent int) error {
	cmd, err := protocol.EncodeFanSpeed(percent)
	if err != nil {
		return err
	}
	return d.send(ctx, cmd)
}

// SetTimer sets the countdown timer in minutes (0-600).
func (d *Device) SetTimer(ctx context.Context, minutes int) error {
	cmd, err := protocol.EncodeTimer(minutes)
	if err != nil {
		return err
	}
	return d.send(ctx, cmd)
}

// ActivatePreset recalls memory preset 1-3.
func (d *Device) ActivatePreset(ctx context.Context, preset int) error {
	cmd, err := protocol.EncodePreset(preset)
	if err != nil {
		return err
	}
	return d.send(ctx, cmd)
}

// Poll asks the device to emit a fresh status frame. Some firmware
// revisions never answer this; callers should treat failure as routine.
func (d *Device) Poll(ctx context.Context) error {
	return d.send(ctx, protocol.StatusRequest())
}

// send serializes all command writes through one critical section. A
// command with no live link and no attempt in flight fails fast with
// ErrNotConnected. A failed write is retried a bounded number of times;
// each retry clears the connected flag and re-validates the link first
// rather than writing into a stale handle.
func (d *Device) send(ctx context.Context, cmd []byte) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= d.opts.CommandRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("[BedJet] command failed, retrying", "attempt", attempt, "retries", d.opts.CommandRetries, "error", lastErr)
			d.forceDisconnected()
			if !sleepCtx(ctx, d.opts.CommandRetryDelay) {
				return ctx.Err()
			}
			if err := d.Connect(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		ch, err := d.commandChannel(ctx)
		if err != nil {
			if attempt == 0 && errors.Is(err, ErrNotConnected) {
				// Link down, nothing in flight: fail fast, don't queue.
				return err
			}
			lastErr = err
			continue
		}

		slog.Debug("[BedJet] sending command", "cmd", fmt.Sprintf("%x", cmd))
		if err := ch.Write(cmd); err != nil {
			lastErr = fmt.Errorf("bedjet: write command: %w", err)
			continue
		}

		// Give the device a moment to process before returning.
		sleepCtx(ctx, d.opts.CommandSettle)
		return nil
	}
	return lastErr
}

// commandChannel returns the live command characteristic, waiting bounded
// for an in-flight connection attempt before giving up.
func (d *Device) commandChannel(ctx context.Context) (ble.Characteristic, error) {
	d.mu.Lock()
	connected, ch := d.connected, d.cmdChar
	d.mu.Unlock()
	if connected && ch != nil {
		return ch, nil
	}

	if d.connecting.Load() {
		if err := d.waitForInflight(ctx); err != nil {
			return nil, err
		}
		d.mu.Lock()
		connected, ch = d.connected, d.cmdChar
		d.mu.Unlock()
		if connected && ch != nil {
			return ch, nil
		}
	}
	return nil, ErrNotConnected
}
