// Package protocol implements the BedJet V3 wire format: decoding the
// proprietary status notification frame and encoding the 2-3 byte
// command writes. Pure byte math, no I/O.
package protocol

import (
	"errors"
	"fmt"
	"math"
)

// BedJet GATT UUIDs.
const (
	ServiceUUID = "00001000-bed0-0080-aa55-4265644a6574"
	StatusUUID  = "00002000-bed0-0080-aa55-4265644a6574"
	NameUUID    = "00002001-bed0-0080-aa55-4265644a6574"
	CommandUUID = "00002004-bed0-0080-aa55-4265644a6574"
)

// Command limits.
const (
	MinTempF = 66
	MaxTempF = 104

	MinFanPercent = 5
	MaxFanPercent = 100
	FanStep       = 5

	MaxTimerMinutes = 600 // 10 hours
)

// statusFrameLen is the minimum status notification length. The device
// also emits shorter heartbeat frames, which carry nothing decodable.
const statusFrameLen = 15

// tempSentinel marks a temperature byte with no valid reading. Note the
// quirk: a target of exactly 66°F also encodes to 0x26, so the device's
// own echo of that setpoint is indistinguishable from "no reading".
const tempSentinel = 0x26

// presetBase is the command byte for memory preset M1.
const presetBase = 0x20

// ErrUnknownMode is returned when encoding a mode with no wire representation.
var ErrUnknownMode = errors.New("protocol: unknown mode")

// RangeError reports a command argument outside the device's accepted domain.
type RangeError struct {
	What  string
	Value int
	Min   int
	Max   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("protocol: %s %d out of range %d-%d", e.What, e.Value, e.Min, e.Max)
}

// Mode is a BedJet operating mode.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeOff
	ModeCool
	ModeHeat
	ModeTurbo
	ModeDry
	ModeExtHeat
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeCool:
		return "cool"
	case ModeHeat:
		return "heat"
	case ModeTurbo:
		return "turbo"
	case ModeDry:
		return "dry"
	case ModeExtHeat:
		return "ext_ht"
	default:
		return "unknown"
	}
}

// ParseMode converts a mode name (as produced by Mode.String) back to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "off":
		return ModeOff, true
	case "cool":
		return ModeCool, true
	case "heat":
		return ModeHeat, true
	case "turbo":
		return ModeTurbo, true
	case "dry":
		return ModeDry, true
	case "ext_ht":
		return ModeExtHeat, true
	}
	return ModeUnknown, false
}

// modeCommand maps each mode to its command-channel byte. These are the
// same discriminator bytes the status frame reports in byte 13/14.
var modeCommand = map[Mode]byte{
	ModeOff:     0x14,
	ModeHeat:    0x2D,
	ModeCool:    0x34,
	ModeTurbo:   0x56,
	ModeDry:     0x3E,
	ModeExtHeat: 0x43,
}

// Update is a partial device-state decode. Nil fields carried a sentinel
// (or, for Mode, an unrecognized byte pair) and should leave the previous
// value untouched.
type Update struct {
	CurrentTempF  *int
	TargetTempF   *int
	TimeRemaining *int // seconds
	FanPercent    *int
	Mode          *Mode
}

// DecodeStatus parses a status notification frame. Frames shorter than 15
// bytes are ignored (ok=false) — the device emits heartbeat frames of
// varying length and these are not an error. Field decoding is best-effort
// and independent: a sentinel or unknown value in one field never blocks
// the others.
func DecodeStatus(frame []byte) (Update, bool) {
	if len(frame) < statusFrameLen {
		return Update{}, false
	}

	var u Update

	// Time remaining: hours, minutes, seconds. Always present.
	secs := int(frame[4])*3600 + int(frame[5])*60 + int(frame[6])
	u.TimeRemaining = &secs

	u.CurrentTempF = decodeTemp(frame[7])
	u.TargetTempF = decodeTemp(frame[8])

	// Fan speed: raw byte is steps of 5%, zero means no reading.
	if frame[10] > 0 {
		pct := int(frame[10]) * FanStep
		u.FanPercent = &pct
	}

	// Mode lives in the byte 13/14 pair. Off and Heat share byte 14, so
	// the pair must be matched in order rather than byte 14 alone.
	if m, ok := decodeMode(frame[13], frame[14]); ok {
		u.Mode = &m
	}

	return u, true
}

// decodeTemp converts a raw temperature byte to °F. The firmware maps
// temp = (raw-0x26) + 66 - (raw-0x26)/9 with true division and rounding.
func decodeTemp(b byte) *int {
	if b == 0 || b == tempSentinel {
		return nil
	}
	raw := float64(int(b) - tempSentinel)
	t := int(math.Round(raw + 66 - raw/9))
	return &t
}

func decodeMode(b13, b14 byte) (Mode, bool) {
	switch {
	case b14 == 0x50 && b13 == 0x14:
		return ModeOff, true
	case b14 == 0x50 && b13 == 0x2D:
		return ModeHeat, true
	case b14 == 0x34:
		return ModeCool, true
	case b14 == 0x56:
		return ModeTurbo, true
	case b14 == 0x3E:
		return ModeDry, true
	case b14 == 0x43:
		return ModeExtHeat, true
	}
	return ModeUnknown, false
}

// EncodeMode builds the command to switch operating mode.
func EncodeMode(m Mode) ([]byte, error) {
	b, ok := modeCommand[m]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMode, m)
	}
	return []byte{0x01, b}, nil
}

// EncodeTemperature builds the command to set the target temperature in °F.
// The byte mapping is the inverse of decodeTemp; it is not perfectly
// bijective at rounding boundaries, so a round trip may drift by 1°F.
func EncodeTemperature(tempF int) ([]byte, error) {
	if tempF < MinTempF || tempF > MaxTempF {
		return nil, &RangeError{What: "temperature", Value: tempF, Min: MinTempF, Max: MaxTempF}
	}
	off := float64(tempF - 66)
	b := int(math.Round(off+off/9)) + tempSentinel
	if b < 0 {
		b = 0
	} else if b > 255 {
		b = 255
	}
	return []byte{0x03, byte(b)}, nil
}

// EncodeFanSpeed builds the command to set fan speed as a percentage.
func EncodeFanSpeed(percent int) ([]byte, error) {
	if percent < MinFanPercent || percent > MaxFanPercent {
		return nil, &RangeError{What: "fan speed", Value: percent, Min: MinFanPercent, Max: MaxFanPercent}
	}
	b := byte(math.Round(float64(percent)/FanStep)) - 1
	return []byte{0x07, b}, nil
}

// EncodeTimer builds the command to set the countdown timer in minutes.
func EncodeTimer(minutes int) ([]byte, error) {
	if minutes < 0 || minutes > MaxTimerMinutes {
		return nil, &RangeError{What: "timer", Value: minutes, Min: 0, Max: MaxTimerMinutes}
	}
	return []byte{0x02, byte(minutes / 60), byte(minutes % 60)}, nil
}

// EncodePreset builds the command to recall memory preset 1-3.
func EncodePreset(n int) ([]byte, error) {
	if n < 1 || n > 3 {
		return nil, &RangeError{What: "preset", Value: n, Min: 1, Max: 3}
	}
	return []byte{0x01, presetBase + byte(n-1)}, nil
}

// StatusRequest is the command that asks the device to emit a status frame.
func StatusRequest() []byte {
	return []byte{0x01, 0x00}
}
