package store

import (
	"time"

	"github.com/chinawrj/nowlink/internal/tlv"
	"github.com/chinawrj/nowlink/internal/transport"
)

// Info is a point-in-time copy of one device record, safe to use without the
// table mutex.
type Info struct {
	Index      int
	Addr       transport.Addr
	Name       string
	LastSeen   time.Time
	RSSI       int
	EntryCount int
	Entries    []tlv.Entry
}

// Entry returns the stored entry with the given type.
func (in Info) Entry(typ byte) (tlv.Entry, bool) {
	for _, e := range in.Entries {
		if e.Type == typ {
			return e, true
		}
	}
	return tlv.Entry{}, false
}

// UptimeSeconds decodes the UPTIME entry.
func (in Info) UptimeSeconds() (uint32, bool) {
	e, ok := in.Entry(tlv.TypeUptime)
	if !ok {
		return 0, false
	}
	v, err := e.Uint32()
	return v, err == nil
}

// DeviceID decodes the DEVICE_ID entry.
func (in Info) DeviceID() (string, bool) {
	e, ok := in.Entry(tlv.TypeDeviceID)
	if !ok {
		return "", false
	}
	return e.Text(), true
}

// FirmwareVer decodes the FIRMWARE_VER entry.
func (in Info) FirmwareVer() (string, bool) {
	e, ok := in.Entry(tlv.TypeFirmwareVer)
	if !ok {
		return "", false
	}
	return e.Text(), true
}

// ACVoltage decodes the AC_VOLTAGE entry in volts.
func (in Info) ACVoltage() (float32, bool) {
	return in.float32Entry(tlv.TypeACVoltage)
}

// ACFrequency decodes the AC_FREQUENCY entry in hertz.
func (in Info) ACFrequency() (float32, bool) {
	return in.float32Entry(tlv.TypeACFrequency)
}

// ACPowerFactor decodes the AC_POWER_FACTOR entry.
func (in Info) ACPowerFactor() (float32, bool) {
	return in.float32Entry(tlv.TypeACPowerFactor)
}

// Temperature decodes the TEMPERATURE entry in celsius.
func (in Info) Temperature() (float32, bool) {
	return in.float32Entry(tlv.TypeTemperature)
}

// ACCurrent decodes the fixed-point AC_CURRENT entry in amps.
func (in Info) ACCurrent() (float64, bool) {
	e, ok := in.Entry(tlv.TypeACCurrent)
	if !ok {
		return 0, false
	}
	v, err := e.Int32()
	if err != nil {
		return 0, false
	}
	return tlv.Milli(v), true
}

// ACPower decodes the fixed-point AC_POWER entry in watts.
func (in Info) ACPower() (float64, bool) {
	e, ok := in.Entry(tlv.TypeACPower)
	if !ok {
		return 0, false
	}
	v, err := e.Int32()
	if err != nil {
		return 0, false
	}
	return tlv.Milli(v), true
}

// StatusFlags decodes the STATUS_FLAGS bitfield.
func (in Info) StatusFlags() (uint16, bool) {
	e, ok := in.Entry(tlv.TypeStatusFlags)
	if !ok {
		return 0, false
	}
	v, err := e.Uint16()
	return v, err == nil
}

// ErrorCode decodes the ERROR_CODE entry.
func (in Info) ErrorCode() (uint16, bool) {
	e, ok := in.Entry(tlv.TypeErrorCode)
	if !ok {
		return 0, false
	}
	v, err := e.Uint16()
	return v, err == nil
}

func (in Info) float32Entry(typ byte) (float32, bool) {
	e, ok := in.Entry(typ)
	if !ok {
		return 0, false
	}
	v, err := e.Float32()
	return v, err == nil
}
