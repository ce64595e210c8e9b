// Package recorder persists decoded telemetry readings to SQLite so history
// survives gateway restarts; the live bounded table stays the source of
// truth for current state.
package recorder

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"
)

//go:embed sql/insert-device.sql
var insertDeviceSQL string

//go:embed sql/get-device-id-by-addr.sql
var getDeviceIDByAddrSQL string

//go:embed sql/get-devices.sql
var getDevicesSQL string

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-latest-readings.sql
var getLatestReadingsSQL string

//go:embed sql/get-readings.sql
var getReadingsSQL string

//go:embed sql/get-readings-count.sql
var getReadingsCountSQL string

// Device is a persisted device row.
type Device struct {
	ID        int64  `json:"id"`
	Addr      string `json:"addr"`
	Name      string `json:"name"`
	FirstSeen string `json:"first_seen"`
}

// Reading is one persisted telemetry sample. Optional readings are pointers
// so absent TLV types stay NULL.
type Reading struct {
	Addr          string    `json:"addr"`
	Time          time.Time `json:"ts"`
	RSSI          *int      `json:"rssi,omitempty"`
	UptimeSeconds *int64    `json:"uptime_seconds,omitempty"`
	ACVoltage     *float64  `json:"ac_voltage_v,omitempty"`
	ACCurrent     *float64  `json:"ac_current_a,omitempty"`
	ACFrequency   *float64  `json:"ac_frequency_hz,omitempty"`
	ACPower       *float64  `json:"ac_power_w,omitempty"`
	ACPowerFactor *float64  `json:"ac_power_factor,omitempty"`
	Temperature   *float64  `json:"temperature_c,omitempty"`
	StatusFlags   *int64    `json:"status_flags,omitempty"`
	ErrorCode     *int64    `json:"error_code,omitempty"`
}

// Repository is the persistence contract for telemetry history.
type Repository interface {
	EnsureDevice(addr string, name string) (int64, error)
	InsertReading(addr string, name string, r Reading) error
	GetDevices() ([]Device, error)
	GetLatestReadings(addr string, limit int) ([]Reading, error)
	GetReadings(addr string, from time.Time, to time.Time, limit int, offset int) ([]Reading, error)
	GetReadingsCount(addr string, from time.Time, to time.Time) (int, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

// EnsureDevice inserts the device row if missing and returns its id.
func (r *repositoryImpl) EnsureDevice(addr string, name string) (int64, error) {
	if _, err := r.db.Exec(insertDeviceSQL, addr, name); err != nil {
		return 0, fmt.Errorf("insert device %q: %w", addr, err)
	}
	var id int64
	if err := r.db.QueryRow(getDeviceIDByAddrSQL, addr).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup device %q: %w", addr, err)
	}
	return id, nil
}

func (r *repositoryImpl) InsertReading(addr string, name string, rd Reading) error {
	id, err := r.EnsureDevice(addr, name)
	if err != nil {
		return err
	}
	ts := rd.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	tsStr := ts.UTC().Format(time.RFC3339Nano)

	_, err = r.db.Exec(insertReadingSQL,
		id, tsStr,
		nullable(rd.RSSI),
		nullable(rd.UptimeSeconds),
		nullable(rd.ACVoltage),
		nullable(rd.ACCurrent),
		nullable(rd.ACFrequency),
		nullable(rd.ACPower),
		nullable(rd.ACPowerFactor),
		nullable(rd.Temperature),
		nullable(rd.StatusFlags),
		nullable(rd.ErrorCode),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func (r *repositoryImpl) GetDevices() ([]Device, error) {
	rows, err := r.db.Query(getDevicesSQL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close devices rows", "error", err)
		}
	}()
	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Addr, &d.Name, &d.FirstSeen); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) GetLatestReadings(addr string, limit int) ([]Reading, error) {
	rows, err := r.db.Query(getLatestReadingsSQL, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close latest readings rows", "error", err)
		}
	}()
	return scanReadings(rows)
}

func (r *repositoryImpl) GetReadings(addr string, from time.Time, to time.Time, limit int, offset int) ([]Reading, error) {
	fromStr := from.UTC().Format(time.RFC3339Nano)
	toStr := to.UTC().Format(time.RFC3339Nano)
	rows, err := r.db.Query(getReadingsSQL, addr, fromStr, toStr, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close readings rows", "error", err)
		}
	}()
	return scanReadings(rows)
}

func (r *repositoryImpl) GetReadingsCount(addr string, from time.Time, to time.Time) (int, error) {
	fromStr := from.UTC().Format(time.RFC3339Nano)
	toStr := to.UTC().Format(time.RFC3339Nano)
	var n int
	err := r.db.QueryRow(getReadingsCountSQL, addr, fromStr, toStr).Scan(&n)
	return n, err
}

func scanReadings(rows *sql.Rows) ([]Reading, error) {
	var out []Reading
	for rows.Next() {
		var rec Reading
		var ts string
		if err := rows.Scan(
			&rec.Addr, &ts,
			&rec.RSSI,
			&rec.UptimeSeconds,
			&rec.ACVoltage,
			&rec.ACCurrent,
			&rec.ACFrequency,
			&rec.ACPower,
			&rec.ACPowerFactor,
			&rec.Temperature,
			&rec.StatusFlags,
			&rec.ErrorCode,
		); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			var err2 error
			t, err2 = time.Parse(time.RFC3339, ts)
			if err2 != nil {
				return nil, fmt.Errorf("parse timestamp %q: RFC3339Nano: %w; RFC3339: %w", ts, err, err2)
			}
		}
		rec.Time = t
		out = append(out, rec)
	}
	return out, rows.Err()
}
