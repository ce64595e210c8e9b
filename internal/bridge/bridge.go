// Package bridge forwards exchange updates to the MQTT client. Publishing
// can block on the broker, so the bridge runs its own worker fed by a
// bounded queue; the manager's dispatch goroutine only ever enqueues.
package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chinawrj/nowlink/internal/espnow"
	"github.com/chinawrj/nowlink/internal/mqtt"
	"github.com/chinawrj/nowlink/internal/store"
	"github.com/chinawrj/nowlink/internal/transport"
)

const (
	queueSize = 64
	// devicePublishMin throttles per-device publishes; bursts of frames
	// from one peer collapse to the newest snapshot.
	devicePublishMin = time.Second
	statsPublishMin  = 5 * time.Second
)

type Bridge struct {
	mgr    *espnow.Manager
	st     *store.Store
	mq     *mqtt.Client
	logger *slog.Logger

	ch   chan espnow.Update
	stop chan struct{}
	wg   sync.WaitGroup

	lastDevice map[transport.Addr]time.Time
	lastStats  time.Time
}

func New(mgr *espnow.Manager, st *store.Store, mq *mqtt.Client, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		mgr:        mgr,
		st:         st,
		mq:         mq,
		logger:     logger,
		ch:         make(chan espnow.Update, queueSize),
		stop:       make(chan struct{}),
		lastDevice: make(map[transport.Addr]time.Time),
	}
}

// Start registers the observer and launches the publish worker.
func (b *Bridge) Start() {
	b.mgr.OnUpdate(func(u espnow.Update) {
		select {
		case b.ch <- u:
		default:
			// broker slower than the mesh; newest state wins later anyway
		}
	})
	b.wg.Add(1)
	go b.run()
}

// Stop halts the worker. Registered observers become no-ops.
func (b *Bridge) Stop() {
	close(b.stop)
	b.wg.Wait()
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case u := <-b.ch:
			switch u.Kind {
			case espnow.UpdateData:
				b.publishDevice(u.Addr)
			case espnow.UpdateStats:
				b.publishStats()
			}
		}
	}
}

func (b *Bridge) publishDevice(addr transport.Addr) {
	now := time.Now()
	if now.Sub(b.lastDevice[addr]) < devicePublishMin {
		return
	}

	idx, err := b.st.Find(addr)
	if err != nil {
		// frame arrived but no record exists (e.g. full table); nothing to publish
		return
	}
	info, err := b.st.DeviceInfo(idx)
	if err != nil {
		return
	}

	if err := b.mq.PublishTelemetry(telemetryFrom(info)); err != nil {
		b.logger.Debug("device publish skipped", "addr", addr.String(), "error", err)
		return
	}
	b.lastDevice[addr] = now
}

func (b *Bridge) publishStats() {
	now := time.Now()
	if now.Sub(b.lastStats) < statsPublishMin {
		return
	}
	if err := b.mq.PublishStats(b.mgr.Stats()); err != nil {
		b.logger.Debug("stats publish skipped", "error", err)
		return
	}
	b.lastStats = now
}

// telemetryFrom flattens a store snapshot into the MQTT message, leaving
// absent readings nil.
func telemetryFrom(info store.Info) mqtt.DeviceTelemetry {
	t := mqtt.DeviceTelemetry{
		Device:     info.Name,
		Addr:       info.Addr.String(),
		Timestamp:  info.LastSeen,
		RSSI:       info.RSSI,
		EntryCount: info.EntryCount,
	}
	if v, ok := info.UptimeSeconds(); ok {
		t.UptimeSeconds = &v
	}
	if v, ok := info.ACVoltage(); ok {
		f := float64(v)
		t.ACVoltage = &f
	}
	if v, ok := info.ACCurrent(); ok {
		t.ACCurrent = &v
	}
	if v, ok := info.ACFrequency(); ok {
		f := float64(v)
		t.ACFrequency = &f
	}
	if v, ok := info.ACPower(); ok {
		t.ACPower = &v
	}
	if v, ok := info.ACPowerFactor(); ok {
		f := float64(v)
		t.ACPowerFactor = &f
	}
	if v, ok := info.Temperature(); ok {
		f := float64(v)
		t.Temperature = &f
	}
	if v, ok := info.StatusFlags(); ok {
		t.StatusFlags = &v
	}
	if v, ok := info.ErrorCode(); ok {
		t.ErrorCode = &v
	}
	return t
}
