package recorder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chinawrj/nowlink/internal/espnow"
	"github.com/chinawrj/nowlink/internal/store"
	"github.com/chinawrj/nowlink/internal/transport"
)

const (
	queueSize = 64
	// sampleMin throttles per-device history inserts so a chatty peer does
	// not flood the database with near-identical rows.
	sampleMin = 10 * time.Second
)

// Recorder subscribes to exchange updates and persists one sample per device
// per sampleMin window. It runs its own worker so SQLite writes never touch
// the dispatch goroutine.
type Recorder struct {
	mgr    *espnow.Manager
	st     *store.Store
	repo   Repository
	logger *slog.Logger

	ch   chan transport.Addr
	stop chan struct{}
	wg   sync.WaitGroup

	lastSample map[transport.Addr]time.Time
}

func New(mgr *espnow.Manager, st *store.Store, repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		mgr:        mgr,
		st:         st,
		repo:       repo,
		logger:     logger,
		ch:         make(chan transport.Addr, queueSize),
		stop:       make(chan struct{}),
		lastSample: make(map[transport.Addr]time.Time),
	}
}

// Start registers the observer and launches the insert worker.
func (r *Recorder) Start() {
	r.mgr.OnUpdate(func(u espnow.Update) {
		if u.Kind != espnow.UpdateData {
			return
		}
		select {
		case r.ch <- u.Addr:
		default:
		}
	})
	r.wg.Add(1)
	go r.run()
}

// Stop halts the worker.
func (r *Recorder) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case addr := <-r.ch:
			r.sample(addr)
		}
	}
}

func (r *Recorder) sample(addr transport.Addr) {
	now := time.Now()
	if now.Sub(r.lastSample[addr]) < sampleMin {
		return
	}

	idx, err := r.st.Find(addr)
	if err != nil {
		return
	}
	info, err := r.st.DeviceInfo(idx)
	if err != nil {
		return
	}
	if info.EntryCount == 0 {
		// discovery-only contact; nothing worth a history row yet
		return
	}

	if err := r.repo.InsertReading(info.Addr.String(), info.Name, readingFrom(info)); err != nil {
		r.logger.Warn("history insert failed", "addr", addr.String(), "error", err)
		return
	}
	r.lastSample[addr] = now
}

// readingFrom flattens a store snapshot into a history row.
func readingFrom(info store.Info) Reading {
	rd := Reading{Addr: info.Addr.String(), Time: info.LastSeen}
	rssi := info.RSSI
	rd.RSSI = &rssi
	if v, ok := info.UptimeSeconds(); ok {
		u := int64(v)
		rd.UptimeSeconds = &u
	}
	if v, ok := info.ACVoltage(); ok {
		f := float64(v)
		rd.ACVoltage = &f
	}
	if v, ok := info.ACCurrent(); ok {
		rd.ACCurrent = &v
	}
	if v, ok := info.ACFrequency(); ok {
		f := float64(v)
		rd.ACFrequency = &f
	}
	if v, ok := info.ACPower(); ok {
		rd.ACPower = &v
	}
	if v, ok := info.ACPowerFactor(); ok {
		f := float64(v)
		rd.ACPowerFactor = &f
	}
	if v, ok := info.Temperature(); ok {
		f := float64(v)
		rd.Temperature = &f
	}
	if v, ok := info.StatusFlags(); ok {
		n := int64(v)
		rd.StatusFlags = &n
	}
	if v, ok := info.ErrorCode(); ok {
		n := int64(v)
		rd.ErrorCode = &n
	}
	return rd
}
