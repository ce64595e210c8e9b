package devices

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chinawrj/nowlink/internal/espnow"
	"github.com/chinawrj/nowlink/internal/recorder"
	"github.com/chinawrj/nowlink/internal/store"
	"github.com/chinawrj/nowlink/internal/utils"
)

type Controller struct {
	store   *store.Store
	manager *espnow.Manager
	repo    recorder.Repository
}

func NewController(st *store.Store, mgr *espnow.Manager, repo recorder.Repository) *Controller {
	return &Controller{store: st, manager: mgr, repo: repo}
}

func (c *Controller) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/devices", c.handleDevices)
	mux.HandleFunc("GET /api/devices/{index}", c.handleDevice)
	mux.HandleFunc("GET /api/devices/{index}/next", c.handleNext)
	mux.HandleFunc("GET /api/devices/{index}/history", c.handleHistory)
	mux.HandleFunc("GET /api/stats", c.handleStats)
	mux.HandleFunc("POST /api/broadcast", c.handleBroadcast)
}

// deviceView is the JSON shape for one live record.
type deviceView struct {
	Index         int       `json:"index"`
	Addr          string    `json:"addr"`
	Name          string    `json:"name"`
	LastSeen      time.Time `json:"last_seen"`
	RSSI          int       `json:"rssi"`
	EntryCount    int       `json:"entry_count"`
	UptimeSeconds *uint32   `json:"uptime_seconds,omitempty"`
	ACVoltage     *float64  `json:"ac_voltage_v,omitempty"`
	ACCurrent     *float64  `json:"ac_current_a,omitempty"`
	ACFrequency   *float64  `json:"ac_frequency_hz,omitempty"`
	ACPower       *float64  `json:"ac_power_w,omitempty"`
	ACPowerFactor *float64  `json:"ac_power_factor,omitempty"`
	Temperature   *float64  `json:"temperature_c,omitempty"`
	StatusFlags   *uint16   `json:"status_flags,omitempty"`
	ErrorCode     *uint16   `json:"error_code,omitempty"`
}

func viewFrom(info store.Info) deviceView {
	v := deviceView{
		Index:      info.Index,
		Addr:       info.Addr.String(),
		Name:       info.Name,
		LastSeen:   info.LastSeen,
		RSSI:       info.RSSI,
		EntryCount: info.EntryCount,
	}
	if u, ok := info.UptimeSeconds(); ok {
		v.UptimeSeconds = &u
	}
	if f, ok := info.ACVoltage(); ok {
		x := float64(f)
		v.ACVoltage = &x
	}
	if f, ok := info.ACCurrent(); ok {
		v.ACCurrent = &f
	}
	if f, ok := info.ACFrequency(); ok {
		x := float64(f)
		v.ACFrequency = &x
	}
	if f, ok := info.ACPower(); ok {
		v.ACPower = &f
	}
	if f, ok := info.ACPowerFactor(); ok {
		x := float64(f)
		v.ACPowerFactor = &x
	}
	if f, ok := info.Temperature(); ok {
		x := float64(f)
		v.Temperature = &x
	}
	if u, ok := info.StatusFlags(); ok {
		v.StatusFlags = &u
	}
	if u, ok := info.ErrorCode(); ok {
		v.ErrorCode = &u
	}
	return v
}

func (c *Controller) handleDevices(w http.ResponseWriter, r *http.Request) {
	infos, err := c.store.Snapshot()
	if err != nil {
		utils.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	out := make([]deviceView, 0, len(infos))
	for _, info := range infos {
		out = append(out, viewFrom(info))
	}
	utils.WriteJSON(w, http.StatusOK, out)
}

func (c *Controller) handleDevice(w http.ResponseWriter, r *http.Request) {
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	info, err := c.store.DeviceInfo(index)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, viewFrom(info))
}

func (c *Controller) handleNext(w http.ResponseWriter, r *http.Request) {
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	next, err := c.store.NextValidIndex(index)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]int{"index": next})
}

func (c *Controller) handleHistory(w http.ResponseWriter, r *http.Request) {
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	info, err := c.store.DeviceInfo(index)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > 1000 {
			utils.WriteError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = v
	}
	readings, err := c.repo.GetLatestReadings(info.Addr.String(), limit)
	if err != nil {
		slog.Error("history query failed", "addr", info.Addr.String(), "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	utils.WriteJSON(w, http.StatusOK, readings)
}

func (c *Controller) handleStats(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, struct {
		espnow.Stats
		Mode string `json:"mode"`
	}{c.manager.Stats(), c.manager.Mode().String()})
}

// handleBroadcast triggers an immediate discovery broadcast.
func (c *Controller) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if err := c.manager.SendTestPacket(); err != nil {
		utils.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func parseIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.PathValue("index")
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		utils.WriteError(w, http.StatusBadRequest, "invalid device index")
		return 0, false
	}
	return index, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.WriteError(w, http.StatusNotFound, "no device at index")
	case errors.Is(err, store.ErrTimeout):
		utils.WriteError(w, http.StatusServiceUnavailable, "telemetry table busy")
	default:
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
