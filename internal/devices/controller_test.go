package devices

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chinawrj/nowlink/internal/espnow"
	"github.com/chinawrj/nowlink/internal/recorder"
	"github.com/chinawrj/nowlink/internal/store"
	"github.com/chinawrj/nowlink/internal/tlv"
	"github.com/chinawrj/nowlink/internal/transport"
)

type mockRepo struct {
	latest    []recorder.Reading
	latestErr error
}

func (m *mockRepo) EnsureDevice(addr, name string) (int64, error) { return 1, nil }
func (m *mockRepo) InsertReading(addr, name string, r recorder.Reading) error {
	return nil
}
func (m *mockRepo) GetDevices() ([]recorder.Device, error) { return nil, nil }
func (m *mockRepo) GetLatestReadings(addr string, limit int) ([]recorder.Reading, error) {
	return m.latest, m.latestErr
}
func (m *mockRepo) GetReadings(addr string, from, to time.Time, limit, offset int) ([]recorder.Reading, error) {
	return nil, nil
}
func (m *mockRepo) GetReadingsCount(addr string, from, to time.Time) (int, error) {
	return 0, nil
}

func testMux(t *testing.T, st *store.Store, mgr *espnow.Manager, repo recorder.Repository) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewController(st, mgr, repo).RegisterRoutes(mux)
	return mux
}

func testStoreWithDevice(t *testing.T) (*store.Store, transport.Addr) {
	t.Helper()
	st := store.New(store.Options{})
	addr := transport.Addr{0x24, 0x6F, 0x28, 0x00, 0x11, 0x22}
	var raw []byte
	raw, _ = tlv.Append(raw, tlv.Uint32(tlv.TypeUptime, 3600))
	raw, _ = tlv.Append(raw, tlv.Float32(tlv.TypeACVoltage, 230.0))
	if _, err := st.Store(addr, raw, -50); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return st, addr
}

func testManagerStarted(t *testing.T) *espnow.Manager {
	t.Helper()
	hub := transport.NewHub()
	node := hub.Node(transport.Addr{2, 0, 0, 0, 0, 1})
	mgr, err := espnow.New(espnow.Config{
		Transport:         node,
		Store:             store.New(store.Options{}),
		BroadcastInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Start(); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr
}

func Test_handleDevices(t *testing.T) {
	st, addr := testStoreWithDevice(t)
	mux := testMux(t, st, testManagerStarted(t), &mockRepo{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
	}
	var out []deviceView
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d devices, want 1", len(out))
	}
	if out[0].Addr != addr.String() {
		t.Errorf("addr = %q, want %q", out[0].Addr, addr)
	}
	if out[0].UptimeSeconds == nil || *out[0].UptimeSeconds != 3600 {
		t.Errorf("uptime = %v, want 3600", out[0].UptimeSeconds)
	}
	if out[0].ACVoltage == nil || *out[0].ACVoltage != 230.0 {
		t.Errorf("voltage = %v, want 230", out[0].ACVoltage)
	}
}

func Test_handleDevice(t *testing.T) {
	st, _ := testStoreWithDevice(t)
	mux := testMux(t, st, testManagerStarted(t), &mockRepo{})

	t.Run("returns the record at a valid index", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/0", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
		}
		var v deviceView
		if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if v.RSSI != -50 {
			t.Errorf("rssi = %d, want -50", v.RSSI)
		}
		if !strings.HasPrefix(v.Name, "NODE-") {
			t.Errorf("name = %q, want NODE- prefix", v.Name)
		}
	})

	t.Run("rejects a non-numeric index", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/abc", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("returns 404 for an empty slot", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/5", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func Test_handleNext(t *testing.T) {
	st, _ := testStoreWithDevice(t)
	mux := testMux(t, st, testManagerStarted(t), &mockRepo{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/0/next", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
	}
	var out map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// a single occupied slot cycles back to itself
	if out["index"] != 0 {
		t.Errorf("index = %d, want 0", out["index"])
	}
}

func Test_handleHistory(t *testing.T) {
	st, addr := testStoreWithDevice(t)

	t.Run("returns persisted readings", func(t *testing.T) {
		rssi := -55
		repo := &mockRepo{latest: []recorder.Reading{{Addr: addr.String(), Time: time.Now(), RSSI: &rssi}}}
		mux := testMux(t, st, testManagerStarted(t), repo)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/0/history", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
		}
		var out []recorder.Reading
		if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out) != 1 || out[0].Addr != addr.String() {
			t.Errorf("unexpected history: %+v", out)
		}
	})

	t.Run("rejects an out-of-range limit", func(t *testing.T) {
		mux := testMux(t, st, testManagerStarted(t), &mockRepo{})
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/0/history?limit=0", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusBadRequest)
		}
	})
}

func Test_handleStats(t *testing.T) {
	st, _ := testStoreWithDevice(t)
	mgr := testManagerStarted(t)
	mux := testMux(t, st, mgr, &mockRepo{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want %d", rec.Code, http.StatusOK)
	}
	var out struct {
		Mode  string `json:"mode"`
		Magic uint32 `json:"magic_number"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Mode != "broadcasting" {
		t.Errorf("mode = %q, want broadcasting", out.Mode)
	}
	if out.Magic != mgr.Magic() {
		t.Errorf("magic = 0x%08X, want 0x%08X", out.Magic, mgr.Magic())
	}
}

func Test_handleBroadcast(t *testing.T) {
	st, _ := testStoreWithDevice(t)

	t.Run("triggers when running", func(t *testing.T) {
		mux := testMux(t, st, testManagerStarted(t), &mockRepo{})
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/broadcast", nil))
		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusAccepted)
		}
	})

	t.Run("refuses when the session is stopped", func(t *testing.T) {
		hub := transport.NewHub()
		node := hub.Node(transport.Addr{2, 0, 0, 0, 0, 2})
		mgr, err := espnow.New(espnow.Config{
			Transport:         node,
			Store:             store.New(store.Options{}),
			BroadcastInterval: time.Hour,
		})
		if err != nil {
			t.Fatalf("new manager: %v", err)
		}
		mux := testMux(t, st, mgr, &mockRepo{})
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/broadcast", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d; want %d", rec.Code, http.StatusServiceUnavailable)
		}
	})
}
