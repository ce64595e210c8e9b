// Package espnow implements the peer discovery and TLV telemetry exchange:
// a broadcast/unicast negotiation state machine, the asynchronous
// receive/dispatch pipeline between transport callbacks and a worker
// goroutine, and the statistics consumed by monitoring surfaces.
package espnow

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chinawrj/nowlink/internal/store"
	"github.com/chinawrj/nowlink/internal/transport"
	"github.com/chinawrj/nowlink/internal/wire"
)

const (
	// DefaultBroadcastInterval is the discovery advertisement period.
	DefaultBroadcastInterval = 5 * time.Second
	// DefaultQueueSize bounds the callback-to-dispatch event queue.
	DefaultQueueSize = 32
	// sendCompleteTimeout bounds how long the discovery loop waits for the
	// prior send's completion before proceeding anyway.
	sendCompleteTimeout = time.Second
)

// ErrNotRunning is returned by operations on a stopped manager.
var ErrNotRunning = errors.New("espnow: manager not running")

// Mode is the negotiation state for the current session.
type Mode int

const (
	// ModeBroadcasting is the initial state: periodic broadcast discovery.
	ModeBroadcasting Mode = iota
	// ModeUnicast is reached once the magic tie-break converged on a peer.
	ModeUnicast
)

func (m Mode) String() string {
	if m == ModeUnicast {
		return "unicast"
	}
	return "broadcasting"
}

// UpdateKind tells observers what changed.
type UpdateKind int

const (
	// UpdateData fires after a receive event, whether or not new entries
	// were stored, so consumers can reflect fresh last-seen/rssi.
	UpdateData UpdateKind = iota
	// UpdateStats fires after a send completion changed the counters.
	UpdateStats
)

// Update is delivered to observers registered with OnUpdate. Addr is set for
// UpdateData events.
type Update struct {
	Kind UpdateKind
	Addr transport.Addr
}

// UpdateFunc observes manager events. It runs on the dispatch goroutine and
// must return promptly.
type UpdateFunc func(Update)

// Config assembles a Manager's collaborators.
type Config struct {
	Transport transport.Transport
	Store     *store.Store

	// PSK is the pre-shared key installed as the transport primary key and
	// used for encrypted unicast peers added on first contact.
	PSK []byte

	BroadcastInterval time.Duration
	QueueSize         int
	// FramePayloadLen is the random-fill length of discovery frames after
	// the fixed header. Negative selects the wire default.
	FramePayloadLen int

	Logger *slog.Logger
}

// Manager owns the exchange session: one dispatch goroutine consuming the
// event queue and one discovery goroutine driving the broadcast timer.
// Construct once at startup, pass by pointer.
type Manager struct {
	tr     transport.Transport
	store  *store.Store
	logger *slog.Logger
	cfg    Config

	codec *wire.Codec
	magic uint32

	events   chan event
	trigger  chan struct{}
	sendDone chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup

	// negotiation state, owned by the dispatch goroutine, read by discovery
	// under mu
	mu               sync.Mutex
	mode             Mode
	broadcastEnabled bool
	peer             transport.Addr
	running          bool

	statsMu sync.Mutex
	stats   Stats

	// droppedEvents counts queue-full drops. Written from both callback
	// producers, hence atomic rather than the single-writer counters above.
	droppedEvents atomic.Uint64

	obsMu     sync.Mutex
	observers []UpdateFunc
}

// New validates the config and builds a stopped manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("espnow: transport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("espnow: store is required")
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		tr:     cfg.Transport,
		store:  cfg.Store,
		logger: cfg.Logger,
		cfg:    cfg,
		codec:  wire.NewCodec(cfg.FramePayloadLen),
	}, nil
}

// Start performs the one-time session bootstrap and launches the dispatch
// and discovery goroutines. Bootstrap failures are fatal to this subsystem
// and are returned to the caller; nothing is left running on error.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("espnow: already started")
	}
	m.magic = rand.Uint32()
	m.mode = ModeBroadcasting
	m.broadcastEnabled = true
	m.events = make(chan event, m.cfg.QueueSize)
	m.trigger = make(chan struct{}, 1)
	m.sendDone = make(chan struct{}, 1)
	m.stop = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats = Stats{Magic: m.magic}
	m.statsMu.Unlock()

	if len(m.cfg.PSK) > 0 {
		if err := m.tr.SetPrimaryKey(m.cfg.PSK); err != nil {
			m.markStopped()
			return fmt.Errorf("espnow: set primary key: %w", err)
		}
	}
	if err := m.tr.AddPeer(transport.BroadcastAddr, false, nil); err != nil {
		m.markStopped()
		return fmt.Errorf("espnow: add broadcast peer: %w", err)
	}

	m.tr.SetSendCallback(m.onSendDone)
	m.tr.SetRecvCallback(m.onReceive)

	m.wg.Add(2)
	go m.dispatchLoop()
	go m.discoveryLoop()

	m.logger.Info("espnow session started",
		"magic", fmt.Sprintf("0x%08X", m.magic),
		"interval", m.cfg.BroadcastInterval,
		"queue", m.cfg.QueueSize,
	)
	return nil
}

func (m *Manager) markStopped() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Stop halts both goroutines. The transport is left to its owner.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.tr.SetSendCallback(nil)
	m.tr.SetRecvCallback(nil)
	m.wg.Wait()
	m.logger.Info("espnow session stopped")
}

// Magic returns the session tie-break value.
func (m *Manager) Magic() uint32 { return m.magic }

// Mode returns the current negotiation state.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Peer returns the converged unicast peer, valid once Mode is ModeUnicast.
func (m *Manager) Peer() transport.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// SendTestPacket requests an immediate discovery broadcast. Duplicate
// triggers while one is pending are coalesced.
func (m *Manager) SendTestPacket() error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case m.trigger <- struct{}{}:
	default:
	}
	return nil
}

// OnUpdate registers an observer for data/stats updates.
func (m *Manager) OnUpdate(fn UpdateFunc) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Manager) notify(u Update) {
	m.obsMu.Lock()
	obs := make([]UpdateFunc, len(m.observers))
	copy(obs, m.observers)
	m.obsMu.Unlock()
	for _, fn := range obs {
		fn(u)
	}
}
