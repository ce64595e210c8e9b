package espnow

import (
	"github.com/chinawrj/nowlink/internal/tlv"
	"github.com/chinawrj/nowlink/internal/transport"
	"github.com/chinawrj/nowlink/internal/utils"
	"github.com/chinawrj/nowlink/internal/wire"
)

type eventKind int

const (
	evSendDone eventKind = iota
	evReceive
)

type event struct {
	kind    eventKind
	dest    transport.Addr // evSendDone
	ok      bool           // evSendDone
	src     transport.Addr // evReceive
	payload []byte         // evReceive, owned by the event
	meta    transport.RxMeta
}

// onSendDone runs in transport driver context. It only copies the completion
// into a queue entry; a full queue drops the event and bumps the counter.
func (m *Manager) onSendDone(dest transport.Addr, ok bool) {
	select {
	case m.events <- event{kind: evSendDone, dest: dest, ok: ok}:
	default:
		m.droppedEvents.Add(1)
	}
}

// onReceive runs in transport driver context. The payload view is transient,
// so the only work done here is the heap copy and the enqueue. Parsing,
// locking and logging all happen on the dispatch goroutine.
func (m *Manager) onReceive(src transport.Addr, payload []byte, meta transport.RxMeta) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case m.events <- event{kind: evReceive, src: src, payload: buf, meta: meta}:
	default:
		m.droppedEvents.Add(1)
	}
}

// dispatchLoop is the sole consumer of the event queue and the sole writer
// of the statistics counters. One malformed frame never stops the loop.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.events:
			switch ev.kind {
			case evSendDone:
				m.handleSendDone(ev)
			case evReceive:
				m.handleReceive(ev)
			}
		}
	}
}

func (m *Manager) handleSendDone(ev event) {
	m.statsMu.Lock()
	m.stats.PacketsSent++
	if ev.ok {
		m.stats.SendSuccess++
	} else {
		m.stats.SendFailed++
	}
	m.statsMu.Unlock()

	if ev.dest.IsBroadcast() {
		select {
		case m.sendDone <- struct{}{}:
		default:
		}
	}
	m.notify(Update{Kind: UpdateStats})
}

func (m *Manager) handleReceive(ev event) {
	m.statsMu.Lock()
	m.stats.PacketsReceived++
	m.statsMu.Unlock()

	// Discovery frames carry their own checksum, which makes wire.Decode a
	// reliable discriminator; everything that fails it is treated as a TLV
	// telemetry payload.
	if frame, err := wire.Decode(ev.payload); err == nil {
		m.handleDiscoveryFrame(ev.src, frame)
	} else {
		m.handleTelemetry(ev.src, ev.payload, ev.meta)
	}

	// Observers always hear about a receive so they can refresh
	// last-seen/rssi even when nothing new was stored.
	m.notify(Update{Kind: UpdateData, Addr: ev.src})
}

func (m *Manager) handleTelemetry(src transport.Addr, payload []byte, meta transport.RxMeta) {
	entries, perr := tlv.Parse(payload)
	if len(entries) == 0 {
		m.statsMu.Lock()
		m.stats.ParseFailures++
		m.statsMu.Unlock()
		m.logger.Debug("unparseable payload dropped",
			"src", src.String(), "size", len(payload),
			"data", utils.BytesToHex(payload), "error", perr)
		return
	}

	stored, err := m.store.Store(src, payload, meta.RSSI)
	if err != nil {
		m.statsMu.Lock()
		m.stats.StoreFailures++
		m.statsMu.Unlock()
		m.logger.Warn("telemetry store failed", "src", src.String(), "error", err)
		return
	}
	m.logger.Debug("telemetry stored",
		"src", src.String(), "entries", stored, "rssi", meta.RSSI)
}
