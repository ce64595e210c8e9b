package espnow

import (
	"fmt"
	"time"

	"github.com/chinawrj/nowlink/internal/transport"
	"github.com/chinawrj/nowlink/internal/wire"
)

// stateAnnounce is the state byte carried in discovery frames while a node
// is advertising for a counterpart.
const stateAnnounce byte = 1

// discoveryLoop periodically advertises presence. Each cycle sends one frame
// (broadcast while negotiating, unicast after convergence), waits for the
// prior send's completion bounded by sendCompleteTimeout, then arms an
// interval wait that an explicit trigger can cut short. Duplicate immediate
// sends are tolerated.
func (m *Manager) discoveryLoop() {
	defer m.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		m.sendDiscovery()

		select {
		case <-m.sendDone:
		case <-time.After(sendCompleteTimeout):
			// completion never arrived; assume the link finished and move on
		case <-m.stop:
			return
		}

		timer.Reset(m.cfg.BroadcastInterval)
		select {
		case <-timer.C:
		case <-m.trigger:
			if !timer.Stop() {
				<-timer.C
			}
		case <-m.stop:
			return
		}
	}
}

// sendDiscovery emits one advertisement for the current mode. A transport
// rejection is a failed-send statistic, never a reason to stop the loop.
func (m *Manager) sendDiscovery() {
	m.mu.Lock()
	mode := m.mode
	peer := m.peer
	enabled := m.broadcastEnabled
	m.mu.Unlock()

	var dest transport.Addr
	var frame []byte
	switch {
	case mode == ModeUnicast:
		dest = peer
		frame = m.codec.Encode(wire.Unicast, stateAnnounce, m.magic)
	case enabled:
		dest = transport.BroadcastAddr
		frame = m.codec.Encode(wire.Broadcast, stateAnnounce, m.magic)
	default:
		// a unicast frame arrived from elsewhere: stay quiet until either
		// convergence or an explicit trigger restarts the cycle
		return
	}

	if err := m.tr.Send(dest, frame); err != nil {
		m.statsMu.Lock()
		m.stats.SendFailed++
		m.statsMu.Unlock()
		m.logger.Warn("discovery send rejected", "dest", dest.String(), "error", err)
	}
}

// handleDiscoveryFrame runs the negotiation rules on the dispatch goroutine.
//
// Tie-break: a broadcast announce whose magic is less than or equal to our
// session magic makes us the converging side. With distinct magics exactly
// one node of a pair switches; the <= keeps the rare equal-magic case from
// deadlocking both nodes in broadcast mode.
func (m *Manager) handleDiscoveryFrame(src transport.Addr, frame wire.Frame) {
	m.logger.Debug("discovery frame",
		"src", src.String(),
		"type", frame.Type.String(),
		"state", frame.State,
		"seq", frame.Seq,
		"magic", fmt.Sprintf("0x%08X", frame.Magic),
	)

	switch frame.Type {
	case wire.Broadcast:
		if frame.State != stateAnnounce {
			return
		}
		m.mu.Lock()
		if m.mode != ModeBroadcasting || frame.Magic > m.magic {
			m.mu.Unlock()
			return
		}
		m.mode = ModeUnicast
		m.peer = src
		m.mu.Unlock()

		// encrypted peer entry is added lazily on first contact
		if !m.tr.PeerExists(src) {
			if err := m.tr.AddPeer(src, true, m.cfg.PSK); err != nil {
				m.logger.Warn("add unicast peer failed", "peer", src.String(), "error", err)
			}
		}
		m.logger.Info("converged to unicast",
			"peer", src.String(),
			"peer_magic", fmt.Sprintf("0x%08X", frame.Magic),
			"local_magic", fmt.Sprintf("0x%08X", m.magic),
		)
		// answer promptly instead of waiting out the interval
		select {
		case m.trigger <- struct{}{}:
		default:
		}

	case wire.Unicast:
		m.mu.Lock()
		was := m.broadcastEnabled
		m.broadcastEnabled = false
		m.mu.Unlock()
		if was {
			m.logger.Info("broadcasting disabled by unicast contact", "src", src.String())
		}
	}
}
