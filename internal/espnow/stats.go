package espnow

// Stats are the session counters. Every field except DroppedEvents is
// written only by the dispatch goroutine; the snapshot copy is still taken
// under a mutex so readers on any architecture see consistent values.
type Stats struct {
	PacketsSent     uint64 `json:"packets_sent"`
	PacketsReceived uint64 `json:"packets_received"`
	SendSuccess     uint64 `json:"send_success"`
	SendFailed      uint64 `json:"send_failed"`
	ParseFailures   uint64 `json:"parse_failures"`
	StoreFailures   uint64 `json:"store_failures"`
	DroppedEvents   uint64 `json:"dropped_events"`
	Magic           uint32 `json:"magic_number"`
}

// Stats returns a consistent snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	s := m.stats
	m.statsMu.Unlock()
	s.DroppedEvents = m.droppedEvents.Load()
	return s
}
