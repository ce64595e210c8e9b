// Package store keeps the bounded table of remote-device telemetry records.
// Each record holds the most recent TLV entry per type for one peer hardware
// address. Records are created lazily on first contact and never evicted:
// when the table is full, new addresses are rejected with ErrNoSpace.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chinawrj/nowlink/internal/tlv"
	"github.com/chinawrj/nowlink/internal/transport"
)

const (
	// DefaultMaxDevices bounds the record table.
	DefaultMaxDevices = 16
	// DefaultMaxEntries bounds TLV slots per record.
	DefaultMaxEntries = 32
	// MaxValueSize is the largest value accepted into a slot. Oversized
	// entries are skipped with a warning, never truncated.
	MaxValueSize = 64
	// DefaultLockTimeout bounds how long callers wait for the table mutex.
	DefaultLockTimeout = 500 * time.Millisecond
)

var (
	// ErrNoSpace is returned when the table is full of other addresses.
	ErrNoSpace = errors.New("store: no free device slot")
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("store: device not found")
	// ErrTimeout is returned when the table mutex could not be acquired in
	// the bounded wait. Callers retry or skip the update cycle.
	ErrTimeout = errors.New("store: lock timeout")
)

type entrySlot struct {
	valid     bool
	typ       byte
	value     []byte
	updatedAt time.Time
}

type record struct {
	inUse      bool
	addr       transport.Addr
	name       string
	entries    []entrySlot
	entryCount int
	lastSeen   time.Time
	rssi       int
}

// Options configures a Store; zero values select the defaults.
type Options struct {
	MaxDevices  int
	MaxEntries  int
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Store is the process-wide telemetry table. One mutex guards readers and
// writers alike; acquisition is always bounded so a stuck holder degrades to
// dropped updates instead of deadlock.
type Store struct {
	sem         chan struct{}
	lockTimeout time.Duration
	maxEntries  int
	records     []record
	logger      *slog.Logger
}

// New builds an empty table.
func New(opts Options) *Store {
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = DefaultMaxDevices
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		sem:         make(chan struct{}, 1),
		lockTimeout: opts.LockTimeout,
		maxEntries:  opts.MaxEntries,
		records:     make([]record, opts.MaxDevices),
		logger:      opts.Logger,
	}
}

func (s *Store) lock() error {
	select {
	case s.sem <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

func (s *Store) unlock() { <-s.sem }

// Capacity returns the table size.
func (s *Store) Capacity() int { return len(s.records) }

// friendlyName derives the display name shown for a peer from its address.
func friendlyName(addr transport.Addr) string {
	return fmt.Sprintf("NODE-%02X%02X", addr[4], addr[5])
}

func (s *Store) findLocked(addr transport.Addr) int {
	for i := range s.records {
		if s.records[i].inUse && s.records[i].addr == addr {
			return i
		}
	}
	return -1
}

func (s *Store) getOrCreateLocked(addr transport.Addr) (int, error) {
	if i := s.findLocked(addr); i >= 0 {
		return i, nil
	}
	for i := range s.records {
		if s.records[i].inUse {
			continue
		}
		s.records[i] = record{
			inUse:   true,
			addr:    addr,
			name:    friendlyName(addr),
			entries: make([]entrySlot, s.maxEntries),
			rssi:    transport.RSSISentinel,
		}
		s.logger.Debug("device slot claimed", "index", i, "addr", addr.String(), "name", s.records[i].name)
		return i, nil
	}
	return -1, ErrNoSpace
}

// Find returns the index of the record for addr.
func (s *Store) Find(addr transport.Addr) (int, error) {
	if err := s.lock(); err != nil {
		return -1, err
	}
	defer s.unlock()
	i := s.findLocked(addr)
	if i < 0 {
		return -1, ErrNotFound
	}
	return i, nil
}

// GetOrCreate returns the index of the record for addr, claiming the first
// unused slot when the address is new. ErrNoSpace means the table is full of
// different addresses.
func (s *Store) GetOrCreate(addr transport.Addr) (int, error) {
	if err := s.lock(); err != nil {
		return -1, err
	}
	defer s.unlock()
	return s.getOrCreateLocked(addr)
}

// Store parses raw TLV bytes from addr and merges them into the device's
// record: an existing slot with a matching type is overwritten in place, new
// types claim the first free slot. last_seen and rssi update unconditionally,
// even when zero entries were stored. The whole parse-and-store runs under
// one mutex hold, so a concurrent reader never sees a half-updated record.
// Returns the number of entries stored.
func (s *Store) Store(addr transport.Addr, raw []byte, rssi int) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.unlock()

	idx, err := s.getOrCreateLocked(addr)
	if err != nil {
		return 0, err
	}
	rec := &s.records[idx]
	now := time.Now()
	rec.lastSeen = now
	rec.rssi = rssi

	stored := 0
	off := 0
	for off < len(raw) && stored < tlv.MaxParseEntries {
		e, next, err := tlv.DecodeNext(raw, off)
		if err != nil {
			s.logger.Warn("tlv parse stopped", "addr", addr.String(), "offset", off, "error", err)
			break
		}
		off = next
		if len(e.Value) > MaxValueSize {
			s.logger.Warn("tlv entry too large, skipped",
				"addr", addr.String(), "type", fmt.Sprintf("0x%02X", e.Type), "size", len(e.Value))
			continue
		}
		if s.applyLocked(rec, e, now) {
			stored++
		}
	}
	return stored, nil
}

// applyLocked writes one entry into the record, overwriting the slot holding
// the same type when present.
func (s *Store) applyLocked(rec *record, e tlv.Entry, now time.Time) bool {
	free := -1
	for i := range rec.entries {
		slot := &rec.entries[i]
		if slot.valid && slot.typ == e.Type {
			slot.value = append(slot.value[:0], e.Value...)
			slot.updatedAt = now
			return true
		}
		if !slot.valid && free < 0 {
			free = i
		}
	}
	if free < 0 {
		s.logger.Warn("entry table full, tlv dropped",
			"addr", rec.addr.String(), "type", fmt.Sprintf("0x%02X", e.Type))
		return false
	}
	rec.entries[free] = entrySlot{
		valid:     true,
		typ:       e.Type,
		value:     append([]byte(nil), e.Value...),
		updatedAt: now,
	}
	rec.entryCount++
	return true
}

// NextValidIndex searches cyclically forward from cur+1 for the next in-use
// record, for "next device" navigation. Falls back to cur when still valid,
// then to the first in-use slot, then ErrNotFound.
func (s *Store) NextValidIndex(cur int) (int, error) {
	if err := s.lock(); err != nil {
		return -1, err
	}
	defer s.unlock()

	n := len(s.records)
	for step := 1; step < n; step++ {
		i := ((cur + step) % n + n) % n
		if s.records[i].inUse {
			return i, nil
		}
	}
	if cur >= 0 && cur < n && s.records[cur].inUse {
		return cur, nil
	}
	for i := range s.records {
		if s.records[i].inUse {
			return i, nil
		}
	}
	return -1, ErrNotFound
}

// Count returns the number of in-use records.
func (s *Store) Count() (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.unlock()
	n := 0
	for i := range s.records {
		if s.records[i].inUse {
			n++
		}
	}
	return n, nil
}

// DeviceInfo snapshots the record at index. The snapshot owns its memory.
func (s *Store) DeviceInfo(index int) (Info, error) {
	if err := s.lock(); err != nil {
		return Info{}, err
	}
	defer s.unlock()

	if index < 0 || index >= len(s.records) || !s.records[index].inUse {
		return Info{}, ErrNotFound
	}
	rec := &s.records[index]
	info := Info{
		Index:      index,
		Addr:       rec.addr,
		Name:       rec.name,
		LastSeen:   rec.lastSeen,
		RSSI:       rec.rssi,
		EntryCount: rec.entryCount,
	}
	for i := range rec.entries {
		slot := &rec.entries[i]
		if !slot.valid {
			continue
		}
		info.Entries = append(info.Entries, tlv.Entry{
			Type:  slot.typ,
			Value: append([]byte(nil), slot.value...),
		})
	}
	return info, nil
}

// Snapshot returns Info for every in-use record.
func (s *Store) Snapshot() ([]Info, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	indexes := make([]int, 0, len(s.records))
	for i := range s.records {
		if s.records[i].inUse {
			indexes = append(indexes, i)
		}
	}
	s.unlock()

	out := make([]Info, 0, len(indexes))
	for _, i := range indexes {
		info, err := s.DeviceInfo(i)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}
