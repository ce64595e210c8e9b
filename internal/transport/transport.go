// Package transport defines the connectionless datagram boundary the
// telemetry exchange runs over. The core depends only on this contract; the
// concrete implementations are a UDP LAN tunnel and an in-process hub used by
// tests.
package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Addr is a 6-byte hardware address identifying a peer.
type Addr [6]byte

// BroadcastAddr is the all-ones address every node accepts.
var BroadcastAddr = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsBroadcast reports whether a is the all-ones broadcast address.
func (a Addr) IsBroadcast() bool { return a == BroadcastAddr }

// ParseAddr parses "aa:bb:cc:dd:ee:ff", case-insensitive.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return Addr{}, fmt.Errorf("transport: invalid address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return Addr{}, fmt.Errorf("transport: invalid address %q", s)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return Addr{}, fmt.Errorf("transport: invalid address %q", s)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// RSSISentinel is reported when the underlying link has no signal-strength
// measurement (e.g. the UDP tunnel).
const RSSISentinel = -127

// RxMeta carries per-packet link-quality metadata.
type RxMeta struct {
	RSSI int
	Rate byte // PHY rate index, 0 when unknown
}

// SendCallback is invoked from driver context when a transmission completes.
// It must not block.
type SendCallback func(dest Addr, ok bool)

// RecvCallback is invoked from driver context for each received datagram.
// payload is only valid for the duration of the call; implementations that
// keep it must copy. It must not block.
type RecvCallback func(src Addr, payload []byte, meta RxMeta)

var (
	// ErrUnknownPeer is returned by Send when the unicast destination has
	// not been registered.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrPeerTableFull is returned by AddPeer when no peer slot is free.
	ErrPeerTableFull = errors.New("transport: peer table full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Transport is the abstract radio contract consumed by the exchange manager.
type Transport interface {
	// Send queues payload toward dest and returns once the transmission has
	// been handed to the link. Completion is reported via the send callback.
	Send(dest Addr, payload []byte) error

	SetSendCallback(SendCallback)
	SetRecvCallback(RecvCallback)

	// AddPeer registers a destination. key is the per-peer symmetric key for
	// encrypted peers; ignored when encrypted is false.
	AddPeer(addr Addr, encrypted bool, key []byte) error
	PeerExists(addr Addr) bool

	// SetPrimaryKey installs the pre-shared key used to derive per-peer keys.
	SetPrimaryKey(key []byte) error

	Close() error
}
