package transport

import (
	"sync"
)

// Hub is an in-process datagram switch connecting Node endpoints by hardware
// address. Broadcast fans out to every other node; unicast delivers to the
// one matching endpoint. Delivery happens synchronously on the sender's
// goroutine, which mirrors the non-blocking-callback discipline of a real
// radio driver: receive callbacks only get a transient view of the payload.
type Hub struct {
	mu    sync.Mutex
	nodes map[Addr]*Node
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[Addr]*Node)}
}

// Node attaches a new endpoint with the given address.
func (h *Hub) Node(addr Addr) *Node {
	n := &Node{hub: h, addr: addr, rssi: -40}
	h.mu.Lock()
	h.nodes[addr] = n
	h.mu.Unlock()
	return n
}

// SetRSSI sets the signal strength the node reports for delivered packets.
func (n *Node) SetRSSI(rssi int) {
	n.mu.Lock()
	n.rssi = rssi
	n.mu.Unlock()
}

func (h *Hub) deliver(from *Node, dest Addr, payload []byte) bool {
	h.mu.Lock()
	targets := make([]*Node, 0, len(h.nodes))
	for addr, n := range h.nodes {
		if n == from {
			continue
		}
		if dest.IsBroadcast() || addr == dest {
			targets = append(targets, n)
		}
	}
	h.mu.Unlock()

	for _, n := range targets {
		n.receive(from.addr, payload)
	}
	return dest.IsBroadcast() || len(targets) > 0
}

// Node is one hub endpoint implementing Transport.
type Node struct {
	hub  *Hub
	addr Addr

	mu     sync.Mutex
	rssi   int
	closed bool
	sendCb SendCallback
	recvCb RecvCallback
	peers  map[Addr]bool // addr -> encrypted
	psk    []byte

	// DropSends makes Send report failure through the send callback without
	// delivering, for failure-path tests.
	DropSends bool
}

// Addr returns the node's hardware address.
func (n *Node) Addr() Addr { return n.addr }

func (n *Node) Send(dest Addr, payload []byte) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	drop := n.DropSends
	cb := n.sendCb
	n.mu.Unlock()

	if drop {
		if cb != nil {
			cb(dest, false)
		}
		return nil
	}

	ok := n.hub.deliver(n, dest, payload)
	if cb != nil {
		cb(dest, ok)
	}
	if !ok {
		return ErrUnknownPeer
	}
	return nil
}

func (n *Node) receive(src Addr, payload []byte) {
	n.mu.Lock()
	cb := n.recvCb
	rssi := n.rssi
	closed := n.closed
	n.mu.Unlock()
	if closed || cb == nil {
		return
	}
	cb(src, payload, RxMeta{RSSI: rssi})
}

func (n *Node) SetSendCallback(cb SendCallback) {
	n.mu.Lock()
	n.sendCb = cb
	n.mu.Unlock()
}

func (n *Node) SetRecvCallback(cb RecvCallback) {
	n.mu.Lock()
	n.recvCb = cb
	n.mu.Unlock()
}

func (n *Node) AddPeer(addr Addr, encrypted bool, key []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers == nil {
		n.peers = make(map[Addr]bool)
	}
	n.peers[addr] = encrypted
	return nil
}

func (n *Node) PeerExists(addr Addr) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.peers[addr]
	return ok
}

func (n *Node) SetPrimaryKey(key []byte) error {
	n.mu.Lock()
	n.psk = append([]byte(nil), key...)
	n.mu.Unlock()
	return nil
}

func (n *Node) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.hub.mu.Lock()
	delete(n.hub.nodes, n.addr)
	n.hub.mu.Unlock()
	return nil
}
