package transport

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// UDP tunnel encapsulation: every datagram is prefixed with
// [magic:u16 BE][version:u8][src hwaddr:6] so the receiving side can key the
// sender by hardware address the way the radio link does. Broadcast hardware
// frames go to the IPv4 broadcast address; unicast frames go to the UDP
// address last seen for that hardware address.
const (
	udpMagic   uint16 = 0x4E4C // "NL"
	udpVersion byte   = 1
	udpHdrSize        = 9
)

// UDPConfig configures a UDP tunnel transport.
type UDPConfig struct {
	// Listen is the local UDP address, e.g. ":17394".
	Listen string
	// Broadcast is the destination for hardware-broadcast frames,
	// e.g. "255.255.255.255:17394".
	Broadcast string
	// LocalAddr is the hardware address this endpoint stamps on outgoing
	// datagrams.
	LocalAddr Addr

	Logger *slog.Logger
}

type udpPeer struct {
	encrypted bool
	key       []byte
	udp       *net.UDPAddr // learned from traffic, nil until first contact
}

// UDPTransport tunnels the exchange over a LAN. It reports RSSISentinel for
// every packet since UDP carries no signal-strength measurement.
type UDPTransport struct {
	conn      *net.UDPConn
	broadcast *net.UDPAddr
	local     Addr
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	sendCb SendCallback
	recvCb RecvCallback
	peers  map[Addr]*udpPeer
	psk    []byte

	wg sync.WaitGroup
}

// NewUDP binds the socket and starts the read loop.
func NewUDP(cfg UDPConfig) (*UDPTransport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	laddr, err := net.ResolveUDPAddr("udp4", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen %q: %w", cfg.Listen, err)
	}
	baddr, err := net.ResolveUDPAddr("udp4", cfg.Broadcast)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast %q: %w", cfg.Broadcast, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp listen %q: %w", cfg.Listen, err)
	}

	t := &UDPTransport{
		conn:      conn,
		broadcast: baddr,
		local:     cfg.LocalAddr,
		logger:    cfg.Logger,
		peers:     make(map[Addr]*udpPeer),
	}
	t.wg.Add(1)
	go t.readLoop()
	t.logger.Info("udp transport listening",
		"listen", conn.LocalAddr().String(),
		"broadcast", cfg.Broadcast,
		"hwaddr", cfg.LocalAddr.String(),
	)
	return t, nil
}

func (t *UDPTransport) Send(dest Addr, payload []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	var target *net.UDPAddr
	if dest.IsBroadcast() {
		target = t.broadcast
	} else if p, ok := t.peers[dest]; ok && p.udp != nil {
		target = p.udp
	}
	cb := t.sendCb
	t.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, dest)
	}

	buf := make([]byte, udpHdrSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], udpMagic)
	buf[2] = udpVersion
	copy(buf[3:9], t.local[:])
	copy(buf[udpHdrSize:], payload)

	_, err := t.conn.WriteToUDP(buf, target)
	if cb != nil {
		cb(dest, err == nil)
	}
	if err != nil {
		return fmt.Errorf("udp send to %s: %w", dest, err)
	}
	return nil
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.logger.Warn("udp read failed", "error", err)
			continue
		}
		if n < udpHdrSize {
			continue
		}
		pkt := buf[:n]
		if binary.BigEndian.Uint16(pkt[0:2]) != udpMagic || pkt[2] != udpVersion {
			continue
		}
		var src Addr
		copy(src[:], pkt[3:9])
		if src == t.local {
			// our own broadcast echoed back by the network
			continue
		}

		t.mu.Lock()
		if p, ok := t.peers[src]; ok {
			p.udp = raddr
		}
		cb := t.recvCb
		t.mu.Unlock()

		if cb != nil {
			cb(src, pkt[udpHdrSize:], RxMeta{RSSI: RSSISentinel})
		}
	}
}

func (t *UDPTransport) SetSendCallback(cb SendCallback) {
	t.mu.Lock()
	t.sendCb = cb
	t.mu.Unlock()
}

func (t *UDPTransport) SetRecvCallback(cb RecvCallback) {
	t.mu.Lock()
	t.recvCb = cb
	t.mu.Unlock()
}

func (t *UDPTransport) AddPeer(addr Addr, encrypted bool, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if p, ok := t.peers[addr]; ok {
		p.encrypted = encrypted
		p.key = append([]byte(nil), key...)
		return nil
	}
	t.peers[addr] = &udpPeer{encrypted: encrypted, key: append([]byte(nil), key...)}
	return nil
}

func (t *UDPTransport) PeerExists(addr Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[addr]
	return ok
}

func (t *UDPTransport) SetPrimaryKey(key []byte) error {
	t.mu.Lock()
	t.psk = append([]byte(nil), key...)
	t.mu.Unlock()
	return nil
}

// Close shuts the socket down and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}
