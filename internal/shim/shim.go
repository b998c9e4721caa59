// Package shim provides the UDP underlay: a per-PDU packet channel plus
// the RINA-address-to-socket-address mapping every higher layer resolves
// through before it can send anything.
package shim

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arinet/ipcpd/internal/pdu"
)

var (
	ErrBindFailed        = errors.New("shim: bind failed")
	ErrPeerNotRegistered = errors.New("shim: peer not registered")
	ErrSendFailed        = errors.New("shim: send failed")
	ErrReceiveFailed     = errors.New("shim: receive failed")
	ErrSocketClosed      = errors.New("shim: socket closed")
)

const recvTimeout = 100 * time.Millisecond

// Shim is the UDP underlay for one IPC Process.
type Shim struct {
	mu     sync.RWMutex
	conn   *net.UDPConn
	peers  map[uint64]*net.UDPAddr
	logger *logrus.Entry
}

func New() *Shim {
	return &Shim{
		peers:  make(map[uint64]*net.UDPAddr),
		logger: logrus.WithField("subsystem", "shim"),
	}
}

// Bind opens a UDP socket on local and configures a short receive timeout
// so Recv never blocks its caller for long. Bind failures are fatal for
// the process per the spec's error-handling design.
func (s *Shim) Bind(local string) error {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.WithField("local", local).Info("shim bound")
	return nil
}

// RegisterPeer upserts the socket address a RINA address is reachable at.
func (s *Shim) RegisterPeer(rinaAddr uint64, socketAddr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[rinaAddr] = socketAddr
}

// PeerAddr returns the registered socket address for a RINA address.
func (s *Shim) PeerAddr(rinaAddr uint64) (*net.UDPAddr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.peers[rinaAddr]
	return addr, ok
}

// SendPDU encodes p and sends it to its registered destination.
func (s *Shim) SendPDU(p pdu.PDU) error {
	s.mu.RLock()
	conn := s.conn
	addr, ok := s.peers[p.DstAddr]
	s.mu.RUnlock()

	if conn == nil {
		return ErrSocketClosed
	}
	if !ok {
		return fmt.Errorf("%w: addr %d", ErrPeerNotRegistered, p.DstAddr)
	}

	data := pdu.Encode(p)
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// RecvPDU performs one non-blocking poll for an inbound packet. It
// returns (pdu, src, true) on a decoded packet, (zero, nil, false) on a
// timeout with nothing available, and a non-nil error only on a genuine
// decode or socket failure — never a plain timeout.
func (s *Shim) RecvPDU() (pdu.PDU, *net.UDPAddr, bool, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return pdu.PDU{}, nil, false, ErrSocketClosed
	}

	buf := make([]byte, 65535)
	if err := conn.SetReadDeadline(time.Now().Add(recvTimeout)); err != nil {
		return pdu.PDU{}, nil, false, fmt.Errorf("%w: %v", ErrReceiveFailed, err)
	}

	n, src, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return pdu.PDU{}, nil, false, nil
		}
		return pdu.PDU{}, nil, false, fmt.Errorf("%w: %v", ErrReceiveFailed, err)
	}

	p, err := pdu.Decode(buf[:n])
	if err != nil {
		s.logger.WithError(err).Warn("dropping undecodable packet")
		return pdu.PDU{}, nil, false, fmt.Errorf("%w: %v", ErrReceiveFailed, err)
	}
	return p, src, true, nil
}

// Close releases the underlying socket.
func (s *Shim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// LocalAddr returns the bound local socket address, if any.
func (s *Shim) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}
