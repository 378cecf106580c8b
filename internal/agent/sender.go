package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/malbeclabs/clocksync/pkg/wire"
)

// ErrTimeout is returned when a probe receives no pong in time.
var ErrTimeout = errors.New("timeout")

// Sender sends ping probes to a single peer and waits for the matching pong.
//
// A Sender owns one connected UDP socket. It is not safe for concurrent use;
// the probe loop issues at most one probe per peer at a time.
type Sender interface {
	Probe(ctx context.Context, m0 uint64) (wire.Packet, error)
	Close() error
}

type sender struct {
	log     *slog.Logger
	replica uint8
	remote  *net.UDPAddr
	conn    *net.UDPConn
	once    sync.Once
}

func NewSender(ctx context.Context, log *slog.Logger, replica uint8, remoteAddr *net.UDPAddr) (*sender, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", remoteAddr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to dial UDP: %w", err)
	}
	return &sender{
		log:     log,
		replica: replica,
		remote:  remoteAddr,
		conn:    conn.(*net.UDPConn),
	}, nil
}

func (s *sender) Close() error {
	var err error
	s.once.Do(func() {
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}

// Probe sends a ping carrying m0 and blocks until the matching pong arrives
// or the context's deadline passes; a context without a deadline gets one
// second. Cancelling the context does not interrupt the wait. Pongs echoing a
// different m0 are stale replies to an earlier probe and are skipped.
func (s *sender) Probe(ctx context.Context, m0 uint64) (wire.Packet, error) {
	var buf [wire.PacketSize]byte
	wire.Packet{Type: wire.TypePing, Replica: s.replica, M0: m0}.Encode(buf[:])

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return wire.Packet{}, fmt.Errorf("error setting write deadline: %w", err)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return wire.Packet{}, fmt.Errorf("error setting read deadline: %w", err)
	}

	if _, err := s.conn.Write(buf[:]); err != nil {
		return wire.Packet{}, fmt.Errorf("failed to write to UDP: %w", err)
	}

	for {
		n, err := s.conn.Read(buf[:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return wire.Packet{}, ErrTimeout
			}
			return wire.Packet{}, fmt.Errorf("failed to read from UDP: %w", err)
		}

		pong, err := wire.Decode(buf[:n])
		if err != nil {
			s.log.Debug("Dropping malformed packet", "remote", s.remote, "length", n)
			continue
		}
		if pong.Type != wire.TypePong || pong.M0 != m0 {
			// A stale pong from an earlier probe on this socket.
			continue
		}
		return pong, nil
	}
}

// LocalAddr returns the local address of the sender connection.
func (s *sender) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}
