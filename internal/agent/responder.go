package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/malbeclabs/clocksync/pkg/wire"
)

// Responder listens for ping probes from peer replicas and replies with pongs
// stamped with our realtime clock.
//
// It runs a single-threaded read loop on a UDP socket with a read timeout.
// Use Run(ctx) to start it; it blocks until the context is cancelled. Use
// Close() to stop it and release the socket.
//
// Responder is not safe for concurrent use.
type Responder struct {
	log      *slog.Logger
	conn     *net.UDPConn
	timeout  time.Duration
	replica  uint8
	realtime func() int64
	once     sync.Once
}

// NewResponder listens on the given UDP port. The realtime function supplies
// the t1 stamp for pong replies and must be safe to call from the responder's
// goroutine.
func NewResponder(log *slog.Logger, port uint16, timeout time.Duration, replica uint8, realtime func() int64) (*Responder, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP port %d: %w", port, err)
	}
	return &Responder{
		log:      log,
		conn:     conn,
		timeout:  timeout,
		replica:  replica,
		realtime: realtime,
	}, nil
}

// Run starts the responder's read loop. It blocks until the context is done.
func (r *Responder) Run(ctx context.Context) error {
	r.log.Info("Starting probe responder", "address", r.conn.LocalAddr())

	// Close the connection when the context is cancelled to unblock reads.
	go func() {
		<-ctx.Done()
		r.Close()
	}()

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			r.log.Debug("Probe responder stopped by context", "error", ctx.Err())
			return nil
		default:
		}

		if r.timeout > 0 {
			if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
				if isClosedErr(err) {
					r.log.Debug("Probe responder socket closed")
					return nil
				}
				return fmt.Errorf("error setting read deadline: %w", err)
			}
		}

		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if isClosedErr(err) {
				r.log.Debug("Probe responder socket closed")
				return nil
			}
			r.log.Error("error reading from UDP", "address", addr, "error", err)
			continue
		}

		ping, err := wire.Decode(buf[:n])
		if err != nil {
			r.log.Debug("Received malformed packet", "address", addr, "length", n)
			continue
		}
		if ping.Type != wire.TypePing {
			r.log.Debug("Received non-ping packet", "address", addr, "type", ping.Type)
			continue
		}

		var reply [wire.PacketSize]byte
		wire.Packet{
			Type:    wire.TypePong,
			Replica: r.replica,
			M0:      ping.M0,
			T1:      r.realtime(),
		}.Encode(reply[:])

		if r.timeout > 0 {
			if err := r.conn.SetWriteDeadline(time.Now().Add(r.timeout)); err != nil {
				r.log.Error("error setting write deadline", "error", err)
				continue
			}
		}
		if _, err := r.conn.WriteToUDP(reply[:], addr); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if isClosedErr(err) {
				r.log.Debug("Probe responder socket closed")
				return nil
			}
			r.log.Error("error writing to UDP", "address", addr, "error", err)
			continue
		}
	}
}

// Close closes the responder by closing the listener connection.
func (r *Responder) Close() error {
	var err error
	r.once.Do(func() {
		r.log.Debug("Closing probe responder")
		err = r.conn.Close()
	})
	return err
}

// LocalAddr returns the address the responder is listening on.
func (r *Responder) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
