// Package wire defines the UDP packet format for clock synchronization
// probes: fixed-size ping/pong frames carrying the sender's monotonic
// timestamp and the responder's realtime timestamp.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// PacketSize is the fixed on-wire size of every probe packet. Packets of
	// any other size are dropped.
	PacketSize = 32

	// Version is the only wire version this implementation speaks.
	Version = 1
)

// magic identifies clock synchronization probe traffic.
var magic = [4]byte{'c', 's', 'y', 'n'}

// ErrInvalidPacket is returned when a received packet is malformed.
var ErrInvalidPacket = errors.New("invalid packet format")

// Type distinguishes probe requests from replies.
type Type uint8

const (
	TypePing Type = 1
	TypePong Type = 2
)

// Packet is one probe frame.
//
// A ping carries the sender's monotonic reading M0, which the responder
// echoes back unchanged so the sender can match replies to requests and
// reject stale pongs. A pong additionally carries T1, the responder's
// realtime reading when it replied.
type Packet struct {
	Type    Type
	Replica uint8
	M0      uint64
	T1      int64
}

// Encode writes the packet into buf, which must hold at least PacketSize
// bytes. The layout is big-endian:
//
//	magic(4) | version(1) | type(1) | replica(1) | pad(1) | m0(8) | t1(8) | pad(8)
func (p Packet) Encode(buf []byte) {
	if len(buf) < PacketSize {
		panic("wire: encode buffer smaller than packet size")
	}
	copy(buf[0:4], magic[:])
	buf[4] = Version
	buf[5] = byte(p.Type)
	buf[6] = p.Replica
	buf[7] = 0
	binary.BigEndian.PutUint64(buf[8:16], p.M0)
	binary.BigEndian.PutUint64(buf[16:24], uint64(p.T1))
	clear(buf[24:PacketSize])
}

// Decode parses a received datagram. Anything but a well-formed packet of
// exactly PacketSize bytes with valid magic, version, type, and zero padding
// returns ErrInvalidPacket.
func Decode(buf []byte) (Packet, error) {
	if len(buf) != PacketSize {
		return Packet{}, ErrInvalidPacket
	}
	if [4]byte(buf[0:4]) != magic {
		return Packet{}, ErrInvalidPacket
	}
	if buf[4] != Version {
		return Packet{}, ErrInvalidPacket
	}
	t := Type(buf[5])
	if t != TypePing && t != TypePong {
		return Packet{}, ErrInvalidPacket
	}
	if buf[7] != 0 {
		return Packet{}, ErrInvalidPacket
	}
	for _, b := range buf[24:PacketSize] {
		if b != 0 {
			return Packet{}, ErrInvalidPacket
		}
	}

	return Packet{
		Type:    t,
		Replica: buf[6],
		M0:      binary.BigEndian.Uint64(buf[8:16]),
		T1:      int64(binary.BigEndian.Uint64(buf[16:24])),
	}, nil
}
